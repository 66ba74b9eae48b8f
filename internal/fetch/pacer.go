package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// hostPacer enforces politeness per host: a minimum delay between
// request starts and a cap on concurrent in-flight requests.
type hostPacer struct {
	minDelay    time.Duration
	inFlightCap int64

	mu    sync.Mutex
	hosts map[string]*hostSlot
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type hostSlot struct {
	mu        sync.Mutex
	nextStart time.Time
	inFlight  *semaphore.Weighted
}

func newHostPacer(minDelay time.Duration, inFlightCap int) *hostPacer {
	if inFlightCap < 1 {
		inFlightCap = 1
	}
	return &hostPacer{
		minDelay:    minDelay,
		inFlightCap: int64(inFlightCap),
		hosts:       make(map[string]*hostSlot),
		now:         time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func (p *hostPacer) slot(host string) *hostSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.hosts[host]
	if !ok {
		s = &hostSlot{inFlight: semaphore.NewWeighted(p.inFlightCap)}
		p.hosts[host] = s
	}
	return s
}

// acquire blocks until the host allows another request, then reserves
// an in-flight slot. The returned release must be called when done.
func (p *hostPacer) acquire(ctx context.Context, host string) (release func(), err error) {
	s := p.slot(host)

	if err := s.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := p.now()
	wait := s.nextStart.Sub(now)
	if wait < 0 {
		wait = 0
	}
	start := now.Add(wait)
	s.nextStart = start.Add(p.minDelay)
	s.mu.Unlock()

	if wait > 0 {
		if err := p.sleep(ctx, wait); err != nil {
			s.inFlight.Release(1)
			return nil, err
		}
	}
	return func() { s.inFlight.Release(1) }, nil
}
