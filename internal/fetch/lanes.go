package fetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"spechound/internal/config"
	"spechound/internal/logging"
)

// Lane names.
const (
	LaneSearch = "search"
	LaneFetch  = "fetch"
	LaneParse  = "parse"
	LaneLLM    = "llm"
)

// Lane bounds one class of work with a worker semaphore, a pause gate,
// and an optional token budget.
type Lane struct {
	name        string
	sem         *semaphore.Weighted
	tokenBudget int64
	tokensUsed  atomic.Int64

	mu     sync.Mutex
	gate   chan struct{} // closed = running; open channel blocks at pause
	paused bool
}

func newLane(name string, cfg config.LaneConfig) *Lane {
	gate := make(chan struct{})
	close(gate)
	return &Lane{
		name:        name,
		sem:         semaphore.NewWeighted(int64(cfg.Workers)),
		tokenBudget: int64(cfg.TokenBudget),
		gate:        gate,
	}
}

// Do runs fn under the lane's concurrency bound, honoring pause state
// and context cancellation.
func (l *Lane) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	select {
	case <-gate:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(ctx)
}

// Pause blocks new work from starting; in-flight work finishes.
func (l *Lane) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.paused {
		l.paused = true
		l.gate = make(chan struct{})
		logging.Fetch("Lane %s paused", l.name)
	}
}

// Resume reopens the lane.
func (l *Lane) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		l.paused = false
		close(l.gate)
		logging.Fetch("Lane %s resumed", l.name)
	}
}

// UseTokens charges n tokens against the lane budget.
func (l *Lane) UseTokens(n int) error {
	if l.tokenBudget <= 0 {
		return nil
	}
	used := l.tokensUsed.Add(int64(n))
	if used > l.tokenBudget {
		return fmt.Errorf("lane %s: token budget %d exceeded (%d used)", l.name, l.tokenBudget, used)
	}
	return nil
}

// TokensUsed returns the tokens charged so far.
func (l *Lane) TokensUsed() int { return int(l.tokensUsed.Load()) }

// Lanes is the full lane set for one scheduler.
type Lanes struct {
	Search *Lane
	Fetch  *Lane
	Parse  *Lane
	LLM    *Lane
}

// NewLanes builds all four lanes from config.
func NewLanes(cfg config.LanesConfig) *Lanes {
	return &Lanes{
		Search: newLane(LaneSearch, cfg.Search),
		Fetch:  newLane(LaneFetch, cfg.Fetch),
		Parse:  newLane(LaneParse, cfg.Parse),
		LLM:    newLane(LaneLLM, cfg.LLM),
	}
}

// PauseAll stops all lanes; Resume reverses it.
func (ls *Lanes) PauseAll() {
	ls.Search.Pause()
	ls.Fetch.Pause()
	ls.Parse.Pause()
	ls.LLM.Pause()
}

// ResumeAll reopens all lanes.
func (ls *Lanes) ResumeAll() {
	ls.Search.Resume()
	ls.Fetch.Resume()
	ls.Parse.Resume()
	ls.LLM.Resume()
}
