// Package queue runs the automation queue: repair searches for dead
// URLs, TTL refreshes of indexed documents, and deficit rediscovery.
// Jobs live in the queue store partition; this package owns their state
// machine queued -> running -> {done, failed} -> cooldown.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"spechound/internal/events"
	"spechound/internal/logging"
	"spechound/internal/store"
)

// Job types.
const (
	TypeRepairSearch = "repair_search"
	TypeRefresh      = "refresh"
	TypeRediscovery  = "deficit_rediscovery"
)

// Job statuses.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCooldown = "cooldown"
	StatusExpired  = "expired"
)

// Payload carries the job's work description.
type Payload struct {
	Fingerprint  string   `json:"identity_fingerprint"`
	Domain       string   `json:"domain,omitempty"`
	URL          string   `json:"url,omitempty"`
	TargetFields []string `json:"target_fields,omitempty"`
	DocHint      string   `json:"doc_hint,omitempty"`
}

// DedupeKey collapses logically identical jobs across producers.
func DedupeKey(fingerprint, jobType, scope string) string {
	return fingerprint + "\x00" + jobType + "\x00" + scope
}

// Handler executes one job type. Returning an error fails the job.
type Handler func(ctx context.Context, job store.Job, payload Payload) error

// Config tunes the worker loop.
type Config struct {
	PollInterval   time.Duration
	JobTTL         time.Duration // queued jobs older than this expire unexecuted
	MaxAttempts    int
	RetryBackoff   time.Duration
	DomainCooldown time.Duration
}

// DefaultConfig returns worker defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		JobTTL:         7 * 24 * time.Hour,
		MaxAttempts:    3,
		RetryBackoff:   5 * time.Minute,
		DomainCooldown: 30 * time.Minute,
	}
}

// Worker drains the queue with one goroutine. Single-writer per
// partition: nothing else transitions jobs.
type Worker struct {
	store    *store.QueueStore
	cfg      Config
	sink     events.Sink
	handlers map[string]Handler
	now      func() time.Time
}

// NewWorker builds a worker over the queue partition.
func NewWorker(qs *store.QueueStore, cfg Config, sink events.Sink) *Worker {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Worker{
		store:    qs,
		cfg:      cfg,
		sink:     sink,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// Handle registers the executor for a job type.
func (w *Worker) Handle(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Enqueue adds a job unless its dedupe key is already present.
func (w *Worker) Enqueue(jobType string, payload Payload, scope string, priority int, due time.Time) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	now := w.now().UTC()
	if due.IsZero() {
		due = now
	}
	return w.store.Enqueue(store.Job{
		JobID:     uuid.New().String(),
		Type:      jobType,
		DedupeKey: DedupeKey(payload.Fingerprint, jobType, scope),
		Priority:  priority,
		Payload:   string(body),
		NextRunAt: due,
		CreatedAt: now,
	})
}

// EnqueueRepair records a repair-search intent for a domain that served
// dead URLs. Dedupe keeps it to one per (fingerprint, domain).
func (w *Worker) EnqueueRepair(runID, fingerprint, domain, deadURL string) (bool, error) {
	inserted, err := w.Enqueue(TypeRepairSearch,
		Payload{Fingerprint: fingerprint, Domain: domain, URL: deadURL},
		domain, 5, time.Time{})
	if err != nil || !inserted {
		return inserted, err
	}
	w.sink.Emit(events.Event{
		RunID: runID,
		TS:    w.now().UTC(),
		Stage: events.StageAutomation,
		Name:  events.RepairQueryEnqueued,
		Payload: map[string]interface{}{
			"domain": domain,
			"url":    deadURL,
		},
	})
	return true, nil
}

// Run drains due jobs until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	logging.Queue("queue worker started")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Queue("queue worker stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			for {
				worked, err := w.Step(ctx)
				if err != nil {
					logging.Queue("queue step error: %v", err)
					break
				}
				if !worked {
					break
				}
			}
		}
	}
}

// Step claims and executes at most one due job. Returns whether a job
// was processed.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	now := w.now().UTC()
	job, err := w.store.DequeueDue(now)
	if err != nil || job == nil {
		return false, err
	}

	// TTL: a job that sat queued past its useful life executes nothing.
	if w.cfg.JobTTL > 0 && now.Sub(job.CreatedAt) > w.cfg.JobTTL {
		return true, w.store.Transition(job.JobID, StatusExpired, "worker", "ttl_elapsed", time.Time{})
	}

	var payload Payload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return true, w.store.Transition(job.JobID, StatusFailed, "worker", "bad_payload", time.Time{})
	}

	// Domain backoff ledger: defer rather than burn an attempt.
	if payload.Domain != "" {
		until, _, err := w.store.DomainBackoff(payload.Domain)
		if err != nil {
			return true, err
		}
		if until.After(now) {
			return true, w.store.Transition(job.JobID, StatusQueued, "worker", "domain_backoff", until)
		}
	}

	h, ok := w.handlers[job.Type]
	if !ok {
		return true, w.store.Transition(job.JobID, StatusFailed, "worker", "no_handler", time.Time{})
	}

	if err := h(ctx, *job, payload); err != nil {
		return true, w.fail(*job, payload, err)
	}
	return true, w.store.Transition(job.JobID, StatusDone, "worker", "", time.Time{})
}

// fail retries with backoff until attempts are spent, then parks the
// job in cooldown and strikes the domain.
func (w *Worker) fail(job store.Job, payload Payload, cause error) error {
	now := w.now().UTC()
	if job.Attempts < w.cfg.MaxAttempts {
		return w.store.Transition(job.JobID, StatusQueued, "worker",
			fmt.Sprintf("retry: %v", cause), now.Add(w.cfg.RetryBackoff))
	}
	if payload.Domain != "" {
		if err := w.store.StrikeDomain(payload.Domain, now.Add(w.cfg.DomainCooldown)); err != nil {
			return err
		}
	}
	return w.store.Transition(job.JobID, StatusCooldown, "worker",
		fmt.Sprintf("attempts exhausted: %v", cause), now.Add(w.cfg.DomainCooldown))
}
