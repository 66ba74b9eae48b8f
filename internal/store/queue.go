package store

import (
	"database/sql"
	"fmt"
	"time"
)

// QueueStore is the automation queue partition. Owned by internal/queue.
type QueueStore struct {
	local *Local
}

// Job is one queued work item. DedupeKey collapses logically identical
// jobs; Priority is higher-first at equal due time.
type Job struct {
	JobID     string
	Type      string
	DedupeKey string
	Priority  int
	Status    string
	Payload   string
	NextRunAt time.Time
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Enqueue inserts a job unless its dedupe key already exists.
// Returns true when the job was actually inserted.
func (q *QueueStore) Enqueue(job Job) (bool, error) {
	res, err := q.local.exec(`
		INSERT OR IGNORE INTO queue_jobs
		(job_id, type, dedupe_key, priority, status, payload, next_run_at,
		 attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?, 0, NULL, ?, ?)`,
		job.JobID, job.Type, job.DedupeKey, job.Priority, job.Payload,
		job.NextRunAt, job.CreatedAt, job.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := q.recordAction(job.JobID, "", "queued", "enqueue", ""); err != nil {
			return true, err
		}
	}
	return n > 0, nil
}

// DequeueDue claims the highest-priority due job, marking it running.
// Returns nil when nothing is due.
func (q *QueueStore) DequeueDue(now time.Time) (*Job, error) {
	var job *Job
	err := q.local.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT job_id, type, dedupe_key, priority, status, payload, next_run_at,
			       attempts, COALESCE(last_error, ''), created_at, updated_at
			FROM queue_jobs
			WHERE status = 'queued' AND next_run_at <= ?
			ORDER BY priority DESC, next_run_at ASC
			LIMIT 1`, now)
		var j Job
		if err := row.Scan(&j.JobID, &j.Type, &j.DedupeKey, &j.Priority, &j.Status,
			&j.Payload, &j.NextRunAt, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if _, err := tx.Exec(`
			UPDATE queue_jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
			WHERE job_id = ?`, now, j.JobID); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO queue_actions (job_id, from_status, to_status, actor, reason, at)
			VALUES (?, 'queued', 'running', 'dequeue', NULL, ?)`, j.JobID, now); err != nil {
			return err
		}
		j.Status = "running"
		j.Attempts++
		job = &j
		return nil
	})
	return job, err
}

// Transition moves a job to a new status, recording the audit row.
// Reschedule sets next_run_at for retry transitions back to queued.
func (q *QueueStore) Transition(jobID, toStatus, actor, reason string, reschedule time.Time) error {
	return q.local.withTx(func(tx *sql.Tx) error {
		var from string
		row := tx.QueryRow(`SELECT status FROM queue_jobs WHERE job_id = ?`, jobID)
		if err := row.Scan(&from); err != nil {
			return fmt.Errorf("failed to load job %s: %w", jobID, err)
		}
		now := time.Now().UTC()
		if reschedule.IsZero() {
			reschedule = now
		}
		if _, err := tx.Exec(`
			UPDATE queue_jobs SET status = ?, last_error = ?, next_run_at = ?, updated_at = ?
			WHERE job_id = ?`,
			toStatus, nullString(reason), reschedule, now, jobID); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO queue_actions (job_id, from_status, to_status, actor, reason, at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			jobID, from, toStatus, actor, nullString(reason), now)
		return err
	})
}

// JobByDedupeKey returns the job holding a dedupe key, or nil.
func (q *QueueStore) JobByDedupeKey(key string) (*Job, error) {
	row := q.local.db.QueryRow(`
		SELECT job_id, type, dedupe_key, priority, status, payload, next_run_at,
		       attempts, COALESCE(last_error, ''), created_at, updated_at
		FROM queue_jobs WHERE dedupe_key = ?`, key)
	var j Job
	if err := row.Scan(&j.JobID, &j.Type, &j.DedupeKey, &j.Priority, &j.Status,
		&j.Payload, &j.NextRunAt, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

// JobsByStatus lists jobs in a status, oldest first.
func (q *QueueStore) JobsByStatus(status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.local.db.Query(`
		SELECT job_id, type, dedupe_key, priority, status, payload, next_run_at,
		       attempts, COALESCE(last_error, ''), created_at, updated_at
		FROM queue_jobs WHERE status = ?
		ORDER BY created_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.JobID, &j.Type, &j.DedupeKey, &j.Priority, &j.Status,
			&j.Payload, &j.NextRunAt, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DomainBackoff returns the backoff expiry for a domain; zero when clear.
func (q *QueueStore) DomainBackoff(domain string) (time.Time, int, error) {
	var until time.Time
	var strikes int
	row := q.local.db.QueryRow(
		`SELECT until, strikes FROM domain_backoff WHERE domain = ?`, domain)
	if err := row.Scan(&until, &strikes); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, 0, nil
		}
		return time.Time{}, 0, err
	}
	return until, strikes, nil
}

// StrikeDomain extends a domain's backoff and bumps its strike count.
func (q *QueueStore) StrikeDomain(domain string, until time.Time) error {
	_, err := q.local.exec(`
		INSERT INTO domain_backoff (domain, until, strikes) VALUES (?, ?, 1)
		ON CONFLICT(domain) DO UPDATE SET until = excluded.until, strikes = strikes + 1`,
		domain, until)
	return err
}

// Actions returns the audit trail for a job, oldest first.
func (q *QueueStore) Actions(jobID string) ([]JobAction, error) {
	rows, err := q.local.db.Query(`
		SELECT COALESCE(from_status, ''), to_status, actor, COALESCE(reason, ''), at
		FROM queue_actions WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var acts []JobAction
	for rows.Next() {
		var a JobAction
		a.JobID = jobID
		if err := rows.Scan(&a.FromStatus, &a.ToStatus, &a.Actor, &a.Reason, &a.At); err != nil {
			return nil, err
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

// JobAction is one audit-log row.
type JobAction struct {
	JobID      string
	FromStatus string
	ToStatus   string
	Actor      string
	Reason     string
	At         time.Time
}

func (q *QueueStore) recordAction(jobID, from, to, actor, reason string) error {
	_, err := q.local.exec(`
		INSERT INTO queue_actions (job_id, from_status, to_status, actor, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, nullString(from), to, actor, nullString(reason), time.Now().UTC())
	return err
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
