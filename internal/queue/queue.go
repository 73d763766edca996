// Package queue implements the persistent job queue: durable enqueue,
// atomic claim with leases, heartbeats, retry with backoff and cancel.
// Ordering is FIFO within a (workspace, priority) band; a higher priority
// band always claims first.
package queue

import (
	"database/sql"
	"time"

	"casparian/internal/config"
	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// Status enumerates job states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status can still change.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Origin distinguishes durable jobs from ephemeral ones that exist only in
// a live view and are never persisted by the merge rules.
type Origin string

const (
	OriginPersistent Origin = "persistent"
	OriginEphemeral  Origin = "ephemeral"
)

// Job is one unit of parser work.
type Job struct {
	ID              string
	Seq             int64
	WorkspaceID     string
	Kind            string
	ParserRef       string
	InputFileID     string
	SnapshotHash    string
	Status          Status
	Priority        int
	Attempts        int
	Origin          Origin
	ClaimWorker     string
	ClaimDeadlineMS int64
	CancelRequested bool
	NotBeforeMS     int64
	LogsPointer     string
	OutputInfo      string
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Queue runs claim semantics over the shared control-plane database.
type Queue struct {
	store *store.Store
	cfg   config.QueueConfig
	now   func() time.Time
}

// New creates a queue.
func New(st *store.Store, cfg config.QueueConfig) *Queue {
	return &Queue{store: st, cfg: cfg, now: time.Now}
}

func (q *Queue) nowMS() int64 { return q.now().UnixMilli() }

// Enqueue persists a queued job, assigning its FIFO sequence number.
func (q *Queue) Enqueue(j *Job) error {
	if j.ID == "" {
		j.ID = ident.NewID()
	}
	if j.Origin == "" {
		j.Origin = OriginPersistent
	}
	j.Status = StatusQueued
	return q.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("INSERT INTO job_seq DEFAULT VALUES")
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "allocate job seq")
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "read job seq")
		}
		j.Seq = seq
		_, err = tx.Exec(`
			INSERT INTO jobs (id, seq, workspace_id, kind, parser_ref, input_file_id,
				snapshot_hash, status, priority, origin, not_before_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?, ?)`,
			j.ID, j.Seq, j.WorkspaceID, j.Kind, j.ParserRef, j.InputFileID,
			j.SnapshotHash, j.Priority, string(j.Origin), j.NotBeforeMS)
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "enqueue job %s", j.ID)
		}
		logging.Queue("Enqueued %s seq=%d prio=%d kind=%s", j.ID, j.Seq, j.Priority, j.Kind)
		return nil
	})
}

// Claim atomically takes the next eligible job for a worker: highest
// priority band first, then seq order within the band. Returns NotFound
// when nothing is claimable. The claim moves the job straight to
// running: a separate claimed state would only exist for the instant
// between the guarded UPDATE and the worker starting, and the claim
// columns (claim_worker, claim_deadline_ms) already record who holds it.
func (q *Queue) Claim(workspaceID, workerID string) (*Job, error) {
	now := q.nowMS()
	deadline := now + q.cfg.Lease().Milliseconds()

	var id string
	err := q.store.WithTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(`
			SELECT id FROM jobs
			WHERE workspace_id = ? AND status = 'queued'
				AND not_before_ms <= ? AND cancel_requested = 0
			ORDER BY priority DESC, seq ASC LIMIT 1`,
			workspaceID, now).Scan(&id)
		if err == sql.ErrNoRows {
			return core.E(core.KindNotFound, "no claimable jobs")
		}
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "select claimable job")
		}
		res, err := tx.Exec(`
			UPDATE jobs SET status = 'running', claim_worker = ?, claim_deadline_ms = ?,
				attempts = attempts + 1, started_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'queued'`, workerID, deadline, id)
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "claim job %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.E(core.KindNotFound, "job %s claimed concurrently", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.QueueDebug("worker %s claimed %s (deadline %d)", workerID, id, deadline)
	return q.Get(id)
}

// Heartbeat extends a worker's lease. Losing the claim (reap or cancel)
// surfaces as InvalidState so the worker stops.
func (q *Queue) Heartbeat(jobID, workerID string) error {
	deadline := q.nowMS() + q.cfg.Lease().Milliseconds()
	res, err := q.store.DB().Exec(`
		UPDATE jobs SET claim_deadline_ms = ?
		WHERE id = ? AND claim_worker = ? AND status = 'running'`,
		deadline, jobID, workerID)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "heartbeat job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindInvalidState, "job %s is no longer held by %s", jobID, workerID)
	}
	return nil
}

// CancelRequested reports whether a cancel was requested for a running job.
// Workers poll this alongside heartbeats.
func (q *Queue) CancelRequested(jobID string) (bool, error) {
	var flag int
	err := q.store.DB().QueryRow(
		"SELECT cancel_requested FROM jobs WHERE id = ?", jobID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, core.E(core.KindNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return false, core.Wrap(core.KindDatabase, err, "read cancel flag")
	}
	return flag != 0, nil
}

// Complete marks a running job succeeded and records its output summary.
func (q *Queue) Complete(jobID, workerID, outputInfo string) error {
	res, err := q.store.DB().Exec(`
		UPDATE jobs SET status = 'succeeded', output_info = ?, error = NULL,
			claim_worker = NULL, claim_deadline_ms = NULL, finished_at = CURRENT_TIMESTAMP
		WHERE id = ? AND claim_worker = ? AND status = 'running'`,
		nullIfEmpty(outputInfo), jobID, workerID)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "complete job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindInvalidState, "job %s is not running under %s", jobID, workerID)
	}
	logging.Queue("Job %s succeeded", jobID)
	return nil
}

// Fail records a failure. Transient failures under the attempt budget are
// re-queued with exponential backoff; everything else is terminal.
func (q *Queue) Fail(jobID, workerID, errMsg string, transient bool) error {
	return q.store.WithTx(func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRow(`
			SELECT attempts FROM jobs
			WHERE id = ? AND claim_worker = ? AND status = 'running'`,
			jobID, workerID).Scan(&attempts)
		if err == sql.ErrNoRows {
			return core.E(core.KindInvalidState, "job %s is not running under %s", jobID, workerID)
		}
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "read job attempts")
		}

		if transient && attempts < q.cfg.MaxAttempts {
			notBefore := q.nowMS() + q.cfg.Backoff(attempts).Milliseconds()
			_, err = tx.Exec(`
				UPDATE jobs SET status = 'queued', error = ?, claim_worker = NULL,
					claim_deadline_ms = NULL, not_before_ms = ?
				WHERE id = ?`, errMsg, notBefore, jobID)
			if err != nil {
				return core.Wrap(core.KindDatabase, err, "requeue job %s", jobID)
			}
			logging.Queue("Job %s transient failure, retry %d/%d after backoff",
				jobID, attempts, q.cfg.MaxAttempts)
			return nil
		}

		_, err = tx.Exec(`
			UPDATE jobs SET status = 'failed', error = ?, claim_worker = NULL,
				claim_deadline_ms = NULL, finished_at = CURRENT_TIMESTAMP
			WHERE id = ?`, errMsg, jobID)
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "fail job %s", jobID)
		}
		logging.Queue("Job %s failed permanently: %s", jobID, errMsg)
		return nil
	})
}

// Cancel requests cancellation. Queued jobs cancel immediately; running
// jobs get the flag set and cancel cooperatively when the worker notices.
func (q *Queue) Cancel(jobID string) error {
	return q.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE jobs SET status = 'cancelled', finished_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'queued'`, jobID)
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "cancel job %s", jobID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			logging.Queue("Job %s cancelled while queued", jobID)
			return nil
		}
		res, err = tx.Exec(`
			UPDATE jobs SET cancel_requested = 1
			WHERE id = ? AND status = 'running'`, jobID)
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "request cancel for %s", jobID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.E(core.KindInvalidState, "job %s is not cancellable", jobID)
		}
		logging.Queue("Cancel requested for running job %s", jobID)
		return nil
	})
}

// AckCancel moves a running job whose worker observed the cancel flag to
// cancelled.
func (q *Queue) AckCancel(jobID, workerID string) error {
	res, err := q.store.DB().Exec(`
		UPDATE jobs SET status = 'cancelled', claim_worker = NULL,
			claim_deadline_ms = NULL, finished_at = CURRENT_TIMESTAMP
		WHERE id = ? AND claim_worker = ? AND status = 'running'`, jobID, workerID)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "ack cancel for %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindInvalidState, "job %s is not running under %s", jobID, workerID)
	}
	return nil
}

// ReapExpired re-queues running jobs whose lease deadline passed, so work
// held by a dead worker becomes claimable again. Jobs out of attempts fail
// instead.
func (q *Queue) ReapExpired() (int, error) {
	now := q.nowMS()
	var reaped int
	err := q.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE jobs SET status = 'queued', claim_worker = NULL, claim_deadline_ms = NULL,
				error = 'lease expired'
			WHERE status = 'running' AND claim_deadline_ms < ? AND attempts < ?`,
			now, q.cfg.MaxAttempts)
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "reap expired leases")
		}
		n, _ := res.RowsAffected()
		reaped = int(n)

		_, err = tx.Exec(`
			UPDATE jobs SET status = 'failed', claim_worker = NULL, claim_deadline_ms = NULL,
				error = 'lease expired, attempts exhausted', finished_at = CURRENT_TIMESTAMP
			WHERE status = 'running' AND claim_deadline_ms < ?`, now)
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "fail exhausted leases")
		}
		return nil
	})
	if reaped > 0 {
		logging.Queue("Reaped %d expired lease(s)", reaped)
	}
	return reaped, err
}

// Get returns a job by id.
func (q *Queue) Get(id string) (*Job, error) {
	j, err := scanJob(q.store.DB().QueryRow(jobSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup job %s", id)
	}
	return j, nil
}

// List returns the jobs for a workspace in claim order.
func (q *Queue) List(workspaceID string) ([]*Job, error) {
	rows, err := q.store.DB().Query(
		jobSelect+" WHERE workspace_id = ? ORDER BY priority DESC, seq ASC", workspaceID)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "list jobs")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, core.Wrap(core.KindDatabase, err, "scan job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetLogsPointer records where the job's log file lives.
func (q *Queue) SetLogsPointer(jobID, pointer string) error {
	_, err := q.store.DB().Exec(
		"UPDATE jobs SET logs_pointer = ? WHERE id = ?", pointer, jobID)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "set logs pointer for %s", jobID)
	}
	return nil
}

const jobSelect = `
	SELECT id, seq, workspace_id, kind, COALESCE(parser_ref, ''), COALESCE(input_file_id, ''),
		COALESCE(snapshot_hash, ''), status, priority, attempts, origin,
		COALESCE(claim_worker, ''), COALESCE(claim_deadline_ms, 0), cancel_requested,
		not_before_ms, COALESCE(logs_pointer, ''), COALESCE(output_info, ''),
		COALESCE(error, ''), created_at, started_at, finished_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                     Job
		status, origin        string
		cancelFlag            int
		startedAt, finishedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Seq, &j.WorkspaceID, &j.Kind, &j.ParserRef, &j.InputFileID,
		&j.SnapshotHash, &status, &j.Priority, &j.Attempts, &origin,
		&j.ClaimWorker, &j.ClaimDeadlineMS, &cancelFlag,
		&j.NotBeforeMS, &j.LogsPointer, &j.OutputInfo,
		&j.Error, &j.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Origin = Origin(origin)
	j.CancelRequested = cancelFlag != 0
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
