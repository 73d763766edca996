package store

import (
	"database/sql"
	"time"

	"casparian/internal/core"
	"casparian/internal/logging"
)

// MaterializationStatus enumerates ledger outcomes.
type MaterializationStatus string

const (
	MaterializationSucceeded MaterializationStatus = "succeeded"
	MaterializationFailed    MaterializationStatus = "failed"
)

// MaterializationRow records the outcome of one (file version, parser
// fingerprint, output target) write.
type MaterializationRow struct {
	Key         string
	JobID       string
	RowsWritten int64
	Status      MaterializationStatus
	Transient   bool
	CreatedAt   time.Time
}

// GetMaterialization returns the ledger row for a key, or NotFound.
func (s *Store) GetMaterialization(key string) (*MaterializationRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		m         MaterializationRow
		status    string
		transient int
	)
	err := s.db.QueryRow(`
		SELECT key, job_id, rows_written, status, transient, created_at
		FROM materializations WHERE key = ?`, key).Scan(
		&m.Key, &m.JobID, &m.RowsWritten, &status, &transient, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "no materialization for key")
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup materialization")
	}
	m.Status = MaterializationStatus(status)
	m.Transient = transient != 0
	return &m, nil
}

// RecordMaterializationSuccess inserts a succeeded ledger row. First success
// wins: if a succeeded row already exists for the key, the call is a no-op
// and returns the prior row. A prior failed row is overwritten.
func (s *Store) RecordMaterializationSuccess(key, jobID string, rowsWritten int64) (*MaterializationRow, error) {
	var prior *MaterializationRow
	err := s.WithTx(func(tx *sql.Tx) error {
		var (
			existing  MaterializationRow
			status    string
			transient int
		)
		err := tx.QueryRow(`
			SELECT key, job_id, rows_written, status, transient, created_at
			FROM materializations WHERE key = ?`, key).Scan(
			&existing.Key, &existing.JobID, &existing.RowsWritten, &status,
			&transient, &existing.CreatedAt)
		switch {
		case err == nil:
			existing.Status = MaterializationStatus(status)
			existing.Transient = transient != 0
			if existing.Status == MaterializationSucceeded {
				prior = &existing
				logging.StoreDebug("ledger no-op: key already succeeded via job %s", existing.JobID)
				return nil
			}
			// Retry after a recorded failure replaces the row.
			if _, err := tx.Exec(`
				UPDATE materializations SET job_id = ?, rows_written = ?,
					status = 'succeeded', transient = 0, created_at = CURRENT_TIMESTAMP
				WHERE key = ?`, jobID, rowsWritten, key); err != nil {
				return core.Wrap(core.KindDatabase, err, "promote failed materialization")
			}
			return nil
		case err != sql.ErrNoRows:
			return core.Wrap(core.KindDatabase, err, "lookup materialization")
		}

		if _, err := tx.Exec(`
			INSERT INTO materializations (key, job_id, rows_written, status)
			VALUES (?, ?, ?, 'succeeded')`, key, jobID, rowsWritten); err != nil {
			return core.Wrap(core.KindDatabase, err, "insert materialization")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return prior, nil
	}
	return &MaterializationRow{
		Key: key, JobID: jobID, RowsWritten: rowsWritten,
		Status: MaterializationSucceeded,
	}, nil
}

// RecordMaterializationFailure records a failed outcome. A succeeded row is
// never downgraded.
func (s *Store) RecordMaterializationFailure(key, jobID string, transient bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO materializations (key, job_id, rows_written, status, transient)
		VALUES (?, ?, 0, 'failed', ?)
		ON CONFLICT(key) DO UPDATE SET
			job_id = excluded.job_id,
			transient = excluded.transient,
			created_at = CURRENT_TIMESTAMP
		WHERE materializations.status != 'succeeded'`,
		key, jobID, boolInt(transient))
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "record materialization failure")
	}
	return nil
}

// SucceededMaterializations counts succeeded rows, used by tests and
// idempotence checks.
func (s *Store) SucceededMaterializations() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM materializations WHERE status = 'succeeded'").Scan(&n)
	if err != nil {
		return 0, core.Wrap(core.KindDatabase, err, "count materializations")
	}
	return n, nil
}
