package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"casparian/internal/core"
)

// SpecRow is a persisted selection spec.
type SpecRow struct {
	ID             string
	WorkspaceID    string
	FiltersJSON    string
	WatermarkField string
}

// SnapshotRow is an immutable materialization of "which files, at which
// versions" for a logical date.
type SnapshotRow struct {
	ID             string
	SpecID         string
	FileIDs        []string
	SnapshotHash   string
	LogicalDate    string
	WatermarkValue string
	Portable       bool
	CreatedAt      time.Time
}

// RunStatus enumerates pipeline-run states.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Pipeline is a named, versioned parser configuration.
type Pipeline struct {
	ID      string
	Name    string
	Version int
	Config  string
}

// PipelineRun ties a pipeline to a snapshot for one logical date.
type PipelineRun struct {
	ID                    string
	PipelineID            string
	SelectionSnapshotHash string
	LogicalDate           string
	Status                RunStatus
}

// InsertSpec stores a selection spec.
func (s *Store) InsertSpec(spec *SpecRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO selection_specs (id, workspace_id, filters, watermark_field)
		VALUES (?, ?, ?, ?)`,
		spec.ID, spec.WorkspaceID, spec.FiltersJSON, nullable(spec.WatermarkField))
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "insert selection spec")
	}
	return nil
}

// InsertSnapshot stores an immutable snapshot. A snapshot for the same
// (spec, logical_date) already existing is a Constraint error; callers reuse
// via GetSnapshotForDate instead.
func (s *Store) InsertSnapshot(snap *SnapshotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := json.Marshal(snap.FileIDs)
	if err != nil {
		return core.Wrap(core.KindSerialization, err, "marshal snapshot file ids")
	}
	_, err = s.db.Exec(`
		INSERT INTO selection_snapshots (id, spec_id, file_ids, snapshot_hash, logical_date, watermark_value, portable)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.SpecID, string(ids), snap.SnapshotHash, snap.LogicalDate,
		nullable(snap.WatermarkValue), boolInt(snap.Portable))
	if err != nil {
		return core.Wrap(core.KindConstraint, err, "insert snapshot for %s", snap.LogicalDate)
	}
	return nil
}

// GetSnapshotForDate returns the snapshot for (spec, logical_date) if one
// exists.
func (s *Store) GetSnapshotForDate(specID, logicalDate string) (*SnapshotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSnapshot("spec_id = ? AND logical_date = ?", specID, logicalDate)
}

// GetSnapshotByHash returns a snapshot by its hash.
func (s *Store) GetSnapshotByHash(hash string) (*SnapshotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSnapshot("snapshot_hash = ?", hash)
}

func (s *Store) getSnapshot(where string, args ...interface{}) (*SnapshotRow, error) {
	var (
		snap      SnapshotRow
		idsJSON   string
		watermark sql.NullString
		portable  int
	)
	err := s.db.QueryRow(`
		SELECT id, spec_id, file_ids, snapshot_hash, logical_date, watermark_value, portable, created_at
		FROM selection_snapshots WHERE `+where, args...).Scan(
		&snap.ID, &snap.SpecID, &idsJSON, &snap.SnapshotHash, &snap.LogicalDate,
		&watermark, &portable, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "snapshot not found")
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup snapshot")
	}
	if err := json.Unmarshal([]byte(idsJSON), &snap.FileIDs); err != nil {
		return nil, core.Wrap(core.KindSerialization, err, "unmarshal snapshot file ids")
	}
	snap.WatermarkValue = watermark.String
	snap.Portable = portable != 0
	return &snap, nil
}

// InsertPipeline stores a pipeline.
func (s *Store) InsertPipeline(p *Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO pipelines (id, name, version, config) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Version, nullable(p.Config))
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "insert pipeline %s", p.Name)
	}
	return nil
}

// InsertRun stores a pipeline run after verifying its snapshot exists.
// A run may never reference a snapshot hash with no snapshot row behind it.
func (s *Store) InsertRun(r *PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM selection_snapshots WHERE snapshot_hash = ?",
		r.SelectionSnapshotHash).Scan(&exists)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "verify snapshot")
	}
	if exists == 0 {
		return core.E(core.KindConstraint,
			"run references unknown snapshot hash %s", r.SelectionSnapshotHash)
	}

	if r.Status == "" {
		r.Status = RunQueued
	}
	_, err = s.db.Exec(`
		INSERT INTO pipeline_runs (id, pipeline_id, selection_snapshot_hash, logical_date, status)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.PipelineID, r.SelectionSnapshotHash, r.LogicalDate, string(r.Status))
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "insert run")
	}
	return nil
}

// UpdateRunStatus transitions a run. Terminal states are sticky.
func (s *Store) UpdateRunStatus(runID string, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE pipeline_runs SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		string(status), runID)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "update run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindInvalidState, "run %s is terminal or missing", runID)
	}
	return nil
}

// GetRun returns a pipeline run by id.
func (s *Store) GetRun(id string) (*PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r PipelineRun
	var status string
	err := s.db.QueryRow(`
		SELECT id, pipeline_id, selection_snapshot_hash, logical_date, status
		FROM pipeline_runs WHERE id = ?`, id).Scan(
		&r.ID, &r.PipelineID, &r.SelectionSnapshotHash, &r.LogicalDate, &status)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup run %s", id)
	}
	r.Status = RunStatus(status)
	return &r, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
