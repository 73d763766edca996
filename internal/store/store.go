// Package store owns the Casparian Flow control plane: a single sqlite
// database holding the catalog, schema contracts, selections, jobs, the
// materialization ledger and intent sessions.
//
// Writes go through one serialized connection (SetMaxOpenConns(1) plus WAL);
// readers share it. Transactions are short: long computation happens outside
// them.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"casparian/internal/core"
	"casparian/internal/logging"
)

// Store is the control-plane database handle.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the sqlite database at the given path, creating the
// parent directory and schema as needed.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening control plane at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, core.Wrap(core.KindIO, err, "create state directory %s", dir)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "open database %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Control plane schema ready")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	workspacesTable := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	sourcesTable := `
	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		root TEXT NOT NULL,
		poll_interval_sec INTEGER DEFAULT 0,
		enabled INTEGER DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(workspace_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_sources_workspace ON sources(workspace_id);
	`

	// (workspace_id, file_uid) is the primary identity: strong UIDs survive
	// renames without losing the row id, tags or history.
	filesTable := `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		source_id TEXT REFERENCES sources(id),
		abs_path TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		mtime_ms INTEGER NOT NULL,
		file_uid TEXT NOT NULL,
		uid_strength TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(workspace_id, file_uid)
	);
	CREATE INDEX IF NOT EXISTS idx_files_workspace ON files(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_files_abs_path ON files(workspace_id, abs_path);
	CREATE INDEX IF NOT EXISTS idx_files_source ON files(source_id);
	`

	fileTagsTable := `
	CREATE TABLE IF NOT EXISTS file_tags (
		file_id TEXT NOT NULL REFERENCES files(id),
		tag TEXT NOT NULL,
		rule_pattern TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(file_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_file_tags_tag ON file_tags(tag);
	`

	taggingRulesTable := `
	CREATE TABLE IF NOT EXISTS tagging_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		pattern TEXT NOT NULL,
		tag TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		subscribed INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_rules_workspace ON tagging_rules(workspace_id, priority DESC);
	`

	contractsTable := `
	CREATE TABLE IF NOT EXISTS schema_contracts (
		id TEXT PRIMARY KEY,
		parser_id TEXT NOT NULL,
		output_name TEXT NOT NULL,
		locked_schema TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		version INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_contracts_output ON schema_contracts(parser_id, output_name, state);
	`

	amendmentsTable := `
	CREATE TABLE IF NOT EXISTS schema_amendments (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES schema_contracts(id),
		changes TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		examples TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_amendments_contract ON schema_amendments(contract_id, status);
	`

	selectionSpecsTable := `
	CREATE TABLE IF NOT EXISTS selection_specs (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		filters TEXT NOT NULL,
		watermark_field TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	snapshotsTable := `
	CREATE TABLE IF NOT EXISTS selection_snapshots (
		id TEXT PRIMARY KEY,
		spec_id TEXT NOT NULL REFERENCES selection_specs(id),
		file_ids TEXT NOT NULL,
		snapshot_hash TEXT NOT NULL,
		logical_date TEXT NOT NULL,
		watermark_value TEXT,
		portable INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(spec_id, logical_date)
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_hash ON selection_snapshots(snapshot_hash);
	`

	pipelinesTable := `
	CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		version INTEGER NOT NULL DEFAULT 1,
		config TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	runsTable := `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
		selection_snapshot_hash TEXT NOT NULL,
		logical_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON pipeline_runs(pipeline_id, logical_date);
	`

	jobsTable := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		seq INTEGER,
		workspace_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		parser_ref TEXT,
		input_file_id TEXT,
		snapshot_hash TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		origin TEXT NOT NULL DEFAULT 'persistent',
		claim_worker TEXT,
		claim_deadline_ms INTEGER,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		not_before_ms INTEGER NOT NULL DEFAULT 0,
		logs_pointer TEXT,
		output_info TEXT,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(workspace_id, status, priority DESC, seq ASC);
	CREATE INDEX IF NOT EXISTS idx_jobs_deadline ON jobs(status, claim_deadline_ms);
	`

	// seq provides FIFO ordering within a priority band without exposing
	// rowid semantics to callers.
	jobsSeqTable := `
	CREATE TABLE IF NOT EXISTS job_seq (
		n INTEGER PRIMARY KEY AUTOINCREMENT
	);
	`

	ledgerTable := `
	CREATE TABLE IF NOT EXISTS materializations (
		key TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		rows_written INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		transient INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	sessionsTable := `
	CREATE TABLE IF NOT EXISTS intent_sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		state TEXT NOT NULL,
		file_set_ids TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	proposalsTable := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES intent_sessions(id),
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		confidence_score REAL NOT NULL DEFAULT 0,
		confidence_label TEXT NOT NULL DEFAULT 'low',
		human_questions TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_session ON proposals(session_id);
	`

	approvalsTable := `
	CREATE TABLE IF NOT EXISTS approval_tokens (
		token TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0,
		consumed_at DATETIME
	);
	`

	backtestTable := `
	CREATE TABLE IF NOT EXISTS backtest_history (
		file_id TEXT NOT NULL,
		parser_ref TEXT NOT NULL,
		last_status TEXT NOT NULL,
		failures INTEGER NOT NULL DEFAULT 0,
		resolved INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(file_id, parser_ref)
	);
	`

	for _, table := range []string{
		workspacesTable,
		sourcesTable,
		filesTable,
		fileTagsTable,
		taggingRulesTable,
		contractsTable,
		amendmentsTable,
		selectionSpecsTable,
		snapshotsTable,
		pipelinesTable,
		runsTable,
		jobsTable,
		jobsSeqTable,
		ledgerTable,
		sessionsTable,
		proposalsTable,
		approvalsTable,
		backtestTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return core.Wrap(core.KindDatabase, err, "create table")
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return core.Wrap(core.KindDatabase, err, "run migrations")
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing control plane")
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// DB returns the underlying connection for packages that need raw access
// (the job queue's claim UPDATE, tests).
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.StoreDebug("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return core.Wrap(core.KindDatabase, err, "commit transaction")
	}
	return nil
}

// Stats returns per-table row counts.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"workspaces", "sources", "files", "file_tags", "tagging_rules",
		"schema_contracts", "schema_amendments", "selection_snapshots",
		"pipelines", "pipeline_runs", "jobs", "materializations",
		"intent_sessions", "proposals",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("count %s failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
