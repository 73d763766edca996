package store

import (
	"database/sql"
	"time"

	"casparian/internal/core"
)

// SessionRow is a persisted intent session.
type SessionRow struct {
	ID             string
	WorkspaceID    string
	State          string
	FileSetIDsJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProposalRow is a typed artifact produced inside an intent session.
type ProposalRow struct {
	ID                 string // content hash of the canonical-JSON payload
	SessionID          string
	Kind               string
	PayloadJSON        string
	ConfidenceScore    float64
	ConfidenceLabel    string
	HumanQuestionsJSON string
	CreatedAt          time.Time
}

// InsertSession stores a new intent session.
func (s *Store) InsertSession(sess *SessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO intent_sessions (id, workspace_id, state, file_set_ids)
		VALUES (?, ?, ?, ?)`,
		sess.ID, sess.WorkspaceID, sess.State, nullable(sess.FileSetIDsJSON))
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "insert session")
	}
	return nil
}

// GetSession returns an intent session by id.
func (s *Store) GetSession(id string) (*SessionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess SessionRow
	var fileSet sql.NullString
	err := s.db.QueryRow(`
		SELECT id, workspace_id, state, file_set_ids, created_at, updated_at
		FROM intent_sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.WorkspaceID, &sess.State, &fileSet, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup session %s", id)
	}
	sess.FileSetIDsJSON = fileSet.String
	return &sess, nil
}

// UpdateSessionState persists a state transition. The session package owns
// legality; the store records whatever it is handed.
func (s *Store) UpdateSessionState(id, state, fileSetIDsJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE intent_sessions SET state = ?, file_set_ids = COALESCE(?, file_set_ids),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, state, nullable(fileSetIDsJSON), id)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "update session %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "session %s not found", id)
	}
	return nil
}

// InsertProposal stores a proposal.
func (s *Store) InsertProposal(p *ProposalRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO proposals (id, session_id, kind, payload, confidence_score, confidence_label, human_questions)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.Kind, p.PayloadJSON, p.ConfidenceScore,
		p.ConfidenceLabel, nullable(p.HumanQuestionsJSON))
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "insert proposal")
	}
	return nil
}

// GetProposal returns a proposal by id.
func (s *Store) GetProposal(id string) (*ProposalRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p ProposalRow
	var questions sql.NullString
	err := s.db.QueryRow(`
		SELECT id, session_id, kind, payload, confidence_score, confidence_label, human_questions, created_at
		FROM proposals WHERE id = ?`, id).Scan(
		&p.ID, &p.SessionID, &p.Kind, &p.PayloadJSON, &p.ConfidenceScore,
		&p.ConfidenceLabel, &questions, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "proposal %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup proposal %s", id)
	}
	p.HumanQuestionsJSON = questions.String
	return &p, nil
}

// IssueToken mints a single-use approval token bound to a proposal id.
func (s *Store) IssueToken(token, proposalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO approval_tokens (token, proposal_id) VALUES (?, ?)",
		token, proposalID)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "issue token")
	}
	return nil
}

// ConsumeToken atomically consumes a token against a proposal id. Reuse, an
// unknown token, or a proposal mismatch all fail with ApprovalMismatch.
func (s *Store) ConsumeToken(token, proposalID string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		var boundProposal string
		var consumed int
		err := tx.QueryRow(
			"SELECT proposal_id, consumed FROM approval_tokens WHERE token = ?",
			token).Scan(&boundProposal, &consumed)
		if err == sql.ErrNoRows {
			return core.E(core.KindApprovalMismatch, "unknown approval token")
		}
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "lookup token")
		}
		if consumed != 0 {
			return core.E(core.KindApprovalMismatch, "approval token already consumed")
		}
		if boundProposal != proposalID {
			return core.E(core.KindApprovalMismatch,
				"token bound to proposal %s, not %s", boundProposal, proposalID)
		}
		if _, err := tx.Exec(`
			UPDATE approval_tokens SET consumed = 1, consumed_at = CURRENT_TIMESTAMP
			WHERE token = ?`, token); err != nil {
			return core.Wrap(core.KindDatabase, err, "consume token")
		}
		return nil
	})
}

// BacktestRecord is the per-(file, parser) pass/fail history driving the
// fail-fast ordering.
type BacktestRecord struct {
	FileID     string
	ParserRef  string
	LastStatus string // passed | failed
	Failures   int
	Resolved   bool
}

// UpsertBacktestRecord records the latest backtest outcome for a file.
func (s *Store) UpsertBacktestRecord(r *BacktestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO backtest_history (file_id, parser_ref, last_status, failures, resolved)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_id, parser_ref) DO UPDATE SET
			last_status = excluded.last_status,
			failures = excluded.failures,
			resolved = excluded.resolved,
			updated_at = CURRENT_TIMESTAMP`,
		r.FileID, r.ParserRef, r.LastStatus, r.Failures, boolInt(r.Resolved))
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "upsert backtest record")
	}
	return nil
}

// BacktestHistory returns the records for a parser keyed by file id.
func (s *Store) BacktestHistory(parserRef string) (map[string]*BacktestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT file_id, parser_ref, last_status, failures, resolved
		FROM backtest_history WHERE parser_ref = ?`, parserRef)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "load backtest history")
	}
	defer rows.Close()

	out := make(map[string]*BacktestRecord)
	for rows.Next() {
		var r BacktestRecord
		var resolved int
		if err := rows.Scan(&r.FileID, &r.ParserRef, &r.LastStatus, &r.Failures, &resolved); err != nil {
			return nil, err
		}
		r.Resolved = resolved != 0
		out[r.FileID] = &r
	}
	return out, rows.Err()
}
