package store

import (
	"database/sql"
	"time"

	"casparian/internal/core"
	"casparian/internal/logging"
)

// ContractState enumerates contract lifecycle states.
type ContractState string

const (
	ContractActive     ContractState = "active"
	ContractSuperseded ContractState = "superseded"
)

// ContractRow is a persisted schema contract. LockedSchemaJSON is the
// canonical-JSON serialization of the locked schema; ContentHash is its
// content hash and is what enforcement compares against.
type ContractRow struct {
	ID               string
	ParserID         string
	OutputName       string
	LockedSchemaJSON string
	ContentHash      string
	Version          int
	State            ContractState
	CreatedAt        time.Time
}

// AmendmentStatus enumerates amendment proposal states.
type AmendmentStatus string

const (
	AmendmentPending  AmendmentStatus = "pending"
	AmendmentApproved AmendmentStatus = "approved"
	AmendmentRejected AmendmentStatus = "rejected"
)

// AmendmentRow is a persisted schema amendment proposal.
type AmendmentRow struct {
	ID           string
	ContractID   string
	ChangesJSON  string
	Reason       string
	Status       AmendmentStatus
	ExamplesJSON string
	CreatedAt    time.Time
}

// InsertContract stores a new contract and supersedes any prior active
// contract on the same (parser_id, output_name) in the same transaction,
// preserving the invariant of exactly one active contract per output.
func (s *Store) InsertContract(c *ContractRow) error {
	return s.WithTx(func(tx *sql.Tx) error {
		var prevVersion int
		err := tx.QueryRow(`
			SELECT version FROM schema_contracts
			WHERE parser_id = ? AND output_name = ? AND state = 'active'`,
			c.ParserID, c.OutputName).Scan(&prevVersion)
		switch {
		case err == nil:
			if _, err := tx.Exec(`
				UPDATE schema_contracts SET state = 'superseded'
				WHERE parser_id = ? AND output_name = ? AND state = 'active'`,
				c.ParserID, c.OutputName); err != nil {
				return core.Wrap(core.KindDatabase, err, "supersede contract")
			}
			c.Version = prevVersion + 1
		case err == sql.ErrNoRows:
			c.Version = 1
		default:
			return core.Wrap(core.KindDatabase, err, "lookup active contract")
		}

		c.State = ContractActive
		if _, err := tx.Exec(`
			INSERT INTO schema_contracts (id, parser_id, output_name, locked_schema, content_hash, version, state)
			VALUES (?, ?, ?, ?, ?, ?, 'active')`,
			c.ID, c.ParserID, c.OutputName, c.LockedSchemaJSON, c.ContentHash, c.Version); err != nil {
			return core.Wrap(core.KindDatabase, err, "insert contract")
		}
		logging.Schema("Contract v%d active for %s/%s hash=%s", c.Version, c.ParserID, c.OutputName, c.ContentHash[:12])
		return nil
	})
}

// ActiveContract returns the single active contract for an output.
func (s *Store) ActiveContract(parserID, outputName string) (*ContractRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c ContractRow
	var state string
	err := s.db.QueryRow(`
		SELECT id, parser_id, output_name, locked_schema, content_hash, version, state, created_at
		FROM schema_contracts
		WHERE parser_id = ? AND output_name = ? AND state = 'active'`,
		parserID, outputName).Scan(
		&c.ID, &c.ParserID, &c.OutputName, &c.LockedSchemaJSON, &c.ContentHash,
		&c.Version, &state, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "no active contract for %s/%s", parserID, outputName)
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup contract")
	}
	c.State = ContractState(state)
	return &c, nil
}

// ActiveContractsForParser lists the active contracts across all of a
// parser's outputs, in output-name order.
func (s *Store) ActiveContractsForParser(parserID string) ([]*ContractRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, parser_id, output_name, locked_schema, content_hash, version, state, created_at
		FROM schema_contracts
		WHERE parser_id = ? AND state = 'active'
		ORDER BY output_name`, parserID)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "list contracts for %s", parserID)
	}
	defer rows.Close()

	var out []*ContractRow
	for rows.Next() {
		var c ContractRow
		var state string
		if err := rows.Scan(&c.ID, &c.ParserID, &c.OutputName, &c.LockedSchemaJSON,
			&c.ContentHash, &c.Version, &state, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.State = ContractState(state)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// GetContract returns a contract by id regardless of state.
func (s *Store) GetContract(id string) (*ContractRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c ContractRow
	var state string
	err := s.db.QueryRow(`
		SELECT id, parser_id, output_name, locked_schema, content_hash, version, state, created_at
		FROM schema_contracts WHERE id = ?`, id).Scan(
		&c.ID, &c.ParserID, &c.OutputName, &c.LockedSchemaJSON, &c.ContentHash,
		&c.Version, &state, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "contract %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup contract %s", id)
	}
	c.State = ContractState(state)
	return &c, nil
}

// InsertAmendment stores an amendment proposal in state pending.
func (s *Store) InsertAmendment(a *AmendmentRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Status = AmendmentPending
	_, err := s.db.Exec(`
		INSERT INTO schema_amendments (id, contract_id, changes, reason, status, examples)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		a.ID, a.ContractID, a.ChangesJSON, a.Reason, a.ExamplesJSON)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "insert amendment")
	}
	return nil
}

// GetAmendment returns an amendment by id.
func (s *Store) GetAmendment(id string) (*AmendmentRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a AmendmentRow
	var status string
	var examples sql.NullString
	err := s.db.QueryRow(`
		SELECT id, contract_id, changes, reason, status, examples, created_at
		FROM schema_amendments WHERE id = ?`, id).Scan(
		&a.ID, &a.ContractID, &a.ChangesJSON, &a.Reason, &status, &examples, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "amendment %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup amendment %s", id)
	}
	a.Status = AmendmentStatus(status)
	a.ExamplesJSON = examples.String
	return &a, nil
}

// ResolveAmendment moves a pending amendment to approved or rejected.
func (s *Store) ResolveAmendment(id string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := AmendmentRejected
	if approved {
		status = AmendmentApproved
	}
	res, err := s.db.Exec(`
		UPDATE schema_amendments SET status = ? WHERE id = ? AND status = 'pending'`,
		string(status), id)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "resolve amendment %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindInvalidState, "amendment %s is not pending", id)
	}
	return nil
}

// PendingAmendments lists pending amendments for a contract.
func (s *Store) PendingAmendments(contractID string) ([]*AmendmentRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, contract_id, changes, reason, status, examples, created_at
		FROM schema_amendments WHERE contract_id = ? AND status = 'pending'
		ORDER BY created_at`, contractID)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "list amendments")
	}
	defer rows.Close()

	var out []*AmendmentRow
	for rows.Next() {
		var a AmendmentRow
		var status string
		var examples sql.NullString
		if err := rows.Scan(&a.ID, &a.ContractID, &a.ChangesJSON, &a.Reason,
			&status, &examples, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Status = AmendmentStatus(status)
		a.ExamplesJSON = examples.String
		out = append(out, &a)
	}
	return out, rows.Err()
}
