// Package ledger decides whether a (file version, parser, output target)
// materialization already happened. First success wins: a second worker
// arriving with the same key skips the write instead of duplicating rows.
package ledger

import (
	"strconv"

	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// ParserFingerprint identifies parser behavior, not parser identity. Any
// component change produces a new fingerprint and therefore new ledger keys.
type ParserFingerprint struct {
	ParserID    string
	CodeHash    string
	ConfigHash  string
	RuntimeTag  string
	ContractRef string
}

// Hash collapses the fingerprint into one hex digest.
func (pf ParserFingerprint) Hash() string {
	return ident.Fingerprint(pf.ParserID, pf.CodeHash, pf.ConfigHash, pf.RuntimeTag, pf.ContractRef)
}

// OutputTargetKey identifies where rows land: the named output written to
// one table of one sink under one write mode and contract schema. Writing
// the same data to two sinks is two keys, and so is a schema revision.
func OutputTargetKey(outputName, sinkURI, sinkMode, tableName, schemaHash string) string {
	return ident.Fingerprint(outputName, sinkURI, sinkMode, tableName, schemaHash)
}

// Key computes the materialization key for one file version flowing through
// one parser into one output target. The file version is (uid, mtime, size),
// so a touched or rewritten file re-materializes while a renamed one with a
// strong uid does not.
func Key(fileUID string, mtimeMS, size int64, fingerprint, targetKey string) string {
	return ident.Fingerprint(
		fileUID,
		strconv.FormatInt(mtimeMS, 10),
		strconv.FormatInt(size, 10),
		fingerprint,
		targetKey,
	)
}

// Ledger layers key semantics over the persisted materialization rows.
type Ledger struct {
	store *store.Store
}

// New creates a ledger over the control-plane store.
func New(st *store.Store) *Ledger {
	return &Ledger{store: st}
}

// Decision is the outcome of a pre-write check.
type Decision struct {
	// Proceed is false when a succeeded row already covers the key.
	Proceed bool
	// Prior is the existing row when one exists, succeeded or failed.
	Prior *store.MaterializationRow
}

// Check consults the ledger before a write. A prior failure does not block:
// retries proceed and overwrite the failed row on success.
func (l *Ledger) Check(key string) (Decision, error) {
	row, err := l.store.GetMaterialization(key)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return Decision{Proceed: true}, nil
		}
		return Decision{}, err
	}
	if row.Status == store.MaterializationSucceeded {
		logging.StoreDebug("ledger hit: key succeeded via job %s, skipping", row.JobID)
		return Decision{Proceed: false, Prior: row}, nil
	}
	return Decision{Proceed: true, Prior: row}, nil
}

// RecordSuccess marks the key succeeded. If another job won the race the
// prior row is returned and duplicate reports false work: the caller should
// treat its own write as discarded only if its sink write was transactional
// with this call.
func (l *Ledger) RecordSuccess(key, jobID string, rowsWritten int64) (first bool, err error) {
	row, err := l.store.RecordMaterializationSuccess(key, jobID, rowsWritten)
	if err != nil {
		return false, err
	}
	return row.JobID == jobID, nil
}

// RecordFailure marks the key failed. Transient failures are eligible for
// retry scheduling; permanent ones require operator action.
func (l *Ledger) RecordFailure(key, jobID string, transient bool) error {
	return l.store.RecordMaterializationFailure(key, jobID, transient)
}
