package schema

import (
	"encoding/json"
	"fmt"

	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// Contract is a deserialized schema contract.
type Contract struct {
	ID          string
	ParserID    string
	OutputName  string
	Locked      *LockedSchema
	ContentHash string
	Version     int
	State       store.ContractState
}

// ApprovalRequest asks the store to lock schemas for one parser. Answers
// resolve type-ambiguity questions raised during inference, keyed by
// "<output>.<column>".
type ApprovalRequest struct {
	ParserID string
	Outputs  []OutputApproval
	Answers  map[string]string
}

// OutputApproval is one (output_name, approved columns) variant.
type OutputApproval struct {
	OutputName string
	Columns    []Column
}

// ApprovalWarning is a structured note about an approval that succeeded but
// deserves operator attention.
type ApprovalWarning struct {
	OutputName string
	Column     string
	Message    string
}

// ViolationKind classifies a column-level contract violation.
type ViolationKind string

const (
	ViolationMissingColumn    ViolationKind = "missing_column"
	ViolationUnexpectedColumn ViolationKind = "unexpected_column"
	ViolationTypeMismatch     ViolationKind = "type_mismatch"
	ViolationNullability      ViolationKind = "nullability"
)

// Violation is one column-level contract violation, routed to quarantine.
type Violation struct {
	OutputName string
	Column     string
	Kind       ViolationKind
	Expected   string
	Observed   string
	RowIndex   int64
	Sample     string
}

// ContractStore wraps the control plane with contract semantics.
type ContractStore struct {
	store *store.Store
}

// NewContractStore creates a contract store.
func NewContractStore(st *store.Store) *ContractStore {
	return &ContractStore{store: st}
}

// Approve locks one contract per output, superseding any prior active
// contract on the same (parser_id, output_name), and returns structured
// warnings comparing against what was active before.
func (cs *ContractStore) Approve(req ApprovalRequest) ([]*Contract, []ApprovalWarning, error) {
	if req.ParserID == "" {
		return nil, nil, core.E(core.KindConstraint, "approval request missing parser_id")
	}
	var (
		contracts []*Contract
		warnings  []ApprovalWarning
	)
	for _, out := range req.Outputs {
		if len(out.Columns) == 0 {
			return nil, nil, core.E(core.KindConstraint, "output %q approved with no columns", out.OutputName)
		}
		for _, c := range out.Columns {
			if _, err := ParseColumnType(string(c.Type)); err != nil {
				return nil, nil, err
			}
		}

		locked := &LockedSchema{OutputName: out.OutputName, Columns: out.Columns}
		hash, err := locked.ContentHash()
		if err != nil {
			return nil, nil, err
		}

		if prior, err := cs.Active(req.ParserID, out.OutputName); err == nil {
			warnings = append(warnings, compareForWarnings(out.OutputName, prior.Locked, locked)...)
		}

		schemaJSON, err := json.Marshal(locked)
		if err != nil {
			return nil, nil, core.Wrap(core.KindSerialization, err, "marshal locked schema")
		}
		row := &store.ContractRow{
			ID:               ident.NewID(),
			ParserID:         req.ParserID,
			OutputName:       out.OutputName,
			LockedSchemaJSON: string(schemaJSON),
			ContentHash:      hash,
		}
		if err := cs.store.InsertContract(row); err != nil {
			return nil, nil, err
		}
		contracts = append(contracts, &Contract{
			ID: row.ID, ParserID: row.ParserID, OutputName: row.OutputName,
			Locked: locked, ContentHash: hash, Version: row.Version, State: row.State,
		})
	}
	logging.Schema("Approved %d contract(s) for parser %s (%d warnings)",
		len(contracts), req.ParserID, len(warnings))
	return contracts, warnings, nil
}

func compareForWarnings(output string, prior, next *LockedSchema) []ApprovalWarning {
	var warnings []ApprovalWarning
	for _, pc := range prior.Columns {
		nc := next.Column(pc.Name)
		if nc == nil {
			warnings = append(warnings, ApprovalWarning{
				OutputName: output, Column: pc.Name,
				Message: "column dropped from contract",
			})
			continue
		}
		if !pc.Nullable && nc.Nullable {
			warnings = append(warnings, ApprovalWarning{
				OutputName: output, Column: pc.Name,
				Message: "nullability loosened from non-null to nullable",
			})
		}
		if pc.Type != nc.Type && pc.Type.IsNumeric() && nc.Type.IsNumeric() &&
			intRank(nc.Type) > 0 && intRank(nc.Type) < intRank(pc.Type) {
			warnings = append(warnings, ApprovalWarning{
				OutputName: output, Column: pc.Name,
				Message: fmt.Sprintf("numeric type narrowed from %s to %s", pc.Type, nc.Type),
			})
		}
	}
	return warnings
}

// Active returns the deserialized active contract for an output.
func (cs *ContractStore) Active(parserID, outputName string) (*Contract, error) {
	row, err := cs.store.ActiveContract(parserID, outputName)
	if err != nil {
		return nil, err
	}
	var locked LockedSchema
	if err := json.Unmarshal([]byte(row.LockedSchemaJSON), &locked); err != nil {
		return nil, core.Wrap(core.KindSerialization, err, "unmarshal locked schema")
	}
	return &Contract{
		ID: row.ID, ParserID: row.ParserID, OutputName: row.OutputName,
		Locked: &locked, ContentHash: row.ContentHash, Version: row.Version,
		State: row.State,
	}, nil
}

// Verify checks an observed schema hash against the active contract. A
// missing contract and a hash mismatch are both SchemaMismatch; the caller
// decides whether rows go to quarantine.
func (cs *ContractStore) Verify(parserID, outputName, observedHash string) (*Contract, error) {
	contract, err := cs.Active(parserID, outputName)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, core.E(core.KindSchemaMismatch,
				"no active contract for output %q", outputName).
				WithSuggestion("approve a schema for this output before running")
		}
		return nil, err
	}
	if contract.ContentHash != observedHash {
		return contract, core.E(core.KindSchemaMismatch,
			"output %q schema hash %s does not match active contract %s",
			outputName, short(observedHash), short(contract.ContentHash))
	}
	return contract, nil
}

// Diff returns the column-level violations between a contract and an
// observed schema. An empty result with unequal hashes still fails
// verification; Diff exists to explain the mismatch.
func Diff(contract *LockedSchema, observed *LockedSchema) []Violation {
	var out []Violation
	for _, cc := range contract.Columns {
		oc := observed.Column(cc.Name)
		if oc == nil {
			out = append(out, Violation{
				OutputName: contract.OutputName, Column: cc.Name,
				Kind: ViolationMissingColumn, Expected: string(cc.Type),
			})
			continue
		}
		if oc.Type != cc.Type {
			out = append(out, Violation{
				OutputName: contract.OutputName, Column: cc.Name,
				Kind: ViolationTypeMismatch, Expected: string(cc.Type), Observed: string(oc.Type),
			})
		}
		if oc.Nullable && !cc.Nullable {
			out = append(out, Violation{
				OutputName: contract.OutputName, Column: cc.Name,
				Kind: ViolationNullability, Expected: "non-null", Observed: "nullable",
			})
		}
	}
	for _, oc := range observed.Columns {
		if contract.Column(oc.Name) == nil {
			out = append(out, Violation{
				OutputName: contract.OutputName, Column: oc.Name,
				Kind: ViolationUnexpectedColumn, Observed: string(oc.Type),
			})
		}
	}
	return out
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
