package schema

import (
	"encoding/json"
	"fmt"

	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// ChangeKind classifies a proposed amendment change.
type ChangeKind string

const (
	ChangeWidenType ChangeKind = "widen_type"
	ChangeRelaxNull ChangeKind = "relax_nullability"
	ChangeAddColumn ChangeKind = "add_column"
	ChangeToString  ChangeKind = "promote_to_string"
)

// Change is one proposed column-level modification to an active contract.
// Changes only ever widen: a contract never narrows through amendment.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	Column   string     `json:"column"`
	From     ColumnType `json:"from,omitempty"`
	To       ColumnType `json:"to,omitempty"`
	Nullable bool       `json:"nullable,omitempty"`
}

// SampleValue is evidence attached to a proposal: an offending value and
// where it was seen.
type SampleValue struct {
	Column   string `json:"column"`
	RowIndex int64  `json:"row_index"`
	Value    string `json:"value"`
}

// Amendment is a deserialized amendment proposal.
type Amendment struct {
	ID         string
	ContractID string
	Changes    []Change
	Reason     string
	Status     store.AmendmentStatus
	Examples   []SampleValue
}

// CanWiden reports whether observed can be absorbed by widening the
// contract type, and the resulting type. Widening moves up the integer
// ladder, integer to float64, decimal(p,s) to decimal(p',s') when the
// integer digits and scale both grow or hold, and anything numeric to
// string as the terminal promotion.
func CanWiden(contract, observed ColumnType) (ColumnType, bool) {
	if contract == observed {
		return contract, true
	}
	if contract.IsInteger() && observed.IsInteger() {
		if intRank(observed) > intRank(contract) {
			return observed, true
		}
		return contract, true
	}
	if contract.IsInteger() && (observed == TypeFloat32 || observed == TypeFloat64) {
		return TypeFloat64, true
	}
	if contract == TypeFloat32 && observed == TypeFloat64 {
		return TypeFloat64, true
	}
	if cp, cs, ok := contract.DecimalParams(); ok {
		if op, os, ok2 := observed.DecimalParams(); ok2 {
			if op-os >= cp-cs && os >= cs {
				return DecimalType(op, os), true
			}
			return TypeString, true
		}
		if observed.IsInteger() {
			return contract, true
		}
	}
	if contract.IsNumeric() && observed == TypeString {
		return TypeString, true
	}
	if contract == TypeString && observed.IsNumeric() {
		return TypeString, true
	}
	return "", false
}

// GenerateProposal turns observed violations into a pending amendment
// against the active contract. Every change widens; violations that cannot
// be absorbed by widening propose promotion to string. Unexpected columns
// become nullable tail appends. Returns NotFound-free nil when there is
// nothing to propose.
func (cs *ContractStore) GenerateProposal(contract *Contract, violations []Violation) (*Amendment, error) {
	var (
		changes  []Change
		examples []SampleValue
	)
	for _, v := range violations {
		if v.Sample != "" {
			examples = append(examples, SampleValue{
				Column: v.Column, RowIndex: v.RowIndex, Value: v.Sample,
			})
		}
		switch v.Kind {
		case ViolationTypeMismatch:
			from := ColumnType(v.Expected)
			observed := ColumnType(v.Observed)
			if to, ok := CanWiden(from, observed); ok && to != from {
				changes = append(changes, Change{
					Kind: ChangeWidenType, Column: v.Column, From: from, To: to,
				})
			} else if !ok {
				changes = append(changes, Change{
					Kind: ChangeToString, Column: v.Column, From: from, To: TypeString,
				})
			}
		case ViolationNullability:
			changes = append(changes, Change{
				Kind: ChangeRelaxNull, Column: v.Column, Nullable: true,
			})
		case ViolationUnexpectedColumn:
			changes = append(changes, Change{
				Kind: ChangeAddColumn, Column: v.Column,
				To: ColumnType(v.Observed), Nullable: true,
			})
		case ViolationMissingColumn:
			// A reader-side concern: the contract column stays, the sink
			// fills nulls only if the column is already nullable. Missing
			// non-null columns have no widening fix.
			if contract.Locked.Column(v.Column) != nil && !contract.Locked.Column(v.Column).Nullable {
				changes = append(changes, Change{
					Kind: ChangeRelaxNull, Column: v.Column, Nullable: true,
				})
			}
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}

	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return nil, core.Wrap(core.KindSerialization, err, "marshal amendment changes")
	}
	examplesJSON, err := json.Marshal(examples)
	if err != nil {
		return nil, core.Wrap(core.KindSerialization, err, "marshal amendment examples")
	}
	row := &store.AmendmentRow{
		ID:           ident.NewID(),
		ContractID:   contract.ID,
		ChangesJSON:  string(changesJSON),
		Reason:       fmt.Sprintf("%d violation(s) observed against %s v%d", len(violations), contract.OutputName, contract.Version),
		ExamplesJSON: string(examplesJSON),
	}
	if err := cs.store.InsertAmendment(row); err != nil {
		return nil, err
	}
	logging.Schema("Proposed amendment %s against contract %s (%d changes)",
		row.ID, contract.ID, len(changes))
	return &Amendment{
		ID: row.ID, ContractID: row.ContractID, Changes: changes,
		Reason: row.Reason, Status: store.AmendmentPending, Examples: examples,
	}, nil
}

// Amendment returns a deserialized amendment by id.
func (cs *ContractStore) Amendment(id string) (*Amendment, error) {
	row, err := cs.store.GetAmendment(id)
	if err != nil {
		return nil, err
	}
	a := &Amendment{ID: row.ID, ContractID: row.ContractID, Reason: row.Reason, Status: row.Status}
	if err := json.Unmarshal([]byte(row.ChangesJSON), &a.Changes); err != nil {
		return nil, core.Wrap(core.KindSerialization, err, "unmarshal amendment changes")
	}
	if row.ExamplesJSON != "" {
		if err := json.Unmarshal([]byte(row.ExamplesJSON), &a.Examples); err != nil {
			return nil, core.Wrap(core.KindSerialization, err, "unmarshal amendment examples")
		}
	}
	return a, nil
}

// ApplyAmendment approves a pending amendment and installs a new active
// contract carrying the widened schema. The prior contract is superseded,
// never mutated. Rejecting instead marks the amendment rejected and leaves
// the contract untouched.
func (cs *ContractStore) ApplyAmendment(amendmentID string, approve bool) (*Contract, error) {
	a, err := cs.Amendment(amendmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != store.AmendmentPending {
		return nil, core.E(core.KindInvalidState,
			"amendment %s is %s, not pending", amendmentID, a.Status)
	}
	if !approve {
		if err := cs.store.ResolveAmendment(amendmentID, false); err != nil {
			return nil, err
		}
		return nil, nil
	}

	row, err := cs.store.GetContract(a.ContractID)
	if err != nil {
		return nil, err
	}
	var locked LockedSchema
	if err := json.Unmarshal([]byte(row.LockedSchemaJSON), &locked); err != nil {
		return nil, core.Wrap(core.KindSerialization, err, "unmarshal locked schema")
	}
	next := locked.Clone()
	for _, ch := range a.Changes {
		switch ch.Kind {
		case ChangeWidenType, ChangeToString:
			col := next.Column(ch.Column)
			if col == nil {
				return nil, core.E(core.KindConstraint,
					"amendment %s widens unknown column %q", amendmentID, ch.Column)
			}
			col.Type = ch.To
		case ChangeRelaxNull:
			col := next.Column(ch.Column)
			if col == nil {
				return nil, core.E(core.KindConstraint,
					"amendment %s relaxes unknown column %q", amendmentID, ch.Column)
			}
			col.Nullable = true
		case ChangeAddColumn:
			if next.Column(ch.Column) != nil {
				return nil, core.E(core.KindConstraint,
					"amendment %s adds column %q that already exists", amendmentID, ch.Column)
			}
			next.Columns = append(next.Columns, Column{
				Name: ch.Column, Type: ch.To, Nullable: true,
			})
		}
	}

	if err := cs.store.ResolveAmendment(amendmentID, true); err != nil {
		return nil, err
	}
	contracts, _, err := cs.Approve(ApprovalRequest{
		ParserID: row.ParserID,
		Outputs:  []OutputApproval{{OutputName: row.OutputName, Columns: next.Columns}},
	})
	if err != nil {
		return nil, err
	}
	return contracts[0], nil
}
