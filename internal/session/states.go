// Package session implements the intent session state machine: a linear
// progression from file selection through schema approval to a published,
// executed plan, with a human approval gate at each commitment point.
package session

import (
	"fmt"

	"casparian/internal/core"
)

// State is one of S0..S12.
type State int

const (
	StateCreated State = iota
	StateSelectionProposed
	StateSelectionApproved
	StateTagsProposed
	StateTagsApproved
	StatePathFieldsProposed
	StatePathFieldsApproved
	StateSchemaInferred
	StateSchemaApproved
	StateBacktested
	StatePlanPublished
	StatePlanApproved
	StateDone
)

var stateNames = map[State]string{
	StateCreated:            "created",
	StateSelectionProposed:  "selection_proposed",
	StateSelectionApproved:  "selection_approved",
	StateTagsProposed:       "tags_proposed",
	StateTagsApproved:       "tags_approved",
	StatePathFieldsProposed: "path_fields_proposed",
	StatePathFieldsApproved: "path_fields_approved",
	StateSchemaInferred:     "schema_inferred",
	StateSchemaApproved:     "schema_approved",
	StateBacktested:         "backtested",
	StatePlanPublished:      "plan_published",
	StatePlanApproved:       "plan_approved",
	StateDone:               "done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState maps a persisted name back to its state.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, core.E(core.KindInvalidState, "unknown session state %q", name)
}

// Gate identifies an approval gate G1..G6.
type Gate int

const (
	GateSelection  Gate = iota + 1 // G1
	GateTags                       // G2
	GatePathFields                 // G3
	GateSchema                     // G4
	GatePlan                       // G5
	GateRun                        // G6
)

func (g Gate) String() string { return fmt.Sprintf("G%d", int(g)) }

// gateEdges maps each gate to its (from, to) transition.
var gateEdges = map[Gate][2]State{
	GateSelection:  {StateSelectionProposed, StateSelectionApproved},
	GateTags:       {StateTagsProposed, StateTagsApproved},
	GatePathFields: {StatePathFieldsProposed, StatePathFieldsApproved},
	GateSchema:     {StateSchemaInferred, StateSchemaApproved},
	GatePlan:       {StatePlanPublished, StatePlanApproved},
	GateRun:        {StatePlanApproved, StateDone},
}

// transitions lists the legal non-gate edges. Proposal states allow a
// self-loop so a revised proposal can replace a rejected one.
var transitions = map[State][]State{
	StateCreated:            {StateSelectionProposed},
	StateSelectionProposed:  {StateSelectionProposed},
	StateSelectionApproved:  {StateTagsProposed},
	StateTagsProposed:       {StateTagsProposed},
	StateTagsApproved:       {StatePathFieldsProposed},
	StatePathFieldsProposed: {StatePathFieldsProposed},
	StatePathFieldsApproved: {StateSchemaInferred},
	StateSchemaInferred:     {StateSchemaInferred},
	StateSchemaApproved:     {StateBacktested},
	StateBacktested:         {StatePlanPublished},
	StatePlanPublished:      {StatePlanPublished},
}

// CanTransition reports whether from → to is a legal non-gate edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// invalidTransition builds the permanent error naming source and target.
func invalidTransition(from, to State) error {
	return core.E(core.KindInvalidState,
		"illegal session transition %s -> %s", from, to)
}
