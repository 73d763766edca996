package schema

import (
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casparian/internal/core"
	"casparian/internal/store"
)

func openContractStore(t *testing.T) *ContractStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewContractStore(st)
}

func tradesSchema() *LockedSchema {
	return &LockedSchema{
		OutputName: "trades",
		Columns: []Column{
			{Name: "ts", Type: TypeTimestamp},
			{Name: "symbol", Type: TypeString},
			{Name: "qty", Type: TypeInt64},
			{Name: "price", Type: TypeFloat64, Nullable: true},
		},
	}
}

// =============================================================================
// TYPE SET TESTS
// =============================================================================

func TestParseColumnType(t *testing.T) {
	t.Parallel()

	for _, good := range []string{"int32", "string", "timestamp", "decimal(10,2)"} {
		if _, err := ParseColumnType(good); err != nil {
			t.Errorf("ParseColumnType(%q) error: %v", good, err)
		}
	}
	for _, bad := range []string{"varchar", "decimal(10)", "INT32", ""} {
		_, err := ParseColumnType(bad)
		if !core.IsKind(err, core.KindUnsupported) {
			t.Errorf("ParseColumnType(%q) = %v, want Unsupported", bad, err)
		}
	}
}

func TestContentHashOrderSensitive(t *testing.T) {
	t.Parallel()

	a := tradesSchema()
	b := tradesSchema()
	b.Columns[0], b.Columns[1] = b.Columns[1], b.Columns[0]

	ha, err := a.ContentHash()
	require.NoError(t, err)
	hb, err := b.ContentHash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb, "column order is part of the contract")

	c := tradesSchema()
	hc, err := c.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, ha, hc, "identical schemas must hash identically")
}

func TestCanWiden(t *testing.T) {
	t.Parallel()

	cases := []struct {
		contract, observed ColumnType
		want               ColumnType
		ok                 bool
	}{
		{TypeInt32, TypeInt64, TypeInt64, true},
		{TypeInt64, TypeInt32, TypeInt64, true},
		{TypeInt8, TypeInt16, TypeInt16, true},
		{TypeInt64, TypeFloat64, TypeFloat64, true},
		{TypeFloat32, TypeFloat64, TypeFloat64, true},
		{TypeInt64, TypeString, TypeString, true},
		{TypeString, TypeInt32, TypeString, true},
		{DecimalType(10, 2), DecimalType(12, 2), DecimalType(12, 2), true},
		{DecimalType(10, 2), DecimalType(14, 4), DecimalType(14, 4), true},
		{DecimalType(10, 2), DecimalType(10, 4), TypeString, true},
		{DecimalType(10, 2), TypeInt32, DecimalType(10, 2), true},
		{TypeBool, TypeInt32, "", false},
		{TypeTimestamp, TypeString, "", false},
	}
	for _, tc := range cases {
		got, ok := CanWiden(tc.contract, tc.observed)
		if ok != tc.ok || got != tc.want {
			t.Errorf("CanWiden(%s, %s) = (%s, %v), want (%s, %v)",
				tc.contract, tc.observed, got, ok, tc.want, tc.ok)
		}
	}
}

// =============================================================================
// APPROVAL AND ENFORCEMENT TESTS
// =============================================================================

func TestApproveAndVerify(t *testing.T) {
	t.Parallel()
	cs := openContractStore(t)

	locked := tradesSchema()
	contracts, warnings, err := cs.Approve(ApprovalRequest{
		ParserID: "fills_v1",
		Outputs:  []OutputApproval{{OutputName: "trades", Columns: locked.Columns}},
	})
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, 1, contracts[0].Version)

	hash, err := locked.ContentHash()
	require.NoError(t, err)
	got, err := cs.Verify("fills_v1", "trades", hash)
	require.NoError(t, err)
	assert.Equal(t, contracts[0].ID, got.ID)

	_, err = cs.Verify("fills_v1", "trades", "deadbeef")
	assert.True(t, core.IsKind(err, core.KindSchemaMismatch))

	_, err = cs.Verify("fills_v1", "no_such_output", hash)
	assert.True(t, core.IsKind(err, core.KindSchemaMismatch))
}

func TestApproveWarnsOnLoosening(t *testing.T) {
	t.Parallel()
	cs := openContractStore(t)

	first := tradesSchema()
	_, _, err := cs.Approve(ApprovalRequest{
		ParserID: "fills_v1",
		Outputs:  []OutputApproval{{OutputName: "trades", Columns: first.Columns}},
	})
	require.NoError(t, err)

	second := tradesSchema()
	second.Column("symbol").Nullable = true
	second.Column("qty").Type = TypeInt32
	contracts, warnings, err := cs.Approve(ApprovalRequest{
		ParserID: "fills_v1",
		Outputs:  []OutputApproval{{OutputName: "trades", Columns: second.Columns}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, contracts[0].Version)
	require.Len(t, warnings, 2)

	// The prior contract is superseded, the new one is what Verify sees.
	hash, err := second.ContentHash()
	require.NoError(t, err)
	_, err = cs.Verify("fills_v1", "trades", hash)
	assert.NoError(t, err)
}

func TestDiffExplainsMismatch(t *testing.T) {
	t.Parallel()

	contract := tradesSchema()
	observed := tradesSchema()
	observed.Column("qty").Type = TypeInt32
	observed.Column("symbol").Nullable = true
	observed.Columns = append(observed.Columns[:3], Column{Name: "venue", Type: TypeString, Nullable: true})

	violations := Diff(contract, observed)

	byKind := map[ViolationKind]int{}
	for _, v := range violations {
		byKind[v.Kind]++
	}
	assert.Equal(t, 1, byKind[ViolationTypeMismatch], "qty int32 vs int64")
	assert.Equal(t, 1, byKind[ViolationNullability], "symbol loosened")
	assert.Equal(t, 1, byKind[ViolationMissingColumn], "price dropped")
	assert.Equal(t, 1, byKind[ViolationUnexpectedColumn], "venue appeared")
}

// =============================================================================
// AMENDMENT TESTS
// =============================================================================

// A parser ships int64 where the contract locked int32. The batch is
// rejected at the hash gate, and the proposal it produces carries the
// offending sample plus an int widening.
func TestAmendmentFromTypeMismatch(t *testing.T) {
	t.Parallel()
	cs := openContractStore(t)

	locked := tradesSchema()
	locked.Column("qty").Type = TypeInt32
	contracts, _, err := cs.Approve(ApprovalRequest{
		ParserID: "fills_v1",
		Outputs:  []OutputApproval{{OutputName: "trades", Columns: locked.Columns}},
	})
	require.NoError(t, err)

	violations := []Violation{{
		OutputName: "trades", Column: "qty",
		Kind:     ViolationTypeMismatch,
		Expected: string(TypeInt32), Observed: string(TypeInt64),
		RowIndex: 41, Sample: "9223372036854775807",
	}}
	amendment, err := cs.GenerateProposal(contracts[0], violations)
	require.NoError(t, err)
	require.NotNil(t, amendment)
	require.Len(t, amendment.Changes, 1)
	assert.Equal(t, ChangeWidenType, amendment.Changes[0].Kind)
	assert.Equal(t, TypeInt64, amendment.Changes[0].To)
	require.Len(t, amendment.Examples, 1)
	assert.Equal(t, int64(41), amendment.Examples[0].RowIndex)

	reloaded, err := cs.Amendment(amendment.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AmendmentPending, reloaded.Status)
}

func TestApplyAmendmentInstallsNewContract(t *testing.T) {
	t.Parallel()
	cs := openContractStore(t)

	base := &LockedSchema{OutputName: "events", Columns: []Column{
		{Name: "id", Type: TypeInt32},
		{Name: "kind", Type: TypeString},
	}}
	contracts, _, err := cs.Approve(ApprovalRequest{
		ParserID: "events_v1",
		Outputs:  []OutputApproval{{OutputName: "events", Columns: base.Columns}},
	})
	require.NoError(t, err)

	amendment, err := cs.GenerateProposal(contracts[0], []Violation{
		{Column: "id", Kind: ViolationTypeMismatch, Expected: "int32", Observed: "int64"},
		{Column: "payload", Kind: ViolationUnexpectedColumn, Observed: "json"},
	})
	require.NoError(t, err)
	require.Len(t, amendment.Changes, 2)

	next, err := cs.ApplyAmendment(amendment.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, TypeInt64, next.Locked.Column("id").Type)
	payload := next.Locked.Column("payload")
	require.NotNil(t, payload)
	assert.Equal(t, TypeJSON, payload.Type)
	assert.True(t, payload.Nullable, "appended columns are nullable")
	assert.Equal(t, "payload", next.Locked.Columns[len(next.Locked.Columns)-1].Name,
		"new columns append at the tail")

	// Applying twice is an invalid state transition.
	_, err = cs.ApplyAmendment(amendment.ID, true)
	assert.True(t, core.IsKind(err, core.KindInvalidState))
}

func TestRejectAmendmentLeavesContract(t *testing.T) {
	t.Parallel()
	cs := openContractStore(t)

	contracts, _, err := cs.Approve(ApprovalRequest{
		ParserID: "events_v1",
		Outputs: []OutputApproval{{OutputName: "events", Columns: []Column{
			{Name: "id", Type: TypeInt32},
		}}},
	})
	require.NoError(t, err)

	amendment, err := cs.GenerateProposal(contracts[0], []Violation{
		{Column: "id", Kind: ViolationTypeMismatch, Expected: "int32", Observed: "string"},
	})
	require.NoError(t, err)

	next, err := cs.ApplyAmendment(amendment.ID, false)
	require.NoError(t, err)
	assert.Nil(t, next)

	active, err := cs.Active("events_v1", "events")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
	assert.Equal(t, TypeInt32, active.Locked.Column("id").Type)
}

func TestGenerateProposalNothingToDo(t *testing.T) {
	t.Parallel()
	cs := openContractStore(t)

	contracts, _, err := cs.Approve(ApprovalRequest{
		ParserID: "p",
		Outputs: []OutputApproval{{OutputName: "o", Columns: []Column{
			{Name: "id", Type: TypeInt64},
		}}},
	})
	require.NoError(t, err)

	amendment, err := cs.GenerateProposal(contracts[0], nil)
	require.NoError(t, err)
	assert.Nil(t, amendment)
}

// =============================================================================
// ARROW CONVERSION TESTS
// =============================================================================

func TestArrowRoundTrip(t *testing.T) {
	t.Parallel()

	ls := &LockedSchema{OutputName: "mixed", Columns: []Column{
		{Name: "a", Type: TypeInt32},
		{Name: "b", Type: TypeString, Nullable: true},
		{Name: "c", Type: TypeJSON, Nullable: true},
		{Name: "d", Type: TypeTimestamp},
		{Name: "e", Type: DecimalType(12, 4)},
		{Name: "f", Type: TypeBytes, Nullable: true},
	}}
	as, err := ToArrow(ls)
	require.NoError(t, err)

	back, err := FromArrow("mixed", as)
	require.NoError(t, err)
	assert.Equal(t, ls.Columns, back.Columns, "json survives via field metadata")

	h1, err := ls.ContentHash()
	require.NoError(t, err)
	h2, err := back.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestFromArrowRejectsUnmappedType(t *testing.T) {
	t.Parallel()

	as := arrow.NewSchema([]arrow.Field{
		{Name: "xs", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	}, nil)
	_, err := FromArrow("bad", as)
	assert.True(t, core.IsKind(err, core.KindUnsupported))
}
