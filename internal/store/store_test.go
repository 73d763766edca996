package store

import (
	"path/filepath"
	"testing"

	"casparian/internal/core"
	"casparian/internal/ident"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testWorkspace(t *testing.T, s *Store) *Workspace {
	t.Helper()
	ws, err := s.CreateWorkspace("default")
	if err != nil {
		t.Fatalf("CreateWorkspace error: %v", err)
	}
	return ws
}

// =============================================================================
// WORKSPACE AND SOURCE TESTS
// =============================================================================

func TestCreateWorkspaceIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	a, err := s.CreateWorkspace("ws")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateWorkspace("ws")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("same name should return same workspace: %s vs %s", a.ID, b.ID)
	}
}

func TestSourceLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ws := testWorkspace(t, s)

	src := &Source{WorkspaceID: ws.ID, Name: "drop", Kind: SourceLocal, Root: "/data", Enabled: true}
	if err := s.AddSource(src); err != nil {
		t.Fatalf("AddSource error: %v", err)
	}

	got, err := s.GetSource(ws.ID, "drop")
	if err != nil {
		t.Fatalf("GetSource error: %v", err)
	}
	if got.Root != "/data" || got.Kind != SourceLocal || !got.Enabled {
		t.Errorf("unexpected source: %+v", got)
	}

	list, err := s.ListSources(ws.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSources = %v, %v", list, err)
	}

	if err := s.RemoveSource(ws.ID, "drop"); err != nil {
		t.Fatalf("RemoveSource error: %v", err)
	}
	if err := s.RemoveSource(ws.ID, "drop"); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("second remove should be NotFound, got %v", err)
	}
}

// =============================================================================
// FILE UPSERT SEMANTICS
// =============================================================================

func TestUpsertFileRenamePreservesIdentity(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ws := testWorkspace(t, s)

	f := &File{
		WorkspaceID: ws.ID, AbsPath: "/d/a.txt", RelPath: "a.txt",
		Size: 5, MtimeMs: 1000, FileUID: "unix:1:42", UIDStrength: UIDStrong,
	}
	res, err := s.UpsertFile(f)
	if err != nil || res != UpsertInserted {
		t.Fatalf("first upsert = %v, %v", res, err)
	}
	originalID := f.ID

	if err := s.AssignTag(f.ID, "topic1", "*.txt"); err != nil {
		t.Fatalf("AssignTag error: %v", err)
	}

	// Rename: same strong UID, new path.
	renamed := &File{
		WorkspaceID: ws.ID, AbsPath: "/d/b.txt", RelPath: "b.txt",
		Size: 5, MtimeMs: 2000, FileUID: "unix:1:42", UIDStrength: UIDStrong,
	}
	res, err = s.UpsertFile(renamed)
	if err != nil || res != UpsertUpdated {
		t.Fatalf("rename upsert = %v, %v", res, err)
	}
	if renamed.ID != originalID {
		t.Errorf("rename changed row id: %s vs %s", renamed.ID, originalID)
	}

	got, err := s.GetFile(originalID)
	if err != nil {
		t.Fatalf("GetFile error: %v", err)
	}
	if got.AbsPath != "/d/b.txt" {
		t.Errorf("path not updated: %s", got.AbsPath)
	}
	tags, err := s.TagsForFile(originalID)
	if err != nil || len(tags) != 1 || tags[0] != "topic1" {
		t.Errorf("tags lost across rename: %v, %v", tags, err)
	}
}

func TestUpsertFileWeakUIDReplacedAtSamePath(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ws := testWorkspace(t, s)

	weak := &File{
		WorkspaceID: ws.ID, AbsPath: "/d/x.csv", RelPath: "x.csv",
		Size: 10, MtimeMs: 1, FileUID: "path:/d/x.csv", UIDStrength: UIDWeak,
	}
	if _, err := s.UpsertFile(weak); err != nil {
		t.Fatal(err)
	}

	strong := &File{
		WorkspaceID: ws.ID, AbsPath: "/d/x.csv", RelPath: "x.csv",
		Size: 12, MtimeMs: 2, FileUID: "unix:1:7", UIDStrength: UIDStrong,
	}
	res, err := s.UpsertFile(strong)
	if err != nil || res != UpsertReplaced {
		t.Fatalf("upsert = %v, %v", res, err)
	}
	if strong.ID != weak.ID {
		t.Errorf("replacement should preserve row id")
	}

	got, err := s.GetFile(weak.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FileUID != "unix:1:7" || got.UIDStrength != UIDStrong || got.Size != 12 {
		t.Errorf("row not upgraded: %+v", got)
	}
}

// =============================================================================
// CONTRACT TESTS
// =============================================================================

func TestInsertContractSupersedesPrior(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	c1 := &ContractRow{ID: ident.NewID(), ParserID: "p1", OutputName: "events",
		LockedSchemaJSON: `{"columns":[]}`, ContentHash: "h1"}
	if err := s.InsertContract(c1); err != nil {
		t.Fatal(err)
	}
	if c1.Version != 1 {
		t.Errorf("first contract version = %d", c1.Version)
	}

	c2 := &ContractRow{ID: ident.NewID(), ParserID: "p1", OutputName: "events",
		LockedSchemaJSON: `{"columns":[]}`, ContentHash: "h2"}
	if err := s.InsertContract(c2); err != nil {
		t.Fatal(err)
	}
	if c2.Version != 2 {
		t.Errorf("second contract version = %d", c2.Version)
	}

	active, err := s.ActiveContract("p1", "events")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != c2.ID {
		t.Errorf("active contract = %s, want %s", active.ID, c2.ID)
	}

	old, err := s.GetContract(c1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.State != ContractSuperseded {
		t.Errorf("old contract state = %s", old.State)
	}
}

// =============================================================================
// LEDGER TESTS
// =============================================================================

func TestLedgerFirstSuccessWins(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	first, err := s.RecordMaterializationSuccess("k1", "job-a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if first.JobID != "job-a" || first.RowsWritten != 100 {
		t.Errorf("first = %+v", first)
	}

	second, err := s.RecordMaterializationSuccess("k1", "job-b", 999)
	if err != nil {
		t.Fatal(err)
	}
	if second.JobID != "job-a" || second.RowsWritten != 100 {
		t.Errorf("later success should be a no-op returning prior outcome, got %+v", second)
	}

	n, err := s.SucceededMaterializations()
	if err != nil || n != 1 {
		t.Errorf("succeeded count = %d, %v", n, err)
	}
}

func TestLedgerFailureNeverDowngradesSuccess(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.RecordMaterializationSuccess("k", "j1", 5); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordMaterializationFailure("k", "j2", true); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMaterialization("k")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != MaterializationSucceeded {
		t.Errorf("success downgraded to %s", m.Status)
	}
}

func TestLedgerRetryAfterFailure(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.RecordMaterializationFailure("k", "j1", true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordMaterializationSuccess("k", "j2", 7); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMaterialization("k")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != MaterializationSucceeded || m.JobID != "j2" || m.RowsWritten != 7 {
		t.Errorf("retry not recorded: %+v", m)
	}
}

// =============================================================================
// APPROVAL TOKEN TESTS
// =============================================================================

func TestTokenSingleUse(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.IssueToken("tok", "prop-hash"); err != nil {
		t.Fatal(err)
	}
	if err := s.ConsumeToken("tok", "prop-hash"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := s.ConsumeToken("tok", "prop-hash"); !core.IsKind(err, core.KindApprovalMismatch) {
		t.Errorf("reuse should be ApprovalMismatch, got %v", err)
	}
}

func TestTokenProposalMismatch(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.IssueToken("tok", "prop-a"); err != nil {
		t.Fatal(err)
	}
	err := s.ConsumeToken("tok", "prop-b")
	if !core.IsKind(err, core.KindApprovalMismatch) {
		t.Errorf("mismatch should be ApprovalMismatch, got %v", err)
	}
	// The failed attempt must not burn the token.
	if err := s.ConsumeToken("tok", "prop-a"); err != nil {
		t.Errorf("token should still be consumable against its own proposal: %v", err)
	}
}

// =============================================================================
// RUN / SNAPSHOT CONSTRAINTS
// =============================================================================

func TestRunRequiresExistingSnapshot(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ws := testWorkspace(t, s)

	p := &Pipeline{ID: ident.NewID(), Name: "p", Version: 1}
	if err := s.InsertPipeline(p); err != nil {
		t.Fatal(err)
	}

	run := &PipelineRun{ID: ident.NewID(), PipelineID: p.ID,
		SelectionSnapshotHash: "missing", LogicalDate: "2024-01-01"}
	if err := s.InsertRun(run); !core.IsKind(err, core.KindConstraint) {
		t.Fatalf("run with unknown snapshot should be Constraint, got %v", err)
	}

	spec := &SpecRow{ID: ident.NewID(), WorkspaceID: ws.ID, FiltersJSON: "{}"}
	if err := s.InsertSpec(spec); err != nil {
		t.Fatal(err)
	}
	snap := &SnapshotRow{ID: ident.NewID(), SpecID: spec.ID,
		FileIDs: []string{"f1"}, SnapshotHash: "h", LogicalDate: "2024-01-01", Portable: true}
	if err := s.InsertSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	run.SelectionSnapshotHash = "h"
	if err := s.InsertRun(run); err != nil {
		t.Fatalf("run with valid snapshot: %v", err)
	}
}

func TestSnapshotImmutablePerDate(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ws := testWorkspace(t, s)

	spec := &SpecRow{ID: ident.NewID(), WorkspaceID: ws.ID, FiltersJSON: "{}"}
	if err := s.InsertSpec(spec); err != nil {
		t.Fatal(err)
	}
	snap := &SnapshotRow{ID: ident.NewID(), SpecID: spec.ID,
		FileIDs: []string{"f1"}, SnapshotHash: "h1", LogicalDate: "2024-01-01", Portable: true}
	if err := s.InsertSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	dup := &SnapshotRow{ID: ident.NewID(), SpecID: spec.ID,
		FileIDs: []string{"f2"}, SnapshotHash: "h2", LogicalDate: "2024-01-01", Portable: true}
	if err := s.InsertSnapshot(dup); err == nil {
		t.Error("second snapshot for same (spec, date) should fail")
	}
}
