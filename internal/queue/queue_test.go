package queue

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"casparian/internal/config"
	"casparian/internal/core"
	"casparian/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		LeaseSeconds:        60,
		MaxAttempts:         3,
		RetryBackoffBaseMs:  100,
		RetryBackoffMaxMs:   5000,
		WorkerSlots:         2,
		HeartbeatIntervalMs: 50,
	}
}

func openQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ws, err := st.CreateWorkspace("default")
	require.NoError(t, err)
	return New(st, testQueueConfig()), ws.ID
}

// =============================================================================
// CLAIM ORDERING TESTS
// =============================================================================

// Three jobs, enqueued J1 prio=0, J2 prio=5, J3 prio=0. Claim order must be
// J2 (highest band), then J1, then J3 (FIFO within the band).
func TestClaimPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	q, ws := openQueue(t)

	j1 := &Job{WorkspaceID: ws, Kind: "parse", Priority: 0}
	j2 := &Job{WorkspaceID: ws, Kind: "parse", Priority: 5}
	j3 := &Job{WorkspaceID: ws, Kind: "parse", Priority: 0}
	for _, j := range []*Job{j1, j2, j3} {
		require.NoError(t, q.Enqueue(j))
	}

	var got []string
	for i := 0; i < 3; i++ {
		j, err := q.Claim(ws, "w1")
		require.NoError(t, err)
		got = append(got, j.ID)
	}
	assert.Equal(t, []string{j2.ID, j1.ID, j3.ID}, got)

	_, err := q.Claim(ws, "w1")
	assert.True(t, core.IsKind(err, core.KindNotFound), "queue drained")
}

func TestClaimSkipsBackedOffJobs(t *testing.T) {
	t.Parallel()
	q, ws := openQueue(t)

	future := time.Now().Add(time.Hour).UnixMilli()
	delayed := &Job{WorkspaceID: ws, Kind: "parse", NotBeforeMS: future}
	ready := &Job{WorkspaceID: ws, Kind: "parse"}
	require.NoError(t, q.Enqueue(delayed))
	require.NoError(t, q.Enqueue(ready))

	j, err := q.Claim(ws, "w1")
	require.NoError(t, err)
	assert.Equal(t, ready.ID, j.ID)

	_, err = q.Claim(ws, "w1")
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestCompleteRequiresClaim(t *testing.T) {
	t.Parallel()
	q, ws := openQueue(t)

	j := &Job{WorkspaceID: ws, Kind: "parse"}
	require.NoError(t, q.Enqueue(j))
	_, err := q.Claim(ws, "w1")
	require.NoError(t, err)

	err = q.Complete(j.ID, "imposter", "")
	assert.True(t, core.IsKind(err, core.KindInvalidState))

	require.NoError(t, q.Complete(j.ID, "w1", `{"rows":10}`))
	got, err := q.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, `{"rows":10}`, got.OutputInfo)
	assert.NotNil(t, got.FinishedAt)
}

func TestTransientFailureRequeuesWithBackoff(t *testing.T) {
	t.Parallel()
	q, ws := openQueue(t)

	j := &Job{WorkspaceID: ws, Kind: "parse"}
	require.NoError(t, q.Enqueue(j))
	_, err := q.Claim(ws, "w1")
	require.NoError(t, err)

	before := time.Now().UnixMilli()
	require.NoError(t, q.Fail(j.ID, "w1", "sink unavailable", true))

	got, err := q.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.GreaterOrEqual(t, got.NotBeforeMS, before+testQueueConfig().Backoff(1).Milliseconds())

	// Not claimable until the backoff elapses.
	_, err = q.Claim(ws, "w1")
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestPermanentFailureIsTerminal(t *testing.T) {
	t.Parallel()
	q, ws := openQueue(t)

	j := &Job{WorkspaceID: ws, Kind: "parse"}
	require.NoError(t, q.Enqueue(j))
	_, err := q.Claim(ws, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(j.ID, "w1", "schema mismatch", false))
	got, err := q.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "schema mismatch", got.Error)
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	t.Parallel()
	q, ws := openQueue(t)
	// Each clock read jumps an hour so every backoff has already elapsed.
	base := time.Now()
	var step atomic.Int64
	q.now = func() time.Time { return base.Add(time.Duration(step.Add(1)) * time.Hour) }

	j := &Job{WorkspaceID: ws, Kind: "parse"}
	require.NoError(t, q.Enqueue(j))

	for i := 0; i < testQueueConfig().MaxAttempts; i++ {
		_, err := q.Claim(ws, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Fail(j.ID, "w1", "flaky", true))
	}
	got, err := q.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status, "attempt budget spent")
}

func TestCancelQueuedAndRunning(t *testing.T) {
	t.Parallel()
	q, ws := openQueue(t)

	queued := &Job{WorkspaceID: ws, Kind: "parse"}
	require.NoError(t, q.Enqueue(queued))
	require.NoError(t, q.Cancel(queued.ID))
	got, err := q.Get(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	running := &Job{WorkspaceID: ws, Kind: "parse"}
	require.NoError(t, q.Enqueue(running))
	_, err = q.Claim(ws, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Cancel(running.ID))

	requested, err := q.CancelRequested(running.ID)
	require.NoError(t, err)
	assert.True(t, requested, "running jobs cancel cooperatively")

	require.NoError(t, q.AckCancel(running.ID, "w1"))
	got, err = q.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestReapExpiredLease(t *testing.T) {
	t.Parallel()
	q, ws := openQueue(t)

	j := &Job{WorkspaceID: ws, Kind: "parse"}
	require.NoError(t, q.Enqueue(j))
	_, err := q.Claim(ws, "w1")
	require.NoError(t, err)

	// Move the clock past the lease and reap.
	q.now = func() time.Time { return time.Now().Add(2 * testQueueConfig().Lease()) }
	n, err := q.ReapExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status, "reaped work is claimable again")
	assert.Empty(t, got.ClaimWorker)

	// The old worker's heartbeat is refused.
	err = q.Heartbeat(j.ID, "w1")
	assert.True(t, core.IsKind(err, core.KindInvalidState))
}

// =============================================================================
// VIEW MERGE TESTS
// =============================================================================

func TestMergeViewPreservesEphemeral(t *testing.T) {
	t.Parallel()

	ephemeral := &Job{ID: "e1", Seq: 10, Origin: OriginEphemeral, Status: StatusRunning}
	persistent := &Job{ID: "p1", Seq: 5, Origin: OriginPersistent, Status: StatusQueued}

	merged := MergeView([]*Job{ephemeral}, []*Job{persistent})
	require.Len(t, merged, 2)
	assert.Equal(t, "p1", merged[0].ID)
	assert.Equal(t, "e1", merged[1].ID)
}

func TestMergeViewStartedAtNeverMovesForward(t *testing.T) {
	t.Parallel()

	early := time.Now().Add(-time.Minute)
	late := time.Now()
	prev := &Job{ID: "j", Seq: 1, Status: StatusRunning, StartedAt: &early}
	fresh := &Job{ID: "j", Seq: 1, Status: StatusRunning, StartedAt: &late}

	merged := MergeView([]*Job{prev}, []*Job{fresh})
	require.Len(t, merged, 1)
	assert.True(t, merged[0].StartedAt.Equal(early))

	// Terminal rows take the database's word as-is.
	done := &Job{ID: "j", Seq: 1, Status: StatusSucceeded, StartedAt: &late}
	merged = MergeView([]*Job{prev}, []*Job{done})
	assert.True(t, merged[0].StartedAt.Equal(late))
}

func TestMergeViewKeepsRichFields(t *testing.T) {
	t.Parallel()

	prev := &Job{ID: "j", Seq: 1, Status: StatusRunning, LogsPointer: "/logs/j.log", OutputInfo: `{"rows":1}`}
	fresh := &Job{ID: "j", Seq: 1, Status: StatusRunning, Attempts: 1}

	merged := MergeView([]*Job{prev}, []*Job{fresh})
	require.Len(t, merged, 1)

	// The merged row is the fresh row plus the preserved rich fields.
	want := &Job{ID: "j", Seq: 1, Status: StatusRunning, Attempts: 1,
		LogsPointer: "/logs/j.log", OutputInfo: `{"rows":1}`}
	if diff := cmp.Diff(want, merged[0]); diff != "" {
		t.Fatalf("merged job mismatch (-want +got):\n%s", diff)
	}
}

// =============================================================================
// EXECUTOR TESTS
// =============================================================================

func TestExecutorDrainsQueue(t *testing.T) {
	q, ws := openQueue(t)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(&Job{WorkspaceID: ws, Kind: "parse"}))
	}

	ex := NewExecutor(q, RunnerFunc(func(ctx context.Context, job *Job) (string, error) {
		ran.Add(1)
		return `{"rows":1}`, nil
	}), testQueueConfig(), ws)
	ex.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ex.Run(ctx) }()

	require.Eventually(t, func() bool {
		jobs, err := q.List(ws)
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if !j.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(5), ran.Load())
}

func TestExecutorRecordsFailure(t *testing.T) {
	q, ws := openQueue(t)

	j := &Job{WorkspaceID: ws, Kind: "parse"}
	require.NoError(t, q.Enqueue(j))

	ex := NewExecutor(q, RunnerFunc(func(ctx context.Context, job *Job) (string, error) {
		return "", core.E(core.KindSchemaMismatch, "hash gate rejected output")
	}), testQueueConfig(), ws)
	ex.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ex.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := q.Get(j.ID)
		return err == nil && got.Status == StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got, err := q.Get(j.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "hash gate rejected")
}
