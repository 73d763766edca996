package backtest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casparian/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// =============================================================================
// ORDERING TESTS
// =============================================================================

func TestOrderFilesFailFast(t *testing.T) {
	t.Parallel()

	history := map[string]*store.BacktestRecord{
		"worst":    {FileID: "worst", Failures: 5, LastStatus: "failed"},
		"bad":      {FileID: "bad", Failures: 1, LastStatus: "failed"},
		"resolved": {FileID: "resolved", Failures: 2, LastStatus: "passed", Resolved: true},
		"passing":  {FileID: "passing", Failures: 0, LastStatus: "passed"},
	}
	files := []string{"passing", "untested-a", "bad", "resolved", "worst", "untested-b"}

	got := orderFiles(files, history)
	assert.Equal(t, []string{
		"worst", "bad", // high-failure band, worst history first
		"resolved",
		"untested-a", "untested-b", // untested keep input order
		"passing",
	}, got)
}

// =============================================================================
// ENGINE TESTS
// =============================================================================

// trackingEval counts full passes over the file set so the outcome can
// depend on the iteration number, and records evaluation order.
type trackingEval struct {
	total   int
	calls   int
	orders  [][]string
	outcome func(iteration int, fileID string) Outcome
}

func (e *trackingEval) Evaluate(ctx context.Context, fileID string) (Outcome, error) {
	iteration := e.calls/e.total + 1
	if len(e.orders) < iteration {
		e.orders = append(e.orders, nil)
	}
	e.orders[iteration-1] = append(e.orders[iteration-1], fileID)
	e.calls++
	return e.outcome(iteration, fileID), nil
}

// Two files fail the first pass; the parser is fixed before the second.
// The second pass must evaluate the previous failures first and the run
// terminates on the threshold.
func TestRunConvergesAndReordersFailures(t *testing.T) {
	t.Parallel()
	st := openStore(t)

	files := []string{"f1", "f2", "f3", "f4"}
	eval := &trackingEval{
		total: len(files),
		outcome: func(iteration int, fileID string) Outcome {
			if iteration == 1 && (fileID == "f2" || fileID == "f4") {
				return Outcome{Violations: []string{"type_mismatch on qty"}}
			}
			return Outcome{Passed: true}
		},
	}
	engine := NewEngine(st, eval)

	report, err := engine.Run(context.Background(), "fills_v1", files,
		Options{PassRateThreshold: 1.0, MaxIterations: 5, PlateauWindow: 3})
	require.NoError(t, err)

	assert.Equal(t, ReasonThresholdReached, report.Reason)
	require.Len(t, report.Iterations, 2)
	assert.InDelta(t, 0.5, report.Iterations[0].PassRate, 1e-9)
	assert.InDelta(t, 1.0, report.Iterations[1].PassRate, 1e-9)
	assert.Equal(t, 1.0, report.FinalPassRate)

	first := report.Iterations[0]
	require.Len(t, first.TopViolations, 1)
	assert.Equal(t, "type_mismatch on qty", first.TopViolations[0].Message)
	assert.Equal(t, 2, first.TopViolations[0].Count)

	second := report.Iterations[1]
	assert.Equal(t, 2, second.HighFailureTotal)
	assert.Equal(t, 2, second.HighFailurePassed)
	assert.Equal(t, []string{"f2", "f4", "f1", "f3"}, eval.orders[1],
		"previous failures evaluate first on the next pass")
}

// Each pass fixes the previous failure but breaks a fresh file, so the
// rate never moves and the run stalls out after the plateau window.
func TestRunPlateau(t *testing.T) {
	t.Parallel()
	st := openStore(t)

	files := []string{"f1", "f2", "f3", "f4"}
	eval := &trackingEval{
		total: len(files),
		outcome: func(iteration int, fileID string) Outcome {
			if fileID == fmt.Sprintf("f%d", iteration) {
				return Outcome{Violations: []string{"bad header"}}
			}
			return Outcome{Passed: true}
		},
	}
	engine := NewEngine(st, eval)

	report, err := engine.Run(context.Background(), "fills_v1", files,
		Options{PassRateThreshold: 1.0, MaxIterations: 10, PlateauWindow: 2})
	require.NoError(t, err)

	assert.Equal(t, ReasonPlateau, report.Reason)
	assert.Len(t, report.Iterations, 3, "first pass sets the bar, two stale passes end it")
	assert.InDelta(t, 0.75, report.FinalPassRate, 1e-9)
}

// Files with failure history lead the pass; when every one of them fails
// again the run terminates without touching the previously passing files.
func TestRunThresholdNotMetAfterHighFailure(t *testing.T) {
	t.Parallel()
	st := openStore(t)

	seed := []*store.BacktestRecord{
		{FileID: "h1", ParserRef: "fills_v1", Failures: 3, LastStatus: "failed"},
		{FileID: "h2", ParserRef: "fills_v1", Failures: 1, LastStatus: "failed"},
	}
	files := []string{"h1", "h2"}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("p%d", i)
		seed = append(seed, &store.BacktestRecord{FileID: id, ParserRef: "fills_v1", LastStatus: "passed"})
		files = append(files, id)
	}
	for _, rec := range seed {
		require.NoError(t, st.UpsertBacktestRecord(rec))
	}

	var evaluatedOrder []string
	engine := NewEngine(st, EvaluatorFunc(func(ctx context.Context, fileID string) (Outcome, error) {
		evaluatedOrder = append(evaluatedOrder, fileID)
		if fileID == "h1" || fileID == "h2" {
			return Outcome{Violations: []string{"bad header"}}, nil
		}
		return Outcome{Passed: true}, nil
	}))

	report, err := engine.Run(context.Background(), "fills_v1", files,
		Options{PassRateThreshold: 1.0, MaxIterations: 1, PlateauWindow: 2})
	require.NoError(t, err)

	assert.Equal(t, ReasonThresholdNotMetAfterHighFailure, report.Reason)
	assert.Equal(t, []string{"h1", "h2"}, evaluatedOrder,
		"previously passing files must not run after the high-failure band fails")
	require.Len(t, report.Iterations, 1)
	last := report.Iterations[0]
	assert.Equal(t, 2, last.HighFailureTotal)
	assert.Equal(t, 0, last.HighFailurePassed)
	assert.Equal(t, 0.0, last.PassRate)
}

func TestRunMaxIterations(t *testing.T) {
	t.Parallel()
	st := openStore(t)

	files := []string{"f1"}
	eval := &trackingEval{
		total:   len(files),
		outcome: func(int, string) Outcome { return Outcome{Violations: []string{"never parses"}} },
	}
	engine := NewEngine(st, eval)

	report, err := engine.Run(context.Background(), "fills_v1", files,
		Options{PassRateThreshold: 1.0, MaxIterations: 2, PlateauWindow: 10})
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxIterations, report.Reason)
	assert.Len(t, report.Iterations, 2)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	st := openStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	engine := NewEngine(st, EvaluatorFunc(func(ctx context.Context, fileID string) (Outcome, error) {
		cancel()
		return Outcome{Passed: true}, nil
	}))

	report, err := engine.Run(ctx, "fills_v1", []string{"f1", "f2"},
		Options{PassRateThreshold: 1.0, MaxIterations: 3})
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, report.Reason)
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	st := openStore(t)

	engine := NewEngine(st, EvaluatorFunc(func(ctx context.Context, fileID string) (Outcome, error) {
		time.Sleep(30 * time.Millisecond)
		return Outcome{Violations: []string{"slow"}}, nil
	}))

	report, err := engine.Run(context.Background(), "fills_v1", []string{"f1", "f2", "f3"},
		Options{PassRateThreshold: 1.0, MaxIterations: 100, PlateauWindow: 100, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, ReasonTimeout, report.Reason)
}
