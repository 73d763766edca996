// Package backtest iterates a parser against a fixed file set, ordering
// each pass to fail fast and stopping when the pass rate clears its
// threshold or further iteration is pointless.
package backtest

import (
	"context"
	"errors"
	"sort"
	"time"

	"casparian/internal/core"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// Outcome is one file's evaluation result.
type Outcome struct {
	Passed     bool
	Violations []string
}

// Evaluator runs the parser under test against one file.
type Evaluator interface {
	Evaluate(ctx context.Context, fileID string) (Outcome, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, fileID string) (Outcome, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, fileID string) (Outcome, error) {
	return f(ctx, fileID)
}

// TerminationReason explains why a backtest stopped.
type TerminationReason string

const (
	ReasonThresholdReached TerminationReason = "threshold_reached"
	ReasonMaxIterations    TerminationReason = "max_iterations"
	ReasonPlateau          TerminationReason = "plateau"
	// Every high-failure file failed again, so the pass cannot clear the
	// threshold and the remaining files are not evaluated.
	ReasonThresholdNotMetAfterHighFailure TerminationReason = "threshold_not_met_after_high_failure"
	ReasonTimeout                         TerminationReason = "timeout"
	ReasonCancelled                       TerminationReason = "cancelled"
)

// ViolationCount is one violation message with its occurrence count.
type ViolationCount struct {
	Message string
	Count   int
}

// IterationMetrics summarizes one pass over the file set.
type IterationMetrics struct {
	Iteration         int
	PassRate          float64
	HighFailurePassed int
	HighFailureTotal  int
	TopViolations     []ViolationCount
}

// Report is the final backtest outcome.
type Report struct {
	Iterations    []IterationMetrics
	Reason        TerminationReason
	FinalPassRate float64
}

// Options bounds a backtest.
type Options struct {
	PassRateThreshold float64
	MaxIterations     int
	// PlateauWindow is the number of consecutive non-improving iterations
	// tolerated before stopping.
	PlateauWindow int
	Timeout       time.Duration
}

// Engine drives backtests and keeps the per-file history that feeds the
// fail-fast ordering.
type Engine struct {
	store *store.Store
	eval  Evaluator
}

// NewEngine creates a backtest engine.
func NewEngine(st *store.Store, eval Evaluator) *Engine {
	return &Engine{store: st, eval: eval}
}

// orderFiles applies the stable fail-fast ordering: high-failure first
// (worst history leading), then previously resolved, then untested, then
// previously passing.
func orderFiles(fileIDs []string, history map[string]*store.BacktestRecord) []string {
	rank := func(id string) int {
		rec, ok := history[id]
		switch {
		case !ok:
			return 2 // untested
		case rec.Failures > 0 && !rec.Resolved && rec.LastStatus == "failed":
			return 0 // high-failure
		case rec.Resolved:
			return 1
		default:
			return 3 // passing
		}
	}
	out := append([]string{}, fileIDs...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 0 {
			return history[out[i]].Failures > history[out[j]].Failures
		}
		return false
	})
	return out
}

// Run backtests the parser against the file set until a termination
// condition is hit.
func (e *Engine) Run(ctx context.Context, parserRef string, fileIDs []string, opts Options) (*Report, error) {
	if len(fileIDs) == 0 {
		return nil, core.E(core.KindConstraint, "backtest requires at least one file")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	if opts.PlateauWindow <= 0 {
		opts.PlateauWindow = 3
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	report := &Report{}
	bestRate := -1.0
	stale := 0

	for iter := 1; iter <= opts.MaxIterations; iter++ {
		history, err := e.store.BacktestHistory(parserRef)
		if err != nil {
			return nil, err
		}
		ordered := orderFiles(fileIDs, history)

		metrics, aborted, err := e.iterate(ctx, iter, parserRef, ordered, history)
		if err != nil {
			report.Reason = reasonForErr(err)
			if report.Reason == "" {
				return nil, err
			}
			return report, nil
		}
		report.Iterations = append(report.Iterations, *metrics)
		report.FinalPassRate = metrics.PassRate
		logging.Backtest("Iteration %d: pass_rate=%.3f high_failure=%d/%d",
			iter, metrics.PassRate, metrics.HighFailurePassed, metrics.HighFailureTotal)

		if aborted {
			report.Reason = ReasonThresholdNotMetAfterHighFailure
			return report, nil
		}
		if metrics.PassRate >= opts.PassRateThreshold {
			report.Reason = ReasonThresholdReached
			return report, nil
		}
		if metrics.PassRate > bestRate {
			bestRate = metrics.PassRate
			stale = 0
		} else {
			stale++
			if stale >= opts.PlateauWindow {
				report.Reason = ReasonPlateau
				return report, nil
			}
		}
	}
	report.Reason = ReasonMaxIterations
	return report, nil
}

// iterate runs one ordered pass. When every high-failure file fails again
// and files remain after the high-failure band, the pass aborts without
// evaluating them and the second return is true.
func (e *Engine) iterate(ctx context.Context, iter int, parserRef string, ordered []string, history map[string]*store.BacktestRecord) (*IterationMetrics, bool, error) {
	metrics := &IterationMetrics{Iteration: iter}
	violations := map[string]int{}
	passed := 0
	evaluated := 0

	for _, id := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, false, core.Wrap(core.KindCancelled, err, "backtest interrupted")
		}
		rec := history[id]
		highFailure := rec != nil && rec.Failures > 0 && !rec.Resolved && rec.LastStatus == "failed"
		if !highFailure && metrics.HighFailureTotal > 0 && metrics.HighFailurePassed == 0 {
			// The high-failure band leads the ordering and every member
			// failed again; the rest of the set stays unexecuted.
			metrics.PassRate = 0
			metrics.TopViolations = topViolations(violations, 5)
			return metrics, true, nil
		}
		if highFailure {
			metrics.HighFailureTotal++
		}

		out, err := e.eval.Evaluate(ctx, id)
		if err != nil {
			if core.IsKind(err, core.KindCancelled) || core.IsKind(err, core.KindTimeout) {
				return nil, false, err
			}
			// An evaluator error counts as a failure with its message.
			out = Outcome{Passed: false, Violations: []string{err.Error()}}
		}
		evaluated++

		next := &store.BacktestRecord{FileID: id, ParserRef: parserRef}
		if rec != nil {
			*next = *rec
		}
		if out.Passed {
			passed++
			if highFailure {
				metrics.HighFailurePassed++
			}
			next.LastStatus = "passed"
			next.Resolved = next.Failures > 0
		} else {
			next.LastStatus = "failed"
			next.Failures++
			next.Resolved = false
			for _, v := range out.Violations {
				violations[v]++
			}
		}
		if err := e.store.UpsertBacktestRecord(next); err != nil {
			return nil, false, err
		}
	}

	metrics.PassRate = float64(passed) / float64(evaluated)
	metrics.TopViolations = topViolations(violations, 5)
	return metrics, false, nil
}

func topViolations(counts map[string]int, limit int) []ViolationCount {
	out := make([]ViolationCount, 0, len(counts))
	for msg, n := range counts {
		out = append(out, ViolationCount{Message: msg, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func reasonForErr(err error) TerminationReason {
	switch {
	case errors.Is(err, context.DeadlineExceeded), core.IsKind(err, core.KindTimeout):
		return ReasonTimeout
	case core.IsKind(err, core.KindCancelled):
		return ReasonCancelled
	}
	return ""
}
