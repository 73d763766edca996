// Run command: parse one cataloged file through the runtime bridge into a
// sink, guarded by the materialization ledger.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"casparian/internal/bridge"
	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/ledger"
	"casparian/internal/schema"
	"casparian/internal/sink"
	"casparian/internal/store"
)

var (
	runSinkURL     string
	runInterpreter string
	runShim        string
	runBinary      string
	runVersion     string
	runForce       bool
)

var runCmd = &cobra.Command{
	Use:   "run <parser-id> <input-path>",
	Short: "Run a parser over one file and materialize its outputs",
	Long: `Invoke a parser on a cataloged file. Outputs are verified against
their locked schema contracts; accepted batches land in the sink, rejected
rows go to quarantine. The materialization ledger makes the run idempotent
per (file version, parser fingerprint, output target).`,
	Args: cobra.ExactArgs(2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSinkURL, "sink", "", "sink URL, e.g. duckdb:/path/out.db (required)")
	runCmd.Flags().StringVar(&runInterpreter, "interpreter", "", "interpreter for shim-based parsers")
	runCmd.Flags().StringVar(&runShim, "shim", "", "shim entrypoint path")
	runCmd.Flags().StringVar(&runBinary, "binary", "", "native parser binary")
	runCmd.Flags().StringVar(&runVersion, "parser-version", "0", "parser version label")
	runCmd.Flags().BoolVar(&runForce, "force", false, "run even when the ledger says all outputs are done")
	runCmd.MarkFlagRequired("sink")
	rootCmd.AddCommand(runCmd)
}

func buildRuntime() (bridge.Runtime, string, error) {
	switch {
	case runBinary != "":
		return bridge.NativeRuntime{Binary: runBinary}, runBinary, nil
	case runInterpreter != "" && runShim != "":
		return bridge.ShimRuntime{Interpreter: runInterpreter, ShimPath: runShim}, runShim, nil
	}
	return nil, "", core.E(core.KindConstraint, "no parser runtime given").
		WithSuggestion("pass --binary, or --interpreter together with --shim")
}

// codeHash fingerprints the parser code so edits re-materialize files.
func codeHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	return ident.SHA256Hex(data)
}

func contractRef(contracts []*store.ContractRow) string {
	parts := make([]string, 0, len(contracts))
	for _, c := range contracts {
		parts = append(parts, c.ContentHash)
	}
	return ident.Fingerprint(parts...)
}

// materialize runs one parser invocation end to end: ledger pre-check,
// bridge run, ledger records. It returns a one-line summary for job output.
func materialize(ctx context.Context, e *env, jobID, parserID, version string,
	file *store.File, runtime bridge.Runtime, codePath, sinkURL string,
	db *sink.DuckDB, token *bridge.CancellationToken, force bool) (string, error) {

	contracts, err := e.store.ActiveContractsForParser(parserID)
	if err != nil {
		return "", err
	}
	fp := ledger.ParserFingerprint{
		ParserID:    parserID,
		CodeHash:    codeHash(codePath),
		RuntimeTag:  version,
		ContractRef: contractRef(contracts),
	}
	led := ledger.New(e.store)
	hashByOutput := map[string]string{}
	for _, c := range contracts {
		hashByOutput[c.OutputName] = c.ContentHash
	}
	// The DuckDB sink appends into a table named after the slugged output.
	keyFor := func(outputName string) string {
		target := ledger.OutputTargetKey(outputName, sinkURL, "append",
			ident.SafeOutputID(outputName), hashByOutput[outputName])
		return ledger.Key(file.FileUID, file.MtimeMs, file.Size, fp.Hash(), target)
	}

	// Ledger pre-check: when every known output already succeeded for this
	// file version and fingerprint, the run is a no-op.
	if len(contracts) > 0 && !force {
		done := 0
		for _, c := range contracts {
			dec, err := led.Check(keyFor(c.OutputName))
			if err != nil {
				return "", err
			}
			if !dec.Proceed {
				done++
			}
		}
		if done == len(contracts) {
			return fmt.Sprintf("skipped: all %d outputs already materialized", done), nil
		}
	}

	cs := schema.NewContractStore(e.store)
	runner := bridge.NewRunner(runtime, cs, db, db, e.cfg.Bridge)
	runner.OnProgress = func(processed, total int64) {
		logger.Debug("parser progress",
			zap.String("job", jobID),
			zap.Int64("processed", processed),
			zap.Int64("total", total))
	}

	result, runErr := runner.RunFile(ctx, bridge.Request{
		JobID:         jobID,
		ParserID:      parserID,
		ParserVersion: version,
		InputPath:     file.AbsPath,
	}, token)

	if runErr != nil {
		for _, c := range contracts {
			if err := led.RecordFailure(keyFor(c.OutputName), jobID, core.IsTransient(runErr)); err != nil {
				logger.Warn("ledger failure record", zap.Error(err))
			}
		}
		return "", runErr
	}

	var lines []string
	for _, out := range result.Outputs {
		if out.Accepted {
			if _, err := led.RecordSuccess(keyFor(out.Name), jobID, out.Rows); err != nil {
				return "", err
			}
			lines = append(lines, fmt.Sprintf("%s: %d rows", out.Name, out.Rows))
		} else {
			if err := led.RecordFailure(keyFor(out.Name), jobID, false); err != nil {
				return "", err
			}
			lines = append(lines, fmt.Sprintf("%s: %d rows quarantined", out.Name, out.QuarantineRows))

			if line, ok := proposeAmendment(cs, parserID, out.Name, result.Violations); ok {
				lines = append(lines, line)
			}
		}
	}
	for _, v := range result.Violations {
		lines = append(lines, fmt.Sprintf("violation: %s %s.%s expected %s observed %s",
			v.Kind, v.OutputName, v.Column, v.Expected, v.Observed))
	}
	if len(lines) == 0 {
		lines = append(lines, "no outputs emitted")
	}
	return strings.Join(lines, "; "), nil
}

// proposeAmendment feeds a rejected output's violations into the
// amendment loop and reports the pending proposal for the run summary.
func proposeAmendment(cs *schema.ContractStore, parserID, outputName string, violations []schema.Violation) (string, bool) {
	var viols []schema.Violation
	for _, v := range violations {
		if v.OutputName == outputName {
			viols = append(viols, v)
		}
	}
	if len(viols) == 0 {
		return "", false
	}
	contract, err := cs.Active(parserID, outputName)
	if err != nil {
		return "", false
	}
	amendment, err := cs.GenerateProposal(contract, viols)
	if err != nil {
		if logger != nil {
			logger.Warn("amendment proposal", zap.Error(err))
		}
		return "", false
	}
	if amendment == nil {
		return "", false
	}
	return fmt.Sprintf("amendment %s proposed for %s (%d changes)",
		amendment.ID, outputName, len(amendment.Changes)), true
}

func runRun(cmd *cobra.Command, args []string) error {
	parserID, input := args[0], args[1]

	target, err := sink.ParseURL(runSinkURL)
	if err != nil {
		return err
	}
	runtime, codePath, err := buildRuntime()
	if err != nil {
		return err
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	abs, err := filepath.Abs(input)
	if err != nil {
		return core.Wrap(core.KindIO, err, "resolve input path")
	}
	file, err := e.store.GetFileByPath(e.ws.ID, abs)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return core.E(core.KindNotFound, "%s is not in the catalog", abs).
				WithSuggestion("run `casparian scan` over its source first")
		}
		return err
	}

	db, err := sink.OpenDuckDB(target.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	token := bridge.NewCancellationToken()
	go func() {
		<-ctx.Done()
		token.Cancel()
	}()

	summary, err := materialize(ctx, e, ident.NewID(), parserID, runVersion,
		file, runtime, codePath, runSinkURL, db, token, runForce)
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}
