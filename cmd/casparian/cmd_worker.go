// Worker command: drain the persistent queue with the executor pool.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"casparian/internal/bridge"
	"casparian/internal/config"
	"casparian/internal/core"
	"casparian/internal/queue"
	"casparian/internal/sink"
)

var (
	workerSinkURL     string
	workerInterpreter string
	workerShim        string
	workerBinary      string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue workers until interrupted",
	Long: `Claim parse jobs from the workspace queue and run them through the
parser runtime bridge. Workers heartbeat their claims, honor cancel
requests and classify failures so the queue can retry transient ones.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerSinkURL, "sink", "", "sink URL for materialized outputs (required)")
	workerCmd.Flags().StringVar(&workerInterpreter, "interpreter", "", "interpreter for shim-based parsers")
	workerCmd.Flags().StringVar(&workerShim, "shim", "", "shim entrypoint path")
	workerCmd.Flags().StringVar(&workerBinary, "binary", "", "native parser binary")
	workerCmd.MarkFlagRequired("sink")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	target, err := sink.ParseURL(workerSinkURL)
	if err != nil {
		return err
	}
	runInterpreter, runShim, runBinary = workerInterpreter, workerShim, workerBinary
	runtime, codePath, err := buildRuntime()
	if err != nil {
		return err
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	db, err := sink.OpenDuckDB(target.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.New(e.store, e.cfg.Queue)
	home := config.Home()

	runner := queue.RunnerFunc(func(ctx context.Context, job *queue.Job) (string, error) {
		if job.Kind != "parse" {
			return "", core.E(core.KindUnsupported, "unknown job kind %q", job.Kind)
		}
		file, err := e.store.GetFile(job.InputFileID)
		if err != nil {
			return "", err
		}
		if err := q.SetLogsPointer(job.ID, config.JobLogPath(home, job.ID)); err != nil {
			logger.Warn("set logs pointer", zap.String("job", job.ID), zap.Error(err))
		}

		// Bridge cancellation follows the job context, which the executor
		// cancels when a cancel request lands.
		token := bridge.NewCancellationToken()
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				token.Cancel()
			case <-done:
			}
		}()

		return materialize(ctx, e, job.ID, job.ParserRef, "0",
			file, runtime, codePath, workerSinkURL, db, token, false)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("workers up (%d slots), ctrl-c to stop\n", e.cfg.Queue.WorkerSlots)
	return queue.NewExecutor(q, runner, e.cfg.Queue, e.ws.ID).Run(ctx)
}
