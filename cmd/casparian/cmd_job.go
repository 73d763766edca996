// Job commands: inspecting, cancelling and retrying queue entries.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"casparian/internal/core"
	"casparian/internal/queue"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and control queued jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in claim order",
	Args:  cobra.NoArgs,
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print a job's log file",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobLogs,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job; running jobs stop cooperatively",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-enqueue a failed or cancelled job as a fresh attempt",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRetry,
}

func init() {
	jobCmd.AddCommand(jobListCmd, jobShowCmd, jobLogsCmd, jobCancelCmd, jobRetryCmd)
	rootCmd.AddCommand(jobCmd)
}

func runJobList(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	jobs, err := queue.New(e.store, e.cfg.Queue).List(e.ws.ID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%-36s %-9s p%-3d a%-2d %-8s %s\n",
			j.ID, j.Status, j.Priority, j.Attempts, j.Kind, j.ParserRef)
	}
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	j, err := queue.New(e.store, e.cfg.Queue).Get(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("id:         %s\n", j.ID)
	fmt.Printf("status:     %s\n", j.Status)
	fmt.Printf("kind:       %s\n", j.Kind)
	fmt.Printf("parser:     %s\n", j.ParserRef)
	fmt.Printf("input:      %s\n", j.InputFileID)
	fmt.Printf("priority:   %d\n", j.Priority)
	fmt.Printf("attempts:   %d\n", j.Attempts)
	fmt.Printf("created:    %s\n", j.CreatedAt.Format(time.RFC3339))
	if j.StartedAt != nil {
		fmt.Printf("started:    %s\n", j.StartedAt.Format(time.RFC3339))
	}
	if j.FinishedAt != nil {
		fmt.Printf("finished:   %s\n", j.FinishedAt.Format(time.RFC3339))
	}
	if j.ClaimWorker != "" {
		fmt.Printf("worker:     %s\n", j.ClaimWorker)
	}
	if j.OutputInfo != "" {
		fmt.Printf("output:     %s\n", j.OutputInfo)
	}
	if j.Error != "" {
		fmt.Printf("error:      %s\n", j.Error)
	}
	if j.LogsPointer != "" {
		fmt.Printf("logs:       %s\n", j.LogsPointer)
	}
	return nil
}

func runJobLogs(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	j, err := queue.New(e.store, e.cfg.Queue).Get(args[0])
	if err != nil {
		return err
	}
	if j.LogsPointer == "" {
		return core.E(core.KindNotFound, "job %s has no log file", j.ID)
	}
	data, err := os.ReadFile(j.LogsPointer)
	if err != nil {
		return core.Wrap(core.KindIO, err, "read job log %s", j.LogsPointer)
	}
	os.Stdout.Write(data)
	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := queue.New(e.store, e.cfg.Queue).Cancel(args[0]); err != nil {
		return err
	}
	fmt.Printf("cancel requested for %s\n", args[0])
	return nil
}

func runJobRetry(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	q := queue.New(e.store, e.cfg.Queue)
	prior, err := q.Get(args[0])
	if err != nil {
		return err
	}
	if !prior.Status.Terminal() {
		return core.E(core.KindInvalidState, "job %s is %s, only terminal jobs retry", prior.ID, prior.Status).
			WithSuggestion("cancel it first, or wait for it to finish")
	}

	fresh := &queue.Job{
		WorkspaceID:  prior.WorkspaceID,
		Kind:         prior.Kind,
		ParserRef:    prior.ParserRef,
		InputFileID:  prior.InputFileID,
		SnapshotHash: prior.SnapshotHash,
		Priority:     prior.Priority,
	}
	if err := q.Enqueue(fresh); err != nil {
		return err
	}
	fmt.Printf("requeued as %s\n", fresh.ID)
	return nil
}
