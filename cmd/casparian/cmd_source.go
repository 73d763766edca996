// Source management commands: registering scan scopes and syncing them.
package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"casparian/internal/catalog"
	"casparian/internal/core"
	"casparian/internal/queue"
	"casparian/internal/store"
)

var (
	sourceKind string
	sourcePoll time.Duration
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage scan sources",
}

var sourceAddCmd = &cobra.Command{
	Use:   "add <name> <root>",
	Short: "Register a directory as a scan source",
	Args:  cobra.ExactArgs(2),
	RunE:  runSourceAdd,
}

var sourceRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a source (cataloged files keep their rows)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourceRemove,
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources in the workspace",
	Args:  cobra.NoArgs,
	RunE:  runSourceList,
}

var sourceSyncCmd = &cobra.Command{
	Use:   "sync <name>",
	Short: "Scan a source, apply tagging rules and enqueue subscribed work",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourceSync,
}

func init() {
	sourceAddCmd.Flags().StringVar(&sourceKind, "kind", "local", "source kind (local, smb, s3)")
	sourceAddCmd.Flags().DurationVar(&sourcePoll, "poll", 0, "poll interval for change detection (0 disables)")
	sourceCmd.AddCommand(sourceAddCmd, sourceRemoveCmd, sourceListCmd, sourceSyncCmd)
	rootCmd.AddCommand(sourceCmd)
}

func runSourceAdd(cmd *cobra.Command, args []string) error {
	name, root := args[0], args[1]
	kind := store.SourceKind(sourceKind)
	switch kind {
	case store.SourceLocal, store.SourceSMB, store.SourceS3:
	default:
		return core.E(core.KindConstraint, "unknown source kind %q", sourceKind).
			WithSuggestion("use one of: local, smb, s3")
	}
	if kind == store.SourceLocal {
		abs, err := filepath.Abs(root)
		if err != nil {
			return core.Wrap(core.KindIO, err, "resolve source root")
		}
		root = abs
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	src := &store.Source{
		WorkspaceID:  e.ws.ID,
		Name:         name,
		Kind:         kind,
		Root:         root,
		PollInterval: sourcePoll,
		Enabled:      true,
	}
	if err := e.store.AddSource(src); err != nil {
		return err
	}
	fmt.Printf("source %s added (%s, root %s)\n", name, kind, root)
	return nil
}

func runSourceRemove(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.store.RemoveSource(e.ws.ID, args[0]); err != nil {
		return err
	}
	fmt.Printf("source %s removed\n", args[0])
	return nil
}

func runSourceList(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	sources, err := e.store.ListSources(e.ws.ID)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Println("no sources registered")
		return nil
	}
	for _, src := range sources {
		state := "enabled"
		if !src.Enabled {
			state = "disabled"
		}
		fmt.Printf("%-20s %-6s %-8s %s\n", src.Name, src.Kind, state, src.Root)
	}
	return nil
}

// runSourceSync is the one-shot ingest path: scan, tag, then enqueue a parse
// job per newly tagged file whose rule carries a subscription.
func runSourceSync(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	src, err := e.store.GetSource(e.ws.ID, args[0])
	if err != nil {
		return err
	}

	scanner := catalog.NewScanner(e.store, e.cfg.Scanner)
	stats, _, err := scanner.Scan(context.Background(), src)
	if err != nil {
		return err
	}
	logger.Info("scan complete",
		zap.String("source", src.Name),
		zap.Int64("files", stats.Files),
		zap.Int64("bytes", stats.Bytes),
		zap.Int64("errors", stats.Errors))

	all, err := e.store.ListFiles(e.ws.ID)
	if err != nil {
		return err
	}
	files := make([]*store.File, 0, len(all))
	for _, f := range all {
		if f.SourceID == src.ID {
			files = append(files, f)
		}
	}

	tagger := catalog.NewTagger(e.store)
	results, err := tagger.ApplyRules(e.ws.ID, files)
	if err != nil {
		return err
	}

	q := queue.New(e.store, e.cfg.Queue)
	enqueued := 0
	for _, r := range results {
		if !r.WouldQueue {
			continue
		}
		job := &queue.Job{
			WorkspaceID: e.ws.ID,
			Kind:        "parse",
			ParserRef:   r.Tag,
			InputFileID: r.FileID,
		}
		if err := q.Enqueue(job); err != nil {
			return err
		}
		enqueued++
	}

	fmt.Printf("synced %s: %d files, %d bytes, %d tagged, %d jobs enqueued\n",
		src.Name, stats.Files, stats.Bytes, len(results), enqueued)
	if stats.Errors > 0 {
		fmt.Printf("  %d paths were skipped with warnings (see logs)\n", stats.Errors)
	}
	return nil
}
