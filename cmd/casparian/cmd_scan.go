// Scan commands: one-shot catalog scans and the watch loop.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"casparian/internal/catalog"
	"casparian/internal/store"
)

var (
	scanSource string
	scanWatch  bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan sources and update the file catalog",
	Long: `Walk every enabled source (or one named with --source), upsert
discovered files into the catalog and apply tagging rules. With --watch
the process stays up and rescans local sources on filesystem changes.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanSource, "source", "", "scan only this source")
	scanCmd.Flags().BoolVar(&scanWatch, "watch", false, "keep watching local sources for changes")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var targets []*store.Source
	if scanSource != "" {
		src, err := e.store.GetSource(e.ws.ID, scanSource)
		if err != nil {
			return err
		}
		targets = []*store.Source{src}
	} else {
		all, err := e.store.ListSources(e.ws.ID)
		if err != nil {
			return err
		}
		for _, src := range all {
			if src.Enabled {
				targets = append(targets, src)
			}
		}
	}
	if len(targets) == 0 {
		fmt.Println("no enabled sources to scan")
		return nil
	}

	scanner := catalog.NewScanner(e.store, e.cfg.Scanner)
	tagger := catalog.NewTagger(e.store)
	for _, src := range targets {
		if err := scanAndTag(ctx, e, scanner, tagger, src); err != nil {
			return err
		}
	}
	if !scanWatch {
		return nil
	}

	watcher, err := catalog.NewWatcher(2 * time.Second)
	if err != nil {
		return err
	}
	watching := 0
	for _, src := range targets {
		if src.Kind != store.SourceLocal {
			continue
		}
		if err := watcher.Add(src); err != nil {
			return err
		}
		watching++
	}
	if watching == 0 {
		fmt.Println("no local sources to watch")
		return nil
	}
	go watcher.Run(ctx)
	fmt.Printf("watching %d source(s), ctrl-c to stop\n", watching)

	for {
		select {
		case <-ctx.Done():
			return nil
		case src := <-watcher.Dirty:
			if err := scanAndTag(ctx, e, scanner, tagger, src); err != nil {
				logger.Warn("rescan failed", zap.String("source", src.Name), zap.Error(err))
			}
		}
	}
}

func scanAndTag(ctx context.Context, e *env, scanner *catalog.Scanner, tagger *catalog.Tagger, src *store.Source) error {
	stats, _, err := scanner.Scan(ctx, src)
	if err != nil {
		return err
	}

	all, err := e.store.ListFiles(e.ws.ID)
	if err != nil {
		return err
	}
	var files []*store.File
	for _, f := range all {
		if f.SourceID == src.ID {
			files = append(files, f)
		}
	}
	results, err := tagger.ApplyRules(e.ws.ID, files)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d dirs, %d files, %d bytes, %d tagged in %v\n",
		src.Name, stats.Dirs, stats.Files, stats.Bytes, len(results), stats.Duration.Round(time.Millisecond))
	for _, w := range stats.Warnings {
		fmt.Printf("  warning: %s: %s\n", w.Path, w.Err)
	}
	return nil
}
