package catalog

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"casparian/internal/config"
	"casparian/internal/core"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// ScannedFile is one discovered catalog candidate.
type ScannedFile struct {
	AbsPath  string
	RelPath  string
	Size     int64
	MtimeMs  int64
	UID      UID
	Inserted bool // new row vs rename/update of an existing one
}

// ScanWarning is a per-path failure that did not abort the scan.
type ScanWarning struct {
	Path string
	Err  string
}

// ScanStats summarizes a completed scan.
type ScanStats struct {
	Dirs     int64
	Files    int64
	Bytes    int64
	Errors   int64
	Duration time.Duration
	Warnings []ScanWarning
}

// Scanner walks a source's root and upserts discovered files into the
// catalog. Stat and UID probing run under a bounded worker pool; catalog
// writes serialize in the store.
type Scanner struct {
	store *store.Store
	cfg   config.ScannerConfig
}

// NewScanner creates a scanner over the control-plane store.
func NewScanner(st *store.Store, cfg config.ScannerConfig) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = 20
	}
	return &Scanner{store: st, cfg: cfg}
}

// Scan walks src.Root and upserts every regular file. Per-path errors are
// collected as warnings; only a root-level failure aborts the scan.
func (s *Scanner) Scan(ctx context.Context, src *store.Source) (*ScanStats, []*ScannedFile, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "Scan "+src.Name)
	defer timer.Stop()

	start := time.Now()
	stats := &ScanStats{}
	var (
		mu      sync.Mutex
		results []*ScannedFile
		wg      sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(s.cfg.Workers))

	addWarning := func(path string, err error) {
		mu.Lock()
		stats.Errors++
		stats.Warnings = append(stats.Warnings, ScanWarning{Path: path, Err: err.Error()})
		mu.Unlock()
		logging.CatalogDebug("scan warning at %s: %v", path, err)
	}

	root := filepath.Clean(src.Root)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return core.E(core.KindCancelled, "scan cancelled").WithContext("scanning %s", src.Name)
		}
		if err != nil {
			if path == root {
				return core.Wrap(core.KindIO, err, "scan root %s", root)
			}
			addWarning(path, err)
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if !s.cfg.IncludeHidden && isHidden(name) && path != root {
				return filepath.SkipDir
			}
			mu.Lock()
			stats.Dirs++
			mu.Unlock()
			return nil
		}
		if !s.cfg.IncludeHidden && isHidden(name) {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 && !s.cfg.FollowSymlinks {
			return nil
		}

		wg.Add(1)
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Done()
			return core.E(core.KindCancelled, "scan cancelled")
		}
		go func(path string) {
			defer wg.Done()
			defer sem.Release(1)

			info, err := os.Stat(path) // follows symlinks
			if err != nil {
				addWarning(path, err)
				return
			}
			if !info.Mode().IsRegular() {
				return
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				rel = path
			}
			sf := &ScannedFile{
				AbsPath: path,
				RelPath: filepath.ToSlash(rel),
				Size:    info.Size(),
				MtimeMs: info.ModTime().UnixMilli(),
				UID:     ProbeUID(path, info),
			}

			row := &store.File{
				WorkspaceID: src.WorkspaceID,
				SourceID:    src.ID,
				AbsPath:     sf.AbsPath,
				RelPath:     sf.RelPath,
				Size:        sf.Size,
				MtimeMs:     sf.MtimeMs,
				FileUID:     sf.UID.Value,
				UIDStrength: sf.UID.Strength,
			}
			res, err := s.store.UpsertFile(row)
			if err != nil {
				addWarning(path, err)
				return
			}
			sf.Inserted = res == store.UpsertInserted

			mu.Lock()
			stats.Files++
			stats.Bytes += sf.Size
			results = append(results, sf)
			mu.Unlock()
		}(path)
		return nil
	})

	wg.Wait()
	stats.Duration = time.Since(start)

	if walkErr != nil {
		return stats, results, walkErr
	}
	logging.Catalog("Scan %s: %d dirs, %d files, %d bytes, %d errors in %v",
		src.Name, stats.Dirs, stats.Files, stats.Bytes, stats.Errors, stats.Duration)
	return stats, results, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
