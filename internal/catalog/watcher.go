package catalog

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"casparian/internal/core"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// Watcher turns filesystem events under local source roots into rescan
// requests. Events are debounced per source; sources without native watch
// support fall back to their poll interval.
type Watcher struct {
	fw       *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	sources map[string]*store.Source // root -> source

	Dirty chan *store.Source
}

// NewWatcher creates a watcher. Callers consume Dirty and trigger scans.
func NewWatcher(debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, core.Wrap(core.KindIO, err, "create fs watcher")
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		fw:       fw,
		debounce: debounce,
		sources:  make(map[string]*store.Source),
		Dirty:    make(chan *store.Source, 16),
	}, nil
}

// Add registers a local source root for watching.
func (w *Watcher) Add(src *store.Source) error {
	if src.Kind != store.SourceLocal {
		return core.E(core.KindUnsupported, "watching %s sources is not supported", src.Kind)
	}
	root := filepath.Clean(src.Root)
	if err := w.fw.Add(root); err != nil {
		return core.Wrap(core.KindIO, err, "watch %s", root)
	}
	w.mu.Lock()
	w.sources[root] = src
	w.mu.Unlock()
	logging.Catalog("Watching source %s at %s", src.Name, root)
	return nil
}

// Run pumps events until ctx is done. Each burst of events under a source
// root produces at most one Dirty notification per debounce window.
func (w *Watcher) Run(ctx context.Context) {
	pending := make(map[string]*time.Timer)
	var pendingMu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			w.fw.Close()
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			src := w.sourceFor(ev.Name)
			if src == nil {
				continue
			}
			root := filepath.Clean(src.Root)
			pendingMu.Lock()
			if t, exists := pending[root]; exists {
				t.Reset(w.debounce)
			} else {
				s := src
				pending[root] = time.AfterFunc(w.debounce, func() {
					pendingMu.Lock()
					delete(pending, root)
					pendingMu.Unlock()
					select {
					case w.Dirty <- s:
					default:
						logging.CatalogDebug("dirty channel full, dropping rescan for %s", s.Name)
					}
				})
			}
			pendingMu.Unlock()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryCatalog).Warn("watcher error: %v", err)
		}
	}
}

func (w *Watcher) sourceFor(path string) *store.Source {
	w.mu.Lock()
	defer w.mu.Unlock()
	clean := filepath.Clean(path)
	for root, src := range w.sources {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return src
		}
	}
	return nil
}
