package reload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/astmcp/astmcp/internal/cache"
	"github.com/astmcp/astmcp/internal/query"
	"github.com/astmcp/astmcp/internal/store"
	"github.com/astmcp/astmcp/internal/workspace"
)

// DefaultDebounce is the change-event coalescing window.
const DefaultDebounce = 500 * time.Millisecond

// Coordinator watches the workspace files and swaps fresh read handles
// into the snapshot manager when the on-disk corpus changes.
type Coordinator struct {
	layout     workspace.Layout
	indexCfg   store.VectorIndexConfig
	manager    *Manager
	queryCache *cache.QueryCache
	debounce   time.Duration
	epoch      atomic.Uint64
	watcher    *fsnotify.Watcher
	debouncer  *Debouncer
	logger     *slog.Logger
}

// NewCoordinator creates a coordinator over a workspace.
// indexCfg supplies the dimension used when the index file is absent.
func NewCoordinator(
	layout workspace.Layout,
	indexCfg store.VectorIndexConfig,
	manager *Manager,
	queryCache *cache.QueryCache,
	debounce time.Duration,
	logger *slog.Logger,
) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		layout:     layout,
		indexCfg:   indexCfg,
		manager:    manager,
		queryCache: queryCache,
		debounce:   debounce,
		logger:     logger,
	}
}

// Open opens the initial snapshot and installs it at epoch 1.
// A fresh workspace (no store file yet) gets an empty store and index so
// the engine serves degraded answers instead of refusing to start.
func (c *Coordinator) Open(ctx context.Context) error {
	snap, err := c.openSnapshot(c.epoch.Add(1))
	if err != nil {
		return err
	}
	c.manager.Install(snap)
	c.logger.Info("corpus snapshot installed",
		slog.Uint64("epoch", snap.Epoch),
		slog.Int("vectors", snap.Index.Stats().Count))
	return nil
}

// openSnapshot opens read handles for the current on-disk corpus.
func (c *Coordinator) openSnapshot(epoch uint64) (*query.Snapshot, error) {
	storePath := c.layout.AnnotationStorePath()
	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		// Bootstrap an empty store so read-only open succeeds.
		s, err := store.OpenSQLiteStore(storePath)
		if err != nil {
			return nil, fmt.Errorf("bootstrap annotation store: %w", err)
		}
		if err := s.Close(); err != nil {
			return nil, fmt.Errorf("close bootstrap store: %w", err)
		}
	}

	annotations, err := store.OpenSQLiteStoreReadOnly(storePath)
	if err != nil {
		return nil, err
	}

	index, err := c.openIndex()
	if err != nil {
		_ = annotations.Close()
		return nil, err
	}

	return &query.Snapshot{Epoch: epoch, Store: annotations, Index: index}, nil
}

func (c *Coordinator) openIndex() (store.VectorIndex, error) {
	indexPath := c.layout.VectorIndexPath()
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		cfg := c.indexCfg
		if cfg.Dimensions <= 0 {
			cfg = store.DefaultVectorIndexConfig(256)
		}
		return store.NewHNSWIndex(cfg)
	}
	return store.OpenHNSWIndex(indexPath, c.indexCfg)
}

// Watch starts file watching until the context is cancelled.
func (c *Coordinator) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	c.watcher = watcher

	// Watch the directory, not the files: atomic replace (temp + rename)
	// swaps inodes, which breaks per-file watches.
	if err := watcher.Add(c.layout.WorkspaceDir()); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch workspace: %w", err)
	}

	c.debouncer = NewDebouncer(c.debounce, c.reload)
	defer c.debouncer.Stop()
	defer watcher.Close()

	watched := map[string]bool{
		filepath.Base(c.layout.AnnotationStorePath()):          true,
		filepath.Base(c.layout.AnnotationStorePath()) + "-wal": true,
		filepath.Base(c.layout.VectorIndexPath()):              true,
		filepath.Base(c.layout.VectorIndexPath()) + ".meta":    true,
		filepath.Base(c.layout.ConfigPath()):                   true,
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Base(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			c.logger.Debug("workspace change detected",
				slog.String("file", filepath.Base(event.Name)),
				slog.String("op", event.Op.String()))
			c.debouncer.Trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload bumps the epoch, opens fresh handles, swaps them in, and clears
// the query-response cache. The embedding cache is keyed by text and
// survives. On failure the previous snapshot stays live.
func (c *Coordinator) reload() {
	epoch := c.epoch.Add(1)

	snap, err := c.openSnapshot(epoch)
	if err != nil {
		c.logger.Error("hot reload failed, keeping previous snapshot",
			slog.Uint64("epoch", epoch),
			slog.String("error", err.Error()))
		return
	}

	c.manager.Swap(snap)
	c.queryCache.Clear()

	c.logger.Info("corpus reloaded",
		slog.Uint64("epoch", epoch),
		slog.Int("vectors", snap.Index.Stats().Count))
}

// Epoch returns the current corpus epoch.
func (c *Coordinator) Epoch() uint64 {
	return c.epoch.Load()
}
