// Package reload keeps the query engine's view of the on-disk corpus
// fresh: it watches the workspace files, debounces change bursts, and
// swaps refcounted store/index snapshots without disturbing in-flight
// queries.
package reload

import (
	"log/slog"
	"sync"

	"github.com/astmcp/astmcp/internal/query"
)

// held pairs a snapshot with its reader refcount.
type held struct {
	snap *query.Snapshot
	refs sync.WaitGroup
}

// Manager hands out the current snapshot and retires old ones only after
// their last reader has released. Implements query.SnapshotSource.
type Manager struct {
	mu      sync.Mutex
	current *held
	logger  *slog.Logger
}

var _ query.SnapshotSource = (*Manager)(nil)

// NewManager creates an empty snapshot manager. Install must be called
// before the first Acquire.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Install publishes the first snapshot.
func (m *Manager) Install(snap *query.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &held{snap: snap}
}

// Acquire returns the current snapshot and a release function. The
// release function is idempotent.
func (m *Manager) Acquire() (*query.Snapshot, func()) {
	m.mu.Lock()
	h := m.current
	h.refs.Add(1)
	m.mu.Unlock()

	var once sync.Once
	return h.snap, func() {
		once.Do(h.refs.Done)
	}
}

// Swap atomically replaces the snapshot. The retired handles are closed
// in the background once every in-flight query has released them, so no
// query ever observes mixed epochs or a closed handle.
func (m *Manager) Swap(snap *query.Snapshot) {
	m.mu.Lock()
	old := m.current
	m.current = &held{snap: snap}
	m.mu.Unlock()

	if old == nil {
		return
	}

	go func() {
		old.refs.Wait()
		if err := old.snap.Store.Close(); err != nil {
			m.logger.Warn("closing retired store handle",
				slog.Uint64("epoch", old.snap.Epoch),
				slog.String("error", err.Error()))
		}
		if err := old.snap.Index.Close(); err != nil {
			m.logger.Warn("closing retired index handle",
				slog.Uint64("epoch", old.snap.Epoch),
				slog.String("error", err.Error()))
		}
		m.logger.Debug("retired snapshot closed", slog.Uint64("epoch", old.snap.Epoch))
	}()
}

// Ready reports whether queries can be answered: a snapshot is installed
// (store open, epoch set) and the index holds at least one vector.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	h := m.current
	m.mu.Unlock()

	if h == nil || h.snap == nil || h.snap.Epoch == 0 {
		return false
	}
	return h.snap.Index.Stats().Count >= 1
}

// Epoch returns the current corpus epoch, 0 if none installed.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	return m.current.snap.Epoch
}

// Close retires the current snapshot, waiting for readers.
func (m *Manager) Close() {
	m.mu.Lock()
	old := m.current
	m.current = nil
	m.mu.Unlock()

	if old == nil {
		return
	}
	old.refs.Wait()
	_ = old.snap.Store.Close()
	_ = old.snap.Index.Close()
}
