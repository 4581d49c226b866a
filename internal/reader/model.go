package reader

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/usagesync/internal/clock"
	"github.com/goodtune/usagesync/internal/snapshot"
)

// NoSnapshotMessage is reported by LastSyncError when a refresh finds
// nothing usable in the store.
const NoSnapshotMessage = "No usage snapshot available"

// Model holds the snapshot a subscriber displays.
type Model struct {
	reader *Reader
	clock  clock.Clock

	mu            sync.Mutex
	snapshot      *snapshot.Snapshot
	lastSyncError string
	listeners     []func()
}

// NewModel creates a model primed with whatever the store holds now.
func NewModel(ctx context.Context, reader *Reader, clk clock.Clock) *Model {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Model{
		reader:   reader,
		clock:    clk,
		snapshot: reader.LatestSnapshot(ctx),
	}
}

// Snapshot returns the held snapshot, or nil.
func (m *Model) Snapshot() *snapshot.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// LastSyncError returns the last refresh problem, or "".
func (m *Model) LastSyncError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSyncError
}

// OnChange registers fn to run after the held snapshot changes.
func (m *Model) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// StartObserving follows updates. Absent results keep the held snapshot.
func (m *Model) StartObserving() {
	m.reader.StartObserving(func(s *snapshot.Snapshot) {
		if s == nil {
			return
		}
		m.set(s, "")
	})
}

// StopObserving stops following updates.
func (m *Model) StopObserving() {
	m.reader.StopObserving()
}

// Refresh force-reads the store. An absent result clears the held snapshot.
func (m *Model) Refresh(ctx context.Context) {
	s := m.reader.LatestSnapshot(ctx)
	if s == nil {
		m.set(nil, NoSnapshotMessage)
		return
	}
	m.set(s, "")
}

// SyncAge describes how long ago the held snapshot was published, or ""
// when there is none.
func (m *Model) SyncAge() string {
	s := m.Snapshot()
	if s == nil {
		return ""
	}
	return snapshot.FormatAge(s.Age(m.clock.Now()))
}

// Age returns the raw age of the held snapshot.
func (m *Model) Age() (time.Duration, bool) {
	s := m.Snapshot()
	if s == nil {
		return 0, false
	}
	return s.Age(m.clock.Now()), true
}

func (m *Model) set(s *snapshot.Snapshot, syncError string) {
	m.mu.Lock()
	m.snapshot = s
	m.lastSyncError = syncError
	listeners := append([]func(){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
