package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/usagesync/internal/clock"
	"github.com/goodtune/usagesync/internal/snapshot"
	"github.com/goodtune/usagesync/internal/usage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// mockPusher records pushes. When gate is set each push blocks until a value
// is received from it.
type mockPusher struct {
	mu      sync.Mutex
	pushes  []snapshot.Snapshot
	succeed bool
	entered chan struct{}
	gate    chan struct{}
	onPush  func()
}

func newMockPusher() *mockPusher {
	return &mockPusher{succeed: true, entered: make(chan struct{}, 16)}
}

func (m *mockPusher) Push(_ context.Context, s snapshot.Snapshot) bool {
	m.mu.Lock()
	m.pushes = append(m.pushes, s)
	succeed := m.succeed
	gate := m.gate
	onPush := m.onPush
	m.mu.Unlock()

	if onPush != nil {
		onPush()
	}
	m.entered <- struct{}{}
	if gate != nil {
		<-gate
	}
	return succeed
}

func (m *mockPusher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pushes)
}

func (m *mockPusher) last() snapshot.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes[len(m.pushes)-1]
}

func waitPush(t *testing.T, m *mockPusher) {
	t.Helper()
	select {
	case <-m.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for push")
	}
}

func expectNoPush(t *testing.T, m *mockPusher) {
	t.Helper()
	select {
	case <-m.entered:
		t.Fatal("Unexpected push")
	case <-time.After(100 * time.Millisecond):
	}
}

func enabledStore() *usage.Store {
	store := usage.NewStore(usage.State{SyncEnabled: true})
	store.SetEnabled([]string{"claude"})
	return store
}

func newTestCoordinator(source Source, pusher Pusher) *Coordinator {
	return New(source, pusher, Options{
		DeviceName: "Test Mac",
		Clock:      &clock.TestClock{CurrentTime: fixedTime},
	}, zerolog.Nop())
}

func TestPushSkippedWhenSyncDisabled(t *testing.T) {
	store := usage.NewStore(usage.State{SyncEnabled: false, Enabled: []string{"claude"}})
	pusher := newMockPusher()
	c := newTestCoordinator(store, pusher)

	c.PushCurrentSnapshot(context.Background())

	assert.Equal(t, 0, pusher.count())
	assert.Nil(t, c.LastSyncTime())
	assert.True(t, c.LastSyncSucceeded())
}

func TestPushSkippedWithoutEnabledProviders(t *testing.T) {
	store := usage.NewStore(usage.State{SyncEnabled: true})
	pusher := newMockPusher()
	c := newTestCoordinator(store, pusher)

	c.PushCurrentSnapshot(context.Background())

	assert.Equal(t, 0, pusher.count())
	assert.Nil(t, c.LastSyncTime())
}

func TestPushTracksStatus(t *testing.T) {
	tests := []struct {
		name    string
		succeed bool
	}{
		{name: "success", succeed: true},
		{name: "failure", succeed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pusher := newMockPusher()
			pusher.succeed = tt.succeed
			c := newTestCoordinator(enabledStore(), pusher)

			c.PushCurrentSnapshot(context.Background())

			require.Equal(t, 1, pusher.count())
			status := c.Status()
			require.NotNil(t, status.LastSyncTime)
			assert.True(t, status.LastSyncTime.Equal(fixedTime))
			assert.Equal(t, tt.succeed, status.LastSyncSucceeded)
			assert.False(t, status.IsSyncing)
		})
	}
}

func TestIsSyncingOnlyDuringPush(t *testing.T) {
	pusher := newMockPusher()
	c := newTestCoordinator(enabledStore(), pusher)

	var during bool
	pusher.onPush = func() { during = c.IsSyncing() }

	assert.False(t, c.IsSyncing())
	c.PushCurrentSnapshot(context.Background())

	assert.True(t, during, "IsSyncing should be true while pushing")
	assert.False(t, c.IsSyncing(), "IsSyncing should be false once the push returns")
}

func TestBuildSnapshot(t *testing.T) {
	store := usage.NewStore(usage.State{SyncEnabled: true})
	updated := fixedTime.Add(-5 * time.Minute)
	store.SetUsage("claude", usage.ProviderState{
		Primary: &snapshot.RateWindow{
			UsedPercent:      42.5,
			WindowMinutes:    snapshot.Ptr(300),
			ResetDescription: snapshot.Ptr("Resets Monday"),
		},
		Secondary:    &snapshot.RateWindow{UsedPercent: 150},
		AccountEmail: snapshot.Ptr("user@example.com"),
		LoginMethod:  snapshot.Ptr("Pro"),
		UpdatedAt:    updated,
	})
	store.SetMetadata("claude", usage.Metadata{DisplayName: "Claude"})
	store.SetError("codex", "Rate limited")
	store.SetUsage("gemini", usage.ProviderState{Primary: &snapshot.RateWindow{UsedPercent: 1}})
	store.SetEnabled([]string{"codex", "claude"})

	pusher := newMockPusher()
	c := newTestCoordinator(store, pusher)
	c.PushCurrentSnapshot(context.Background())

	require.Equal(t, 1, pusher.count())
	snap := pusher.last()

	assert.Equal(t, "Test Mac", snap.DeviceName)
	assert.True(t, snap.SyncTimestamp.Equal(fixedTime))
	require.Len(t, snap.Providers, 2, "only enabled providers are published")

	codex := snap.Providers[0]
	assert.Equal(t, "codex", codex.ProviderID)
	assert.Equal(t, "Codex", codex.ProviderName)
	assert.True(t, codex.IsError)
	require.NotNil(t, codex.StatusMessage)
	assert.Equal(t, "Rate limited", *codex.StatusMessage)
	assert.Nil(t, codex.Primary)
	assert.Nil(t, codex.Secondary)
	assert.True(t, codex.LastUpdated.Equal(fixedTime), "missing usage falls back to now")

	claude := snap.Providers[1]
	assert.Equal(t, "claude", claude.ProviderID)
	assert.Equal(t, "Claude", claude.ProviderName)
	assert.False(t, claude.IsError)
	assert.Nil(t, claude.StatusMessage)
	require.NotNil(t, claude.Primary)
	assert.Equal(t, 42.5, claude.Primary.UsedPercent)
	assert.Equal(t, 300, *claude.Primary.WindowMinutes)
	assert.Nil(t, claude.Primary.ResetsAt)
	assert.Equal(t, "Resets Monday", *claude.Primary.ResetDescription)
	require.NotNil(t, claude.Secondary)
	assert.Equal(t, 150.0, claude.Secondary.UsedPercent, "windows are copied verbatim")
	assert.Equal(t, "user@example.com", *claude.AccountEmail)
	assert.Equal(t, "Pro", *claude.LoginMethod)
	assert.True(t, claude.LastUpdated.Equal(updated))
}

func TestResolveDeviceName(t *testing.T) {
	host := func(name string, err error) func() (string, error) {
		return func() (string, error) { return name, err }
	}

	assert.Equal(t, "Override", ResolveDeviceName("Override", host("box", nil)))
	assert.Equal(t, "box", ResolveDeviceName("", host("box", nil)))
	assert.Equal(t, DefaultDeviceName, ResolveDeviceName("", host("", nil)))
	assert.Equal(t, DefaultDeviceName, ResolveDeviceName("", host("box", errors.New("no host"))))
	assert.Equal(t, DefaultDeviceName, ResolveDeviceName("", nil))
}

func TestDeviceNameFromHostname(t *testing.T) {
	pusher := newMockPusher()
	c := New(enabledStore(), pusher, Options{
		Hostname: func() (string, error) { return "workstation", nil },
		Clock:    &clock.TestClock{CurrentTime: fixedTime},
	}, zerolog.Nop())

	c.PushCurrentSnapshot(context.Background())

	require.Equal(t, 1, pusher.count())
	assert.Equal(t, "workstation", pusher.last().DeviceName)
}

func TestObservePushesOnChange(t *testing.T) {
	store := enabledStore()
	pusher := newMockPusher()
	c := newTestCoordinator(store, pusher)

	c.StartObserving()
	defer c.StopObserving()
	c.StartObserving()
	assert.True(t, c.IsObserving())

	expectNoPush(t, pusher)

	store.SetUsage("claude", usage.ProviderState{Primary: &snapshot.RateWindow{UsedPercent: 10}})
	waitPush(t, pusher)

	store.SetUsage("claude", usage.ProviderState{Primary: &snapshot.RateWindow{UsedPercent: 20}})
	waitPush(t, pusher)

	expectNoPush(t, pusher)
	assert.Equal(t, 2, pusher.count())
	assert.Equal(t, 20.0, pusher.last().Providers[0].Primary.UsedPercent)
}

func TestObserveCoalescesChangesDuringPush(t *testing.T) {
	store := enabledStore()
	pusher := newMockPusher()
	pusher.gate = make(chan struct{})
	c := newTestCoordinator(store, pusher)

	c.StartObserving()
	defer c.StopObserving()

	store.SetUsage("claude", usage.ProviderState{Primary: &snapshot.RateWindow{UsedPercent: 10}})
	waitPush(t, pusher)

	// Three mutations while the first push is still running.
	store.SetUsage("claude", usage.ProviderState{Primary: &snapshot.RateWindow{UsedPercent: 20}})
	store.SetError("claude", "Rate limited")
	store.SetUsage("claude", usage.ProviderState{Primary: &snapshot.RateWindow{UsedPercent: 30}})

	pusher.gate <- struct{}{}
	waitPush(t, pusher)
	pusher.gate <- struct{}{}

	expectNoPush(t, pusher)
	require.Equal(t, 2, pusher.count())

	last := pusher.last()
	assert.Equal(t, 30.0, last.Providers[0].Primary.UsedPercent)
	assert.True(t, last.Providers[0].IsError)
}

func TestObserveReactsToSyncToggle(t *testing.T) {
	store := enabledStore()
	pusher := newMockPusher()
	c := newTestCoordinator(store, pusher)

	c.StartObserving()
	defer c.StopObserving()

	store.SetSyncEnabled(false)
	expectNoPush(t, pusher)

	store.SetSyncEnabled(true)
	waitPush(t, pusher)
}

func TestStopObserving(t *testing.T) {
	store := enabledStore()
	pusher := newMockPusher()
	c := newTestCoordinator(store, pusher)

	c.StartObserving()
	c.StopObserving()
	c.StopObserving()
	assert.False(t, c.IsObserving())

	store.SetUsage("claude", usage.ProviderState{})
	expectNoPush(t, pusher)

	// Observation can be restarted.
	c.StartObserving()
	defer c.StopObserving()
	store.SetUsage("claude", usage.ProviderState{})
	waitPush(t, pusher)
}

func TestStopObservingDuringPushDoesNotRearm(t *testing.T) {
	store := enabledStore()
	pusher := newMockPusher()
	pusher.gate = make(chan struct{})
	c := newTestCoordinator(store, pusher)

	c.StartObserving()
	store.SetUsage("claude", usage.ProviderState{})
	waitPush(t, pusher)

	c.StopObserving()
	store.SetUsage("claude", usage.ProviderState{Primary: &snapshot.RateWindow{UsedPercent: 99}})
	pusher.gate <- struct{}{}

	expectNoPush(t, pusher)
	assert.Equal(t, 1, pusher.count())
	assert.True(t, c.LastSyncSucceeded())
}

func TestConcurrentPushesSerialize(t *testing.T) {
	pusher := newMockPusher()
	pusher.gate = make(chan struct{})
	c := newTestCoordinator(enabledStore(), pusher)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.PushCurrentSnapshot(context.Background())
		}()
	}

	waitPush(t, pusher)
	expectNoPush(t, pusher)
	pusher.gate <- struct{}{}

	waitPush(t, pusher)
	pusher.gate <- struct{}{}
	wg.Wait()

	assert.Equal(t, 2, pusher.count())
}
