// Package coordinator publishes the local usage state to the shared store
// every time it changes.
package coordinator

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/usagesync/internal/clock"
	"github.com/goodtune/usagesync/internal/metrics"
	"github.com/goodtune/usagesync/internal/snapshot"
	"github.com/goodtune/usagesync/internal/usage"
	"github.com/rs/zerolog"
)

// DefaultDeviceName is used when no host name can be determined.
const DefaultDeviceName = "Desktop"

// Source is the local state being published.
type Source interface {
	State() usage.State
	Watch(after uint64) <-chan struct{}
}

// Pusher writes a snapshot to the shared store.
type Pusher interface {
	Push(ctx context.Context, s snapshot.Snapshot) bool
}

// Status describes the outcome of the most recent push.
type Status struct {
	// LastSyncTime is nil until the first push attempt completes.
	LastSyncTime *time.Time
	// LastSyncSucceeded starts true and is only meaningful once
	// LastSyncTime is set.
	LastSyncSucceeded bool
	IsSyncing         bool
}

// Options configures a Coordinator.
type Options struct {
	// DeviceName overrides the host name in published snapshots.
	DeviceName string
	// Hostname defaults to os.Hostname.
	Hostname func() (string, error)
	// Clock defaults to clock.RealClock.
	Clock clock.Clock
}

// Coordinator watches a Source and pushes a fresh snapshot after every
// change. It is the only writer of the snapshot key.
type Coordinator struct {
	source     Source
	pusher     Pusher
	clock      clock.Clock
	deviceName func() string
	logger     zerolog.Logger

	// pushMu serializes push cycles.
	pushMu sync.Mutex

	mu        sync.Mutex
	status    Status
	observing bool
	stop      chan struct{}
}

// New creates a Coordinator. It does nothing until StartObserving or
// PushCurrentSnapshot is called.
func New(source Source, pusher Pusher, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Hostname == nil {
		opts.Hostname = os.Hostname
	}

	override := strings.TrimSpace(opts.DeviceName)
	hostname := opts.Hostname

	return &Coordinator{
		source: source,
		pusher: pusher,
		clock:  opts.Clock,
		deviceName: func() string {
			return ResolveDeviceName(override, hostname)
		},
		logger: logger.With().Str("component", "coordinator").Logger(),
		status: Status{LastSyncSucceeded: true},
	}
}

// ResolveDeviceName picks the device name for a snapshot: the override when
// set, otherwise the host name, otherwise DefaultDeviceName.
func ResolveDeviceName(override string, hostname func() (string, error)) string {
	if override != "" {
		return override
	}
	if hostname != nil {
		if name, err := hostname(); err == nil {
			if name = strings.TrimSpace(name); name != "" {
				return name
			}
		}
	}
	return DefaultDeviceName
}

// StartObserving begins pushing after every change of the source. Calling it
// while already observing has no effect. Nothing is pushed until the first
// change.
func (c *Coordinator) StartObserving() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.observing {
		return
	}
	c.observing = true
	c.stop = make(chan struct{})

	version := c.source.State().Version
	go c.observe(c.stop, version)

	c.logger.Info().Uint64("version", version).Msg("Started observing usage changes")
}

// StopObserving ends the watch loop. A push already in progress completes
// but the watch is not re-armed.
func (c *Coordinator) StopObserving() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.observing {
		return
	}
	c.observing = false
	close(c.stop)
	c.stop = nil

	c.logger.Info().Msg("Stopped observing usage changes")
}

// IsObserving reports whether the watch loop is active.
func (c *Coordinator) IsObserving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observing
}

func (c *Coordinator) observe(stop <-chan struct{}, version uint64) {
	for {
		select {
		case <-stop:
			return
		case <-c.source.Watch(version):
		}

		// A stop that raced with the change wins.
		select {
		case <-stop:
			return
		default:
		}

		version = c.push(context.Background())
	}
}

// PushCurrentSnapshot builds a snapshot from the current state and pushes it.
// It does nothing when sync is disabled or no provider is enabled. Concurrent
// calls run one at a time.
func (c *Coordinator) PushCurrentSnapshot(ctx context.Context) {
	c.push(ctx)
}

// push runs one cycle and returns the state version it was built from.
func (c *Coordinator) push(ctx context.Context) uint64 {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	state := c.source.State()

	if !state.SyncEnabled {
		c.logger.Debug().Uint64("version", state.Version).Msg("Sync disabled, skipping push")
		metrics.PublishCyclesTotal.WithLabelValues("disabled").Inc()
		return state.Version
	}
	if len(state.Enabled) == 0 {
		c.logger.Debug().Uint64("version", state.Version).Msg("No enabled providers, skipping push")
		metrics.PublishCyclesTotal.WithLabelValues("no_providers").Inc()
		return state.Version
	}

	c.setSyncing(true)
	metrics.Syncing.Set(1)

	snap := c.build(state)
	ok := c.pusher.Push(ctx, snap)
	finished := c.clock.Now()

	c.mu.Lock()
	c.status.LastSyncTime = &finished
	c.status.LastSyncSucceeded = ok
	c.status.IsSyncing = false
	c.mu.Unlock()
	metrics.Syncing.Set(0)

	if ok {
		metrics.PublishCyclesTotal.WithLabelValues("ok").Inc()
		metrics.LastSyncTimestamp.Set(float64(finished.Unix()))
		metrics.ProvidersPublished.Set(float64(len(snap.Providers)))
		c.logger.Info().
			Uint64("version", state.Version).
			Int("providers", len(snap.Providers)).
			Str("device", snap.DeviceName).
			Msg("Published usage snapshot")
	} else {
		metrics.PublishCyclesTotal.WithLabelValues("failed").Inc()
		c.logger.Warn().
			Uint64("version", state.Version).
			Int("providers", len(snap.Providers)).
			Msg("Failed to publish usage snapshot")
	}

	return state.Version
}

// build converts state into a snapshot, one entry per enabled provider in
// enablement order.
func (c *Coordinator) build(state usage.State) snapshot.Snapshot {
	now := c.clock.Now()

	providers := make([]snapshot.ProviderUsage, 0, len(state.Enabled))
	for _, id := range state.Enabled {
		current, hasUsage := state.Usage[id]
		message, hasError := state.Error(id)

		name := state.Metadata[id].DisplayName
		if name == "" {
			name = snapshot.DisplayName(id)
		}

		p := snapshot.ProviderUsage{
			ProviderID:   id,
			ProviderName: name,
			IsError:      hasError,
			LastUpdated:  now,
		}
		if hasUsage {
			p.Primary = current.Primary
			p.Secondary = current.Secondary
			p.AccountEmail = current.AccountEmail
			p.LoginMethod = current.LoginMethod
			if !current.UpdatedAt.IsZero() {
				p.LastUpdated = current.UpdatedAt
			}
		}
		if hasError {
			p.StatusMessage = snapshot.Ptr(message)
		}

		providers = append(providers, p)
	}

	return snapshot.Snapshot{
		Providers:     providers,
		SyncTimestamp: now,
		DeviceName:    c.deviceName(),
	}
}

func (c *Coordinator) setSyncing(syncing bool) {
	c.mu.Lock()
	c.status.IsSyncing = syncing
	c.mu.Unlock()
}

// Status returns a copy of the current sync status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status
	if status.LastSyncTime != nil {
		t := *status.LastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsSyncing reports whether a push is in progress.
func (c *Coordinator) IsSyncing() bool {
	return c.Status().IsSyncing
}

// LastSyncTime returns when the last push attempt finished, or nil.
func (c *Coordinator) LastSyncTime() *time.Time {
	return c.Status().LastSyncTime
}

// LastSyncSucceeded reports the result of the last push attempt.
func (c *Coordinator) LastSyncSucceeded() bool {
	return c.Status().LastSyncSucceeded
}
