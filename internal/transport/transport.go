package transport

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/goodtune/usagesync/internal/config"
	"github.com/goodtune/usagesync/internal/dispatch"
	"github.com/goodtune/usagesync/internal/metrics"
	"github.com/goodtune/usagesync/internal/snapshot"
	"github.com/goodtune/usagesync/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// SnapshotKey is the single well-known key holding the current snapshot.
	SnapshotKey = "com.codexbar.usage.snapshot"

	// MaxPayloadBytes is the shared store's hard per-value ceiling.
	MaxPayloadBytes = config.MaxStorePayloadBytes
)

// Handler receives the latest snapshot after an external change, or nil when
// nothing usable is stored.
type Handler func(s *snapshot.Snapshot)

// Options tunes a Transport. Zero values select the defaults.
type Options struct {
	Key             string
	MaxPayloadBytes int
	Codec           Codec
	// Executor is the context Observe handlers run on. When nil the
	// Transport runs handlers on a queue of its own, released by Close.
	Executor dispatch.Executor
}

// Transport owns the wire format and size policy for snapshots in the shared
// store. It keeps no copy of what it pushed; the store is the cache.
type Transport struct {
	store           storage.KVStore
	key             string
	maxPayloadBytes int
	codec           Codec
	executor        dispatch.Executor
	queue           *dispatch.Queue
	logger          zerolog.Logger

	mu         sync.Mutex
	handler    Handler
	sub        storage.Subscription
	generation uint64
}

// New creates a Transport on top of store.
func New(store storage.KVStore, opts Options, logger zerolog.Logger) *Transport {
	if opts.Key == "" {
		opts.Key = SnapshotKey
	}
	if opts.MaxPayloadBytes <= 0 || opts.MaxPayloadBytes > MaxPayloadBytes {
		opts.MaxPayloadBytes = MaxPayloadBytes
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	logger = logger.With().
		Str("component", "transport").
		Str("codec", opts.Codec.Name()).
		Logger()

	t := &Transport{
		store:           store,
		key:             opts.Key,
		maxPayloadBytes: opts.MaxPayloadBytes,
		codec:           opts.Codec,
		executor:        opts.Executor,
		logger:          logger,
	}
	if t.executor == nil {
		t.queue = dispatch.NewQueue(logger)
		t.executor = t.queue
	}
	return t
}

// Close stops observing. When the Transport owns its handler queue, the
// deliveries already queued run first and the queue is stopped. The store is
// left open.
func (t *Transport) Close() {
	if t.queue != nil {
		t.queue.Close()
	}
	t.StopObserving()
}

// Push writes s to the shared key and asks the store to synchronize.
// It returns false without touching the store when s cannot be encoded or
// its encoding exceeds the payload ceiling, and false when the store rejects
// the write. True does not mean the write has reached other devices.
func (t *Transport) Push(ctx context.Context, s snapshot.Snapshot) bool {
	data, err := t.codec.Encode(s)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to encode snapshot")
		metrics.PushesTotal.WithLabelValues("encode_error").Inc()
		return false
	}

	metrics.PayloadBytes.Observe(float64(len(data)))

	if len(data) > t.maxPayloadBytes {
		t.logger.Warn().
			Int("size", len(data)).
			Int("max", t.maxPayloadBytes).
			Int("providers", len(s.Providers)).
			Msg("Snapshot exceeds maximum payload size, not pushing")
		metrics.PushesTotal.WithLabelValues("oversize").Inc()
		return false
	}

	start := time.Now()
	err = t.store.Set(ctx, t.key, data)
	metrics.StoreOperationDuration.WithLabelValues("set").Observe(time.Since(start).Seconds())
	if err != nil {
		t.logger.Error().Err(err).Str("key", t.key).Msg("Failed to write snapshot")
		metrics.StoreErrorsTotal.WithLabelValues("set").Inc()
		metrics.PushesTotal.WithLabelValues("store_error").Inc()
		return false
	}

	if err := t.store.Synchronize(ctx); err != nil {
		t.logger.Debug().Err(err).Msg("Synchronize request failed")
		metrics.StoreErrorsTotal.WithLabelValues("synchronize").Inc()
	}

	t.logger.Debug().
		Int("size", len(data)).
		Int("providers", len(s.Providers)).
		Str("device", s.DeviceName).
		Msg("Pushed snapshot")
	metrics.PushesTotal.WithLabelValues("ok").Inc()

	return true
}

// Fetch reads the current snapshot. It returns nil when no value is stored
// or the stored bytes cannot be decoded; callers treat both as "no data yet".
func (t *Transport) Fetch(ctx context.Context) *snapshot.Snapshot {
	start := time.Now()
	data, err := t.store.Get(ctx, t.key)
	metrics.StoreOperationDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.FetchesTotal.WithLabelValues("absent").Inc()
			return nil
		}
		t.logger.Warn().Err(err).Str("key", t.key).Msg("Failed to read snapshot")
		metrics.StoreErrorsTotal.WithLabelValues("get").Inc()
		metrics.FetchesTotal.WithLabelValues("store_error").Inc()
		return nil
	}

	s, err := t.codec.Decode(data)
	if err != nil {
		t.logger.Warn().Err(err).Int("size", len(data)).Msg("Ignoring undecodable snapshot")
		metrics.FetchesTotal.WithLabelValues("decode_error").Inc()
		return nil
	}

	metrics.FetchesTotal.WithLabelValues("ok").Inc()
	return &s
}

// Observe registers handler for changes made by other devices. Each change
// triggers a Fetch whose result is delivered to handler on the configured
// executor, one delivery at a time. Registering replaces any previous handler. Observe also asks the
// store to synchronize so that a value already present is observed promptly.
func (t *Transport) Observe(handler Handler) {
	t.mu.Lock()
	if t.sub != nil {
		t.sub.Cancel()
	}
	t.generation++
	gen := t.generation
	t.handler = handler
	t.sub = t.store.Subscribe(func(change storage.Change) {
		t.onChange(gen, change)
	})
	t.mu.Unlock()

	t.logger.Debug().Str("key", t.key).Msg("Observing external changes")

	if err := t.store.Synchronize(context.Background()); err != nil {
		t.logger.Debug().Err(err).Msg("Synchronize request failed")
		metrics.StoreErrorsTotal.WithLabelValues("synchronize").Inc()
	}
}

// StopObserving deregisters the handler. Once it returns no new handler
// invocation starts; one that is already running may finish.
func (t *Transport) StopObserving() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sub != nil {
		t.sub.Cancel()
		t.sub = nil
	}
	t.handler = nil
	t.generation++
}

func (t *Transport) onChange(gen uint64, change storage.Change) {
	if !slices.Contains(change.Keys, t.key) {
		return
	}
	if _, ok := t.current(gen); !ok {
		return
	}

	metrics.ChangeNotificationsTotal.Inc()
	t.logger.Debug().Str("revision", change.Revision).Msg("Snapshot changed externally")

	// Fetch on the executor so deliveries arrive in order and each one
	// carries the newest value.
	t.executor.Post(func() {
		// StopObserving may have run since the change arrived.
		if _, ok := t.current(gen); !ok {
			return
		}
		s := t.Fetch(context.Background())
		if handler, ok := t.current(gen); ok {
			handler(s)
		}
	})
}

func (t *Transport) current(gen uint64) (Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.generation != gen || t.handler == nil {
		return nil, false
	}
	return t.handler, true
}
