package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/usagesync/internal/config"
	"github.com/goodtune/usagesync/internal/storage"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// ownRevisionCacheSize bounds how many of our own write revisions are
	// remembered for filtering change notifications.
	ownRevisionCacheSize = 256

	synchronizeTimeout = 10 * time.Second
	scanBatchSize      = 100
)

var errClosed = errors.New("redis: store is closed")

// Store implements storage.KVStore on top of Redis. Writes from every process
// sharing the same key prefix are visible to all of them; each process is
// notified of the writes made by the others through Redis pub/sub.
type Store struct {
	client        *redis.Client
	keys          keyspace
	maxValueBytes int
	setValue      *redis.Script
	logger        zerolog.Logger

	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	subs     map[uint64]storage.ChangeFunc
	nextSub  uint64
	lastSeen map[string]string
	own      *lru.Cache[string, struct{}]
	closed   bool
}

// Open creates a new Redis-backed store and subscribes to change
// notifications. Values larger than maxValueBytes are rejected with
// storage.ErrValueTooLarge; zero disables the check.
func Open(cfg config.RedisConfig, maxValueBytes int, logger zerolog.Logger) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	own, err := lru.New[string, struct{}](ownRevisionCacheSize)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create revision cache: %w", err)
	}

	keys := newKeyspace(cfg.KeyPrefix)

	// Wait for the subscription to be confirmed so that no write made after
	// Open returns can be missed.
	pubsub := client.Subscribe(pingCtx, keys.changes())
	if _, err := pubsub.Receive(pingCtx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", keys.changes(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		client:        client,
		keys:          keys,
		maxValueBytes: maxValueBytes,
		setValue:      redis.NewScript(setValueScript),
		logger: logger.With().
			Str("component", "redis").
			Str("prefix", keys.prefix).
			Logger(),
		pubsub:   pubsub,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[uint64]storage.ChangeFunc),
		lastSeen: make(map[string]string),
		own:      own,
	}

	s.wg.Add(1)
	go s.listen(pubsub.Channel())

	return s, nil
}

// Set stores value under key with a fresh revision and publishes the change.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s.maxValueBytes > 0 && len(value) > s.maxValueBytes {
		return storage.ErrValueTooLarge
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	s.mu.Unlock()

	revision := uuid.NewString()
	message, err := encodeChange(key, revision)
	if err != nil {
		return err
	}

	// Remember the revision before the write so our own notification is
	// recognised even if it arrives before Run returns.
	s.own.Add(revision, struct{}{})

	keys := []string{s.keys.value(key), s.keys.revision(key)}
	args := []interface{}{value, revision, s.keys.changes(), message}
	if err := s.setValue.Run(ctx, s.client, keys, args...).Err(); err != nil {
		s.own.Remove(revision)
		return err
	}

	s.mu.Lock()
	s.lastSeen[key] = revision
	s.mu.Unlock()

	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keys.value(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Synchronize compares every stored revision with the last one this process
// saw and raises change notifications for those that moved. The comparison
// runs in the background; Synchronize only fails when the store is closed.
func (s *Store) Synchronize(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, synchronizeTimeout)
		defer cancel()

		if err := s.synchronize(ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Failed to synchronize revisions")
		}
	}()

	return nil
}

func (s *Store) synchronize(ctx context.Context) error {
	var names []string
	iter := s.client.Scan(ctx, 0, s.keys.revisionPattern(), scanBatchSize).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan revisions: %w", err)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	values, err := s.client.MGet(ctx, names...).Result()
	if err != nil {
		return fmt.Errorf("failed to read revisions: %w", err)
	}

	for i, name := range names {
		key, ok := s.keys.keyFromRevision(name)
		if !ok {
			continue
		}
		revision, ok := values[i].(string)
		if !ok || revision == "" {
			continue
		}
		s.deliver(key, revision)
	}
	return nil
}

// Subscribe registers fn for changes written by other processes. Callbacks
// run on the store's background goroutines.
func (s *Store) Subscribe(fn storage.ChangeFunc) storage.Subscription {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return storage.SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})
}

// Close stops the notification listener and closes the Redis connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = make(map[uint64]storage.ChangeFunc)
	s.mu.Unlock()

	s.cancel()
	err := s.pubsub.Close()
	s.wg.Wait()

	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) listen(messages <-chan *redis.Message) {
	defer s.wg.Done()

	for msg := range messages {
		change, err := decodeChange(msg.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Ignoring malformed change notification")
			continue
		}
		s.deliver(change.Key, change.Revision)
	}
}

// deliver notifies subscribers about revision of key unless it was written by
// this process or has already been delivered. The revision only counts as
// seen once a subscriber received it.
func (s *Store) deliver(key, revision string) {
	if s.own.Contains(revision) {
		return
	}

	s.mu.Lock()
	// A change nobody heard stays unseen so a later Synchronize reports it.
	if s.closed || len(s.subs) == 0 || s.lastSeen[key] == revision {
		s.mu.Unlock()
		return
	}
	s.lastSeen[key] = revision

	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]storage.ChangeFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	s.logger.Debug().Str("key", key).Str("revision", revision).Msg("Change notification")

	change := storage.Change{Keys: []string{key}, Revision: revision}
	for _, fn := range fns {
		fn(change)
	}
}

var _ storage.KVStore = (*Store)(nil)
