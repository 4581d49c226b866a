package storage

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
)

var errClosed = errors.New("storage: store is closed")

// MemoryCloud is an in-process stand-in for the replicated store. Each Device
// behaves like one machine attached to the same account: writes made through
// one device are visible to all of them and raise change notifications on
// every device except the writer.
type MemoryCloud struct {
	mu            sync.Mutex
	maxValueBytes int
	values        map[string]memoryValue
	devices       map[*MemoryStore]struct{}
	seq           uint64
}

type memoryValue struct {
	data     []byte
	revision string
	origin   *MemoryStore
}

// NewMemoryCloud creates an empty cloud. A maxValueBytes of zero disables the
// payload ceiling.
func NewMemoryCloud(maxValueBytes int) *MemoryCloud {
	return &MemoryCloud{
		maxValueBytes: maxValueBytes,
		values:        make(map[string]memoryValue),
		devices:       make(map[*MemoryStore]struct{}),
	}
}

// Device attaches a new device to the cloud.
func (c *MemoryCloud) Device() *MemoryStore {
	d := &MemoryStore{
		cloud:    c,
		subs:     make(map[uint64]ChangeFunc),
		lastSeen: make(map[string]string),
	}
	c.mu.Lock()
	c.devices[d] = struct{}{}
	c.mu.Unlock()
	return d
}

// MemoryStore is a KVStore backed by a MemoryCloud. It is intended for tests
// and single-host setups.
type MemoryStore struct {
	cloud *MemoryCloud

	mu       sync.Mutex
	subs     map[uint64]ChangeFunc
	nextSub  uint64
	lastSeen map[string]string
	writes   int
	writeErr error
	closed   bool
}

// NewMemoryStore returns a single device attached to its own private cloud.
func NewMemoryStore(maxValueBytes int) *MemoryStore {
	return NewMemoryCloud(maxValueBytes).Device()
}

// Set stores value under key and notifies the other devices.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	c := s.cloud
	if c.maxValueBytes > 0 && len(value) > c.maxValueBytes {
		return ErrValueTooLarge
	}

	c.mu.Lock()
	c.seq++
	rev := "rev-" + strconv.FormatUint(c.seq, 10)
	c.values[key] = memoryValue{
		data:     append([]byte(nil), value...),
		revision: rev,
		origin:   s,
	}
	peers := make([]*MemoryStore, 0, len(c.devices))
	for d := range c.devices {
		if d != s {
			peers = append(peers, d)
		}
	}
	c.mu.Unlock()

	s.mu.Lock()
	s.writes++
	s.lastSeen[key] = rev
	s.mu.Unlock()

	for _, d := range peers {
		d.deliver(Change{Keys: []string{key}, Revision: rev})
	}
	return nil
}

// Get returns a copy of the value stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.cloud.mu.Lock()
	defer s.cloud.mu.Unlock()

	v, ok := s.cloud.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.data...), nil
}

// Synchronize raises a change notification for every key whose revision
// moved since this device last saw it.
func (s *MemoryStore) Synchronize(_ context.Context) error {
	s.cloud.mu.Lock()
	pending := make(map[string]string)
	for key, v := range s.cloud.values {
		if v.origin != s {
			pending[key] = v.revision
		}
	}
	s.cloud.mu.Unlock()

	keys := make([]string, 0, len(pending))
	for key := range pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		s.mu.Lock()
		seen := s.lastSeen[key]
		s.mu.Unlock()
		if seen != pending[key] {
			s.deliver(Change{Keys: []string{key}, Revision: pending[key]})
		}
	}
	return nil
}

// Subscribe registers fn for changes written by other devices.
func (s *MemoryStore) Subscribe(fn ChangeFunc) Subscription {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})
}

// Close detaches the device from its cloud.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.subs = make(map[uint64]ChangeFunc)
	s.mu.Unlock()

	s.cloud.mu.Lock()
	delete(s.cloud.devices, s)
	s.cloud.mu.Unlock()
	return nil
}

// Writes returns the number of successful Set calls made through this device.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// SetWriteError makes every subsequent Set fail with err. A nil err restores
// normal behaviour.
func (s *MemoryStore) SetWriteError(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func (s *MemoryStore) deliver(change Change) {
	s.mu.Lock()
	// A change nobody heard stays unseen so a later Synchronize reports it.
	if s.closed || len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	for _, key := range change.Keys {
		s.lastSeen[key] = change.Revision
	}
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]ChangeFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
