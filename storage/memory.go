package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

// counterState holds a single fixed-window counter.
type counterState struct {
	value   int64
	expires time.Time
}

// entryLog holds moving-window entries, oldest first.
type entryLog struct {
	entries []time.Time
}

// prune drops entries that are at least expiry old.
func (l *entryLog) prune(now time.Time, expiry time.Duration) {
	i := 0
	for i < len(l.entries) && now.Sub(l.entries[i]) >= expiry {
		i++
	}
	l.entries = l.entries[i:]
}

// Memory is a thread-safe, in-process storage. It keeps at most a fixed
// number of keys per kind and evicts the least recently used beyond that.
type Memory struct {
	lck      sync.Mutex
	counters *lru.Cache[string, *counterState]
	logs     *lru.Cache[string, *entryLog]
	clock    clockwork.Clock
}

var (
	_ Storage      = (*Memory)(nil)
	_ MovingWindow = (*Memory)(nil)
)

// NewMemory creates a new Memory storage.
func NewMemory(opts ...Option) (*Memory, error) {
	o := newOptions(opts)
	if o.cacheSize <= 0 {
		return nil, fmt.Errorf("cache size must be greater than 0, got %d", o.cacheSize)
	}

	counters, err := lru.New[string, *counterState](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create counter cache: %w", err)
	}
	logs, err := lru.New[string, *entryLog](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create entry cache: %w", err)
	}

	return &Memory{
		counters: counters,
		logs:     logs,
		clock:    o.clock,
	}, nil
}

// live returns the unexpired counter at key. The caller holds the lock.
func (m *Memory) live(key string, now time.Time) (*counterState, bool) {
	state, ok := m.counters.Get(key)
	if !ok {
		return nil, false
	}
	if !now.Before(state.expires) {
		m.counters.Remove(key)
		return nil, false
	}
	return state, true
}

// Incr implements Storage.
func (m *Memory) Incr(_ context.Context, key string, expiry time.Duration, amount int64) (int64, error) {
	m.lck.Lock()
	defer m.lck.Unlock()

	now := m.clock.Now()
	state, ok := m.live(key, now)
	if !ok {
		state = &counterState{expires: now.Add(expiry)}
		m.counters.Add(key, state)
	}
	state.value += amount
	return state.value, nil
}

// Get implements Storage.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.lck.Lock()
	defer m.lck.Unlock()

	if state, ok := m.live(key, m.clock.Now()); ok {
		return state.value, nil
	}
	return 0, nil
}

// GetExpiry implements Storage.
func (m *Memory) GetExpiry(_ context.Context, key string) (time.Time, error) {
	m.lck.Lock()
	defer m.lck.Unlock()

	now := m.clock.Now()
	if state, ok := m.live(key, now); ok {
		return state.expires, nil
	}
	return now, nil
}

// AcquireEntry implements MovingWindow.
func (m *Memory) AcquireEntry(_ context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}

	m.lck.Lock()
	defer m.lck.Unlock()

	now := m.clock.Now()
	log, ok := m.logs.Get(key)
	if !ok {
		log = &entryLog{}
		m.logs.Add(key, log)
	}
	log.prune(now, expiry)

	if int64(len(log.entries))+amount > limit {
		return false, nil
	}
	for i := int64(0); i < amount; i++ {
		log.entries = append(log.entries, now)
	}
	return true, nil
}

// GetMovingWindow implements MovingWindow.
func (m *Memory) GetMovingWindow(_ context.Context, key string, _ int64, expiry time.Duration) (time.Time, int64, error) {
	m.lck.Lock()
	defer m.lck.Unlock()

	now := m.clock.Now()
	log, ok := m.logs.Get(key)
	if !ok {
		return now, 0, nil
	}
	log.prune(now, expiry)
	if len(log.entries) == 0 {
		return now, 0, nil
	}
	return log.entries[0], int64(len(log.entries)), nil
}

// Clear implements Storage.
func (m *Memory) Clear(_ context.Context, key string) error {
	m.lck.Lock()
	defer m.lck.Unlock()

	m.counters.Remove(key)
	m.logs.Remove(key)
	return nil
}

// Reset implements Storage.
func (m *Memory) Reset(context.Context) error {
	m.lck.Lock()
	defer m.lck.Unlock()

	m.counters.Purge()
	m.logs.Purge()
	return nil
}

// Check implements Storage. Memory is always reachable.
func (m *Memory) Check(context.Context) error {
	return nil
}

// Close implements Storage.
func (m *Memory) Close() error {
	return nil
}
