// Package replay remembers answered challenges so each one is accepted once.
package replay

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrInvalidTTL indicates a non-positive retention time.
var ErrInvalidTTL = errors.New("replay ttl must be positive")

// Store records keys for a limited time.
type Store interface {
	// Remember records key for ttl. It reports true when key was not
	// already recorded, false when it is a replay.
	Remember(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Close releases the store's resources.
	Close() error
}

// MemoryConfig configures the in-process store.
type MemoryConfig struct {
	// ShardCount is the number of independently locked shards.
	ShardCount int

	// SweepInterval is how often expired keys are dropped.
	SweepInterval time.Duration
}

// DefaultMemoryConfig returns the default in-process store configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		ShardCount:    16,
		SweepInterval: 30 * time.Second,
	}
}

type memoryShard struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// Memory is a Store kept in process memory. It does not survive restarts
// and is not shared between gateway instances.
type Memory struct {
	shards   []*memoryShard
	count    atomic.Int64
	stopChan chan struct{}
	stopOnce sync.Once
	interval time.Duration

	nowFunc func() time.Time
}

// NewMemory creates an in-process store and starts its sweeper.
func NewMemory(cfg MemoryConfig) *Memory {
	m := newMemory(cfg)
	go m.sweepLoop()
	return m
}

func newMemory(cfg MemoryConfig) *Memory {
	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = 16
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	shards := make([]*memoryShard, shardCount)
	for i := range shards {
		shards[i] = &memoryShard{expires: make(map[string]time.Time)}
	}

	return &Memory{
		shards:   shards,
		stopChan: make(chan struct{}),
		interval: interval,
		nowFunc:  time.Now,
	}
}

func (m *Memory) shardFor(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Remember implements Store.
func (m *Memory) Remember(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.nowFunc()
	if exp, ok := s.expires[key]; ok && now.Before(exp) {
		return false, nil
	} else if !ok {
		m.count.Add(1)
	}

	s.expires[key] = now.Add(ttl)
	return true, nil
}

// Len returns the number of recorded keys, expired ones included until
// the next sweep.
func (m *Memory) Len() int {
	return int(m.count.Load())
}

// Close implements Store.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	return nil
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.nowFunc()
	for _, s := range m.shards {
		s.mu.Lock()
		for key, exp := range s.expires {
			if !now.Before(exp) {
				delete(s.expires, key)
				m.count.Add(-1)
			}
		}
		s.mu.Unlock()
	}
}
