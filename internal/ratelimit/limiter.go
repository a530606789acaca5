// Package ratelimit limits challenge issuance per client key with sharded
// token buckets and keeps the allow/reject counts the difficulty control
// samples.
package ratelimit

import (
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter decides whether a client may receive another challenge.
type Limiter interface {
	// Allow takes one token from the bucket of key.
	Allow(key string) Decision

	// Stats returns bucket and decision counters.
	Stats() Stats

	// Close stops the cleanup goroutine.
	Close()
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed bool

	// Remaining is the number of whole tokens left in the bucket.
	Remaining int

	// RetryAfter is how long until the next token, zero when allowed.
	RetryAfter time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	// Rate is the number of tokens added per second.
	Rate float64

	// Burst is the bucket capacity.
	Burst int

	// CleanupInterval is how often idle buckets are swept.
	CleanupInterval time.Duration

	// CleanupAge is how long a bucket must be idle before removal.
	CleanupAge time.Duration

	// MaxBuckets caps the number of tracked keys (0 = unlimited). At the
	// cap the least recently seen bucket of the key's shard is evicted.
	MaxBuckets int

	// ShardCount is the number of independently locked shards.
	ShardCount int
}

// DefaultConfig returns the default rate limiter configuration.
func DefaultConfig() Config {
	return Config{
		Rate:            10,
		Burst:           20,
		CleanupInterval: time.Minute,
		CleanupAge:      5 * time.Minute,
		MaxBuckets:      100000,
		ShardCount:      16,
	}
}

// Stats is a snapshot of the limiter.
type Stats struct {
	ActiveBuckets int
	Allowed       uint64
	Rejected      uint64
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type limiter struct {
	shards      []*shard
	rate        float64
	burst       int
	maxBuckets  int
	bucketCount atomic.Int64
	allowed     atomic.Uint64
	rejected    atomic.Uint64
	stopChan    chan struct{}
	stopOnce    sync.Once

	cleanupInterval time.Duration
	cleanupAge      time.Duration

	nowFunc func() time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) Limiter {
	l := newLimiter(cfg)
	go l.cleanupLoop()
	return l
}

// NewWithDefaults creates a limiter with DefaultConfig.
func NewWithDefaults() Limiter {
	return New(DefaultConfig())
}

func newLimiter(cfg Config) *limiter {
	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[string]*bucket)}
	}

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	return &limiter{
		shards:          shards,
		rate:            cfg.Rate,
		burst:           cfg.Burst,
		maxBuckets:      cfg.MaxBuckets,
		stopChan:        make(chan struct{}),
		cleanupInterval: interval,
		cleanupAge:      cfg.CleanupAge,
		nowFunc:         time.Now,
	}
}

func (l *limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *limiter) totalBuckets() int {
	return int(l.bucketCount.Load())
}

// Allow implements Limiter.
func (l *limiter) Allow(key string) Decision {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.nowFunc()

	b, ok := s.buckets[key]
	if !ok {
		if l.maxBuckets > 0 && l.totalBuckets() >= l.maxBuckets {
			l.evictOldest(s)
		}
		b = &bucket{tokens: float64(l.burst), lastSeen: now}
		s.buckets[key] = b
		l.bucketCount.Add(1)
	}

	b.tokens = math.Min(b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate, float64(l.burst))
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		l.allowed.Add(1)
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}

	l.rejected.Add(1)
	return Decision{RetryAfter: l.retryAfter(b.tokens)}
}

func (l *limiter) retryAfter(tokens float64) time.Duration {
	if l.rate <= 0 {
		return l.cleanupAge
	}
	return time.Duration((1 - tokens) / l.rate * float64(time.Second))
}

// evictOldest removes the least recently seen bucket of s.
// Caller must hold s.mu.
func (l *limiter) evictOldest(s *shard) {
	var oldestKey string
	var oldest time.Time

	for key, b := range s.buckets {
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey = key
			oldest = b.lastSeen
		}
	}

	if oldestKey != "" {
		delete(s.buckets, oldestKey)
		l.bucketCount.Add(-1)
	}
}

// Stats implements Limiter.
func (l *limiter) Stats() Stats {
	return Stats{
		ActiveBuckets: l.totalBuckets(),
		Allowed:       l.allowed.Load(),
		Rejected:      l.rejected.Load(),
	}
}

// Close implements Limiter.
func (l *limiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
}

func (l *limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup removes buckets idle for longer than cleanupAge.
func (l *limiter) cleanup() {
	now := l.nowFunc()
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if now.Sub(b.lastSeen) > l.cleanupAge {
				delete(s.buckets, key)
				l.bucketCount.Add(-1)
			}
		}
		s.mu.Unlock()
	}
}

// Sampler turns successive Stats snapshots into a decision rate and a
// reject ratio over the interval between calls.
type Sampler struct {
	limiter Limiter
	now     func() time.Time

	mu   sync.Mutex
	last Stats
	at   time.Time
}

// NewSampler creates a sampler for l starting from its current counters.
func NewSampler(l Limiter) *Sampler {
	return &Sampler{limiter: l, now: time.Now, last: l.Stats(), at: time.Now()}
}

// Sample returns decisions per second and the share of rejected decisions
// since the previous call.
func (s *Sampler) Sample() (rate float64, rejectRatio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.limiter.Stats()
	now := s.now()

	allowed := cur.Allowed - s.last.Allowed
	rejected := cur.Rejected - s.last.Rejected
	total := allowed + rejected
	elapsed := now.Sub(s.at).Seconds()

	s.last, s.at = cur, now

	if elapsed > 0 {
		rate = float64(total) / elapsed
	}
	if total > 0 {
		rejectRatio = float64(rejected) / float64(total)
	}
	return rate, rejectRatio
}
