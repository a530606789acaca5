package ratelimit

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

// newTestLimiter creates a single-shard limiter with a controllable clock.
func newTestLimiter(rate float64, burst int, now *time.Time) *limiter {
	l := newLimiter(Config{
		Rate:            rate,
		Burst:           burst,
		CleanupInterval: time.Hour,
		CleanupAge:      time.Hour,
		ShardCount:      1,
	})
	l.nowFunc = func() time.Time { return *now }
	return l
}

func TestLimiter_Allow(t *testing.T) {
	t.Run("allows initial burst", func(t *testing.T) {
		l := New(Config{Rate: 10, Burst: 5, CleanupInterval: time.Hour, CleanupAge: time.Hour})
		defer l.Close()

		for i := 0; i < 5; i++ {
			d := l.Allow("192.168.1.1")
			if !d.Allowed {
				t.Errorf("request %d should be allowed", i+1)
			}
			if d.Remaining != 4-i {
				t.Errorf("request %d: remaining = %d, want %d", i+1, d.Remaining, 4-i)
			}
		}

		if l.Allow("192.168.1.1").Allowed {
			t.Error("request 6 should be rate limited")
		}
	})

	t.Run("refills tokens over time", func(t *testing.T) {
		now := time.Now()
		l := newTestLimiter(10, 5, &now)

		for i := 0; i < 5; i++ {
			l.Allow("192.168.1.1")
		}
		if l.Allow("192.168.1.1").Allowed {
			t.Error("should be rate limited after exhausting burst")
		}

		now = now.Add(500 * time.Millisecond)

		for i := 0; i < 5; i++ {
			if !l.Allow("192.168.1.1").Allowed {
				t.Errorf("request %d after refill should be allowed", i+1)
			}
		}
	})

	t.Run("separate buckets per key", func(t *testing.T) {
		l := New(Config{Rate: 1, Burst: 1, CleanupInterval: time.Hour, CleanupAge: time.Hour})
		defer l.Close()

		if !l.Allow("192.168.1.1").Allowed {
			t.Error("first key first request should be allowed")
		}
		if l.Allow("192.168.1.1").Allowed {
			t.Error("first key second request should be limited")
		}
		if !l.Allow("192.168.1.2").Allowed {
			t.Error("second key first request should be allowed")
		}
	})
}

func TestLimiter_RetryAfter(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(4, 1, &now)

	if !l.Allow("k").Allowed {
		t.Fatal("first request should be allowed")
	}

	d := l.Allow("k")
	if d.Allowed {
		t.Fatal("second request should be limited")
	}
	if d.RetryAfter != 250*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 250ms", d.RetryAfter)
	}

	now = now.Add(100 * time.Millisecond)
	d = l.Allow("k")
	if d.Allowed {
		t.Fatal("request before refill should be limited")
	}
	if d.RetryAfter <= 0 || d.RetryAfter >= 250*time.Millisecond {
		t.Errorf("RetryAfter = %v, want within (0, 250ms)", d.RetryAfter)
	}

	now = now.Add(d.RetryAfter + time.Millisecond)
	if !l.Allow("k").Allowed {
		t.Error("request after RetryAfter should be allowed")
	}
}

func TestLimiter_Close(t *testing.T) {
	l := NewWithDefaults()
	l.Close()
	l.Close()
}

func TestLimiter_Concurrent(t *testing.T) {
	l := New(Config{Rate: 1000, Burst: 100, CleanupInterval: time.Hour, CleanupAge: time.Hour})
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Allow("192.168.1.1")
			}
		}()
	}
	wg.Wait()

	stats := l.Stats()
	if stats.Allowed+stats.Rejected != 10000 {
		t.Errorf("expected 10000 decisions, got %d", stats.Allowed+stats.Rejected)
	}
}

func TestLimiter_Stats(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(10, 1, &now)

	if stats := l.Stats(); stats.ActiveBuckets != 0 || stats.Allowed != 0 || stats.Rejected != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}

	l.Allow("192.168.1.1")
	l.Allow("192.168.1.1")
	l.Allow("192.168.1.2")
	l.Allow("192.168.1.3")

	stats := l.Stats()
	if stats.ActiveBuckets != 3 {
		t.Errorf("expected 3 active buckets, got %d", stats.ActiveBuckets)
	}
	if stats.Allowed != 3 || stats.Rejected != 1 {
		t.Errorf("expected 3 allowed and 1 rejected, got %+v", stats)
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(10, 5, &now)
	l.cleanupAge = 5 * time.Second

	l.Allow("192.168.1.1")
	now = now.Add(3 * time.Second)
	l.Allow("192.168.1.2")
	now = now.Add(3 * time.Second)

	l.cleanup()
	if l.totalBuckets() != 1 {
		t.Errorf("expected 1 bucket after partial cleanup, got %d", l.totalBuckets())
	}

	now = now.Add(10 * time.Second)
	l.cleanup()
	if l.totalBuckets() != 0 {
		t.Errorf("expected 0 buckets after cleanup, got %d", l.totalBuckets())
	}
}

func TestLimiter_MaxBuckets(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(0, 1, &now)
	l.maxBuckets = 3

	for i := 1; i <= 3; i++ {
		l.Allow("192.168.1." + strconv.Itoa(i))
		now = now.Add(time.Second)
	}

	// The first key is evicted, so it starts again with a full bucket.
	l.Allow("192.168.1.4")
	if l.totalBuckets() != 3 {
		t.Errorf("expected 3 buckets after eviction, got %d", l.totalBuckets())
	}
	if !l.Allow("192.168.1.1").Allowed {
		t.Error("evicted key should get a fresh bucket")
	}
}

func TestLimiter_Sharding(t *testing.T) {
	l := New(Config{Rate: 100, Burst: 10, CleanupInterval: time.Hour, CleanupAge: time.Hour, ShardCount: 4}).(*limiter)
	defer l.Close()

	if len(l.shards) != 4 {
		t.Errorf("expected 4 shards, got %d", len(l.shards))
	}

	for i := 0; i < 100; i++ {
		l.Allow("192.168.1." + strconv.Itoa(i%10))
	}

	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.buckets)
		s.mu.Unlock()
	}
	if total != 10 {
		t.Errorf("expected 10 total buckets, got %d", total)
	}
}

func TestSampler(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(0, 2, &now)

	s := NewSampler(l)
	start := now
	s.now = func() time.Time { return now }
	s.at = start

	for i := 0; i < 4; i++ {
		l.Allow("10.0.0.1")
	}
	now = now.Add(2 * time.Second)

	rate, ratio := s.Sample()
	if rate != 2 {
		t.Errorf("rate = %v, want 2", rate)
	}
	if ratio != 0.5 {
		t.Errorf("reject ratio = %v, want 0.5", ratio)
	}

	now = now.Add(time.Second)
	rate, ratio = s.Sample()
	if rate != 0 || ratio != 0 {
		t.Errorf("idle interval: rate = %v, ratio = %v, want 0, 0", rate, ratio)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Rate <= 0 || cfg.Burst <= 0 {
		t.Error("default rate and burst should be positive")
	}
	if cfg.CleanupInterval <= 0 || cfg.CleanupAge <= 0 {
		t.Error("default cleanup settings should be positive")
	}
	if cfg.MaxBuckets <= 0 || cfg.ShardCount <= 0 {
		t.Error("default bucket limits should be positive")
	}
}

func BenchmarkLimiter_Allow(b *testing.B) {
	l := NewWithDefaults()
	defer l.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Allow("192.168.1.1")
	}
}

func BenchmarkLimiter_Allow_MultipleKeys(b *testing.B) {
	l := NewWithDefaults()
	defer l.Close()

	keys := make([]string, 1000)
	for i := range keys {
		keys[i] = "10.0." + strconv.Itoa(i/256) + "." + strconv.Itoa(i%256)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Allow(keys[i%len(keys)])
	}
}
