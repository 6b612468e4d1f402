package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"admission-service/internal/admission"
	"admission-service/internal/client"
)

func TestSlidingWindow_RemainingCountsDownThenDenies(t *testing.T) {
	_, rc := newTestClient(t)
	clock := newFakeClock()
	limiter := NewSlidingWindowLimiter(rc, WithClock(clock.Now))
	policy := admission.Policy{MaxRequests: 5, Window: time.Minute}
	ctx := context.Background()

	for i, want := range []int{4, 3, 2, 1, 0} {
		d, err := limiter.Allow(ctx, "K", policy)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
		if d.Remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, d.Remaining, want)
		}
		if d.Count != i+1 {
			t.Errorf("request %d: count = %d, want %d", i+1, d.Count, i+1)
		}
	}

	d, err := limiter.Allow(ctx, "K", policy)
	if err != nil {
		t.Fatalf("6th request: unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("6th request admitted")
	}
	if d.Remaining != 0 {
		t.Errorf("6th request remaining = %d, want 0", d.Remaining)
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %s, want 1m", d.RetryAfter)
	}
	if d.ResetSeconds() != 60 {
		t.Errorf("ResetSeconds() = %d, want 60", d.ResetSeconds())
	}
}

func TestSlidingWindow_AdmitsAgainAfterWindowPasses(t *testing.T) {
	_, rc := newTestClient(t)
	clock := newFakeClock()
	limiter := NewSlidingWindowLimiter(rc, WithClock(clock.Now))
	policy := admission.Policy{MaxRequests: 5, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := limiter.Allow(ctx, "K", policy); err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
	}

	clock.Advance(61 * time.Second)

	d, err := limiter.Allow(ctx, "K", policy)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("request after the window was denied")
	}
	if d.Count != 1 || d.Remaining != 4 {
		t.Errorf("count/remaining = %d/%d, want 1/4", d.Count, d.Remaining)
	}
}

func TestSlidingWindow_EntryAtWindowStartIsCurrent(t *testing.T) {
	_, rc := newTestClient(t)
	clock := newFakeClock()
	limiter := NewSlidingWindowLimiter(rc, WithClock(clock.Now))
	policy := admission.Policy{MaxRequests: 1, Window: 10 * time.Second}
	ctx := context.Background()

	if d, _ := limiter.Allow(ctx, "edge", policy); !d.Allowed {
		t.Fatal("first request denied")
	}

	clock.Advance(10 * time.Second)
	if d, _ := limiter.Allow(ctx, "edge", policy); d.Allowed {
		t.Fatal("entry exactly window old should still count")
	}

	clock.Advance(time.Millisecond)
	if d, _ := limiter.Allow(ctx, "edge", policy); !d.Allowed {
		t.Fatal("entry older than the window should be pruned")
	}
}

func TestSlidingWindow_NoBurstAcrossBucketEdge(t *testing.T) {
	_, rc := newTestClient(t)
	clock := newFakeClock()
	limiter := NewSlidingWindowLimiter(rc, WithClock(clock.Now))
	policy := admission.Policy{MaxRequests: 3, Window: 10 * time.Second}
	ctx := context.Background()

	// Three requests late in one "bucket"...
	clock.Advance(9 * time.Second)
	for i := 0; i < 3; i++ {
		if d, _ := limiter.Allow(ctx, "burst", policy); !d.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}
	// ...and none admitted early in the next one.
	clock.Advance(2 * time.Second)
	if d, _ := limiter.Allow(ctx, "burst", policy); d.Allowed {
		t.Fatal("sliding window admitted a burst over the limit")
	}
}

func TestSlidingWindow_RetryAfterTracksOldestEntry(t *testing.T) {
	_, rc := newTestClient(t)
	clock := newFakeClock()
	limiter := NewSlidingWindowLimiter(rc, WithClock(clock.Now))
	policy := admission.Policy{MaxRequests: 2, Window: 30 * time.Second}
	ctx := context.Background()

	limiter.Allow(ctx, "retry", policy)
	clock.Advance(10 * time.Second)
	limiter.Allow(ctx, "retry", policy)
	clock.Advance(5 * time.Second)

	d, _ := limiter.Allow(ctx, "retry", policy)
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if d.RetryAfter != 15*time.Second {
		t.Errorf("RetryAfter = %s, want 15s", d.RetryAfter)
	}
}

func TestSlidingWindow_SetsTTLToTwiceTheWindow(t *testing.T) {
	mr, rc := newTestClient(t)
	limiter := NewSlidingWindowLimiter(rc, WithClock(newFakeClock().Now))
	ctx := context.Background()

	limiter.Allow(ctx, "ttl:long", admission.Policy{MaxRequests: 5, Window: time.Minute})
	if got := mr.TTL("ttl:long"); got != 2*time.Minute {
		t.Errorf("TTL = %s, want 2m", got)
	}

	limiter.Allow(ctx, "ttl:short", admission.Policy{MaxRequests: 5, Window: 300 * time.Millisecond})
	if got := mr.TTL("ttl:short"); got != time.Second {
		t.Errorf("TTL = %s, want 1s", got)
	}
}

func TestSlidingWindow_UsesServerTimeWithoutClock(t *testing.T) {
	mr, rc := newTestClient(t)
	mr.SetTime(time.Now())
	limiter := NewSlidingWindowLimiter(rc)
	policy := admission.Policy{MaxRequests: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "server-time", policy)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v, %v", i+1, d, err)
		}
	}
	if d, _ := limiter.Allow(ctx, "server-time", policy); d.Allowed {
		t.Fatal("third request admitted")
	}

	mr.SetTime(time.Now().Add(2 * time.Minute))
	if d, _ := limiter.Allow(ctx, "server-time", policy); !d.Allowed {
		t.Fatal("request after server clock moved was denied")
	}
}

func TestSlidingWindow_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	_, rc := newTestClient(t)
	limiter := NewSlidingWindowLimiter(rc, WithClock(newFakeClock().Now))
	policy := admission.Policy{MaxRequests: 10, Window: time.Minute}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(context.Background(), "hot", policy)
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 10 {
		t.Errorf("admitted = %d, want 10", got)
	}
}

func TestSlidingWindow_FailsOpenWhenStoreIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter := NewSlidingWindowLimiter(client.NewRedisClientFrom(rdb, 200*time.Millisecond))
	mr.Close()

	policy := admission.Policy{MaxRequests: 3, Window: time.Minute}
	d, err := limiter.Allow(context.Background(), "down", policy)

	if !errors.Is(err, admission.ErrStoreUnavailable) {
		t.Fatalf("error = %v, want ErrStoreUnavailable", err)
	}
	if !d.Allowed || !d.Degraded {
		t.Fatalf("decision = %+v, want admitted and degraded", d)
	}
	if d.Remaining != 3 || d.Limit != 3 {
		t.Errorf("remaining/limit = %d/%d, want 3/3", d.Remaining, d.Limit)
	}
}

func TestSlidingWindow_RejectsInvalidPolicy(t *testing.T) {
	_, rc := newTestClient(t)
	limiter := NewSlidingWindowLimiter(rc)

	_, err := limiter.Allow(context.Background(), "bad", admission.Policy{MaxRequests: 0, Window: time.Second})
	if !errors.Is(err, admission.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}

func TestSlidingWindow_Reset(t *testing.T) {
	_, rc := newTestClient(t)
	limiter := NewSlidingWindowLimiter(rc, WithClock(newFakeClock().Now))
	policy := admission.Policy{MaxRequests: 1, Window: time.Minute}
	ctx := context.Background()

	limiter.Allow(ctx, "reset", policy)
	if d, _ := limiter.Allow(ctx, "reset", policy); d.Allowed {
		t.Fatal("expected denial before reset")
	}

	existed, err := limiter.Reset(ctx, "reset")
	if err != nil || !existed {
		t.Fatalf("Reset() = %v, %v", existed, err)
	}
	if d, _ := limiter.Allow(ctx, "reset", policy); !d.Allowed {
		t.Fatal("expected admission after reset")
	}

	existed, err = limiter.Reset(ctx, "missing")
	if err != nil || existed {
		t.Fatalf("Reset(missing) = %v, %v", existed, err)
	}
}
