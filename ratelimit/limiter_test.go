package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Basics
// ---------------------------------------------------------------------------

func TestLimiter_NoBudgets_AlwaysAllows(t *testing.T) {
	l := New(Config{})
	for range 100 {
		if d := l.Reserve("chat-1"); !d.Allowed {
			t.Fatal("expected Reserve to allow with no budgets configured")
		}
	}
}

func TestLimiter_DestinationBudget(t *testing.T) {
	l := New(Config{DestinationRate: 1, DestinationBurst: 2})

	// Burst of 2 allowed immediately.
	if d := l.Reserve("chat-1"); !d.Allowed {
		t.Fatal("first Reserve should be allowed (burst)")
	}
	if d := l.Reserve("chat-1"); !d.Allowed {
		t.Fatal("second Reserve should be allowed (burst)")
	}

	// Third is throttled with a future retry time.
	d := l.Reserve("chat-1")
	if d.Allowed {
		t.Fatal("third Reserve should be throttled")
	}
	if !d.ThrottledUntil.After(time.Now().Add(-time.Millisecond)) {
		t.Errorf("ThrottledUntil = %v, want a future instant", d.ThrottledUntil)
	}
}

func TestLimiter_DestinationsAreIndependent(t *testing.T) {
	l := New(Config{DestinationRate: 1, DestinationBurst: 1})

	if d := l.Reserve("chat-1"); !d.Allowed {
		t.Fatal("chat-1 should be allowed")
	}
	if d := l.Reserve("chat-1"); d.Allowed {
		t.Fatal("chat-1 second reserve should be throttled")
	}

	// A different destination has its own bucket.
	if d := l.Reserve("chat-2"); !d.Allowed {
		t.Fatal("chat-2 should be allowed despite chat-1 being throttled")
	}

	if got := l.DestinationCount(); got != 2 {
		t.Errorf("DestinationCount() = %d, want 2", got)
	}
}

func TestLimiter_GlobalBudget_SpansDestinations(t *testing.T) {
	l := New(Config{GlobalRate: 1, GlobalBurst: 2})

	if d := l.Reserve("chat-1"); !d.Allowed {
		t.Fatal("first Reserve should be allowed")
	}
	if d := l.Reserve("chat-2"); !d.Allowed {
		t.Fatal("second Reserve should be allowed")
	}
	// Global bucket exhausted; even a fresh destination is throttled.
	if d := l.Reserve("chat-3"); d.Allowed {
		t.Fatal("third Reserve should be throttled by the global bucket")
	}
}

// A throttled destination reservation must return the global token so
// other destinations can use it.
func TestLimiter_ThrottledDestination_RefundsGlobalToken(t *testing.T) {
	l := New(Config{
		GlobalRate: 1, GlobalBurst: 1,
		DestinationRate: 1, DestinationBurst: 1,
	})

	if d := l.Reserve("chat-1"); !d.Allowed {
		t.Fatal("first Reserve should be allowed")
	}
	// chat-1 bucket now empty; reserve throttles and must refund global.
	if d := l.Reserve("chat-1"); d.Allowed {
		t.Fatal("chat-1 should be throttled by its own bucket")
	}
	// The global token refunded above keeps chat-2 sendable.
	if d := l.Reserve("chat-2"); !d.Allowed {
		t.Fatal("chat-2 should be allowed; global token was refunded")
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

// The budget must never be over-spent no matter how many workers race on
// the same destination.
func TestLimiter_ConcurrentReserve_NeverOverspends(t *testing.T) {
	const budget = 10
	l := New(Config{DestinationRate: 0.001, DestinationBurst: budget})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.Reserve("hot-chat"); d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != budget {
		t.Errorf("allowed reservations = %d, want exactly %d", got, budget)
	}
}

func TestLimiter_ConcurrentReserve_GlobalNeverOverspends(t *testing.T) {
	const budget = 5
	l := New(Config{GlobalRate: 0.001, GlobalBurst: budget})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			dest := []string{"a", "b", "c", "d", "e"}[n%5]
			if d := l.Reserve(dest); d.Allowed {
				allowed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := allowed.Load(); got != budget {
		t.Errorf("allowed reservations = %d, want exactly %d", got, budget)
	}
}
