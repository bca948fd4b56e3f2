package coalescer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestOneLeaderManyFollowers(t *testing.T) {
	c := New()
	const n = 10
	var leaders int32
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			role, lease := c.Enter("k", "/a/b.jpg")
			if role == Leader {
				atomic.AddInt32(&leaders, 1)
				time.Sleep(20 * time.Millisecond)
				c.Leave(lease)
				return
			}
			if err := lease.Wait(context.Background()); err != nil {
				t.Errorf("follower wait: %v", err)
			}
		}()
	}
	wg.Wait()
	if leaders != 1 {
		t.Fatalf("leaders = %d, want 1", leaders)
	}
	if c.InFlight() != 0 {
		t.Fatalf("InFlight() = %d after all leaves, want 0", c.InFlight())
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	c := New()
	_, lease := c.Enter("k", "")
	c.Leave(lease)
	c.Leave(lease) // must not panic (double close)
}

func TestWatchdogForceReleasesStaleLease(t *testing.T) {
	c := New()
	_, lease := c.Enter("k", "")
	c.StartWatchdog(make(chan struct{}), 30*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := lease.Wait(ctx); err != nil {
		t.Fatalf("expected watchdog to release lease, got: %v", err)
	}
	if c.InFlight() != 0 {
		t.Fatalf("InFlight() = %d after watchdog sweep, want 0", c.InFlight())
	}
}

func TestReEntryAfterLeaveBecomesLeader(t *testing.T) {
	// A caller that waited as a follower and finds the rendition still
	// missing (e.g. the source wasn't cache-eligible) must be able to
	// re-enter the same key and become the sole builder itself, rather
	// than falling through to build with no lease at all.
	c := New()
	_, lease1 := c.Enter("k", "/x.jpg")
	c.Leave(lease1)

	role, lease2 := c.Enter("k", "/x.jpg")
	if role != Leader {
		t.Fatalf("role after re-entry = %v, want Leader", role)
	}
	if lease2 == lease1 {
		t.Fatal("expected a fresh lease after the prior one was released")
	}
	c.Leave(lease2)
}

func TestFollowerSeesSameLeaseKey(t *testing.T) {
	c := New()
	role1, lease1 := c.Enter("k", "/x.jpg")
	role2, lease2 := c.Enter("k", "/x.jpg")
	if role1 != Leader || role2 != Follower {
		t.Fatalf("roles = %v, %v", role1, role2)
	}
	if lease1 != lease2 {
		t.Fatal("follower should observe the same Lease instance as the leader")
	}
	c.Leave(lease1)
}
