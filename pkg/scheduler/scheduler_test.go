package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func recordingItem(path string, delay time.Duration, processed *int32) (*Item, chan [2]interface{}) {
	respCh := make(chan [2]interface{}, 1)
	return &Item{
		DisplayPath: path,
		Process: func(ctx context.Context) error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if processed != nil {
				atomic.AddInt32(processed, 1)
			}
			return nil
		},
		Respond: func(status int, msg string) {
			select {
			case respCh <- [2]interface{}{status, msg}:
			default:
			}
		},
	}, respCh
}

func TestFIFOUnderLightLoad(t *testing.T) {
	s := New(100, time.Millisecond, nil)
	doneCh := make(chan struct{})
	defer close(doneCh)
	go s.Run(doneCh)

	var order []string
	var mu sync.Mutex
	mkItem := func(name string) *Item {
		return &Item{
			DisplayPath: "/album/" + name,
			Process: func(ctx context.Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			},
			Respond: func(int, string) {},
		}
	}
	s.Enqueue(mkItem("a"))
	time.Sleep(5 * time.Millisecond)
	s.Enqueue(mkItem("b"))
	time.Sleep(5 * time.Millisecond)
	s.Enqueue(mkItem("c"))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected FIFO order a,b,c, got %v", order)
	}
}

func TestLIFODequeueWhenBufferLarge(t *testing.T) {
	s := New(200, time.Hour, nil) // never drains on its own; we dequeue manually
	block := make(chan struct{})
	var newest *Item
	for i := 0; i < 35; i++ {
		idx := i
		s.mu.Lock()
		newest = &Item{
			DisplayPath: "/x/y.jpg",
			Process:     func(ctx context.Context) error { <-block; return nil },
			Respond:     func(int, string) {},
			folderTag:   "/x",
		}
		s.buf = append(s.buf, newest)
		_ = idx
		s.mu.Unlock()
	}
	close(block)

	s.mu.Lock()
	it := s.dequeueLocked()
	n := len(s.buf)
	s.mu.Unlock()
	if it == nil {
		t.Fatal("expected an item")
	}
	// 35 items were buffered (> 30), so dequeue must take the newest (LIFO).
	if it != newest {
		t.Fatal("expected the most recently buffered item to be dequeued")
	}
	if n != 34 {
		t.Fatalf("buffer length after dequeue = %d, want 34", n)
	}
}

func TestFolderSwitchCancelsBufferedItems(t *testing.T) {
	s := New(100, time.Hour, nil)

	var got410 int32
	for i := 0; i < 3; i++ {
		s.mu.Lock()
		s.currentFolder = "/albumA"
		s.buf = append(s.buf, &Item{
			DisplayPath: "/albumA/pic.jpg",
			Respond: func(status int, msg string) {
				if status == 410 {
					atomic.AddInt32(&got410, 1)
				}
			},
		})
		s.mu.Unlock()
	}

	it, _ := recordingItem("/albumB/pic.jpg", 0, nil)
	s.Enqueue(it)

	if got410 != 3 {
		t.Fatalf("expected 3 items cancelled with 410, got %d", got410)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d after folder switch, want 1 (the new item)", s.Len())
	}
}

func TestAdmissionShedsUnderOverload(t *testing.T) {
	s := New(10, time.Hour, nil)
	var shed503 int32
	for i := 0; i < 8; i++ {
		s.mu.Lock()
		s.currentFolder = "/a"
		s.buf = append(s.buf, &Item{
			DisplayPath: "/a/x.jpg",
			Respond: func(status int, msg string) {
				if status == 503 {
					atomic.AddInt32(&shed503, 1)
				}
			},
		})
		s.mu.Unlock()
	}
	// Buffer is now at 8/10 (>= 80%), so the next enqueue sheds half first.
	it, _ := recordingItem("/a/new.jpg", 0, nil)
	s.Enqueue(it)

	if shed503 == 0 {
		t.Fatal("expected some items shed with 503 under overload")
	}
}

func TestInnerTimeoutRejectsSlowProcessor(t *testing.T) {
	s := New(10, time.Millisecond, nil)
	s.SetTimeouts(50*time.Millisecond, 10*time.Millisecond)
	doneCh := make(chan struct{})
	defer close(doneCh)
	go s.Run(doneCh)

	it, respCh := recordingItem("/a/slow.jpg", 200*time.Millisecond, nil)
	s.Enqueue(it)

	select {
	case r := <-respCh:
		if r[0].(int) != 500 {
			t.Fatalf("status = %v, want 500", r[0])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inner-timeout response")
	}
}

func TestStuckDetectorTrimsOverloadedBuffer(t *testing.T) {
	s := New(1000, time.Hour, nil)
	var shed int32
	for i := 0; i < 70; i++ {
		s.mu.Lock()
		s.buf = append(s.buf, &Item{
			Respond: func(status int, msg string) {
				if status == 503 {
					atomic.AddInt32(&shed, 1)
				}
			},
		})
		s.mu.Unlock()
	}
	s.stuckCheck()
	if shed == 0 {
		t.Fatal("expected stuck detector to shed part of an oversized buffer")
	}
	if s.Len() >= 70 {
		t.Fatalf("Len() = %d, expected buffer to shrink", s.Len())
	}
}
