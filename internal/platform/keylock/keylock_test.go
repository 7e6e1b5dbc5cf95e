package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestLock_SerializesSameKey(t *testing.T) {
	m := New[string]()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("Patient/1")
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("expected at most 1 concurrent holder, saw %d", maxSeen)
	}
	if m.Len() != 0 {
		t.Errorf("expected lock table to drain, got %d entries", m.Len())
	}
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	m := New[string]()
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLockAll_DedupesAndOrders(t *testing.T) {
	m := New[string]()
	unlock := m.LockAll([]string{"b", "a", "b"})
	if m.Len() != 2 {
		t.Errorf("expected 2 held keys, got %d", m.Len())
	}
	unlock()
	unlock()
	if m.Len() != 0 {
		t.Errorf("expected lock table to drain, got %d entries", m.Len())
	}
}
