// Package keylock provides mutual exclusion scoped to individual keys.
package keylock

import (
	"cmp"
	"slices"
	"sync"
)

// Map hands out one mutex per key. Entries are reference counted and dropped
// once no goroutine holds or waits on them.
type Map[K cmp.Ordered] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func New[K cmp.Ordered]() *Map[K] {
	return &Map[K]{locks: make(map[K]*entry)}
}

// Lock blocks until k is held and returns the matching unlock func.
func (m *Map[K]) Lock(k K) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[k]
	if !ok {
		e = &entry{}
		m.locks[k] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, k)
			}
			m.mu.Unlock()
		})
	}
}

// LockAll locks every distinct key in ascending order so that two callers
// with overlapping key sets cannot deadlock.
func (m *Map[K]) LockAll(keys []K) (unlock func()) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, k := range sorted {
		unlocks = append(unlocks, m.Lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// Len reports how many keys are currently held or awaited.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
