package orchestrator

import (
	"slices"
	"sync"
)

// taskLocks serializes mutations of the same task id. Unrelated ids never
// block each other.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex of id and returns its release func
func (l *taskLocks) Lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// LockAll acquires the mutexes of ids in sorted order so that two callers
// locking overlapping sets cannot deadlock
func (l *taskLocks) LockAll(ids []string) func() {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		unlocks = append(unlocks, l.Lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
