package threads

import (
	"context"
	"sync"
)

// lockTable maps thread ids to cooperative FIFO mutexes. Entries are
// refcounted and removed when the last waiter releases, so the map does not
// grow with the number of threads ever touched.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{} // capacity 1; holding a token = holding the lock
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the lock for id is held or ctx is done. Waiters are
// woken in arrival order. The returned release function must be called
// exactly once.
func (t *lockTable) acquire(ctx context.Context, id string) (release func(), err error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[id] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			t.put(id, e)
		}, nil
	case <-ctx.Done():
		t.put(id, e)
		return nil, ctx.Err()
	}
}

func (t *lockTable) put(id string, e *lockEntry) {
	t.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, id)
	}
	t.mu.Unlock()
}

// size reports the current entry count (test hook for the GC invariant).
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
