// Package pathlock implements a table of per-path, FIFO-fair reader/writer
// locks. The caching tree and request queue processor use it to serialize
// concurrent operations against the same logical path without starving
// either readers or writers.
package pathlock

import (
	"context"
	stdsync "sync"
)

// request is a single FIFO waiter. write records whether it asked for a
// read or a write lock; grant is closed when the waiter is admitted.
type request struct {
	write bool
	grant chan struct{}
}

// entry is the per-path lock state: how many readers currently hold the
// lock, whether a writer holds it, and the FIFO queue of waiters.
type entry struct {
	mu      stdsync.Mutex
	readers int
	writing bool
	queue   []*request
	refs    int // number of goroutines holding a reference to this entry
}

// Table is a registry of per-path locks. The zero value is not usable; use
// New.
type Table struct {
	mu      stdsync.Mutex
	entries map[string]*entry
}

// New returns an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Unlock releases a lock previously acquired by RLock or Lock. Calling it
// more than once is a no-op: only the first call releases the lock.
type Unlock func()

// once wraps fn so that repeated calls to the returned Unlock after the
// first are no-ops, rather than double-decrementing the entry's
// reader/writer state.
func once(fn func()) Unlock {
	var o stdsync.Once
	return func() { o.Do(fn) }
}

func (t *Table) acquire(path string) *entry {
	t.mu.Lock()
	e, ok := t.entries[path]
	if !ok {
		e = &entry{}
		t.entries[path] = e
	}
	e.refs++
	t.mu.Unlock()

	return e
}

func (t *Table) release(path string, e *entry) {
	t.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, path)
	}
	t.mu.Unlock()
}

// RLock acquires a shared (reader) lock on path, blocking until it is
// granted or ctx is canceled. Readers queue FIFO behind any writer that
// arrived first, so a steady stream of readers cannot starve a writer.
func (t *Table) RLock(ctx context.Context, path string) (Unlock, error) {
	e := t.acquire(path)

	e.mu.Lock()
	if !e.writing && len(e.queue) == 0 {
		e.readers++
		e.mu.Unlock()

		return once(func() { t.unlockRead(path, e) }), nil
	}

	req := &request{grant: make(chan struct{})}
	e.queue = append(e.queue, req)
	e.mu.Unlock()

	select {
	case <-req.grant:
		return once(func() { t.unlockRead(path, e) }), nil
	case <-ctx.Done():
		t.abandon(e, req)
		t.release(path, e)
		return nil, ctx.Err()
	}
}

// Lock acquires an exclusive (writer) lock on path, blocking until it is
// granted or ctx is canceled.
func (t *Table) Lock(ctx context.Context, path string) (Unlock, error) {
	e := t.acquire(path)

	e.mu.Lock()
	if !e.writing && e.readers == 0 && len(e.queue) == 0 {
		e.writing = true
		e.mu.Unlock()

		return once(func() { t.unlockWrite(path, e) }), nil
	}

	req := &request{write: true, grant: make(chan struct{})}
	e.queue = append(e.queue, req)
	e.mu.Unlock()

	select {
	case <-req.grant:
		return once(func() { t.unlockWrite(path, e) }), nil
	case <-ctx.Done():
		t.abandon(e, req)
		t.release(path, e)
		return nil, ctx.Err()
	}
}

func (t *Table) abandon(e *entry, req *request) {
	e.mu.Lock()
	for i, q := range e.queue {
		if q == req {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}

func (t *Table) unlockRead(path string, e *entry) {
	e.mu.Lock()
	e.readers--
	if e.readers == 0 {
		t.admitNextLocked(e)
	}
	e.mu.Unlock()
	t.release(path, e)
}

func (t *Table) unlockWrite(path string, e *entry) {
	e.mu.Lock()
	e.writing = false
	t.admitNextLocked(e)
	e.mu.Unlock()
	t.release(path, e)
}

// admitNextLocked grants the lock to the next FIFO-eligible waiter(s). It
// must be called with e.mu held and the lock currently free of holders.
// A leading run of consecutive readers is admitted together; a writer is
// admitted alone.
func (t *Table) admitNextLocked(e *entry) {
	if e.writing || e.readers > 0 {
		return
	}

	for len(e.queue) > 0 {
		next := e.queue[0]

		if next.write {
			if e.readers > 0 {
				return
			}

			e.queue = e.queue[1:]
			e.writing = true
			close(next.grant)

			return
		}

		e.queue = e.queue[1:]
		e.readers++
		close(next.grant)
	}
}
