package remoteshare

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paladugu82/node-smb-server-sub001/internal/events"
)

// Record is a single observed conflict: a path whose mutation was rejected
// by the remote as locked or already modified (spec.md §7 "surfaces
// conflicts for out-of-band resolution"), adapted from the teacher's
// ConflictRecord/conflicts.go into the event-driven RQ architecture.
type Record struct {
	ID         string
	Path       string
	DetectedAt time.Time
	Resolved   bool
	ResolvedAt time.Time
}

// ConflictLedger records syncconflict events in memory for the lifetime of
// one Share, so they can be listed (the CLI "conflicts" command) and marked
// resolved with Resolve, rather than losing them once the bus handler
// returns.
type ConflictLedger struct {
	mu      sync.Mutex
	byID    map[string]*Record
	byPath  map[string]string // path -> most recent unresolved record ID
}

func newConflictLedger() *ConflictLedger {
	return &ConflictLedger{
		byID:   make(map[string]*Record),
		byPath: make(map[string]string),
	}
}

// observe is an events.Handler; register with Bus.Subscribe.
func (l *ConflictLedger) observe(ev events.Event) {
	if ev.Kind != events.KindSyncConflict {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &Record{ID: uuid.NewString(), Path: ev.Path, DetectedAt: time.Now()}
	l.byID[rec.ID] = rec
	l.byPath[ev.Path] = rec.ID
}

// List returns unresolved conflicts, most recently detected first.
func (l *ConflictLedger) List() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.byID))

	for _, rec := range l.byID {
		if !rec.Resolved {
			out = append(out, *rec)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })

	return out
}

// Resolve marks a conflict as resolved. Callers are expected to have
// already taken the corrective action (retried or discarded the pending
// mutation via the RequestQueue) before calling this.
func (l *ConflictLedger) Resolve(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("remoteshare: no such conflict %q", id)
	}

	rec.Resolved = true
	rec.ResolvedAt = time.Now()

	if l.byPath[rec.Path] == id {
		delete(l.byPath, rec.Path)
	}

	return nil
}
