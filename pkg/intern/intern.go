// Package intern implements the process-wide scope-name table: a
// deduplicating mapping from string to a stable numeric id.
//
// Ids are assigned monotonically starting at 1 and are never reused;
// id 0 is reserved to mean "absent" (a scope without a tag). The table
// is append-only, which keeps the already-interned fast path a single
// read-locked map lookup.
package intern

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// None is the id of the absent string (e.g. a scope recorded without a tag).
const None uint32 = 0

// Entry is one id to name binding, the unit of wire and file transfer.
type Entry struct {
	ID   uint32
	Name string
}

// Table is a concurrent append-only string intern table.
//
// The zero value is not usable; call NewTable.
type Table struct {
	mu     sync.RWMutex
	byName map[string]uint32
	byID   map[uint32]string
	nextID uint32
}

func NewTable() *Table {
	return &Table{
		byName: make(map[string]uint32),
		byID:   make(map[uint32]string),
		nextID: 1,
	}
}

// Intern returns the id for name, assigning a fresh one on first sight.
func (t *Table) Intern(name string) uint32 {
	t.mu.RLock()
	id, ok := t.byName[name]
	t.mu.RUnlock()
	if ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok = t.byName[name]; ok {
		return id
	}
	id = t.nextID
	t.nextID++
	t.byName[name] = id
	t.byID[id] = name
	return id
}

// Lookup resolves an id back to its name.
func (t *Table) Lookup(id uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.byID[id]
	return name, ok
}

// MustLookup resolves an id, returning "" for unknown ids.
func (t *Table) MustLookup(id uint32) string {
	name, _ := t.Lookup(id)
	return name
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}

// NextID returns the id the next interned string will receive. It is a
// high-water mark: Since(NextID()-1) of a later snapshot yields exactly
// the strings interned in between.
func (t *Table) NextID() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextID
}

// Snapshot returns every binding ordered by id.
func (t *Table) Snapshot() []Entry {
	return t.Since(0)
}

// Since returns the bindings with id > after, ordered by id. This is the
// delta sent to stream consumers that already hold everything up to after.
func (t *Table) Since(after uint32) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make([]Entry, 0, len(t.byID))
	for id, name := range t.byID {
		if id > after {
			entries = append(entries, Entry{ID: id, Name: name})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Apply inserts bindings received from a remote table. Re-applying a
// binding is a no-op; rebinding an id to a different name means the
// delta stream is corrupt and is rejected.
func (t *Table) Apply(entries []Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		if e.ID == None {
			return errors.New("intern: binding for reserved id 0")
		}
		if existing, ok := t.byID[e.ID]; ok {
			if existing != e.Name {
				return errors.Errorf("intern: id %d rebound from %q to %q", e.ID, existing, e.Name)
			}
			continue
		}
		t.byID[e.ID] = e.Name
		t.byName[e.Name] = e.ID
		if e.ID >= t.nextID {
			t.nextID = e.ID + 1
		}
	}
	return nil
}
