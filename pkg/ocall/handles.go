package ocall

import (
	"sync"
)

// Resource is a host-side object owned by one instance and referred to by
// a small integer handle: a listener, a stream, or a spawned task.
type Resource interface {
	Close() error
}

// HandleTable maps handles to live resources. Handles are positive,
// unique within one instance, and only valid in the instance that
// allocated them. The table is append-mostly; closing frees the slot.
type HandleTable struct {
	mu      sync.Mutex
	next    int32
	entries map[int32]Resource
}

// NewHandleTable creates an empty table
func NewHandleTable() *HandleTable {
	return &HandleTable{
		next:    1,
		entries: make(map[int32]Resource),
	}
}

// Alloc registers a resource and returns its fresh handle
func (t *HandleTable) Alloc(res Resource) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.next
	t.next++
	t.entries[id] = res
	return id
}

// Get looks up a handle
func (t *HandleTable) Get(id int32) (Resource, Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, ok := t.entries[id]
	if !ok {
		return nil, ErrnoBadHandle
	}
	return res, ErrnoOK
}

// Close releases a handle and its resource
func (t *HandleTable) Close(id int32) Errno {
	t.mu.Lock()
	res, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return ErrnoBadHandle
	}
	res.Close()
	return ErrnoOK
}

// CloseAll releases every live resource. Called when the instance exits.
func (t *HandleTable) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int32]Resource)
	t.mu.Unlock()

	for _, res := range entries {
		res.Close()
	}
}

// Len returns the number of live handles
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
