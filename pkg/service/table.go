package service

import (
	"sync"

	"github.com/cuemby/wapod/pkg/instance"
	"github.com/cuemby/wapod/pkg/types"
)

// Table is the process-wide mapping from address to live instance. The
// service is the only writer; front-end adapters read concurrently. All
// operations are atomic with respect to each other, so an address maps
// to at most one live instance at any instant.
type Table struct {
	mu      sync.RWMutex
	entries map[types.Address]*instance.Instance
}

// NewTable creates an empty address table
func NewTable() *Table {
	return &Table{entries: make(map[types.Address]*instance.Instance)}
}

// InsertIfAbsent installs an instance unless the address is taken.
// Reports whether the insert happened.
func (t *Table) InsertIfAbsent(addr types.Address, inst *instance.Instance) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[addr]; exists {
		return false
	}
	t.entries[addr] = inst
	return true
}

// Take removes and returns the instance at an address, nil if absent
func (t *Table) Take(addr types.Address) *instance.Instance {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, ok := t.entries[addr]
	if !ok {
		return nil
	}
	delete(t.entries, addr)
	return inst
}

// TakeIf removes the entry at addr only if it is still inst. Keeps a
// replacement installed concurrently from being torn down by the
// predecessor's exit path.
func (t *Table) TakeIf(addr types.Address, inst *instance.Instance) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.entries[addr]
	if !ok || current != inst {
		return false
	}
	delete(t.entries, addr)
	return true
}

// Get returns the live instance at an address, nil if absent
func (t *Table) Get(addr types.Address) *instance.Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[addr]
}

// Len returns the number of deployed instances
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Visit calls fn for every live entry
func (t *Table) Visit(fn func(addr types.Address, inst *instance.Instance)) {
	t.mu.RLock()
	snapshot := make(map[types.Address]*instance.Instance, len(t.entries))
	for addr, inst := range t.entries {
		snapshot[addr] = inst
	}
	t.mu.RUnlock()

	for addr, inst := range snapshot {
		fn(addr, inst)
	}
}
