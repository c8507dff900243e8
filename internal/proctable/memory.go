package proctable

import (
	"context"
	"sync"
)

// Entry is one process in a MemoryTable.
type Entry struct {
	State State
	PPID  int
	Name  string
}

// MemoryTable is an in-memory Inspector for testing.
type MemoryTable struct {
	mu        sync.RWMutex
	procs     map[int]Entry
	listeners map[int]int
}

// NewMemoryTable creates an empty table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{procs: make(map[int]Entry), listeners: make(map[int]int)}
}

// Set records or replaces pid.
func (m *MemoryTable) Set(pid int, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[pid] = e
}

// Remove drops pid from the table.
func (m *MemoryTable) Remove(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, pid)
}

// SetListener attributes a listening port to pid.
func (m *MemoryTable) SetListener(port, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[port] = pid
}

func (m *MemoryTable) Lookup(pid int) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.procs[pid]
	if !ok {
		return NotFound
	}
	return e.State
}

func (m *MemoryTable) ParentPID(pid int) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.procs[pid]
	if !ok || e.PPID <= 0 {
		return 0, false
	}
	return e.PPID, true
}

func (m *MemoryTable) CommandName(pid int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.procs[pid]
	if !ok || e.Name == "" {
		return Unknown
	}
	return e.Name
}

func (m *MemoryTable) ListenerPID(_ context.Context, port int) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pid, ok := m.listeners[port]
	return pid, ok
}
