// Package locks provides named, keyed mutual exclusion for mutation paths.
// A lock is identified by (kind, key); waiters queue on the same entry and
// entries are dropped once the last holder releases, so the table stays
// bounded by the number of in-flight operations.
package locks

import "sync"

// Kind is a lock namespace. Keys never collide across kinds.
type Kind string

const (
	// CreateOrder serializes order creation per (key, secret, symbol, exchange).
	CreateOrder Kind = "createOrder"
	// UpdateOrder serializes cancel and fill paths per externalId.
	UpdateOrder Kind = "updateOrder"
	// Common serializes leverage lock/unlock per (user, symbol) and position
	// close per uuid. Acquired only while holding at most one outer lock,
	// nesting order {UpdateOrder|CreateOrder|ticker worker} -> Common.
	Common Kind = "common"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Manager owns the lock table.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates an empty lock table.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*entry),
	}
}

func (m *Manager) acquire(kind Kind, key string) *entry {
	id := string(kind) + "\x00" + key
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{}
		m.entries[id] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return e
}

func (m *Manager) release(kind Kind, key string, e *entry) {
	e.mu.Unlock()

	id := string(kind) + "\x00" + key
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, id)
	}
	m.mu.Unlock()
}

// WithLock runs fn while holding the named lock. Waiters block; there is no
// fairness guarantee within a queue.
func (m *Manager) WithLock(kind Kind, key string, fn func() error) error {
	e := m.acquire(kind, key)
	defer m.release(kind, key, e)
	return fn()
}

// Len reports the number of live lock entries. Diagnostic only.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
