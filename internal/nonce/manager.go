// Package nonce allocates strictly monotonic per-address order nonces
// under concurrency. Locking is two-tier: a global mutex guards the maps
// of per-address locks and counters, and a per-address mutex serializes
// the counter operations themselves. Per-address locks are created with
// double-checked locking so steady-state contention on the global lock is
// negligible.
package nonce

import (
	"math/rand/v2"
	"sync"
	"time"
)

// fallbackJitter bounds the random offset added to the timestamp-based
// last-resort initialization. Uniqueness across many wallets on this path
// is probabilistic only.
const fallbackJitter = 100_000

type entry struct {
	value      uint64
	lastAccess time.Time
}

// Manager tracks one monotonic counter per address.
type Manager struct {
	mu      sync.Mutex // guards locks and entries map membership
	locks   map[string]*sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewManager creates an empty nonce manager.
func NewManager() *Manager {
	return &Manager{
		locks:   make(map[string]*sync.Mutex),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// addrLock returns the per-address mutex, creating it under the global
// lock only when the fast-path read misses.
func (m *Manager) addrLock(addr string) *sync.Mutex {
	m.mu.Lock()
	lk, ok := m.locks[addr]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[addr] = lk
	}
	m.mu.Unlock()
	return lk
}

// GetAndIncrement returns the current counter for addr and bumps it.
// The second return is false when the address has never been initialized.
func (m *Manager) GetAndIncrement(addr string) (uint64, bool) {
	lk := m.addrLock(addr)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	en, ok := m.entries[addr]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}

	v := en.value
	en.value++
	en.lastAccess = m.now()
	return v, true
}

// Set overwrites the counter for addr.
func (m *Manager) Set(addr string, n uint64) {
	lk := m.addrLock(addr)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[addr] = &entry{value: n, lastAccess: m.now()}
}

// Get returns the current counter without incrementing.
func (m *Manager) Get(addr string) (uint64, bool) {
	lk := m.addrLock(addr)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	en, ok := m.entries[addr]
	if !ok {
		return 0, false
	}
	return en.value, true
}

// InitFallback seeds addr from the wall clock when the exchange's nonce
// query is unavailable: milliseconds since epoch plus a random offset.
// Last-resort path; collisions across wallets are possible but unlikely.
func (m *Manager) InitFallback(addr string) uint64 {
	n := uint64(m.now().UnixMilli()) + uint64(rand.IntN(fallbackJitter))
	m.Set(addr, n)
	return n
}

// CleanupInactive discards entries untouched for longer than maxAge,
// freeing both the counter and the per-address lock. Candidates are
// collected without per-address locks, then each is re-validated under its
// address lock before removal so a concurrent allocation is never lost.
func (m *Manager) CleanupInactive(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	candidates := make([]string, 0, len(m.entries))
	for addr, en := range m.entries {
		if en.lastAccess.Before(cutoff) {
			candidates = append(candidates, addr)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, addr := range candidates {
		lk := m.addrLock(addr)
		lk.Lock()
		m.mu.Lock()
		if en, ok := m.entries[addr]; ok && en.lastAccess.Before(cutoff) {
			delete(m.entries, addr)
			delete(m.locks, addr)
			removed++
		}
		m.mu.Unlock()
		lk.Unlock()
	}
	return removed
}

// Len returns the number of tracked addresses.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
