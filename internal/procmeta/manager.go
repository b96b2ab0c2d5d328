package procmeta

import (
	"sync"
)

// DefaultMaxEntries bounds the number of cached threads.
const DefaultMaxEntries = 4096

// Manager caches thread metadata lookups.
type Manager struct {
	root       string
	maxEntries int

	mu             sync.RWMutex
	metadata       map[uint32]*ThreadMetadata // TID -> thread metadata
	metadataErrors map[uint32]error           // TID -> lookup errors
}

// NewManager creates a manager reading the procfs mounted at root.
// maxEntries <= 0 selects DefaultMaxEntries.
func NewManager(root string, maxEntries int) *Manager {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Manager{
		root:           root,
		maxEntries:     maxEntries,
		metadata:       make(map[uint32]*ThreadMetadata),
		metadataErrors: make(map[uint32]error),
	}
}

// Get retrieves metadata for a TID (query).
// Returns nil if no metadata is cached for this TID.
func (m *Manager) Get(tid uint32) *ThreadMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata[tid]
}

// GetError retrieves the lookup error for a TID (query).
// Returns nil if no error is cached for this TID.
func (m *Manager) GetError(tid uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadataErrors[tid]
}

// Resolve returns the metadata for a TID, looking it up on first use (command).
// A failed lookup is cached too: the thread is usually gone and retrying on
// every event would hit /proc for nothing.
func (m *Manager) Resolve(tid uint32) (*ThreadMetadata, error) {
	m.mu.RLock()
	md, mdOK := m.metadata[tid]
	err, errOK := m.metadataErrors[tid]
	m.mu.RUnlock()
	if mdOK || errOK {
		return md, err
	}

	md, err = Lookup(m.root, tid)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.metadata)+len(m.metadataErrors) >= m.maxEntries {
		clear(m.metadata)
		clear(m.metadataErrors)
	}
	if err != nil {
		m.metadataErrors[tid] = err
		return nil, err
	}
	m.metadata[tid] = md
	return md, nil
}

// Delete removes all data for a TID (command).
func (m *Manager) Delete(tid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metadata, tid)
	delete(m.metadataErrors, tid)
}

// Len returns the number of cached threads.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.metadata) + len(m.metadataErrors)
}
