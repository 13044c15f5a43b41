package conduit

import (
	"fmt"
	"sync"
)

// memoryHub is the process-wide registry of in-memory conduit members
// for one document, keyed by DocID: a settable/gettable global behind
// its own mutex, torn down explicitly via ResetMemoryHubs.
type memoryHub struct {
	mu      sync.Mutex
	members map[string]*MemoryConduit
}

var (
	hubsMu sync.Mutex
	hubs   = map[string]*memoryHub{}
)

func hubFor(docID string) *memoryHub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[docID]
	if !ok {
		h = &memoryHub{members: map[string]*MemoryConduit{}}
		hubs[docID] = h
	}
	return h
}

// ResetMemoryHubs tears down every in-memory hub. Intended for tests.
func ResetMemoryHubs() {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	hubs = map[string]*memoryHub{}
}

// MemoryConduit is an in-process Conduit: peers sharing a document in the
// same process discover each other through a package-level hub instead of
// any network transport. Useful for tests and for single-process
// multi-document fan-out.
type MemoryConduit struct {
	selfID, docID string
	handler       Handler
	hub           *memoryHub
	closed        bool
}

func NewMemory(docID, selfID string) *MemoryConduit {
	return &MemoryConduit{selfID: selfID, docID: docID, hub: hubFor(docID)}
}

func (m *MemoryConduit) SelfID() string { return m.selfID }
func (m *MemoryConduit) DocID() string  { return m.docID }

func (m *MemoryConduit) Register(h Handler) error {
	m.handler = h
	return nil
}

func (m *MemoryConduit) Announce() error {
	if m.handler == nil {
		return fmt.Errorf("conduit: Register must be called before Announce")
	}
	m.hub.mu.Lock()
	existing := make([]*MemoryConduit, 0, len(m.hub.members))
	for _, peer := range m.hub.members {
		existing = append(existing, peer)
	}
	m.hub.members[m.selfID] = m
	m.hub.mu.Unlock()

	for _, peer := range existing {
		peer.handler.OnPeerUp(m.selfID)
		m.handler.OnPeerUp(peer.selfID)
	}
	return nil
}

func (m *MemoryConduit) Send(peerID string, msg Message) error {
	m.hub.mu.Lock()
	closed := m.closed
	peer, ok := m.hub.members[peerID]
	m.hub.mu.Unlock()
	if closed {
		return transportErrorf("conduit for %s is shut down", m.selfID)
	}
	if !ok {
		return transportErrorf("peer %s not present in document %s", peerID, m.docID)
	}
	peer.handler.Receive(m.selfID, msg)
	return nil
}

// Shutdown is idempotent: the first call leaves the hub and notifies the
// remaining members, later calls are no-ops.
func (m *MemoryConduit) Shutdown() error {
	m.hub.mu.Lock()
	if m.closed {
		m.hub.mu.Unlock()
		return nil
	}
	m.closed = true
	delete(m.hub.members, m.selfID)
	remaining := make([]*MemoryConduit, 0, len(m.hub.members))
	for _, peer := range m.hub.members {
		remaining = append(remaining, peer)
	}
	m.hub.mu.Unlock()

	for _, peer := range remaining {
		peer.handler.OnPeerDown(m.selfID)
	}
	return nil
}
