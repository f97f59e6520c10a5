package cache

import (
	"sync"
	"time"
)

// Snapshot is one fully built generation of the cache. Its fields never
// change after publication.
type Snapshot struct {
	Generation uint64
	Schema     *Schema
	Plan       *Plan
	Timestamp  time.Time
	RowCounts  map[string]int
	Skipped    map[string]int

	tables  map[string]string
	mu      sync.Mutex
	refs    int
	retired bool
	onDrop  func()
}

// Fresh reports whether the snapshot holds ingested data rather than a
// structure-only placeholder.
func (s *Snapshot) Fresh() bool {
	return !s.Timestamp.IsZero()
}

func (s *Snapshot) acquire() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

func (s *Snapshot) release() {
	s.mu.Lock()
	s.refs--
	drop := s.retired && s.refs == 0
	s.mu.Unlock()
	if drop {
		s.drop()
	}
}

func (s *Snapshot) retire() {
	s.mu.Lock()
	s.retired = true
	drop := s.refs == 0
	s.mu.Unlock()
	if drop {
		s.drop()
	}
}

func (s *Snapshot) drop() {
	if s.onDrop != nil {
		s.onDrop()
	}
}

// snapshots publishes the current Snapshot. The lock only guards the
// pointer, so readers never wait for a build.
type snapshots struct {
	mu      sync.RWMutex
	current *Snapshot
}

// acquire pins the current snapshot; the returned func unpins it.
func (h *snapshots) acquire() (*Snapshot, func()) {
	h.mu.RLock()
	snap := h.current
	if snap != nil {
		snap.acquire()
	}
	h.mu.RUnlock()
	if snap == nil {
		return nil, func() {}
	}
	return snap, snap.release
}

// peek returns the current snapshot without pinning it. Only metadata may be
// read from the result.
func (h *snapshots) peek() *Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *snapshots) swap(next *Snapshot) {
	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()
	if prev != nil {
		prev.retire()
	}
}
