package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Capability backend guarded by a single mutex.
// Grounded on the teacher's map-based registries (pkg/node/peer.go's
// PeerRegistry, pkg/mining/manager.go's in-memory miner table): a plain
// map protected by sync.RWMutex, no external dependency, used directly
// in tests and for standalone/dev runs of the server.
type Memory struct {
	mu      sync.RWMutex
	sets    map[string]map[string]struct{}
	hashes  map[string]map[string]string
	streams map[string][]map[string]string
	counts  map[string]map[string]int64
	lists   map[string][]string
	scalars map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string]string),
		streams: make(map[string][]map[string]string),
		counts:  make(map[string]map[string]int64),
		lists:   make(map[string][]string),
		scalars: make(map[string]string),
	}
}

func (m *Memory) Add(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *Memory) Remove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[key]; ok {
		delete(set, member)
	}
	return nil
}

func (m *Memory) IsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[key]
	if !ok {
		return false, nil
	}
	_, present := set[member]
	return present, nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *Memory) HDel(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[key]; ok {
		delete(h, field)
	}
	return nil
}

func (m *Memory) HExists(_ context.Context, key, field string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok {
		return false, nil
	}
	_, present := h[field]
	return present, nil
}

func (m *Memory) XAdd(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := make(map[string]string, len(fields))
	for k, v := range fields {
		entry[k] = v
	}
	m.streams[key] = append(m.streams[key], entry)
	return nil
}

func (m *Memory) XLen(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.streams[key])), nil
}

func (m *Memory) ZIncrBy(_ context.Context, key, member string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.counts[key]
	if !ok {
		z = make(map[string]int64)
		m.counts[key] = z
	}
	z[member] += delta
	return nil
}

// ZScore returns the current score for member in a sorted-counter key.
// Exposed for tests; not part of Capability since
// the core never needs to read counters back.
func (m *Memory) ZScore(key, member string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[key][member]
}

func (m *Memory) LPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *Memory) LTrim(_ context.Context, key string, maxLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) > maxLen {
		m.lists[key] = l[:maxLen]
	}
	return nil
}

func (m *Memory) LRange(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.lists[key]))
	copy(out, m.lists[key])
	return out, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars[key] = value
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.scalars[key]
	return v, ok, nil
}

func (m *Memory) SetNX(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scalars[key]; ok {
		return false, nil
	}
	m.scalars[key] = value
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, key)
	delete(m.hashes, key)
	delete(m.streams, key)
	delete(m.counts, key)
	delete(m.lists, key)
	delete(m.scalars, key)
	return nil
}

func (m *Memory) Close() error { return nil }

// Members returns a sorted snapshot of a set's members, for tests.
func (m *Memory) Members(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}
