package turnmanager

import (
	"fmt"
	"sync"
)

// IDMapper rewrites provider-native tool-call ids into a single stable
// namespace so a session can switch providers mid-conversation without
// breaking tool-result linkage: reconstructed conversations address tool
// calls by the normalized id, never the native one.
//
// The mapping is deterministic given the order calls are registered in —
// not derived from the native id's bytes — so replaying the same sequence
// of registrations during reconstruction reproduces the same ids.
type IDMapper struct {
	mu       sync.Mutex
	next     int
	toNative map[string]string // normalized -> native
	toNorm   map[string]string // native -> normalized
	prefix   string
}

// NewIDMapper creates an id mapper. prefix namespaces ids, e.g. "call" for
// "call_1", "call_2", ....
func NewIDMapper(prefix string) *IDMapper {
	if prefix == "" {
		prefix = "call"
	}
	return &IDMapper{
		toNative: make(map[string]string),
		toNorm:   make(map[string]string),
		prefix:   prefix,
	}
}

// Normalize returns the stable id for a native tool-call id, minting one on
// first sight. Calling Normalize twice with the same native id returns the
// same normalized id.
func (m *IDMapper) Normalize(nativeID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if norm, ok := m.toNorm[nativeID]; ok {
		return norm
	}
	m.next++
	norm := fmt.Sprintf("%s_%d", m.prefix, m.next)
	m.toNorm[nativeID] = norm
	m.toNative[norm] = nativeID
	return norm
}

// Native returns the provider-native id a normalized id was minted from, if
// known.
func (m *IDMapper) Native(normalizedID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	native, ok := m.toNative[normalizedID]
	return native, ok
}
