package provider

import (
	"fmt"
	"sync"
)

// IDMapper rewrites incoming tool-call IDs whose wire format doesn't match
// the native provider into a deterministic normalized form, and back again
// when a normalized ID needs to be translated into a specific provider's
// native shape. Mapping is keyed by registration order, not by hashing the
// native ID's bytes, so a session that switches providers mid-conversation
// still resolves consistently (mirrors turnmanager.IDMapper's contract at
// the wire level instead of the turn level).
type IDMapper struct {
	mu       sync.Mutex
	toNative map[string]string // normalized -> native
	toNorm   map[string]string // native -> normalized
	seq      int
}

// NewIDMapper creates an empty mapper.
func NewIDMapper() *IDMapper {
	return &IDMapper{
		toNative: make(map[string]string),
		toNorm:   make(map[string]string),
	}
}

// Normalize returns the normalized id for a native provider id, assigning a
// new one on first sight.
func (m *IDMapper) Normalize(nativeID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if norm, ok := m.toNorm[nativeID]; ok {
		return norm
	}
	m.seq++
	norm := fmt.Sprintf("tc_%d", m.seq)
	m.toNorm[nativeID] = norm
	m.toNative[norm] = nativeID
	return norm
}

// Native resolves a normalized id back to the native id it was registered
// under. If id was never normalized (e.g. it already looks native), it is
// returned unchanged.
func (m *IDMapper) Native(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if native, ok := m.toNative[id]; ok {
		return native
	}
	return id
}

// NativeForProvider rewrites a normalized id into the wire format a target
// provider expects, registering the rewritten form as that provider's
// native id for this logical tool call so a later Native() lookup on it
// still resolves. providerFormat receives the current native id (which may
// itself be normalized already, if this is the first time the call crosses
// a provider boundary) and returns the rewritten form.
func (m *IDMapper) NativeForProvider(id string, providerFormat func(current string) string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.toNative[id]
	if !ok {
		current = id
	}
	rewritten := providerFormat(current)
	m.toNative[id] = rewritten
	m.toNorm[rewritten] = id
	return rewritten
}
