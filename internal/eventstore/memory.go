package eventstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory EventStore. It is useful for tests and for
// embedding the engine in short-lived processes; production deployments
// should use the SQLite-backed Store instead.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string]*Event
	children map[string][]string // parentID -> child ids, insertion order
	bySeq    map[string][]string // sessionID -> event ids ordered by sequence
	sequence map[string]int64    // sessionID -> last assigned sequence
	roots    map[string]string   // sessionID -> root event id

	blobs   BlobStore
	vectors VectorIndex
}

// NewMemoryStore creates an in-memory EventStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string]*Event),
		children: make(map[string][]string),
		bySeq:    make(map[string][]string),
		sequence: make(map[string]int64),
		roots:    make(map[string]string),
		blobs:    NewMemoryBlobStore(),
		vectors:  NewMemoryVectorIndex(),
	}
}

func (s *MemoryStore) Append(_ context.Context, sessionID, parentID string, typ Type, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if parentID != "" {
		parent, ok := s.events[parentID]
		if !ok {
			return nil, ErrParentNotFound
		}
		if parent.SessionID != sessionID {
			return nil, ErrParentMismatch
		}
	} else if _, exists := s.roots[sessionID]; exists {
		return nil, ErrRootExists
	}

	s.sequence[sessionID]++
	evt := &Event{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now(),
		Sequence:  s.sequence[sessionID],
		Payload:   raw,
	}
	// workspaceID is carried via payload-less events created through
	// AppendWithWorkspace; default events leave it empty.
	s.events[evt.ID] = evt
	if parentID != "" {
		s.children[parentID] = append(s.children[parentID], evt.ID)
	} else {
		s.roots[sessionID] = evt.ID
	}
	s.bySeq[sessionID] = append(s.bySeq[sessionID], evt.ID)
	return evt, nil
}

// AppendWithWorkspace is like Append but stamps workspaceID on the event.
func (s *MemoryStore) AppendWithWorkspace(ctx context.Context, sessionID, workspaceID, parentID string, typ Type, payload any) (*Event, error) {
	evt, err := s.Append(ctx, sessionID, parentID, typ, payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	evt.WorkspaceID = workspaceID
	s.mu.Unlock()
	return evt, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return evt, nil
}

func (s *MemoryStore) GetEventsBySession(_ context.Context, sessionID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySeq[sessionID]
	out := make([]*Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.events[id])
	}
	return out, nil
}

// GetAncestors walks parentId from eventID back to the session root and
// returns them root-first. It is the authoritative projection of session
// state because forked or out-of-branch events never appear here.
func (s *MemoryStore) GetAncestors(_ context.Context, eventID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []*Event
	cur := eventID
	seen := make(map[string]bool)
	for cur != "" {
		if seen[cur] {
			break // defensive: a well-formed store never cycles
		}
		seen[cur] = true
		evt, ok := s.events[cur]
		if !ok {
			return nil, ErrNotFound
		}
		chain = append(chain, evt)
		cur = evt.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *MemoryStore) GetChildren(_ context.Context, eventID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.children[eventID]
	out := make([]*Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.events[id])
	}
	return out, nil
}

func (s *MemoryStore) Blobs() BlobStore     { return s.blobs }
func (s *MemoryStore) Vectors() VectorIndex { return s.vectors }
func (s *MemoryStore) Close() error         { return nil }
