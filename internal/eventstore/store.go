package eventstore

import (
	"context"
	"encoding/json"
)

// EventStore is the append-only, parent-linked event log. Implementations
// exclusively own their underlying storage and blob store.
//
// append is atomic: either the event is visible to all readers after
// return, or the call fails and nothing is persisted.
type EventStore interface {
	// Append creates a new event. Returns ErrParentNotFound if parentID is
	// non-empty and unknown, ErrParentMismatch if parentID belongs to a
	// different session.
	Append(ctx context.Context, sessionID, parentID string, typ Type, payload any) (*Event, error)

	GetEvent(ctx context.Context, id string) (*Event, error)

	// GetEventsBySession returns all events for a session ordered by sequence.
	GetEventsBySession(ctx context.Context, sessionID string) ([]*Event, error)

	// GetAncestors walks the parentId chain from root to eventID inclusive.
	// This is the authoritative projection of session state; callers MUST
	// use it instead of full scans because forks and out-of-branch events
	// may exist.
	GetAncestors(ctx context.Context, eventID string) ([]*Event, error)

	GetChildren(ctx context.Context, eventID string) ([]*Event, error)

	// Blobs exposes the content-addressed blob store backing oversized
	// payload fields.
	Blobs() BlobStore

	// Vectors exposes the optional embedding index. Implementations that
	// don't support embeddings return a VectorIndex whose methods are
	// no-ops — missing embeddings must never affect history correctness.
	Vectors() VectorIndex

	Close() error
}

// DecodePayload unmarshals an event's payload into dst.
func DecodePayload(e *Event, dst any) error {
	if e == nil || len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}
