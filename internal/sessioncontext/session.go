// Package sessioncontext defines the Session domain record and the
// in-memory ActiveSession that wraps the durable and ephemeral state one
// running session needs: its EventPersister, TurnManager, and the trackers
// reconstructed from (or built up alongside) its event chain.
package sessioncontext

import "time"

// Session is the durable-state projection: id, linkage into the event
// chain, and bookkeeping fields that change only by appending events.
type Session struct {
	ID               string    `json:"id"`
	WorkspaceID      string    `json:"workspace_id"`
	RootEventID      string    `json:"root_event_id"`
	HeadEventID      string    `json:"head_event_id"` // empty until the first event
	WorkingDirectory string    `json:"working_directory"`
	LatestModel      string    `json:"latest_model"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	EndedAt          time.Time `json:"ended_at,omitempty"`
}

// IsEnded reports whether session.ended has been appended for this session.
func (s *Session) IsEnded() bool {
	return !s.EndedAt.IsZero()
}

// AdvanceHead records that an event has been appended and become the new
// head; the root is recorded the first time this is called.
func (s *Session) AdvanceHead(eventID string, at time.Time) {
	if s.RootEventID == "" {
		s.RootEventID = eventID
	}
	s.HeadEventID = eventID
	s.LastActivityAt = at
}
