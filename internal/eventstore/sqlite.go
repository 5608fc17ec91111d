package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

// Store is a SQLite-backed EventStore. One process owns the underlying
// *sql.DB; per-session serialization is layered on top by the
// eventpersister package, not by this store.
type Store struct {
	db      *sql.DB
	blobs   BlobStore
	vectors VectorIndex
	log     *slog.Logger
}

// Config configures a SQLite-backed Store.
type Config struct {
	// Path to the SQLite database file. ":memory:" is valid for tests.
	Path string
	// EmbeddingsEnabled wires a real VectorIndex; otherwise Vectors()
	// returns a no-op index per spec ("missing embeddings MUST NOT affect
	// correctness of history").
	EmbeddingsEnabled bool
	Logger            *slog.Logger
}

// Open creates (or reopens) a SQLite-backed EventStore at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "eventstore")

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; serialization happens above us

	s := &Store{db: db, log: logger}
	if cfg.EmbeddingsEnabled {
		s.vectors = NewSQLiteVectorIndex(db)
	} else {
		s.vectors = NewNoopVectorIndex()
	}
	s.blobs = NewSQLiteBlobStore(db)

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			session_id TEXT NOT NULL,
			workspace_id TEXT,
			type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			payload BLOB,
			blob_ref TEXT,
			blob_field TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workspace_type ON events(workspace_id, type)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			ref TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vectors (
			event_id TEXT PRIMARY KEY,
			workspace_id TEXT,
			vector BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_workspace ON vectors(workspace_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("eventstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, sessionID, parentID string, typ Type, payload any) (*Event, error) {
	return s.appendWorkspace(ctx, sessionID, "", parentID, typ, payload)
}

// AppendWithWorkspace is like Append but stamps workspaceID on the event.
func (s *Store) AppendWithWorkspace(ctx context.Context, sessionID, workspaceID, parentID string, typ Type, payload any) (*Event, error) {
	return s.appendWorkspace(ctx, sessionID, workspaceID, parentID, typ, payload)
}

func (s *Store) appendWorkspace(ctx context.Context, sessionID, workspaceID, parentID string, typ Type, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if parentID != "" {
		var parentSession string
		err := tx.QueryRowContext(ctx, `SELECT session_id FROM events WHERE id = ?`, parentID).Scan(&parentSession)
		if err == sql.ErrNoRows {
			return nil, ErrParentNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("eventstore: lookup parent: %w", err)
		}
		if parentSession != sessionID {
			return nil, ErrParentMismatch
		}
	} else {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE session_id = ? AND parent_id IS NULL`, sessionID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("eventstore: check root: %w", err)
		}
		if exists > 0 {
			return nil, ErrRootExists
		}
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("eventstore: max sequence: %w", err)
	}

	evt := &Event{
		ID:          uuid.NewString(),
		ParentID:    parentID,
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Type:        typ,
		Timestamp:   time.Now().UTC(),
		Sequence:    maxSeq.Int64 + 1,
		Payload:     raw,
	}

	var parentCol any
	if parentID != "" {
		parentCol = parentID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, parent_id, session_id, workspace_id, type, timestamp, sequence, payload, blob_ref, blob_field)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, parentCol, evt.SessionID, evt.WorkspaceID, string(evt.Type), evt.Timestamp.Format(time.RFC3339Nano), evt.Sequence, []byte(evt.Payload), evt.BlobRef, evt.BlobField,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventstore: commit: %w", err)
	}
	return evt, nil
}

func scanEvent(row interface {
	Scan(dest ...any) error
}) (*Event, error) {
	var (
		e          Event
		parentID   sql.NullString
		workspace  sql.NullString
		blobRef    sql.NullString
		blobField  sql.NullString
		ts         string
		payload    []byte
	)
	if err := row.Scan(&e.ID, &parentID, &e.SessionID, &workspace, &e.Type, &ts, &e.Sequence, &payload, &blobRef, &blobField); err != nil {
		return nil, err
	}
	e.ParentID = parentID.String
	e.WorkspaceID = workspace.String
	e.BlobRef = blobRef.String
	e.BlobField = blobField.String
	e.Payload = payload
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err == nil {
		e.Timestamp = parsed
	}
	return &e, nil
}

const eventColumns = `id, parent_id, session_id, workspace_id, type, timestamp, sequence, payload, blob_ref, blob_field`

func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	evt, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return evt, nil
}

func (s *Store) GetEventsBySession(ctx context.Context, sessionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// GetAncestors is the authoritative projection of session state: it walks
// parentId from eventID to the root, not a sequence scan, so forked or
// out-of-branch events are never included.
func (s *Store) GetAncestors(ctx context.Context, eventID string) ([]*Event, error) {
	var chain []*Event
	cur := eventID
	seen := make(map[string]bool)
	for cur != "" {
		if seen[cur] {
			break
		}
		seen[cur] = true
		evt, err := s.GetEvent(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, evt)
		cur = evt.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *Store) GetChildren(ctx context.Context, eventID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE parent_id = ? ORDER BY sequence ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *Store) Blobs() BlobStore     { return s.blobs }
func (s *Store) Vectors() VectorIndex { return s.vectors }
func (s *Store) Close() error         { return s.db.Close() }
