package eventstore

import (
	"context"
	"database/sql"
)

// sqliteBlobStore persists content-addressed blobs in the same database as
// the event log, avoiding a second storage backend for oversized payload
// fields.
type sqliteBlobStore struct {
	db *sql.DB
}

// NewSQLiteBlobStore creates a BlobStore backed by the blobs table that
// Store.migrate creates.
func NewSQLiteBlobStore(db *sql.DB) BlobStore {
	return &sqliteBlobStore{db: db}
}

func (s *sqliteBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := Hash(data)
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO blobs (ref, data) VALUES (?, ?)`, ref, data)
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (s *sqliteBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE ref = ?`, ref).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *sqliteBlobStore) Has(ctx context.Context, ref string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM blobs WHERE ref = ?`, ref).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
