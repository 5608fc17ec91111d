package eventstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"
)

// sqliteVectorIndex persists embeddings in the vectors table and scores
// them with the same brute-force cosine scan as memoryVectorIndex. Engines
// with large embedding volumes are expected to swap this for a dedicated
// vector database by implementing VectorIndex themselves; nothing in the
// retrieval pack's vector-DB clients targets this engine's storage layer
// directly (see DESIGN.md).
type sqliteVectorIndex struct {
	db *sql.DB
}

// NewSQLiteVectorIndex creates a VectorIndex backed by the vectors table
// that Store.migrate creates.
func NewSQLiteVectorIndex(db *sql.DB) VectorIndex {
	return &sqliteVectorIndex{db: db}
}

func encodeVector(v []float32) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(len(v) * 4)
	for _, f := range v {
		binary.Write(buf, binary.LittleEndian, f)
	}
	return buf.Bytes()
}

func decodeVector(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(b[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func (v *sqliteVectorIndex) StoreEmbedding(ctx context.Context, eventID, workspaceID string, vector []float32) error {
	if eventID == "" || len(vector) == 0 {
		return nil
	}
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO vectors (event_id, workspace_id, vector) VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET workspace_id = excluded.workspace_id, vector = excluded.vector`,
		eventID, workspaceID, encodeVector(vector),
	)
	return err
}

func (v *sqliteVectorIndex) Search(ctx context.Context, workspaceID string, query []float32, k int) ([]SearchResult, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	var (
		rows *sql.Rows
		err  error
	)
	if workspaceID != "" {
		rows, err = v.db.QueryContext(ctx, `SELECT event_id, vector FROM vectors WHERE workspace_id = ?`, workspaceID)
	} else {
		rows, err = v.db.QueryContext(ctx, `SELECT event_id, vector FROM vectors`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var eventID string
		var raw []byte
		if err := rows.Scan(&eventID, &raw); err != nil {
			return nil, err
		}
		score := cosineSimilarity(query, decodeVector(raw))
		results = append(results, SearchResult{EventID: eventID, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
