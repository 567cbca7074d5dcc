package persistence

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// EventRecord is a single append-only event row plus the derived index rows
// internal/eventlog computes before calling InsertEvent. Both payloads are
// stored: the raw JSON stays process-internal, the redacted copy is the one
// anything user- or log-facing may surface.
type EventRecord struct {
	ID                  string
	TraceID             string
	SpanID              string
	ParentSpanID        string
	ThreadID            string
	EventType           string
	Component           string
	ActorType           string
	ActorID             string
	PayloadJSON         string // raw payload, process-internal only
	PayloadRedactedJSON string // sensitive keys masked; safe to surface
	Text                string // non-empty extracted text field, for FTS + vector co-indexing
	Embedding           []float32
	CreatedAt           time.Time
}

// InsertEvent writes the event row and, when Text is non-empty, the
// event_text FTS row and the event_vectors embedding row, all inside one
// transaction: an emit either fully lands or fully rolls back.
func (s *Store) InsertEvent(ctx context.Context, rec EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert event: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if rec.PayloadJSON == "" {
		rec.PayloadJSON = "{}"
	}
	if rec.PayloadRedactedJSON == "" {
		rec.PayloadRedactedJSON = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, trace_id, run_id, task_id, thread_id, agent_id, event_type, payload_json, payload_redacted_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, rec.ID, rec.TraceID, rec.SpanID, rec.ParentSpanID, nullableString(rec.ThreadID), nullableString(rec.ActorID), rec.EventType, rec.PayloadJSON, rec.PayloadRedactedJSON); err != nil {
		return fmt.Errorf("insert event row: %w", err)
	}

	if rec.Text != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_text (event_id, thread_id, text) VALUES (?, ?, ?);
		`, rec.ID, rec.ThreadID, rec.Text); err != nil {
			return fmt.Errorf("insert event_text: %w", err)
		}
		if len(rec.Embedding) > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO event_vectors (event_id, thread_id, embedding) VALUES (?, ?, ?);
			`, rec.ID, rec.ThreadID, encodeEmbedding(rec.Embedding)); err != nil {
				return fmt.Errorf("insert event_vectors: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert event: commit: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// encodeEmbedding packs a []float32 into a little-endian BLOB; decodeEmbedding
// is its inverse. Kept alongside the table that stores the encoding so the
// two never drift.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

// GetEvent loads a single event by id. Used by the round-trip law
// (emit(e); fetch(e.id) == e modulo timestamps).
func (s *Store) GetEvent(ctx context.Context, id string) (EventRecord, error) {
	var rec EventRecord
	var threadID, actorID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, run_id, task_id, thread_id, agent_id, event_type, payload_json, payload_redacted_json, created_at
		FROM events WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.TraceID, &rec.SpanID, &rec.ParentSpanID, &threadID, &actorID, &rec.EventType, &rec.PayloadJSON, &rec.PayloadRedactedJSON, &rec.CreatedAt)
	if err != nil {
		return EventRecord{}, fmt.Errorf("get event: %w", err)
	}
	rec.ThreadID = threadID.String
	rec.ActorID = actorID.String
	return rec, nil
}

// ListEventsByTrace returns every event for a trace in insertion order —
// events within one trace are totally ordered by insertion.
func (s *Store) ListEventsByTrace(ctx context.Context, traceID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, run_id, task_id, thread_id, agent_id, event_type, payload_json, payload_redacted_json, created_at
		FROM events WHERE trace_id = ? ORDER BY created_at ASC, id ASC;
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list events by trace: %w", err)
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var threadID, actorID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.SpanID, &rec.ParentSpanID, &threadID, &actorID, &rec.EventType, &rec.PayloadJSON, &rec.PayloadRedactedJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.ThreadID = threadID.String
		rec.ActorID = actorID.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountToolCallStarts and CountToolCallEnds back the "every start has a
// matching end" invariant tests exercise directly against the store.
func (s *Store) CountEventsByTypeAndTrace(ctx context.Context, traceID, eventType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM events WHERE trace_id = ? AND event_type = ?;
	`, traceID, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// FTSCandidate is one ranked row from a BM25 search, for RRF fusion input.
type FTSCandidate struct {
	EventID string
	Rank    float64 // raw bm25() score, more negative = better match (sqlite convention)
}

// SearchEventTextFTS runs a BM25 full-text query scoped to one thread.
func (s *Store) SearchEventTextFTS(ctx context.Context, threadID, query string, limit int) ([]FTSCandidate, error) {
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, bm25(event_text) AS rank
		FROM event_text
		WHERE event_text MATCH ? AND thread_id = ?
		ORDER BY rank LIMIT ?;
	`, query, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("search event text fts: %w", err)
	}
	defer rows.Close()
	var out []FTSCandidate
	for rows.Next() {
		var c FTSCandidate
		if err := rows.Scan(&c.EventID, &c.Rank); err != nil {
			return nil, fmt.Errorf("scan fts candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// VectorCandidate is one ranked row from the brute-force cosine scan.
type VectorCandidate struct {
	EventID    string
	Similarity float64
}

// SearchEventVectors scans a thread's embeddings and returns the topK most
// cosine-similar to the query embedding. Brute-force: see DESIGN.md for why
// no ANN index is used (no precedent in the retrieval pack).
func (s *Store) SearchEventVectors(ctx context.Context, threadID string, query []float32, topK int) ([]VectorCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, embedding FROM event_vectors WHERE thread_id = ?;
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("scan event vectors: %w", err)
	}
	defer rows.Close()

	var candidates []VectorCandidate
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		candidates = append(candidates, VectorCandidate{EventID: id, Similarity: cosineSimilarity(query, decodeEmbedding(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortVectorCandidatesDesc(candidates)
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortVectorCandidatesDesc(c []VectorCandidate) {
	for i := 1; i < len(c); i++ {
		j := i
		for j > 0 && c[j-1].Similarity < c[j].Similarity {
			c[j-1], c[j] = c[j], c[j-1]
			j--
		}
	}
}

// RecencyCandidate backs the recency-only and recency-weighted RRF lanes.
type RecencyCandidate struct {
	EventID   string
	CreatedAt time.Time
}

// RecentEventsWithText returns events in a thread that carry indexed text,
// most recent first — the "no query given" / recency RRF lane.
func (s *Store) RecentEventsWithText(ctx context.Context, threadID string, limit int) ([]RecencyCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.created_at FROM events e
		JOIN event_text t ON t.event_id = e.id
		WHERE e.thread_id = ?
		ORDER BY e.created_at DESC, e.id DESC LIMIT ?;
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	var out []RecencyCandidate
	for rows.Next() {
		var c RecencyCandidate
		if err := rows.Scan(&c.EventID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recency candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneEventsOlderThan deletes events (and their derived rows) past the
// retention window in one transaction, per the retention invariant.
func (s *Store) PruneEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune events: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM events WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("prune events: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var n int64
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_vectors WHERE event_id = ?;`, id); err != nil {
			return 0, fmt.Errorf("prune events: delete vector: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_text WHERE event_id = ?;`, id); err != nil {
			return 0, fmt.Errorf("prune events: delete fts: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?;`, id)
		if err != nil {
			return 0, fmt.Errorf("prune events: delete event: %w", err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune events: commit: %w", err)
	}
	return n, nil
}

// EventText returns the indexed text for one event, or "" when the event
// carried no co-indexed text.
func (s *Store) EventText(ctx context.Context, eventID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `
		SELECT text FROM event_text WHERE event_id = ? LIMIT 1;
	`, eventID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("event text: %w", err)
	}
	return text, nil
}

var errNotFound = errors.New("not found")
