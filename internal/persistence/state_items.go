package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/basket/substrate/internal/ids"
)

// StateItem is one piece of extracted durable conversation state (a fact,
// preference, or decision distilled out of a thread), tiered so hybrid
// retrieval can weight recency against durability.
type StateItem struct {
	ID                   string
	UID                  string
	ThreadID             string
	Text                 string
	TypeTag              string // "fact", "preference", "decision", ...
	Status               string // "active" or "superseded"
	Confidence           float64
	Refs                 []string
	TopicTags            []string
	ReplacedBy           string
	SupersessionEvidence string
	Conflict             bool
	Tier                 string // "working", "episodic", "semantic_longterm"
	ImportanceScore      float64
	Embedding            []float32
	LastSeenAt           time.Time
	CreatedAt            time.Time
}

var typeUIDPrefix = map[string]string{
	"fact":       "fct",
	"preference": "prf",
	"decision":   "dec",
	"constraint": "cst",
	"action":     "act",
	"question":   "qst",
	"risk":       "rsk",
	"failure":    "flr",
}

// StateItemUID computes the content-addressed identity of a state item: a
// short type prefix plus the first 12 hex characters of
// sha256(typeTag || normalize(text)). Two extractions of the same fact in
// the same thread collapse onto the same uid, which is what makes
// re-extraction idempotent instead of accumulating duplicates.
func StateItemUID(typeTag, text string) string {
	prefix, ok := typeUIDPrefix[typeTag]
	if !ok {
		prefix = "itm"
	}
	sum := sha256.Sum256([]byte(typeTag + "|" + normalizeStateText(text)))
	return prefix + "_" + hex.EncodeToString(sum[:])[:12]
}

// normalizeStateText collapses superficial differences (Unicode composition
// form, case, surrounding whitespace, leading list bullets, repeated
// internal spaces) so that "User likes tea." and "- user likes tea" hash
// identically. NFC runs first: a decomposed "é" and its composed form are
// the same fact, and must produce the same uid.
func normalizeStateText(text string) string {
	t := norm.NFC.String(text)
	t = strings.TrimSpace(t)
	t = strings.TrimLeft(t, "-*•• \t")
	t = strings.ToLower(t)
	var b strings.Builder
	prevSpace := false
	for _, r := range t {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteRune(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// stateItemHighSimilarity is the cosine-similarity threshold above which a
// newly extracted item is treated as a near-duplicate of an existing one
// rather than a genuinely new fact, triggering a merge instead of an insert.
const stateItemHighSimilarity = 0.86

// UpsertStateItem inserts a new state item, or — if a row with the same
// (thread_id, uid) already exists — refreshes its last_seen_at and
// confidence in place. At most one live row per (thread, uid) ever exists;
// the unique index enforces it at the storage layer.
func (s *Store) UpsertStateItem(ctx context.Context, item StateItem) (StateItem, error) {
	if item.UID == "" {
		item.UID = StateItemUID(item.TypeTag, item.Text)
	}
	if item.ID == "" {
		item.ID = ids.NewStateItem()
	}
	if item.Tier == "" {
		item.Tier = "working"
	}
	if item.Status == "" {
		item.Status = "active"
	}

	refsJSON, err := json.Marshal(item.Refs)
	if err != nil {
		return StateItem{}, fmt.Errorf("upsert state item: encode refs: %w", err)
	}
	tagsJSON, err := json.Marshal(item.TopicTags)
	if err != nil {
		return StateItem{}, fmt.Errorf("upsert state item: encode topic tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StateItem{}, fmt.Errorf("upsert state item: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM state_items WHERE thread_id = ? AND uid = ? AND status = 'active';
	`, item.ThreadID, item.UID).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `
			UPDATE state_items SET text = ?, confidence = ?, refs = ?, topic_tags = ?,
				tier = ?, importance_score = ?, last_seen_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, item.Text, item.Confidence, string(refsJSON), string(tagsJSON), item.Tier, item.ImportanceScore, existingID); err != nil {
			return StateItem{}, fmt.Errorf("upsert state item: update: %w", err)
		}
		item.ID = existingID
		if _, err := tx.ExecContext(ctx, `DELETE FROM state_item_text WHERE item_id = ?;`, item.ID); err != nil {
			return StateItem{}, fmt.Errorf("upsert state item: clear fts: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		var embeddingBlob any
		if len(item.Embedding) > 0 {
			embeddingBlob = encodeEmbedding(item.Embedding)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_items (id, thread_id, tier, text, embedding, uid, type_tag, status,
				confidence, refs, topic_tags, importance_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?, ?, ?, ?);
		`, item.ID, item.ThreadID, item.Tier, item.Text, embeddingBlob, item.UID, item.TypeTag,
			item.Confidence, string(refsJSON), string(tagsJSON), item.ImportanceScore); err != nil {
			return StateItem{}, fmt.Errorf("upsert state item: insert: %w", err)
		}
	default:
		return StateItem{}, fmt.Errorf("upsert state item: lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_item_text (item_id, thread_id, text) VALUES (?, ?, ?);
	`, item.ID, item.ThreadID, item.Text); err != nil {
		return StateItem{}, fmt.Errorf("upsert state item: index fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return StateItem{}, fmt.Errorf("upsert state item: commit: %w", err)
	}
	return item, nil
}

// SupersedeStateItem flips an old item to status='superseded' and points it
// at its replacement, atomically, so a reader never observes both the old
// and new fact as simultaneously active.
func (s *Store) SupersedeStateItem(ctx context.Context, oldID, newID, evidence string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE state_items SET status = 'superseded', replaced_by = ?, supersession_evidence = ?
		WHERE id = ? AND status = 'active';
	`, newID, evidence, oldID)
	if err != nil {
		return fmt.Errorf("supersede state item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("supersede state item: %s is not an active item", oldID)
	}
	return nil
}

// FlagConflict marks a state item as conflicting with another active claim,
// without superseding either — used when confidence is too low to pick a
// winner automatically.
func (s *Store) FlagConflict(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE state_items SET conflict = 1 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("flag conflict: %w", err)
	}
	return nil
}

func scanStateItem(row interface {
	Scan(dest ...any) error
}) (StateItem, error) {
	var it StateItem
	var refsJSON, tagsJSON string
	var replacedBy, supersessionEvidence sql.NullString
	var embeddingBlob []byte
	var conflict int
	if err := row.Scan(&it.ID, &it.ThreadID, &it.Tier, &it.Text, &embeddingBlob, &it.LastSeenAt, &it.CreatedAt,
		&it.UID, &it.TypeTag, &it.Status, &it.Confidence, &refsJSON, &tagsJSON, &replacedBy,
		&supersessionEvidence, &conflict, &it.ImportanceScore); err != nil {
		return StateItem{}, err
	}
	_ = json.Unmarshal([]byte(refsJSON), &it.Refs)
	_ = json.Unmarshal([]byte(tagsJSON), &it.TopicTags)
	it.ReplacedBy = replacedBy.String
	it.SupersessionEvidence = supersessionEvidence.String
	it.Conflict = conflict != 0
	if len(embeddingBlob) > 0 {
		it.Embedding = decodeEmbedding(embeddingBlob)
	}
	return it, nil
}

// GetStateItem loads a single state item by id.
func (s *Store) GetStateItem(ctx context.Context, id string) (StateItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, tier, text, embedding, last_seen_at, created_at,
			uid, type_tag, status, confidence, refs, topic_tags, replaced_by,
			supersession_evidence, conflict, importance_score
		FROM state_items WHERE id = ?;
	`, id)
	it, err := scanStateItem(row)
	if err != nil {
		return StateItem{}, fmt.Errorf("get state item: %w", err)
	}
	return it, nil
}

// ListActiveStateItems returns every active (non-superseded) item in a
// thread, most recently seen first — the base candidate set hybrid search
// fuses BM25/vector/recency rankings over.
func (s *Store) ListActiveStateItems(ctx context.Context, threadID string) ([]StateItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, tier, text, embedding, last_seen_at, created_at,
			uid, type_tag, status, confidence, refs, topic_tags, replaced_by,
			supersession_evidence, conflict, importance_score
		FROM state_items WHERE thread_id = ? AND status = 'active'
		ORDER BY last_seen_at DESC;
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list active state items: %w", err)
	}
	defer rows.Close()
	var out []StateItem
	for rows.Next() {
		it, err := scanStateItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SearchStateItemTextFTS runs a BM25 query over active state items in a
// thread, best match first.
func (s *Store) SearchStateItemTextFTS(ctx context.Context, threadID, query string, limit int) ([]FTSCandidate, error) {
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.item_id, bm25(state_item_text) AS rank
		FROM state_item_text t
		JOIN state_items si ON si.id = t.item_id
		WHERE state_item_text MATCH ? AND t.thread_id = ? AND si.status = 'active'
		ORDER BY rank LIMIT ?;
	`, query, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("search state item text fts: %w", err)
	}
	defer rows.Close()
	var out []FTSCandidate
	for rows.Next() {
		var c FTSCandidate
		if err := rows.Scan(&c.EventID, &c.Rank); err != nil {
			return nil, fmt.Errorf("scan state item fts candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchStateItemVectors scans active state items' embeddings for the topK
// most cosine-similar to query. Reuses the same brute-force scan shape as
// SearchEventVectors — see DESIGN.md for why no ANN index is used.
func (s *Store) SearchStateItemVectors(ctx context.Context, threadID string, query []float32, topK int) ([]VectorCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding FROM state_items
		WHERE thread_id = ? AND status = 'active' AND embedding IS NOT NULL;
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("scan state item vectors: %w", err)
	}
	defer rows.Close()

	var candidates []VectorCandidate
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan state item vector row: %w", err)
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

// RecentActiveStateItems returns active state items in a thread ordered by
// last_seen_at descending — the recency RRF lane for search_state.
func (s *Store) RecentActiveStateItems(ctx context.Context, threadID string, limit int) ([]RecencyCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, last_seen_at FROM state_items
		WHERE thread_id = ? AND status = 'active'
		ORDER BY last_seen_at DESC, id DESC LIMIT ?;
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent active state items: %w", err)
	}
	defer rows.Close()
	var out []RecencyCandidate
	for rows.Next() {
		var c RecencyCandidate
		if err := rows.Scan(&c.EventID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent state item: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
