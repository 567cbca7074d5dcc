package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/basket/substrate/internal/persistence"
)

// rrfK is the fixed Reciprocal Rank Fusion constant shared by every fused
// candidate list: weight / (rrfK + rank).
const rrfK = 60.0

// SearchResult is one fused row returned by Search or SearchState.
type SearchResult struct {
	ID         string
	Score      float64
	LastSeenAt time.Time
	Tier       string // only set by SearchState
}

// rankedList is a candidate list already in best-first order; rank is
// derived from position (1-indexed), never from the caller's raw score, so
// lists with incomparable score scales (bm25 vs cosine vs timestamp) fuse
// correctly.
type rankedList struct {
	ids    []string
	weight float64
}

func fuse(lists []rankedList, lastSeen map[string]time.Time) []SearchResult {
	scores := map[string]float64{}
	for _, list := range lists {
		for i, id := range list.ids {
			rank := float64(i + 1)
			scores[id] += list.weight / (rrfK + rank)
		}
	}
	out := make([]SearchResult, 0, len(scores))
	for id, score := range scores {
		out = append(out, SearchResult{ID: id, Score: score, LastSeenAt: lastSeen[id]})
	}
	sortFused(out, nil)
	return out
}

// tierRank gives SearchState's equal-score tie-break: working items outrank
// episodic, which outrank semantic_longterm.
var tierRank = map[string]int{
	"working":           0,
	"episodic":          1,
	"semantic_longterm": 2,
}

// sortFused orders by fused score descending; ties break by tier prior (if
// tierOf is non-nil), then by more recent LastSeenAt, then by id ascending —
// the same order on every call with the same inputs (stable RRF).
func sortFused(results []SearchResult, tierOf map[string]string) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if tierOf != nil {
			ta, tb := tierRank[tierOf[a.ID]], tierRank[tierOf[b.ID]]
			if ta != tb {
				return ta < tb
			}
		}
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.After(b.LastSeenAt)
		}
		return a.ID < b.ID
	})
}

// Search ranks events in a thread via RRF over cosine-vector, BM25, and
// recency candidate lists. With no query, recency-only is returned.
func Search(ctx context.Context, store *persistence.Store, threadID, query string, limit int, vectorW, bm25W, recencyW float64) ([]SearchResult, error) {
	if query == "" {
		recent, err := store.RecentEventsWithText(ctx, threadID, limit)
		if err != nil {
			return nil, fmt.Errorf("search: recency-only: %w", err)
		}
		out := make([]SearchResult, 0, len(recent))
		for i, r := range recent {
			out = append(out, SearchResult{ID: r.EventID, Score: 1.0 / (rrfK + float64(i+1)), LastSeenAt: r.CreatedAt})
		}
		return out, nil
	}

	ftsRows, err := store.SearchEventTextFTS(ctx, threadID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search: fts: %w", err)
	}
	vecRows, err := store.SearchEventVectors(ctx, threadID, Embed(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search: vector: %w", err)
	}
	recentRows, err := store.RecentEventsWithText(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("search: recency: %w", err)
	}

	lastSeen := map[string]time.Time{}
	var bm25IDs, vecIDs, recIDs []string
	for _, r := range ftsRows {
		bm25IDs = append(bm25IDs, r.EventID)
	}
	for _, r := range vecRows {
		vecIDs = append(vecIDs, r.EventID)
	}
	for _, r := range recentRows {
		recIDs = append(recIDs, r.EventID)
		lastSeen[r.EventID] = r.CreatedAt
	}

	fused := fuse([]rankedList{
		{ids: vecIDs, weight: vectorW},
		{ids: bm25IDs, weight: bm25W},
		{ids: recIDs, weight: recencyW},
	}, lastSeen)
	if limit > 0 && len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// SearchState ranks active StateItems in a thread via RRF, then applies a
// tier prior at equal fused score (working > episodic > semantic_longterm),
// dropping anything below minScore. Must be stable across repeat calls with
// identical inputs. State items are not yet actor-scoped, so actorID is
// currently unused for filtering and reserved for a per-actor visibility
// rule.
func SearchState(ctx context.Context, store *persistence.Store, threadID, query string, k int, minScore float64, actorID string) ([]SearchResult, error) {
	_ = actorID
	items, err := store.ListActiveStateItems(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("search state: list items: %w", err)
	}
	tierOf := make(map[string]string, len(items))
	for _, it := range items {
		tierOf[it.ID] = it.Tier
	}

	lastSeen := map[string]time.Time{}
	var bm25IDs, vecIDs, recIDs []string

	if query != "" {
		ftsRows, err := store.SearchStateItemTextFTS(ctx, threadID, query, k)
		if err != nil {
			return nil, fmt.Errorf("search state: fts: %w", err)
		}
		for _, r := range ftsRows {
			bm25IDs = append(bm25IDs, r.EventID)
		}
		vecRows, err := store.SearchStateItemVectors(ctx, threadID, Embed(query), k)
		if err != nil {
			return nil, fmt.Errorf("search state: vector: %w", err)
		}
		for _, r := range vecRows {
			vecIDs = append(vecIDs, r.EventID)
		}
	}

	recentRows, err := store.RecentActiveStateItems(ctx, threadID, k)
	if err != nil {
		return nil, fmt.Errorf("search state: recency: %w", err)
	}
	for _, r := range recentRows {
		recIDs = append(recIDs, r.EventID)
		lastSeen[r.EventID] = r.CreatedAt
	}

	fused := fuse([]rankedList{
		{ids: vecIDs, weight: 1.0},
		{ids: bm25IDs, weight: 1.0},
		{ids: recIDs, weight: 1.0},
	}, lastSeen)
	for i := range fused {
		fused[i].Tier = tierOf[fused[i].ID]
	}
	sortFused(fused, tierOf)

	var out []SearchResult
	for _, r := range fused {
		if r.Score < minScore {
			continue
		}
		out = append(out, r)
		if k > 0 && len(out) >= k {
			break
		}
	}
	return out, nil
}
