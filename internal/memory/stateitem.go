package memory

import (
	"context"
	"fmt"
	"math"

	"github.com/basket/substrate/internal/persistence"
)

// highSimilarityThreshold mirrors the value internal/persistence locks in
// for its own uid-collision merge path (see DESIGN.md's Open Question
// decisions): two active items of the same type whose embeddings cosine at
// or above this are treated as the same underlying fact even when their
// text hashes differ, and the newer one supersedes the older.
const highSimilarityThreshold = 0.86

func cosine(a, b []float32) float64 {
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

// ExtractedState is one fact the orchestrator's pre-call state extraction
// step wants written to a thread's memory.
type ExtractedState struct {
	TypeTag         string
	Text            string
	Confidence      float64
	Refs            []string
	TopicTags       []string
	Tier            string
	ImportanceScore float64
}

// MergeState upserts an extracted fact into a thread's state items. An
// exact text match (same uid) refreshes the existing row in place. A
// near-duplicate of a different active item of the same type (cosine
// similarity at or above highSimilarityThreshold) supersedes that item
// instead of sitting beside it as a second, conflicting claim. Anything
// else is inserted as a brand-new item.
func MergeState(ctx context.Context, store *persistence.Store, threadID string, ex ExtractedState) (persistence.StateItem, error) {
	if ex.Tier == "" {
		ex.Tier = "working"
	}
	embedding := Embed(ex.Text)
	uid := persistence.StateItemUID(ex.TypeTag, ex.Text)

	active, err := store.ListActiveStateItems(ctx, threadID)
	if err != nil {
		return persistence.StateItem{}, fmt.Errorf("merge state: list active: %w", err)
	}

	var nearDuplicate *persistence.StateItem
	for i := range active {
		it := active[i]
		if it.UID == uid || it.TypeTag != ex.TypeTag {
			continue
		}
		if cosine(embedding, it.Embedding) >= highSimilarityThreshold {
			nearDuplicate = &active[i]
			break
		}
	}

	item, err := store.UpsertStateItem(ctx, persistence.StateItem{
		ThreadID:        threadID,
		UID:             uid,
		TypeTag:         ex.TypeTag,
		Text:            ex.Text,
		Confidence:      ex.Confidence,
		Refs:            ex.Refs,
		TopicTags:       ex.TopicTags,
		Tier:            ex.Tier,
		ImportanceScore: ex.ImportanceScore,
		Embedding:       embedding,
	})
	if err != nil {
		return persistence.StateItem{}, fmt.Errorf("merge state: upsert: %w", err)
	}

	if nearDuplicate != nil && nearDuplicate.ID != item.ID {
		evidence := fmt.Sprintf("near_duplicate cosine_similarity>=%.2f", highSimilarityThreshold)
		if err := store.SupersedeStateItem(ctx, nearDuplicate.ID, item.ID, evidence); err != nil {
			return persistence.StateItem{}, fmt.Errorf("merge state: supersede: %w", err)
		}
	}
	return item, nil
}
