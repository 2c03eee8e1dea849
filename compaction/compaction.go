// Package compaction detects similar or redundant memories and merges
// them to keep the store lean. Runs on demand and implicitly every N
// writes via the façade's compact-interval counter.
package compaction

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sparkvibe/memorymesh/memory"
	"github.com/sparkvibe/memorymesh/store"
)

// DefaultThreshold is the minimum text similarity for two memories to be
// merged.
const DefaultThreshold = 0.85

// embeddingThreshold is the minimum cosine similarity for the embedding
// pass.
const embeddingThreshold = 0.9

// appendThreshold: below this Jaccard similarity the secondary's text is
// appended to the merged text; at or above it the texts are near-identical
// and only the primary's is kept.
const appendThreshold = 0.95

// Storer is the slice of store behaviour compaction needs to apply a plan.
type Storer interface {
	Save(m *memory.Memory) error
	Delete(id string) (bool, error)
}

// MergeDetail describes one merge operation.
type MergeDetail struct {
	PrimaryID         string  `json:"primary_id"`
	SecondaryID       string  `json:"secondary_id"`
	Similarity        float64 `json:"similarity"`
	MergedTextPreview string  `json:"merged_text_preview"`
}

// Result describes what a compaction pass did (or, in dry-run mode, would
// do).
type Result struct {
	MergedCount int
	DeletedIDs  []string
	KeptIDs     []string
	Details     []MergeDetail
}

// ---------------------------------------------------------------------------
// Text similarity
// ---------------------------------------------------------------------------

func wordSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}

// JaccardSimilarity computes word-set Jaccard similarity between two
// texts. Returns 0 when both are empty.
func JaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// TextSimilarity is Jaccard similarity with a containment check: if one
// stripped-lowercase text contains the other they are effectively
// duplicates and similarity is 1.
func TextSimilarity(a, b string) float64 {
	aLower := strings.TrimSpace(strings.ToLower(a))
	bLower := strings.TrimSpace(strings.ToLower(b))
	if strings.Contains(aLower, bLower) || strings.Contains(bLower, aLower) {
		return 1.0
	}
	return JaccardSimilarity(a, b)
}

// ---------------------------------------------------------------------------
// Duplicate detection
// ---------------------------------------------------------------------------

// Pair is a (primary, secondary) merge candidate: the primary keeps its
// id; the secondary is deleted after the merge.
type Pair struct {
	Primary   *memory.Memory
	Secondary *memory.Memory
}

// pickPrimary prefers the memory with higher importance; ties go to the
// older created_at (keep the original).
func pickPrimary(a, b *memory.Memory) (*memory.Memory, *memory.Memory) {
	if a.Importance > b.Importance {
		return a, b
	}
	if b.Importance > a.Importance {
		return b, a
	}
	if !a.CreatedAt.After(b.CreatedAt) {
		return a, b
	}
	return b, a
}

// FindDuplicates scans pairs in creation order for text similarity at or
// above threshold. A memory already chosen as a secondary cannot be
// paired again.
func FindDuplicates(memories []*memory.Memory, threshold float64) []Pair {
	var pairs []Pair
	seenSecondary := map[string]bool{}

	for i := 0; i < len(memories); i++ {
		if seenSecondary[memories[i].ID] {
			continue
		}
		for j := i + 1; j < len(memories); j++ {
			if seenSecondary[memories[j].ID] {
				continue
			}
			if TextSimilarity(memories[i].Text, memories[j].Text) >= threshold {
				primary, secondary := pickPrimary(memories[i], memories[j])
				pairs = append(pairs, Pair{Primary: primary, Secondary: secondary})
				seenSecondary[secondary.ID] = true
			}
		}
	}
	return pairs
}

// FindNearDuplicates scans memories that carry embeddings for cosine
// similarity at or above threshold, with the same primary-selection rule
// as the text pass.
func FindNearDuplicates(memories []*memory.Memory, threshold float64) []Pair {
	var embedded []*memory.Memory
	for _, m := range memories {
		if len(m.Embedding) > 0 {
			embedded = append(embedded, m)
		}
	}

	var pairs []Pair
	seenSecondary := map[string]bool{}

	for i := 0; i < len(embedded); i++ {
		if seenSecondary[embedded[i].ID] {
			continue
		}
		for j := i + 1; j < len(embedded); j++ {
			if seenSecondary[embedded[j].ID] {
				continue
			}
			sim, err := store.CosineSimilarity(embedded[i].Embedding, embedded[j].Embedding)
			if err != nil {
				continue
			}
			if sim >= threshold {
				primary, secondary := pickPrimary(embedded[i], embedded[j])
				pairs = append(pairs, Pair{Primary: primary, Secondary: secondary})
				seenSecondary[secondary.ID] = true
			}
		}
	}
	return pairs
}

// ---------------------------------------------------------------------------
// Merge policy
// ---------------------------------------------------------------------------

// Merge combines two memories, keeping the best attributes from each:
// the primary's id and embedding; appended text when the two differ
// substantially; metadata from both with the primary winning conflicts;
// summed access counts; max importance; min decay rate; the older
// created_at and newer updated_at.
func Merge(primary, secondary *memory.Memory) *memory.Memory {
	mergedText := primary.Text
	if JaccardSimilarity(primary.Text, secondary.Text) < appendThreshold {
		mergedText = strings.TrimRight(primary.Text, " \t\n") + "\n---\n" + strings.TrimLeft(secondary.Text, " \t\n")
	}

	mergedMeta := map[string]any{}
	for k, v := range secondary.Metadata {
		mergedMeta[k] = v
	}
	for k, v := range primary.Metadata {
		mergedMeta[k] = v
	}

	merged := primary.Clone()
	merged.Text = mergedText
	merged.Metadata = mergedMeta
	merged.AccessCount = primary.AccessCount + secondary.AccessCount
	if secondary.Importance > merged.Importance {
		merged.Importance = secondary.Importance
	}
	if secondary.DecayRate < merged.DecayRate {
		merged.DecayRate = secondary.DecayRate
	}
	if secondary.CreatedAt.Before(merged.CreatedAt) {
		merged.CreatedAt = secondary.CreatedAt
	}
	if secondary.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = secondary.UpdatedAt
	}
	return merged
}

// ---------------------------------------------------------------------------
// Entry point
// ---------------------------------------------------------------------------

// Compact merges duplicates among the given memories (one scope's worth).
//
// Step 1 finds text duplicates at or above threshold. Step 2 runs an
// embedding pass (cosine >= 0.9) over memories not already involved in
// step 1. Each selected pair is merged per the merge policy; the primary
// is saved and the secondary deleted. In dry-run mode the plan is
// computed without writing.
func Compact(st Storer, memories []*memory.Memory, threshold float64, dryRun bool, log *zap.Logger) (*Result, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	result := &Result{}
	if len(memories) < 2 {
		return result, nil
	}

	pairs := FindDuplicates(memories, threshold)

	alreadyPaired := map[string]bool{}
	for _, p := range pairs {
		alreadyPaired[p.Primary.ID] = true
		alreadyPaired[p.Secondary.ID] = true
	}
	var unpaired []*memory.Memory
	for _, m := range memories {
		if !alreadyPaired[m.ID] {
			unpaired = append(unpaired, m)
		}
	}
	if len(unpaired) >= 2 {
		pairs = append(pairs, FindNearDuplicates(unpaired, embeddingThreshold)...)
	}

	if len(pairs) == 0 {
		return result, nil
	}

	for _, p := range pairs {
		merged := Merge(p.Primary, p.Secondary)
		preview := merged.Text
		if len(preview) > 100 {
			preview = preview[:100]
		}
		result.Details = append(result.Details, MergeDetail{
			PrimaryID:         p.Primary.ID,
			SecondaryID:       p.Secondary.ID,
			Similarity:        round3(TextSimilarity(p.Primary.Text, p.Secondary.Text)),
			MergedTextPreview: preview,
		})

		if !dryRun {
			if err := st.Save(merged); err != nil {
				return result, fmt.Errorf("failed to save merged memory %s: %w", merged.ID, err)
			}
			if _, err := st.Delete(p.Secondary.ID); err != nil {
				return result, fmt.Errorf("failed to delete merged-away memory %s: %w", p.Secondary.ID, err)
			}
		}

		result.MergedCount++
		result.DeletedIDs = append(result.DeletedIDs, p.Secondary.ID)
		result.KeptIDs = append(result.KeptIDs, p.Primary.ID)
	}

	action := "complete"
	if dryRun {
		action = "planned (dry run)"
	}
	log.Info("compaction "+action,
		zap.Int("merges", result.MergedCount),
		zap.Int("deleted", len(result.DeletedIDs)),
		zap.Float64("threshold", threshold))

	return result, nil
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
