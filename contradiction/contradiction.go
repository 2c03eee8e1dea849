// Package contradiction finds existing memories that may conflict with a
// new memory being stored, using embedding similarity when available and
// keyword overlap otherwise.
package contradiction

import (
	"sort"
	"strings"

	"github.com/sparkvibe/memorymesh/memory"
	"github.com/sparkvibe/memorymesh/store"
)

// Mode is the conflict-resolution policy chosen at write time.
type Mode string

const (
	// KeepBoth stores the new memory alongside existing ones and flags the
	// contradiction in metadata. This is the default.
	KeepBoth Mode = "keep_both"
	// Update replaces the most similar existing memory with the new text.
	Update Mode = "update"
	// Skip does not store the new memory if a contradiction is found.
	Skip Mode = "skip"
)

// ParseMode maps a mode string to a Mode; anything unknown falls back to
// KeepBoth (silently, per the error-handling contract).
func ParseMode(s string) Mode {
	switch Mode(s) {
	case KeepBoth, Update, Skip:
		return Mode(s)
	}
	return KeepBoth
}

// Candidate pairs an existing memory with its similarity to the new text.
type Candidate struct {
	Memory     *memory.Memory
	Similarity float64
}

// DefaultThreshold is the minimum similarity to treat an existing memory
// as a potential contradiction.
const DefaultThreshold = 0.75

// DefaultMaxCandidates bounds how many contradictions are returned.
const DefaultMaxCandidates = 5

// Find looks for existing memories in the store that may contradict text.
//
// Strategy: with an embedding, stream all embedded memories and keep
// those whose cosine similarity meets the threshold. Without one, run a
// keyword LIKE search on the first significant words and score candidates
// with word-level Jaccard overlap. Results are sorted by descending
// similarity and truncated to maxCandidates.
func Find(text string, embedding []float32, st store.Backend, threshold float64, maxCandidates int) ([]Candidate, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}

	var candidates []Candidate

	if len(embedding) > 0 {
		all, err := st.CandidatesWithEmbeddings(10000, nil, "")
		if err != nil {
			return nil, err
		}
		for _, m := range all {
			if len(m.Embedding) == 0 {
				continue
			}
			sim, err := store.CosineSimilarity(embedding, m.Embedding)
			if err != nil {
				continue // dimension mismatch, skip
			}
			if sim >= threshold {
				candidates = append(candidates, Candidate{Memory: m, Similarity: sim})
			}
		}
	} else {
		words := strings.Fields(text)
		if len(words) > 0 {
			n := len(words)
			if n > 5 {
				n = 5
			}
			query := strings.Join(words[:n], " ")
			hits, err := st.SearchByText(query, maxCandidates*2)
			if err != nil {
				return nil, err
			}
			for _, m := range hits {
				sim := wordOverlap(text, m.Text)
				if sim >= threshold {
					candidates = append(candidates, Candidate{Memory: m, Similarity: sim})
				}
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates, nil
}

// wordOverlap computes word-level Jaccard similarity between two texts.
func wordOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}
