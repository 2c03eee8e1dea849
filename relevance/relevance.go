// Package relevance scores, ranks, and decays memories. It combines
// semantic similarity, recency, importance, and access frequency into a
// single relevance score that determines which memories surface during
// recall.
package relevance

import (
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/sparkvibe/memorymesh/memory"
	"github.com/sparkvibe/memorymesh/store"
)

// Weights control how each signal contributes to the final score. All
// weights should be non-negative; they need not sum to 1 — the engine
// normalises by the total.
type Weights struct {
	Semantic   float64 `yaml:"semantic" json:"semantic"`
	Recency    float64 `yaml:"recency" json:"recency"`
	Importance float64 `yaml:"importance" json:"importance"`
	Frequency  float64 `yaml:"frequency" json:"frequency"`
}

// Total returns the sum of all weights.
func (w Weights) Total() float64 {
	return w.Semantic + w.Recency + w.Importance + w.Frequency
}

// DefaultWeights returns the standard recall weighting.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.5, Recency: 0.2, Importance: 0.2, Frequency: 0.1}
}

// SyncWeights returns recency-emphasised weights used when picking
// representative memories for export.
func SyncWeights() Weights {
	return Weights{Semantic: 0, Recency: 0.6, Importance: 0.3, Frequency: 0.1}
}

// WeightsFromEnv builds weights from MEMORYMESH_WEIGHT_* environment
// variables, falling back to the defaults for any that are unset or
// unparseable.
func WeightsFromEnv() Weights {
	w := DefaultWeights()
	w.Semantic = envWeight("MEMORYMESH_WEIGHT_SEMANTIC", w.Semantic)
	w.Recency = envWeight("MEMORYMESH_WEIGHT_RECENCY", w.Recency)
	w.Importance = envWeight("MEMORYMESH_WEIGHT_IMPORTANCE", w.Importance)
	w.Frequency = envWeight("MEMORYMESH_WEIGHT_FREQUENCY", w.Frequency)
	return w
}

func envWeight(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// Engine scores, ranks, and decays memories.
type Engine struct {
	Weights        Weights
	MaxRecencyDays float64 // days after which the recency signal bottoms out
	MaxAccessCount int     // access count at which the frequency signal saturates
}

// NewEngine creates an engine with the given weights (nil for defaults)
// and the standard scaling constants (30 days, 100 accesses).
func NewEngine(w *Weights) *Engine {
	weights := DefaultWeights()
	if w != nil {
		weights = *w
	}
	return &Engine{
		Weights:        weights,
		MaxRecencyDays: 30,
		MaxAccessCount: 100,
	}
}

// Score computes the composite relevance score for a single memory:
//
//	sem  = (cosine(Q, embedding) + 1) / 2   when both vectors exist, else 0
//	rec  = exp(-days_since_update / max_recency_days)
//	imp  = importance
//	freq = min(access_count / max_access_count, 1)
//
// combined as a weighted sum normalised by the total weight (0 when the
// total weight is 0).
func (e *Engine) Score(m *memory.Memory, queryEmbedding []float32, now time.Time) float64 {
	total := e.Weights.Total()
	if total == 0 {
		return 0
	}

	var sem float64
	if len(queryEmbedding) > 0 && len(m.Embedding) > 0 && len(queryEmbedding) == len(m.Embedding) {
		if raw, err := store.CosineSimilarity(queryEmbedding, m.Embedding); err == nil {
			sem = (raw + 1.0) / 2.0 // shift from [-1, 1] to [0, 1]
		}
	}

	days := daysSince(m.UpdatedAt, now)
	maxRecency := e.MaxRecencyDays
	if maxRecency < 1 {
		maxRecency = 1
	}
	rec := math.Exp(-days / maxRecency)

	imp := m.Importance

	maxAccess := e.MaxAccessCount
	if maxAccess < 1 {
		maxAccess = 1
	}
	freq := math.Min(float64(m.AccessCount)/float64(maxAccess), 1.0)

	return (e.Weights.Semantic*sem +
		e.Weights.Recency*rec +
		e.Weights.Importance*imp +
		e.Weights.Frequency*freq) / total
}

// ApplyDecay applies time-based importance decay in place:
//
//	importance <- clamp(importance * exp(-decay_rate * days), 0, 1)
//
// Memories with a zero decay rate are unaffected.
func (e *Engine) ApplyDecay(memories []*memory.Memory, now time.Time) {
	for _, m := range memories {
		days := daysSince(m.UpdatedAt, now)
		if m.DecayRate > 0 && days > 0 {
			m.Importance = memory.ClampImportance(m.Importance * math.Exp(-m.DecayRate*days))
		}
	}
}

// Scored pairs a memory with its computed relevance score.
type Scored struct {
	Memory *memory.Memory
	Score  float64
}

// RankScored scores every candidate, discards those below minRelevance,
// and returns the survivors sorted by descending score with updated_at as
// the tie-breaker. The ordering is deterministic for identical inputs and
// the same now.
func (e *Engine) RankScored(candidates []*memory.Memory, queryEmbedding []float32, minRelevance float64, now time.Time) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for _, m := range candidates {
		s := e.Score(m, queryEmbedding, now)
		if s >= minRelevance {
			scored = append(scored, Scored{Memory: m, Score: s})
		}
	}
	SortScored(scored)
	return scored
}

// SortScored orders by descending (score, updated_at).
func SortScored(scored []Scored) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Memory.UpdatedAt.After(scored[j].Memory.UpdatedAt)
	})
}

// Rank returns the top-k most relevant memories: decay is applied in
// place, candidates are scored and filtered by minRelevance, sorted
// descending, and truncated to k.
func (e *Engine) Rank(candidates []*memory.Memory, queryEmbedding []float32, k int, minRelevance float64, now time.Time) []*memory.Memory {
	e.ApplyDecay(candidates, now)
	scored := e.RankScored(candidates, queryEmbedding, minRelevance, now)
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	out := make([]*memory.Memory, len(scored))
	for i, s := range scored {
		out[i] = s.Memory
	}
	return out
}

func daysSince(t, now time.Time) float64 {
	delta := now.Sub(t).Seconds()
	if delta < 0 {
		delta = 0
	}
	return delta / 86400.0
}
