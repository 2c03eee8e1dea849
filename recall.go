package memorymesh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sparkvibe/memorymesh/embedding"
	"github.com/sparkvibe/memorymesh/memory"
	"github.com/sparkvibe/memorymesh/relevance"
	"github.com/sparkvibe/memorymesh/store"
)

// sessionBoost is the additive score bonus for memories sharing the
// recall session id — enough to promote them when other signals tie.
const sessionBoost = 0.05

// candidateLimit bounds how many embedded candidates one store
// contributes to ranking.
const candidateLimit = 10000

// RecallOptions control retrieval. The zero value returns the top 5
// memories across both stores.
type RecallOptions struct {
	// K is the maximum number of results (default 5).
	K int
	// Scope restricts the search to one store; empty searches both.
	Scope memory.Scope
	// Category filters by the category metadata tag.
	Category string
	// MinImportance discards candidates below the threshold.
	MinImportance *float64
	// TimeRange bounds created_at.
	TimeRange *store.TimeRange
	// MetadataFilter matches metadata key/value pairs. Keys must be plain
	// identifiers.
	MetadataFilter map[string]any
	// SessionID boosts memories from the same session.
	SessionID string
	// MinRelevance discards results scoring below the threshold.
	MinRelevance float64
}

// Recall returns the most relevant memories for a query, ordered by
// descending relevance. Vector similarity (when embeddings are available)
// combines with recency, importance and access frequency; with a Noop
// provider recall falls back to keyword search. Returned memories have
// their access counts bumped, both in the store and in the returned
// copies.
func (m *MemoryMesh) Recall(ctx context.Context, query string, opts *RecallOptions) ([]*memory.Memory, error) {
	if opts == nil {
		opts = &RecallOptions{}
	}
	k := opts.K
	if k <= 0 {
		k = 5
	}
	if err := store.ValidateMetadataKeys(opts.MetadataFilter); err != nil {
		return nil, err
	}

	stores, err := m.storesFor(opts.Scope)
	if err != nil {
		return nil, err
	}

	queryEmbedding := m.safeEmbed(ctx, query)

	// Candidate fetch, deduplicated by id across stores and passes.
	seen := map[string]bool{}
	var candidates []*memory.Memory
	add := func(mems []*memory.Memory) {
		for _, mem := range mems {
			if !seen[mem.ID] {
				seen[mem.ID] = true
				candidates = append(candidates, mem)
			}
		}
	}

	for _, st := range stores {
		if len(queryEmbedding) == 0 {
			// Keyword-only path.
			hits, err := st.SearchByText(query, k*4)
			if err != nil {
				return nil, err
			}
			add(m.filterClientSide(hits, opts))
			continue
		}

		// Vector path: filtered embedded candidates plus a supplementary
		// keyword pass so exact hits are never missed.
		embedded, err := st.SearchFiltered(store.Filter{
			Category:         opts.Category,
			MinImportance:    opts.MinImportance,
			TimeRange:        opts.TimeRange,
			Metadata:         opts.MetadataFilter,
			RequireEmbedding: true,
			Limit:            candidateLimit,
		})
		if err != nil {
			return nil, err
		}
		add(embedded)

		keyword, err := st.SearchByText(query, k*2)
		if err != nil {
			return nil, err
		}
		add(m.filterClientSide(keyword, opts))
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	// Decay, rank, session-boost, truncate.
	now := time.Now().UTC()
	m.engine.ApplyDecay(candidates, now)
	scored := m.engine.RankScored(candidates, queryEmbedding, opts.MinRelevance, now)
	if opts.SessionID != "" {
		for i := range scored {
			if scored[i].Memory.SessionID == opts.SessionID {
				scored[i].Score += sessionBoost
			}
		}
		relevance.SortScored(scored)
	}
	if len(scored) > k {
		scored = scored[:k]
	}

	// Access-count update on every returned memory.
	results := make([]*memory.Memory, len(scored))
	for i, s := range scored {
		st, err := m.storeFor(s.Memory.Scope)
		if err != nil {
			return nil, err
		}
		if err := st.UpdateAccess(s.Memory.ID); err != nil {
			m.log.Warn("failed to update access count",
				zap.String("id", s.Memory.ID), zap.Error(err))
		}
		s.Memory.AccessCount++
		results[i] = s.Memory
	}
	return results, nil
}

// Search is a convenience alias for Recall.
func (m *MemoryMesh) Search(ctx context.Context, text string, k int) ([]*memory.Memory, error) {
	return m.Recall(ctx, text, &RecallOptions{K: k})
}

// filterClientSide applies the recall filters to keyword hits, which are
// fetched by text match alone. Under encryption this also filters on the
// decrypted metadata, which SQL-level filters cannot see.
func (m *MemoryMesh) filterClientSide(mems []*memory.Memory, opts *RecallOptions) []*memory.Memory {
	if opts.Category == "" && opts.MinImportance == nil && opts.TimeRange == nil && len(opts.MetadataFilter) == 0 {
		return mems
	}
	var out []*memory.Memory
	for _, mem := range mems {
		if opts.Category != "" && mem.Category() != opts.Category {
			continue
		}
		if opts.MinImportance != nil && mem.Importance < *opts.MinImportance {
			continue
		}
		if opts.TimeRange != nil {
			created := store.FormatTime(mem.CreatedAt)
			if created < opts.TimeRange.Start || created > opts.TimeRange.End {
				continue
			}
		}
		if !metadataMatches(mem.Metadata, opts.MetadataFilter) {
			continue
		}
		out = append(out, mem)
	}
	return out
}

func metadataMatches(metadata, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Embedder exposes the configured embedding provider, mainly so callers
// can check for the keyword-only fallback.
func (m *MemoryMesh) Embedder() embedding.Provider { return m.embed }
