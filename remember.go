package memorymesh

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sparkvibe/memorymesh/categories"
	"github.com/sparkvibe/memorymesh/compaction"
	"github.com/sparkvibe/memorymesh/contradiction"
	"github.com/sparkvibe/memorymesh/importance"
	"github.com/sparkvibe/memorymesh/memory"
	"github.com/sparkvibe/memorymesh/privacy"
	"github.com/sparkvibe/memorymesh/store"
)

// RememberOptions control how a memory is stored. The zero value stores a
// plain memory at default importance in the default scope.
type RememberOptions struct {
	// Category tags the memory and overrides scope via the category→scope
	// map, regardless of the Scope field.
	Category string
	// Importance in [0, 1]; nil means 0.5 (or auto-importance when on).
	Importance *float64
	// DecayRate >= 0; nil means 0.01.
	DecayRate *float64
	// Scope forces a store when no category is in play. Empty lets
	// subject inference and the default pick one.
	Scope memory.Scope
	// Metadata is attached to the memory as-is (reserved keys may be
	// added by the pipeline).
	Metadata map[string]any
	// AutoImportance scores importance from the text when no explicit
	// importance is given and the memory is not pinned.
	AutoImportance bool
	// AutoCategorize derives a category from the text when none is given.
	AutoCategorize bool
	// Pin forces importance 1.0, decay 0.0 and metadata pinned=true.
	Pin bool
	// RedactSecrets replaces detected secrets in the stored text.
	RedactSecrets bool
	// OnConflict selects the contradiction policy; unknown values fall
	// back to keep_both.
	OnConflict string
	// SessionID groups memories created in one conversational session.
	SessionID string
}

// Remember stores a new memory and returns its id. The write pipeline
// runs, in order: secret detection (and opt-in redaction), category
// resolution and scope routing, subject-based scope inference,
// importance assignment, contradiction handling, embedding, save, and
// the auto-compaction trigger.
//
// With OnConflict "skip" and a contradiction present, nothing is stored
// and the returned id is empty.
func (m *MemoryMesh) Remember(ctx context.Context, text string, opts *RememberOptions) (string, error) {
	if text == "" {
		return "", memory.ErrEmptyText
	}
	if opts == nil {
		opts = &RememberOptions{}
	}

	metadata := map[string]any{}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	// 1. Secret detection always runs; redaction only when opted in.
	if secrets := privacy.Detect(text); len(secrets) > 0 {
		metadata["has_secrets_warning"] = true
		metadata["detected_secret_types"] = secrets
		if opts.RedactSecrets {
			text = privacy.Redact(text)
		}
		m.log.Warn("memory text contains potential secrets",
			zap.Strings("types", secrets), zap.Bool("redacted", opts.RedactSecrets))
	}

	// 2. Category resolution: explicit beats auto-categorization.
	category := opts.Category
	if category != "" {
		if err := categories.Validate(category); err != nil {
			return "", err
		}
	} else if opts.AutoCategorize {
		category = categories.AutoCategorize(text, metadata)
	}
	if category != "" {
		metadata["category"] = category
	}

	// 3. Scope routing: category wins over everything; then explicit
	// scope; then subject inference; then the default.
	var scope memory.Scope
	switch {
	case category != "":
		s, err := categories.ScopeFor(category)
		if err != nil {
			return "", err
		}
		scope = s
	case opts.Scope != "":
		if err := memory.ValidateScope(opts.Scope); err != nil {
			return "", err
		}
		scope = opts.Scope
	default:
		if inferred, ok := categories.InferScope(text, m.projectName); ok {
			scope = inferred
		} else {
			scope = m.defaultScope()
		}
	}

	st, err := m.storeFor(scope)
	if err != nil {
		return "", err
	}

	// 4. Importance assignment. Pin dominates; otherwise explicit
	// importance beats auto-importance beats the 0.5 default.
	imp := 0.5
	decay := 0.01
	switch {
	case opts.Pin:
		imp = 1.0
		decay = 0.0
		metadata["pinned"] = true
	default:
		if opts.Importance != nil {
			imp = *opts.Importance
		} else if opts.AutoImportance {
			imp = importance.Score(text, metadata)
		}
		if opts.DecayRate != nil {
			decay = *opts.DecayRate
		}
	}

	// 5. Contradiction handling.
	mode := contradiction.ParseMode(opts.OnConflict)
	conflicts, err := contradiction.Find(text, nil, st, contradiction.DefaultThreshold, contradiction.DefaultMaxCandidates)
	if err != nil {
		return "", err
	}
	if len(conflicts) > 0 {
		switch mode {
		case contradiction.Skip:
			m.log.Debug("skipping memory due to contradiction",
				zap.String("conflicts_with", conflicts[0].Memory.ID))
			return "", nil
		case contradiction.Update:
			// Replace the highest-similarity match: new id, old id recorded.
			replaced := conflicts[0].Memory
			metadata["replaced_memory_id"] = replaced.ID
			if _, err := st.Delete(replaced.ID); err != nil {
				return "", fmt.Errorf("failed to replace contradicting memory %s: %w", replaced.ID, err)
			}
		default: // keep_both
			ids := make([]string, len(conflicts))
			for i, c := range conflicts {
				ids[i] = c.Memory.ID
			}
			metadata["contradicts"] = ids
		}
	}

	// 6. Embedding (provider errors degrade to keyword-only).
	emb := m.safeEmbed(ctx, text)

	mem, err := memory.NewMemory(text)
	if err != nil {
		return "", err
	}
	mem.Metadata = metadata
	mem.Embedding = emb
	mem.Importance = imp
	mem.DecayRate = decay
	mem.SessionID = opts.SessionID
	mem.Scope = scope

	if err := st.Save(mem); err != nil {
		return "", err
	}
	m.log.Debug("remembered memory",
		zap.String("id", mem.ID),
		zap.String("scope", string(scope)),
		zap.Int("chars", len(text)))

	m.bumpWriteCount(scope)
	return mem.ID, nil
}

// bumpWriteCount advances the per-scope write counter and triggers a
// synchronous compaction pass when it crosses the interval. Compaction
// errors are logged, never propagated — a user write must not fail
// because housekeeping did.
func (m *MemoryMesh) bumpWriteCount(scope memory.Scope) {
	if m.compactInterval <= 0 {
		return
	}
	m.mu.Lock()
	m.writeCounts[scope]++
	due := m.writeCounts[scope] >= m.compactInterval
	if due {
		m.writeCounts[scope] = 0
	}
	m.mu.Unlock()

	if due {
		if _, err := m.Compact(scope, compaction.DefaultThreshold, false); err != nil {
			m.log.Warn("auto-compaction failed", zap.String("scope", string(scope)), zap.Error(err))
		}
	}
}

// UpdateOptions is a partial update of an existing memory. Nil fields are
// left unchanged. A non-empty Scope differing from the memory's current
// scope triggers a cross-store migration.
type UpdateOptions struct {
	Text       *string
	Importance *float64
	DecayRate  *float64
	Metadata   map[string]any
	Scope      memory.Scope
}

// Update modifies an existing memory in place, or migrates it between
// stores when the scope changes. When the text changes the embedding is
// recomputed. Returns the updated memory, or (nil, nil) when the id is
// unknown.
func (m *MemoryMesh) Update(ctx context.Context, id string, opts UpdateOptions) (*memory.Memory, error) {
	var current *memory.Memory
	var src store.Backend
	for _, st := range m.allStores() {
		mem, err := st.Get(id)
		if err != nil {
			return nil, err
		}
		if mem != nil {
			current, src = mem, st
			break
		}
	}
	if current == nil {
		return nil, nil
	}

	// Cross-store migration: delete from the source, save the merged
	// memory into the destination under the same id.
	if opts.Scope != "" && opts.Scope != current.Scope {
		if err := memory.ValidateScope(opts.Scope); err != nil {
			return nil, err
		}
		dst, err := m.storeFor(opts.Scope)
		if err != nil {
			return nil, err
		}

		merged := current.Clone()
		merged.Scope = opts.Scope
		applyUpdate(merged, opts)
		if opts.Text != nil && *opts.Text != current.Text {
			merged.Embedding = m.safeEmbed(ctx, merged.Text)
		}
		merged.UpdatedAt = time.Now().UTC()

		if _, err := src.Delete(id); err != nil {
			return nil, err
		}
		if err := dst.Save(merged); err != nil {
			return nil, fmt.Errorf("cross-scope migration of %s failed: %w", id, err)
		}
		m.log.Debug("migrated memory across scopes",
			zap.String("id", id),
			zap.String("from", string(current.Scope)),
			zap.String("to", string(opts.Scope)))
		return merged, nil
	}

	upd := store.FieldUpdate{
		Text:       opts.Text,
		Importance: opts.Importance,
		DecayRate:  opts.DecayRate,
		Metadata:   opts.Metadata,
	}
	if opts.Text != nil && *opts.Text != current.Text {
		if emb := m.safeEmbed(ctx, *opts.Text); len(emb) > 0 {
			upd.Embedding = store.SetEmbedding(emb)
		} else {
			// The old embedding no longer describes the new text.
			upd.Embedding = store.ClearEmbedding()
		}
	}

	found, err := src.UpdateFields(id, upd)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return src.Get(id)
}

func applyUpdate(mem *memory.Memory, opts UpdateOptions) {
	if opts.Text != nil {
		mem.Text = *opts.Text
	}
	if opts.Importance != nil {
		mem.Importance = memory.ClampImportance(*opts.Importance)
	}
	if opts.DecayRate != nil {
		mem.DecayRate = *opts.DecayRate
		if mem.DecayRate < 0 {
			mem.DecayRate = 0
		}
	}
	if opts.Metadata != nil {
		mem.Metadata = opts.Metadata
	}
}
