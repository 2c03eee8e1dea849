// Package memorymesh is an embeddable AI memory engine: a local-first,
// single-process library that persistently stores short textual memories
// and retrieves them by semantic relevance.
//
//	mesh, err := memorymesh.Open(memorymesh.Config{})
//	id, err := mesh.Remember(ctx, "The user prefers dark mode.", nil)
//	results, err := mesh.Recall(ctx, "What theme does the user like?", nil)
//
// A mesh spans up to two stores: an optional per-workspace project store
// and an always-present per-user global store. Operations that take a
// scope accept "" to mean both.
package memorymesh

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sparkvibe/memorymesh/compaction"
	"github.com/sparkvibe/memorymesh/embedding"
	"github.com/sparkvibe/memorymesh/memory"
	"github.com/sparkvibe/memorymesh/relevance"
	"github.com/sparkvibe/memorymesh/review"
	"github.com/sparkvibe/memorymesh/store"
)

// ErrNoProjectStore is returned when a project-scope operation is
// requested but no project store is configured.
var ErrNoProjectStore = errors.New(
	"no project store configured: pass project_path, set MEMORYMESH_PROJECT_ROOT, " +
		"run inside a directory with a project marker (.git, go.mod, ...), " +
		"or call ConfigureProject")

// MemoryMesh is the façade over the dual-scope memory engine. It owns the
// stores, the embedding provider and the relevance engine, and routes
// every operation.
type MemoryMesh struct {
	project store.Backend // nil when no project store is configured
	global  store.Backend
	embed   embedding.Provider
	engine  *relevance.Engine
	log     *zap.Logger

	encryptionKey   string
	compactInterval int
	projectName     string

	mu          sync.Mutex
	writeCounts map[memory.Scope]int
}

// Open constructs a MemoryMesh from configuration. The global store is
// always opened (performing the one-time legacy database migration when
// running at the default location); the project store is opened when a
// path is configured or a project root is detected.
func Open(cfg Config) (*MemoryMesh, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	globalPath := cfg.GlobalPath
	if globalPath == "" {
		migrated, err := store.MigrateLegacyDB()
		if err != nil {
			log.Warn("legacy database migration failed", zap.Error(err))
		} else if migrated {
			log.Info("migrated legacy memories.db to global.db")
		}
		var err2 error
		globalPath, err2 = store.DefaultGlobalPath()
		if err2 != nil {
			return nil, err2
		}
	}

	mesh := &MemoryMesh{
		log:             log,
		encryptionKey:   cfg.EncryptionKey,
		compactInterval: cfg.compactInterval(),
		writeCounts:     map[memory.Scope]int{},
	}

	var err error
	mesh.global, err = mesh.openStore(globalPath, memory.ScopeGlobal)
	if err != nil {
		return nil, err
	}

	projectPath := cfg.ProjectPath
	if projectPath == "" {
		var diagnostics []string
		if root := store.DetectProjectRoot(cfg.Roots, &diagnostics); root != "" {
			projectPath = filepath.Join(root, ".memorymesh", "project.db")
			mesh.projectName = filepath.Base(root)
		} else {
			log.Debug("no project root detected; running global-only",
				zap.Strings("diagnostics", diagnostics))
		}
	}
	if projectPath != "" {
		mesh.project, err = mesh.openStore(projectPath, memory.ScopeProject)
		if err != nil {
			_ = mesh.global.Close()
			return nil, err
		}
	}

	if cfg.Provider != nil {
		mesh.embed = cfg.Provider
	} else {
		mesh.embed, err = embedding.New(cfg.Embedding, log)
		if err != nil {
			_ = mesh.Close()
			return nil, err
		}
	}
	mesh.engine = relevance.NewEngine(cfg.RelevanceWeights)

	log.Info("memorymesh opened",
		zap.String("global", mesh.global.Path()),
		zap.Bool("project_store", mesh.project != nil),
		zap.String("embedder", mesh.embed.Name()),
		zap.Int("compact_interval", mesh.compactInterval))
	return mesh, nil
}

func (m *MemoryMesh) openStore(path string, scope memory.Scope) (store.Backend, error) {
	st, err := store.New(path, scope, m.log)
	if err != nil {
		return nil, err
	}
	if m.encryptionKey == "" {
		return st, nil
	}
	enc, err := store.NewEncryptedStore(st, m.encryptionKey, m.log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return enc, nil
}

// ConfigureProject attaches a project store after construction, replacing
// any existing one.
func (m *MemoryMesh) ConfigureProject(path string) error {
	st, err := m.openStore(path, memory.ScopeProject)
	if err != nil {
		return err
	}
	if m.project != nil {
		_ = m.project.Close()
	}
	m.project = st
	return nil
}

// Close closes all underlying database connections.
func (m *MemoryMesh) Close() error {
	var errs []error
	if m.project != nil {
		errs = append(errs, m.project.Close())
	}
	if m.global != nil {
		errs = append(errs, m.global.Close())
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Store routing
// ---------------------------------------------------------------------------

// storeFor returns the store for an explicit scope.
func (m *MemoryMesh) storeFor(scope memory.Scope) (store.Backend, error) {
	switch scope {
	case memory.ScopeProject:
		if m.project == nil {
			return nil, ErrNoProjectStore
		}
		return m.project, nil
	case memory.ScopeGlobal:
		return m.global, nil
	}
	return nil, fmt.Errorf("%w: got %q", memory.ErrInvalidScope, string(scope))
}

// storesFor returns the stores selected by scope; "" means both.
func (m *MemoryMesh) storesFor(scope memory.Scope) ([]store.Backend, error) {
	if scope == "" {
		stores := []store.Backend{}
		if m.project != nil {
			stores = append(stores, m.project)
		}
		stores = append(stores, m.global)
		return stores, nil
	}
	st, err := m.storeFor(scope)
	if err != nil {
		return nil, err
	}
	return []store.Backend{st}, nil
}

// defaultScope is where a memory lands when nothing (category, explicit
// scope, subject inference) picks one.
func (m *MemoryMesh) defaultScope() memory.Scope {
	if m.project != nil {
		return memory.ScopeProject
	}
	return memory.ScopeGlobal
}

// ---------------------------------------------------------------------------
// Lookup and destruction
// ---------------------------------------------------------------------------

// Get retrieves a single memory by id, trying the project store first.
// The returned memory's scope reflects the store that answered. Returns
// (nil, nil) when the id is unknown.
func (m *MemoryMesh) Get(id string) (*memory.Memory, error) {
	for _, st := range m.allStores() {
		mem, err := st.Get(id)
		if err != nil {
			return nil, err
		}
		if mem != nil {
			return mem, nil
		}
	}
	return nil, nil
}

// Forget deletes a specific memory, trying both stores. Returns true on
// the first hit.
func (m *MemoryMesh) Forget(id string) (bool, error) {
	for _, st := range m.allStores() {
		deleted, err := st.Delete(id)
		if err != nil {
			return false, err
		}
		if deleted {
			m.log.Debug("forgot memory", zap.String("id", id), zap.String("scope", string(st.Scope())))
			return true, nil
		}
	}
	return false, nil
}

// ForgetAll deletes every memory in the selected scope ("" for both) and
// returns how many were removed.
func (m *MemoryMesh) ForgetAll(scope memory.Scope) (int, error) {
	stores, err := m.storesFor(scope)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, st := range stores {
		n, err := st.Clear()
		if err != nil {
			return total, err
		}
		total += n
	}
	m.log.Info("forgot all memories", zap.Int("count", total), zap.String("scope", string(scope)))
	return total, nil
}

// ---------------------------------------------------------------------------
// Listings and aggregates
// ---------------------------------------------------------------------------

// Count returns the number of memories in the selected scope ("" for both).
func (m *MemoryMesh) Count(scope memory.Scope) (int, error) {
	stores, err := m.storesFor(scope)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, st := range stores {
		n, err := st.Count()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// List returns memories ordered by most recently updated first. With
// scope "" the two stores' listings are interleaved by updated_at.
func (m *MemoryMesh) List(limit, offset int, scope memory.Scope) ([]*memory.Memory, error) {
	stores, err := m.storesFor(scope)
	if err != nil {
		return nil, err
	}
	if len(stores) == 1 {
		return stores[0].ListAll(limit, offset)
	}

	// Merged listing: fetch enough from each store to satisfy the page,
	// interleave by updated_at, then apply offset/limit.
	var all []*memory.Memory
	for _, st := range stores {
		mems, err := st.ListAll(limit+offset, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, mems...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// TimeRange returns the oldest and newest created_at timestamps across
// the selected scope, or empty strings when no memories exist.
func (m *MemoryMesh) TimeRange(scope memory.Scope) (string, string, error) {
	stores, err := m.storesFor(scope)
	if err != nil {
		return "", "", err
	}
	oldest, newest := "", ""
	for _, st := range stores {
		o, n, err := st.TimeRange()
		if err != nil {
			return "", "", err
		}
		if o != "" && (oldest == "" || o < oldest) {
			oldest = o
		}
		if n != "" && (newest == "" || n > newest) {
			newest = n
		}
	}
	return oldest, newest, nil
}

// GetSession returns the memories of one session in creation order.
func (m *MemoryMesh) GetSession(sessionID string, scope memory.Scope) ([]*memory.Memory, error) {
	stores, err := m.storesFor(scope)
	if err != nil {
		return nil, err
	}
	var all []*memory.Memory
	for _, st := range stores {
		mems, err := st.GetBySession(sessionID, 100)
		if err != nil {
			return nil, err
		}
		all = append(all, mems...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all, nil
}

// ListSessions lists distinct sessions with summary statistics, most
// recent first.
func (m *MemoryMesh) ListSessions(scope memory.Scope) ([]store.SessionInfo, error) {
	stores, err := m.storesFor(scope)
	if err != nil {
		return nil, err
	}
	merged := map[string]store.SessionInfo{}
	for _, st := range stores {
		infos, err := st.ListSessions(50)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			existing, ok := merged[info.SessionID]
			if !ok {
				merged[info.SessionID] = info
				continue
			}
			existing.Count += info.Count
			if info.FirstAt < existing.FirstAt {
				existing.FirstAt = info.FirstAt
			}
			if info.LastAt > existing.LastAt {
				existing.LastAt = info.LastAt
			}
			merged[info.SessionID] = existing
		}
	}
	out := make([]store.SessionInfo, 0, len(merged))
	for _, info := range merged {
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastAt > out[j].LastAt })
	return out, nil
}

// ---------------------------------------------------------------------------
// Compaction, review, sync
// ---------------------------------------------------------------------------

// Compact merges near-duplicate memories in one scope. dryRun computes
// the plan without writing.
func (m *MemoryMesh) Compact(scope memory.Scope, threshold float64, dryRun bool) (*compaction.Result, error) {
	st, err := m.storeFor(scope)
	if err != nil {
		return nil, err
	}
	mems, err := st.ListAll(100000, 0)
	if err != nil {
		return nil, err
	}
	return compaction.Compact(st, mems, threshold, dryRun, m.log)
}

// Review audits memories for quality issues.
func (m *MemoryMesh) Review(scope memory.Scope, opts review.Options) (*review.Result, error) {
	mems, err := m.List(100000, 0, scope)
	if err != nil {
		return nil, err
	}
	label := "all"
	if scope != "" {
		label = string(scope)
	}
	if opts.ProjectName == "" {
		opts.ProjectName = m.projectName
	}
	return review.Review(mems, label, opts), nil
}

// SmartSync picks the topN most representative memories for export,
// ranking with recency-emphasised weights when the caller passes none.
func (m *MemoryMesh) SmartSync(topN int, scope memory.Scope, weights *relevance.Weights) ([]*memory.Memory, error) {
	mems, err := m.List(100000, 0, scope)
	if err != nil {
		return nil, err
	}
	w := relevance.SyncWeights()
	if weights != nil {
		w = *weights
	}
	engine := relevance.NewEngine(&w)
	engine.MaxRecencyDays = m.engine.MaxRecencyDays
	engine.MaxAccessCount = m.engine.MaxAccessCount
	return engine.Rank(mems, nil, topN, 0, time.Now().UTC()), nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (m *MemoryMesh) allStores() []store.Backend {
	if m.project != nil {
		return []store.Backend{m.project, m.global}
	}
	return []store.Backend{m.global}
}

// safeEmbed embeds text, returning nil on any provider failure so a
// transient embedding outage degrades to keyword search instead of
// failing the operation.
func (m *MemoryMesh) safeEmbed(ctx context.Context, text string) []float32 {
	if embedding.IsNoop(m.embed) {
		return nil
	}
	vec, err := m.embed.Embed(ctx, text)
	if err != nil {
		m.log.Warn("embedding failed, falling back to keyword search", zap.Error(err))
		return nil
	}
	return vec
}
