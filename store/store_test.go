package store

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sparkvibe/memorymesh/memory"
)

func newTestStore(t *testing.T, scope memory.Scope) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "test.db"), scope, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustMemory(t *testing.T, text string) *memory.Memory {
	t.Helper()
	m, err := memory.NewMemory(text)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	return m
}

func TestSaveGetRoundTrip(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)

	m := mustMemory(t, "the entry point is cmd/server/main.go")
	m.Metadata["category"] = "context"
	m.Metadata["source"] = "test"
	m.Embedding = []float32{0.25, -1.5, 3.75}
	m.SessionID = "sess-1"
	m.Importance = 0.8
	m.AccessCount = 3

	if err := st.Save(m); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := st.Get(m.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected memory, got nil")
	}
	if got.Text != m.Text {
		t.Errorf("text mismatch: %q vs %q", got.Text, m.Text)
	}
	if got.Metadata["category"] != "context" || got.Metadata["source"] != "test" {
		t.Errorf("metadata mismatch: %v", got.Metadata)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 0.25 || got.Embedding[1] != -1.5 || got.Embedding[2] != 3.75 {
		t.Errorf("embedding mismatch: %v", got.Embedding)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("session mismatch: %q", got.SessionID)
	}
	if got.Importance != 0.8 || got.AccessCount != 3 {
		t.Errorf("attribute mismatch: importance=%v access=%d", got.Importance, got.AccessCount)
	}
	if !got.CreatedAt.Equal(m.CreatedAt.Truncate(time.Microsecond)) {
		t.Errorf("created_at mismatch: %v vs %v", got.CreatedAt, m.CreatedAt)
	}
	if got.Scope != memory.ScopeProject {
		t.Errorf("scope not stamped from store: %q", got.Scope)
	}
}

func TestGetUnknownID(t *testing.T) {
	st := newTestStore(t, memory.ScopeGlobal)
	got, err := st.Get("doesnotexist")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for unknown id")
	}
}

func TestSaveReplacesByID(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)
	m := mustMemory(t, "first version")
	if err := st.Save(m); err != nil {
		t.Fatal(err)
	}
	m.Text = "second version"
	if err := st.Save(m); err != nil {
		t.Fatal(err)
	}
	n, _ := st.Count()
	if n != 1 {
		t.Fatalf("expected 1 row after replace, got %d", n)
	}
	got, _ := st.Get(m.ID)
	if got.Text != "second version" {
		t.Errorf("replace did not overwrite text: %q", got.Text)
	}
}

func TestDelete(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)
	m := mustMemory(t, "to be deleted")
	st.Save(m)

	deleted, err := st.Delete(m.ID)
	if err != nil || !deleted {
		t.Fatalf("expected delete to succeed, got (%v, %v)", deleted, err)
	}
	deleted, err = st.Delete(m.ID)
	if err != nil || deleted {
		t.Fatalf("expected second delete to report false, got (%v, %v)", deleted, err)
	}
}

func TestSearchByTextEscapesWildcards(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)
	st.Save(mustMemory(t, "progress is 100% done"))
	st.Save(mustMemory(t, "progress is mostly done"))

	hits, err := st.SearchByText("100%", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected exactly 1 hit for literal %% search, got %d", len(hits))
	}

	hits, err = st.SearchByText("under_score", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected 0 hits, got %d", len(hits))
	}
}

func TestListAllOrdering(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)
	base := time.Now().UTC().Add(-time.Hour)
	for i, text := range []string{"oldest", "middle", "newest"} {
		m := mustMemory(t, text)
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		m.UpdatedAt = m.CreatedAt
		st.Save(m)
	}

	mems, err := st.ListAll(10, 0)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(mems) != 3 {
		t.Fatalf("expected 3, got %d", len(mems))
	}
	if mems[0].Text != "newest" || mems[2].Text != "oldest" {
		t.Errorf("wrong order: %s, %s, %s", mems[0].Text, mems[1].Text, mems[2].Text)
	}

	page, err := st.ListAll(1, 1)
	if err != nil || len(page) != 1 || page[0].Text != "middle" {
		t.Errorf("pagination broken: %v %v", page, err)
	}
}

func TestCandidatesWithEmbeddings(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)

	withEmb := mustMemory(t, "embedded memory")
	withEmb.Embedding = []float32{1, 0}
	withEmb.Importance = 0.9
	withEmb.Metadata["category"] = "decision"
	st.Save(withEmb)

	without := mustMemory(t, "keyword-only memory")
	st.Save(without)

	lowImp := mustMemory(t, "low importance embedded")
	lowImp.Embedding = []float32{0, 1}
	lowImp.Importance = 0.1
	st.Save(lowImp)

	all, err := st.CandidatesWithEmbeddings(100, nil, "")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 embedded candidates, got %d", len(all))
	}
	if all[0].ID != withEmb.ID {
		t.Error("expected importance-descending order")
	}

	minImp := 0.5
	filtered, err := st.CandidatesWithEmbeddings(100, &minImp, "")
	if err != nil || len(filtered) != 1 {
		t.Fatalf("importance filter broken: %v %v", filtered, err)
	}

	byCat, err := st.CandidatesWithEmbeddings(100, nil, "decision")
	if err != nil || len(byCat) != 1 || byCat[0].ID != withEmb.ID {
		t.Fatalf("category filter broken: %v %v", byCat, err)
	}
}

func TestSearchFilteredMetadataAndTimeRange(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)

	m := mustMemory(t, "tagged memory")
	m.Metadata["tool"] = "linter"
	m.Metadata["pinned"] = true
	st.Save(m)
	st.Save(mustMemory(t, "untagged memory"))

	hits, err := st.SearchFiltered(Filter{Metadata: map[string]any{"tool": "linter"}})
	if err != nil {
		t.Fatalf("metadata filter failed: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != m.ID {
		t.Fatalf("expected the tagged memory, got %d hits", len(hits))
	}

	// Boolean values compare against json_extract's 0/1.
	hits, err = st.SearchFiltered(Filter{Metadata: map[string]any{"pinned": true}})
	if err != nil || len(hits) != 1 {
		t.Fatalf("boolean metadata filter broken: %v %v", hits, err)
	}

	now := time.Now().UTC()
	hits, err = st.SearchFiltered(Filter{TimeRange: &TimeRange{
		Start: FormatTime(now.Add(-time.Minute)),
		End:   FormatTime(now.Add(time.Minute)),
	}})
	if err != nil || len(hits) != 2 {
		t.Fatalf("time range should include both, got %d (%v)", len(hits), err)
	}
	hits, err = st.SearchFiltered(Filter{TimeRange: &TimeRange{
		Start: FormatTime(now.Add(time.Hour)),
		End:   FormatTime(now.Add(2 * time.Hour)),
	}})
	if err != nil || len(hits) != 0 {
		t.Fatalf("future time range should be empty, got %d (%v)", len(hits), err)
	}
}

func TestSearchFilteredRejectsBadKeys(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)
	for _, key := range []string{"bad-key", "a b", "x'); DROP TABLE memories; --", "1starts_with_digit", ""} {
		_, err := st.SearchFiltered(Filter{Metadata: map[string]any{key: "v"}})
		if !errors.Is(err, ErrInvalidFilterKey) {
			t.Errorf("key %q: expected ErrInvalidFilterKey, got %v", key, err)
		}
	}
	// Valid keys pass.
	if _, err := st.SearchFiltered(Filter{Metadata: map[string]any{"valid_key2": "v"}}); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}

func TestUpdateAccess(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)
	m := mustMemory(t, "accessed memory")
	st.Save(m)

	for i := 0; i < 3; i++ {
		if err := st.UpdateAccess(m.ID); err != nil {
			t.Fatalf("UpdateAccess failed: %v", err)
		}
	}
	got, _ := st.Get(m.ID)
	if got.AccessCount != 3 {
		t.Errorf("expected access count 3, got %d", got.AccessCount)
	}
	if !got.UpdatedAt.After(m.UpdatedAt) {
		t.Error("updated_at should have been refreshed")
	}
}

func TestUpdateFieldsSentinel(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)
	m := mustMemory(t, "original text")
	m.Embedding = []float32{1, 2}
	st.Save(m)

	// No embedding change: the zero VectorChange keeps the vector.
	newText := "updated text"
	found, err := st.UpdateFields(m.ID, FieldUpdate{Text: &newText})
	if err != nil || !found {
		t.Fatalf("update failed: (%v, %v)", found, err)
	}
	got, _ := st.Get(m.ID)
	if got.Text != "updated text" {
		t.Errorf("text not updated: %q", got.Text)
	}
	if len(got.Embedding) != 2 {
		t.Errorf("embedding should be kept, got %v", got.Embedding)
	}

	// Explicit clear nulls it out.
	found, err = st.UpdateFields(m.ID, FieldUpdate{Embedding: ClearEmbedding()})
	if err != nil || !found {
		t.Fatalf("clear failed: (%v, %v)", found, err)
	}
	got, _ = st.Get(m.ID)
	if got.Embedding != nil {
		t.Errorf("embedding should be cleared, got %v", got.Embedding)
	}

	// Set replaces.
	found, err = st.UpdateFields(m.ID, FieldUpdate{Embedding: SetEmbedding([]float32{9})})
	if err != nil || !found {
		t.Fatalf("set failed: (%v, %v)", found, err)
	}
	got, _ = st.Get(m.ID)
	if len(got.Embedding) != 1 || got.Embedding[0] != 9 {
		t.Errorf("embedding not replaced: %v", got.Embedding)
	}

	// Unknown id reports false.
	found, err = st.UpdateFields("missing", FieldUpdate{Text: &newText})
	if err != nil || found {
		t.Fatalf("expected not-found, got (%v, %v)", found, err)
	}
}

func TestCountTimeRangeClear(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)

	oldest, newest, err := st.TimeRange()
	if err != nil || oldest != "" || newest != "" {
		t.Fatalf("empty store should report empty range, got (%q, %q, %v)", oldest, newest, err)
	}

	early := mustMemory(t, "early")
	early.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	st.Save(early)
	late := mustMemory(t, "late")
	st.Save(late)

	n, _ := st.Count()
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	oldest, newest, _ = st.TimeRange()
	if oldest >= newest {
		t.Errorf("range ordering wrong: %q >= %q", oldest, newest)
	}

	cleared, err := st.Clear()
	if err != nil || cleared != 2 {
		t.Fatalf("expected to clear 2, got (%d, %v)", cleared, err)
	}
	n, _ = st.Count()
	if n != 0 {
		t.Errorf("store should be empty after clear, got %d", n)
	}
}

func TestSessions(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)

	for i := 0; i < 2; i++ {
		m := mustMemory(t, "chat turn")
		m.SessionID = "s1"
		m.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		m.UpdatedAt = m.CreatedAt
		st.Save(m)
	}
	solo := mustMemory(t, "other session")
	solo.SessionID = "s2"
	st.Save(solo)
	st.Save(mustMemory(t, "no session"))

	mems, err := st.GetBySession("s1", 100)
	if err != nil || len(mems) != 2 {
		t.Fatalf("expected 2 in session s1, got %d (%v)", len(mems), err)
	}
	if mems[0].CreatedAt.After(mems[1].CreatedAt) {
		t.Error("session memories should be in creation order")
	}

	sessions, err := st.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	counts := map[string]int{}
	for _, info := range sessions {
		counts[info.SessionID] = info.Count
	}
	if counts["s1"] != 2 || counts["s2"] != 1 {
		t.Errorf("session counts wrong: %v", counts)
	}
}

func TestFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "deep", "nested", "perm.db")
	st, err := New(path, memory.ScopeGlobal, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer st.Close()

	info, err := os.Stat(st.Path())
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("db file mode = %o, want 600", perm)
	}
	parent, err := os.Stat(filepath.Dir(st.Path()))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := parent.Mode().Perm(); perm != 0o700 {
		t.Errorf("parent dir mode = %o, want 700", perm)
	}
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	st := newTestStore(t, memory.ScopeProject)
	if st.SchemaVersion() != LatestVersion {
		t.Fatalf("fresh store should be at v%d, got v%d", LatestVersion, st.SchemaVersion())
	}
	v, err := EnsureSchema(st.DB(), nil)
	if err != nil {
		t.Fatalf("second EnsureSchema failed: %v", err)
	}
	if v != LatestVersion {
		t.Errorf("repeated EnsureSchema changed version: %d", v)
	}
}

func TestEnsureSchemaStampsLegacy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	// A pre-migration schema: memories table without session_id, version 0.
	_, err = db.Exec(`CREATE TABLE memories (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		embedding_blob BLOB,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		importance REAL NOT NULL DEFAULT 0.5,
		decay_rate REAL NOT NULL DEFAULT 0.01
	)`)
	if err != nil {
		t.Fatalf("legacy DDL failed: %v", err)
	}

	v, err := EnsureSchema(db, nil)
	if err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if v != LatestVersion {
		t.Fatalf("legacy db should migrate to v%d, got v%d", LatestVersion, v)
	}
	// The session_id migration must have landed.
	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('memories') WHERE name='session_id'`).Scan(&count)
	if err != nil || count != 1 {
		t.Errorf("session_id column missing after migration: count=%d err=%v", count, err)
	}
	db.Close()
}

func TestEnsureSchemaFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("pragma failed: %v", err)
	}
	v, err := EnsureSchema(db, nil)
	if err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if v != 99 {
		t.Errorf("future version should be returned untouched, got %d", v)
	}
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	if err != nil || sim < 0.999 {
		t.Errorf("identical vectors: got (%v, %v)", sim, err)
	}
	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if err != nil || sim > 0.001 {
		t.Errorf("orthogonal vectors: got (%v, %v)", sim, err)
	}
	sim, err = CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	if err != nil || sim > -0.999 {
		t.Errorf("opposite vectors: got (%v, %v)", sim, err)
	}
	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	if err != nil || sim != 0 {
		t.Errorf("zero magnitude should score 0, got (%v, %v)", sim, err)
	}
	if _, err = CosineSimilarity([]float32{1}, []float32{1, 2}); err == nil {
		t.Error("length mismatch should error")
	}
}

func TestPackUnpackEmbedding(t *testing.T) {
	if PackEmbedding(nil) != nil {
		t.Error("nil vector should pack to nil")
	}
	if UnpackEmbedding(nil) != nil {
		t.Error("nil blob should unpack to nil")
	}
	vec := []float32{0, 1.5, -2.25, 3e7}
	blob := PackEmbedding(vec)
	if len(blob) != 16 {
		t.Fatalf("expected 16-byte blob, got %d", len(blob))
	}
	back := UnpackEmbedding(blob)
	for i := range vec {
		if back[i] != vec[i] {
			t.Errorf("element %d mismatch: %v vs %v", i, back[i], vec[i])
		}
	}
}
