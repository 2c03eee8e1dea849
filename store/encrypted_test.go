package store

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/sparkvibe/memorymesh/memory"
)

func newEncryptedPair(t *testing.T) (*Store, *EncryptedStore) {
	t.Helper()
	raw, err := New(filepath.Join(t.TempDir(), "enc.db"), memory.ScopeProject, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	enc, err := NewEncryptedStore(raw, "correct horse battery staple", nil)
	if err != nil {
		t.Fatalf("failed to wrap store: %v", err)
	}
	t.Cleanup(func() { enc.Close() })
	return raw, enc
}

func TestEncryptedRoundTrip(t *testing.T) {
	raw, enc := newEncryptedPair(t)

	m := mustMemory(t, "the production db password is hunter2")
	m.Metadata["category"] = "guardrail"
	m.Embedding = []float32{1, 2, 3}
	m.SessionID = "s1"
	if err := enc.Save(m); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// On disk: text is ciphertext, metadata is wrapped.
	stored, err := raw.Get(m.ID)
	if err != nil || stored == nil {
		t.Fatalf("raw read failed: %v", err)
	}
	if strings.Contains(stored.Text, "hunter2") {
		t.Error("plaintext leaked into the stored text")
	}
	if _, ok := stored.Metadata["_encrypted"]; !ok {
		t.Error("metadata not wrapped in _encrypted")
	}
	if _, ok := stored.Metadata["category"]; ok {
		t.Error("plaintext metadata key leaked to disk")
	}
	// Plaintext attributes survive for indexing.
	if len(stored.Embedding) != 3 || stored.SessionID != "s1" {
		t.Error("embedding and session must stay plaintext")
	}

	// Through the wrapper: everything decrypts.
	got, err := enc.Get(m.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Text != m.Text {
		t.Errorf("text mismatch after decrypt: %q", got.Text)
	}
	if got.Metadata["category"] != "guardrail" {
		t.Errorf("metadata mismatch after decrypt: %v", got.Metadata)
	}
}

func TestEncryptedSearchByTextReturnsEmpty(t *testing.T) {
	_, enc := newEncryptedPair(t)
	m := mustMemory(t, "findable words here")
	enc.Save(m)

	hits, err := enc.SearchByText("findable", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("LIKE over ciphertext must return nothing, got %d", len(hits))
	}
}

func TestEncryptedCategoryFilterWorks(t *testing.T) {
	_, enc := newEncryptedPair(t)

	tagged := mustMemory(t, "we chose event sourcing")
	tagged.Metadata["category"] = "decision"
	tagged.Embedding = []float32{1}
	enc.Save(tagged)

	other := mustMemory(t, "an unrelated note")
	other.Embedding = []float32{2}
	enc.Save(other)

	hits, err := enc.SearchFiltered(Filter{Category: "decision"})
	if err != nil {
		t.Fatalf("filtered search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != tagged.ID {
		t.Fatalf("category filter should match decrypted metadata, got %d hits", len(hits))
	}

	cands, err := enc.CandidatesWithEmbeddings(100, nil, "decision")
	if err != nil || len(cands) != 1 {
		t.Fatalf("embedded candidates by category broken: %v %v", cands, err)
	}
}

func TestEncryptedMetadataFilterMissesPlaintextKeys(t *testing.T) {
	_, enc := newEncryptedPair(t)
	m := mustMemory(t, "tool-tagged memory")
	m.Metadata["tool"] = "linter"
	enc.Save(m)

	// Custom metadata filters run against encrypted bytes.
	hits, err := enc.SearchFiltered(Filter{Metadata: map[string]any{"tool": "linter"}})
	if err != nil {
		t.Fatalf("filtered search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("metadata filter should not see plaintext keys, got %d hits", len(hits))
	}
}

func TestEncryptedUpdateFields(t *testing.T) {
	raw, enc := newEncryptedPair(t)
	m := mustMemory(t, "first draft")
	enc.Save(m)

	newText := "final version with secret sauce"
	found, err := enc.UpdateFields(m.ID, FieldUpdate{
		Text:     &newText,
		Metadata: map[string]any{"category": "pattern"},
	})
	if err != nil || !found {
		t.Fatalf("update failed: (%v, %v)", found, err)
	}

	stored, _ := raw.Get(m.ID)
	if strings.Contains(stored.Text, "secret sauce") {
		t.Error("updated text stored in plaintext")
	}

	got, err := enc.Get(m.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Text != newText || got.Metadata["category"] != "pattern" {
		t.Errorf("decrypted update mismatch: %q %v", got.Text, got.Metadata)
	}
}

func TestEncryptedSaltPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "salt.db")

	raw, err := New(path, memory.ScopeGlobal, nil)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := NewEncryptedStore(raw, "pass", nil)
	if err != nil {
		t.Fatal(err)
	}
	m := mustMemory(t, "written before reopen")
	if err := enc.Save(m); err != nil {
		t.Fatal(err)
	}
	enc.Close()

	// Reopen: the persisted salt must derive the same key.
	raw2, err := New(path, memory.ScopeGlobal, nil)
	if err != nil {
		t.Fatal(err)
	}
	enc2, err := NewEncryptedStore(raw2, "pass", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc2.Close()

	got, err := enc2.Get(m.ID)
	if err != nil {
		t.Fatalf("decrypt after reopen failed: %v", err)
	}
	if got.Text != "written before reopen" {
		t.Errorf("text mismatch after reopen: %q", got.Text)
	}
}

func TestEncryptedWrongPassphraseFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wrong.db")

	raw, _ := New(path, memory.ScopeGlobal, nil)
	enc, _ := NewEncryptedStore(raw, "right", nil)
	m := mustMemory(t, "protected")
	enc.Save(m)
	enc.Close()

	raw2, _ := New(path, memory.ScopeGlobal, nil)
	enc2, _ := NewEncryptedStore(raw2, "wrong", nil)
	defer enc2.Close()

	if _, err := enc2.Get(m.ID); err == nil {
		t.Fatal("decryption with the wrong passphrase must surface an error")
	}
}
