package store

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/sparkvibe/memorymesh/memory"
)

// encryptedMetaKey wraps the encrypted metadata payload inside the
// plaintext metadata column.
const encryptedMetaKey = "_encrypted"

// EncryptedStore wraps a Store and encrypts the text and metadata fields
// at rest. All other fields (id, timestamps, importance, decay_rate,
// access_count, session_id, embedding) stay in plaintext so that indexes
// and vector search keep working.
//
// Known consequences for callers:
//   - SearchByText returns empty — LIKE cannot match encrypted text; the
//     recall pipeline must rely on embeddings or other filters.
//   - Metadata filters compare against encrypted bytes and will not find
//     plaintext keys; category and importance filters, which live in
//     plaintext columns, keep working.
type EncryptedStore struct {
	store *Store
	key   []byte
	log   *zap.Logger
}

// NewEncryptedStore wraps store, deriving the encryption key from the
// passphrase and the database's persisted salt (generated on first use).
func NewEncryptedStore(store *Store, passphrase string, log *zap.Logger) (*EncryptedStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	salt, err := getOrCreateSalt(store.DB())
	if err != nil {
		return nil, err
	}
	log.Debug("encryption enabled", zap.String("path", store.Path()))
	return &EncryptedStore{
		store: store,
		key:   DeriveKey(passphrase, salt),
		log:   log,
	}, nil
}

// Scope returns the wrapped store's scope.
func (e *EncryptedStore) Scope() memory.Scope { return e.store.Scope() }

// SchemaVersion returns the wrapped store's schema version.
func (e *EncryptedStore) SchemaVersion() int { return e.store.SchemaVersion() }

// Path returns the wrapped store's database path.
func (e *EncryptedStore) Path() string { return e.store.Path() }

// Close closes the wrapped store.
func (e *EncryptedStore) Close() error { return e.store.Close() }

// ---------------------------------------------------------------------------
// Write path (encrypt before save)
// ---------------------------------------------------------------------------

// Save encrypts the sensitive fields and persists the memory.
func (e *EncryptedStore) Save(m *memory.Memory) error {
	if err := m.Normalize(); err != nil {
		return err
	}
	enc, err := e.encryptMemory(m)
	if err != nil {
		return err
	}
	return e.store.Save(enc)
}

func (e *EncryptedStore) encryptMemory(m *memory.Memory) (*memory.Memory, error) {
	text, err := EncryptField(m.Text, e.key)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise metadata: %w", err)
	}
	metaCipher, err := EncryptField(string(metaJSON), e.key)
	if err != nil {
		return nil, err
	}

	enc := m.Clone()
	enc.Text = text
	enc.Metadata = map[string]any{encryptedMetaKey: metaCipher}
	return enc, nil
}

// decryptMemory reverses encryptMemory. Memories written before
// encryption was enabled pass through with their plaintext metadata.
func (e *EncryptedStore) decryptMemory(m *memory.Memory) (*memory.Memory, error) {
	if m == nil {
		return nil, nil
	}
	text, err := DecryptField(m.Text, e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt memory %s: %w", m.ID, err)
	}

	dec := m.Clone()
	dec.Text = text
	if cipher, ok := m.Metadata[encryptedMetaKey].(string); ok {
		metaJSON, err := DecryptField(cipher, e.key)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt metadata of %s: %w", m.ID, err)
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("corrupt decrypted metadata of %s: %w", m.ID, err)
		}
		dec.Metadata = meta
	}
	return dec, nil
}

func (e *EncryptedStore) decryptAll(mems []*memory.Memory, err error) ([]*memory.Memory, error) {
	if err != nil {
		return nil, err
	}
	out := make([]*memory.Memory, 0, len(mems))
	for _, m := range mems {
		dec, err := e.decryptMemory(m)
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Read path (decrypt after retrieval)
// ---------------------------------------------------------------------------

// Get retrieves and decrypts a single memory.
func (e *EncryptedStore) Get(id string) (*memory.Memory, error) {
	m, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return e.decryptMemory(m)
}

// SearchByText always returns empty results: encrypted text cannot be
// matched with LIKE. Callers fall back to embedding-based search.
func (e *EncryptedStore) SearchByText(query string, limit int) ([]*memory.Memory, error) {
	return nil, nil
}

// ListAll lists and decrypts memories with pagination.
func (e *EncryptedStore) ListAll(limit, offset int) ([]*memory.Memory, error) {
	return e.decryptAll(e.store.ListAll(limit, offset))
}

// CandidatesWithEmbeddings returns decrypted memories carrying embeddings.
func (e *EncryptedStore) CandidatesWithEmbeddings(limit int, minImportance *float64, category string) ([]*memory.Memory, error) {
	return e.SearchFiltered(Filter{
		Category:         category,
		MinImportance:    minImportance,
		RequireEmbedding: true,
		Limit:            limit,
	})
}

// GetBySession retrieves and decrypts a session's memories.
func (e *EncryptedStore) GetBySession(sessionID string, limit int) ([]*memory.Memory, error) {
	return e.decryptAll(e.store.GetBySession(sessionID, limit))
}

// ListSessions delegates to the wrapped store (session metadata is
// plaintext).
func (e *EncryptedStore) ListSessions(limit int) ([]SessionInfo, error) {
	return e.store.ListSessions(limit)
}

// SearchFiltered filters at the SQL level and decrypts the results.
// The category filter is applied after decryption (the category tag lives
// inside the encrypted metadata); custom metadata filters stay at the SQL
// level and match against encrypted bytes (see type docs).
func (e *EncryptedStore) SearchFiltered(f Filter) ([]*memory.Memory, error) {
	category := f.Category
	f.Category = ""
	mems, err := e.decryptAll(e.store.SearchFiltered(f))
	if err != nil || category == "" {
		return mems, err
	}
	var out []*memory.Memory
	for _, m := range mems {
		if m.Category() == category {
			out = append(out, m)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Partial updates and delegated operations
// ---------------------------------------------------------------------------

// UpdateFields encrypts the text and metadata fields of a partial update
// before delegating; plaintext fields pass through unchanged.
func (e *EncryptedStore) UpdateFields(id string, upd FieldUpdate) (bool, error) {
	if upd.Text != nil {
		cipher, err := EncryptField(*upd.Text, e.key)
		if err != nil {
			return false, err
		}
		upd.Text = &cipher
	}
	if upd.Metadata != nil {
		metaJSON, err := json.Marshal(upd.Metadata)
		if err != nil {
			return false, fmt.Errorf("failed to serialise metadata: %w", err)
		}
		cipher, err := EncryptField(string(metaJSON), e.key)
		if err != nil {
			return false, err
		}
		upd.Metadata = map[string]any{encryptedMetaKey: cipher}
	}
	return e.store.UpdateFields(id, upd)
}

// Delete removes a memory by id.
func (e *EncryptedStore) Delete(id string) (bool, error) { return e.store.Delete(id) }

// UpdateAccess increments a memory's access count.
func (e *EncryptedStore) UpdateAccess(id string) error { return e.store.UpdateAccess(id) }

// Count returns the total number of stored memories.
func (e *EncryptedStore) Count() (int, error) { return e.store.Count() }

// TimeRange returns the oldest and newest created_at timestamps.
func (e *EncryptedStore) TimeRange() (string, string, error) { return e.store.TimeRange() }

// Clear deletes all memories.
func (e *EncryptedStore) Clear() (int, error) { return e.store.Clear() }
