// Package store provides durable, thread-safe persistence of Memory
// objects in a local SQLite database. No external server is required.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sparkvibe/memorymesh/memory"
)

// metadataKeyPattern guards json_extract paths built from caller-supplied
// metadata filter keys.
var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateMetadataKeys rejects metadata filter keys that are not plain
// identifiers, before any SQL is built from them.
func ValidateMetadataKeys(md map[string]any) error {
	for key := range md {
		if !metadataKeyPattern.MatchString(key) {
			return fmt.Errorf("%w: %q", ErrInvalidFilterKey, key)
		}
	}
	return nil
}

// Store owns one SQLite database file holding memories of a single scope.
//
// Connections are managed by database/sql's pool; SQLite's own locking
// under WAL mode serialises writers without blocking readers.
type Store struct {
	db            *sql.DB
	path          string
	scope         memory.Scope
	schemaVersion int
	log           *zap.Logger
}

// New opens (creating if necessary) the database at path and runs schema
// migrations. The parent directory is created with mode 0700 and the
// database file with mode 0600. The scope is stamped onto every memory
// the store returns.
func New(path string, scope memory.Scope, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := memory.ValidateScope(scope); err != nil {
		return nil, err
	}

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(resolved); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		// MkdirAll leaves pre-existing directories alone; tighten anyway.
		_ = os.Chmod(dir, 0o700)
	}

	// Create the file first so it lands with 0600 before SQLite opens it.
	f, err := os.OpenFile(resolved, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	_ = f.Close()

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", resolved)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	version, err := EnsureSchema(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug("store opened",
		zap.String("path", resolved),
		zap.String("scope", string(scope)),
		zap.Int("schema_version", version))

	return &Store{
		db:            db,
		path:          resolved,
		scope:         scope,
		schemaVersion: version,
		log:           log,
	}, nil
}

// resolvePath expands a leading ~ and canonicalises the path. Symlinked
// database files are resolved to their target so permission tightening
// applies to the real parent.
func resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("database path must not be empty")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	// Target does not exist yet; canonicalise the parent instead.
	dir, base := filepath.Split(abs)
	if realDir, err := filepath.EvalSymlinks(filepath.Clean(dir)); err == nil {
		return filepath.Join(realDir, base), nil
	}
	return abs, nil
}

// Scope returns the scope this store persists.
func (s *Store) Scope() memory.Scope { return s.scope }

// SchemaVersion returns the schema version observed at open time.
func (s *Store) SchemaVersion() int { return s.schemaVersion }

// Path returns the resolved database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for the encryption wrapper's meta-table
// access.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// CRUD
// ---------------------------------------------------------------------------

// Save inserts or fully replaces a memory by id.
func (s *Store) Save(m *memory.Memory) error {
	if err := m.Normalize(); err != nil {
		return err
	}
	metaJSON, err := m.MetadataJSON()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO memories
			(id, text, metadata_json, embedding_blob,
			 created_at, updated_at, access_count,
			 importance, decay_rate, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.Text,
		metaJSON,
		PackEmbedding(m.Embedding),
		FormatTime(m.CreatedAt),
		FormatTime(m.UpdatedAt),
		m.AccessCount,
		m.Importance,
		m.DecayRate,
		nullable(m.SessionID),
	)
	if err != nil {
		return fmt.Errorf("failed to save memory %s: %w", m.ID, err)
	}
	return nil
}

// Get retrieves a single memory by id, or (nil, nil) when absent.
func (s *Store) Get(id string) (*memory.Memory, error) {
	row := s.db.QueryRow(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := s.scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// Delete removes a memory by id. Returns whether a row was removed.
func (s *Store) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete memory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SearchByText performs a case-insensitive LIKE substring search over the
// text column, wildcards in the query matched literally. Results are
// ordered by recency. This is the keyword fallback when embeddings are
// not available.
func (s *Store) SearchByText(query string, limit int) ([]*memory.Memory, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query)
	pattern := "%" + escaped + "%"
	rows, err := s.db.Query(`
		SELECT `+memoryColumns+` FROM memories
		WHERE text LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC
		LIMIT ?`,
		pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	return s.collectRows(rows)
}

// ListAll lists memories, most recently updated first.
func (s *Store) ListAll(limit, offset int) ([]*memory.Memory, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryColumns+` FROM memories
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	return s.collectRows(rows)
}

// CandidatesWithEmbeddings returns memories that carry an embedding,
// optionally filtered by minimum importance and category, ordered by
// importance then recency. Used by the recall pipeline.
func (s *Store) CandidatesWithEmbeddings(limit int, minImportance *float64, category string) ([]*memory.Memory, error) {
	return s.SearchFiltered(Filter{
		Category:         category,
		MinImportance:    minImportance,
		RequireEmbedding: true,
		Limit:            limit,
	})
}

// GetBySession returns memories belonging to one session in creation order.
func (s *Store) GetBySession(sessionID string, limit int) ([]*memory.Memory, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryColumns+` FROM memories
		WHERE session_id = ?
		ORDER BY created_at ASC
		LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session query failed: %w", err)
	}
	return s.collectRows(rows)
}

// ListSessions lists distinct sessions with per-session count and first /
// last timestamps, most recent session first.
func (s *Store) ListSessions(limit int) ([]SessionInfo, error) {
	rows, err := s.db.Query(`
		SELECT session_id,
		       COUNT(*)        AS cnt,
		       MIN(created_at) AS first_at,
		       MAX(created_at) AS last_at
		FROM memories
		WHERE session_id IS NOT NULL
		GROUP BY session_id
		ORDER BY last_at DESC
		LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("session listing failed: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.SessionID, &info.Count, &info.FirstAt, &info.LastAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// SearchFiltered composes category, importance, time-range, metadata and
// embedding-presence conditions into a single query. Metadata filter keys
// must match ^[A-Za-z_][A-Za-z0-9_]*$; anything else is rejected before
// SQL is built (injection guard). Values are bound as parameters.
func (s *Store) SearchFiltered(f Filter) ([]*memory.Memory, error) {
	conditions := []string{}
	params := []any{}

	if f.Category != "" {
		conditions = append(conditions, `json_extract(metadata_json, '$.category') = ?`)
		params = append(params, f.Category)
	}
	if f.MinImportance != nil {
		conditions = append(conditions, `importance >= ?`)
		params = append(params, *f.MinImportance)
	}
	if f.TimeRange != nil {
		conditions = append(conditions, `created_at >= ? AND created_at <= ?`)
		params = append(params, f.TimeRange.Start, f.TimeRange.End)
	}
	if f.RequireEmbedding {
		conditions = append(conditions, `embedding_blob IS NOT NULL`)
	}
	for key, value := range f.Metadata {
		if !metadataKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFilterKey, key)
		}
		conditions = append(conditions, fmt.Sprintf(`json_extract(metadata_json, '$.%s') = ?`, key))
		params = append(params, filterValue(value))
	}

	where := "1=1"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 10000
	}
	params = append(params, limit)

	rows, err := s.db.Query(`
		SELECT `+memoryColumns+` FROM memories
		WHERE `+where+`
		ORDER BY importance DESC, updated_at DESC
		LIMIT ?`,
		params...)
	if err != nil {
		return nil, fmt.Errorf("filtered search failed: %w", err)
	}
	return s.collectRows(rows)
}

// UpdateAccess atomically increments a memory's access count and
// refreshes its updated_at timestamp.
func (s *Store) UpdateAccess(id string) error {
	_, err := s.db.Exec(`
		UPDATE memories
		SET access_count = access_count + 1,
		    updated_at = ?
		WHERE id = ?`,
		FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update access for %s: %w", id, err)
	}
	return nil
}

// UpdateFields applies a partial update. updated_at is always refreshed.
// Returns whether any row matched.
func (s *Store) UpdateFields(id string, upd FieldUpdate) (bool, error) {
	setClauses := []string{}
	params := []any{}

	if upd.Text != nil {
		setClauses = append(setClauses, "text = ?")
		params = append(params, *upd.Text)
	}
	if upd.Importance != nil {
		setClauses = append(setClauses, "importance = ?")
		params = append(params, memory.ClampImportance(*upd.Importance))
	}
	if upd.DecayRate != nil {
		rate := *upd.DecayRate
		if rate < 0 {
			rate = 0
		}
		setClauses = append(setClauses, "decay_rate = ?")
		params = append(params, rate)
	}
	if upd.Metadata != nil {
		raw, err := json.Marshal(upd.Metadata)
		if err != nil {
			return false, fmt.Errorf("failed to serialise metadata: %w", err)
		}
		setClauses = append(setClauses, "metadata_json = ?")
		params = append(params, string(raw))
	}
	if upd.Embedding.IsSet() {
		setClauses = append(setClauses, "embedding_blob = ?")
		params = append(params, PackEmbedding(upd.Embedding.Value()))
	}

	setClauses = append(setClauses, "updated_at = ?")
	params = append(params, FormatTime(time.Now()))
	params = append(params, id)

	res, err := s.db.Exec(
		"UPDATE memories SET "+strings.Join(setClauses, ", ")+" WHERE id = ?",
		params...)
	if err != nil {
		return false, fmt.Errorf("failed to update memory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the total number of stored memories.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return n, nil
}

// TimeRange returns the oldest and newest created_at timestamps, or empty
// strings when the store is empty.
func (s *Store) TimeRange() (string, string, error) {
	var oldest, newest sql.NullString
	err := s.db.QueryRow(`SELECT MIN(created_at), MAX(created_at) FROM memories`).Scan(&oldest, &newest)
	if err != nil {
		return "", "", fmt.Errorf("time range query failed: %w", err)
	}
	return oldest.String, newest.String, nil
}

// Clear deletes all memories and returns how many were removed.
func (s *Store) Clear() (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("count failed: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM memories`); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("clear failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Row scanning
// ---------------------------------------------------------------------------

const memoryColumns = `id, text, metadata_json, embedding_blob,
	created_at, updated_at, access_count, importance, decay_rate, session_id`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMemory converts a database row into a Memory, stamping the store's
// scope (a memory's scope always equals the scope of the store holding it).
func (s *Store) scanMemory(row rowScanner) (*memory.Memory, error) {
	var (
		m         memory.Memory
		metaJSON  string
		blob      []byte
		createdAt string
		updatedAt string
		session   sql.NullString
	)
	err := row.Scan(&m.ID, &m.Text, &metaJSON, &blob,
		&createdAt, &updatedAt, &m.AccessCount, &m.Importance, &m.DecayRate, &session)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for memory %s: %w", m.ID, err)
	}
	m.Embedding = UnpackEmbedding(blob)
	if m.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at for memory %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at for memory %s: %w", m.ID, err)
	}
	m.SessionID = session.String
	m.Scope = s.scope
	return &m, nil
}

func (s *Store) collectRows(rows *sql.Rows) ([]*memory.Memory, error) {
	defer rows.Close()
	var out []*memory.Memory
	for rows.Next() {
		m, err := s.scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// filterValue converts a metadata filter value into a form comparable with
// json_extract output (JSON booleans extract as integers 0/1).
func filterValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
