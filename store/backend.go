package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/sparkvibe/memorymesh/memory"
)

// ErrInvalidFilterKey is returned when a metadata filter key fails the
// identifier check. Keys are interpolated into a JSON path, so anything
// outside [A-Za-z0-9_] is rejected before SQL is built.
var ErrInvalidFilterKey = errors.New("invalid metadata filter key")

// timeLayout is the persisted timestamp format: fixed-width UTC so that
// lexicographic ordering in SQL equals chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in the store's persisted timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a persisted timestamp. Accepts the store's fixed-width
// layout plus RFC 3339 variants written by older builds or other tools.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// TimeRange bounds created_at in a filtered search (inclusive ISO strings).
type TimeRange struct {
	Start string
	End   string
}

// Filter composes the SQL-level conditions of SearchFiltered. The zero
// value matches everything (subject to Limit).
type Filter struct {
	Category         string
	MinImportance    *float64
	TimeRange        *TimeRange
	Metadata         map[string]any
	RequireEmbedding bool
	Limit            int
}

// VectorChange distinguishes "keep existing" from "set" and "clear" for
// the embedding in a partial update. The zero value keeps the existing
// embedding.
type VectorChange struct {
	set   bool
	value []float32
}

// SetEmbedding returns a change that replaces the stored embedding.
func SetEmbedding(v []float32) VectorChange {
	return VectorChange{set: true, value: v}
}

// ClearEmbedding returns a change that nulls out the stored embedding.
func ClearEmbedding() VectorChange {
	return VectorChange{set: true, value: nil}
}

// IsSet reports whether the change carries a new value (possibly nil).
func (c VectorChange) IsSet() bool { return c.set }

// Value returns the new embedding; only meaningful when IsSet is true.
func (c VectorChange) Value() []float32 { return c.value }

// FieldUpdate is a partial update of a memory row. Nil pointer fields and
// a nil metadata map mean "keep existing". updated_at is always refreshed.
type FieldUpdate struct {
	Text       *string
	Importance *float64
	DecayRate  *float64
	Metadata   map[string]any
	Embedding  VectorChange
}

// SessionInfo summarises one session's memories.
type SessionInfo struct {
	SessionID string
	Count     int
	FirstAt   string
	LastAt    string
}

// Backend is the storage interface the façade programs against. It is
// implemented by Store and by EncryptedStore, which layers field
// encryption over a Store while presenting the same surface.
type Backend interface {
	Save(m *memory.Memory) error
	Get(id string) (*memory.Memory, error)
	Delete(id string) (bool, error)
	SearchByText(query string, limit int) ([]*memory.Memory, error)
	ListAll(limit, offset int) ([]*memory.Memory, error)
	CandidatesWithEmbeddings(limit int, minImportance *float64, category string) ([]*memory.Memory, error)
	GetBySession(sessionID string, limit int) ([]*memory.Memory, error)
	ListSessions(limit int) ([]SessionInfo, error)
	SearchFiltered(f Filter) ([]*memory.Memory, error)
	UpdateAccess(id string) error
	UpdateFields(id string, upd FieldUpdate) (bool, error)
	Count() (int, error)
	TimeRange() (oldest, newest string, err error)
	Clear() (int, error)
	Scope() memory.Scope
	SchemaVersion() int
	Path() string
	Close() error
}
