// Package memory defines the Memory entity — the single unit of stored
// knowledge that every other MemoryMesh subsystem operates on.
package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scope selects which store persists a memory.
type Scope string

const (
	// ScopeProject is per-workspace memory.
	ScopeProject Scope = "project"
	// ScopeGlobal is per-user memory shared across workspaces.
	ScopeGlobal Scope = "global"
)

// ErrInvalidScope is returned when a scope string is neither "project" nor "global".
var ErrInvalidScope = fmt.Errorf("invalid scope (must be %q or %q)", ScopeProject, ScopeGlobal)

// ErrEmptyText is returned when a memory is created with no text.
var ErrEmptyText = fmt.Errorf("memory text must not be empty")

// ValidateScope checks that s is a recognised scope.
func ValidateScope(s Scope) error {
	switch s {
	case ScopeProject, ScopeGlobal:
		return nil
	}
	return fmt.Errorf("%w: got %q", ErrInvalidScope, string(s))
}

// Memory is a single unit of memory.
//
// Importance is clamped to [0, 1] and DecayRate to [0, inf) by NewMemory
// and Normalize; code that mutates them directly is expected to re-clamp.
type Memory struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	Metadata    map[string]any `json:"metadata"`
	Embedding   []float32      `json:"embedding,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	AccessCount int            `json:"access_count"`
	Importance  float64        `json:"importance"`
	DecayRate   float64        `json:"decay_rate"`
	SessionID   string         `json:"session_id,omitempty"`
	Scope       Scope          `json:"scope"`
}

// NewID generates a fresh memory identifier: a UUIDv4 rendered as 32
// lowercase hex characters.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewMemory constructs a Memory with defaults matching a fresh remember():
// generated ID, both timestamps set to now (UTC), importance 0.5 and
// decay rate 0.01, project scope.
func NewMemory(text string) (*Memory, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	now := time.Now().UTC()
	m := &Memory{
		ID:         NewID(),
		Text:       text,
		Metadata:   map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
		Importance: 0.5,
		DecayRate:  0.01,
		Scope:      ScopeProject,
	}
	return m, nil
}

// Normalize clamps importance to [0, 1] and decay rate to >= 0, and
// defaults an unset scope to project. It returns an error for empty text
// or an unrecognised scope.
func (m *Memory) Normalize() error {
	if m.Text == "" {
		return ErrEmptyText
	}
	m.Importance = ClampImportance(m.Importance)
	if m.DecayRate < 0 {
		m.DecayRate = 0
	}
	if m.Scope == "" {
		m.Scope = ScopeProject
	}
	if err := ValidateScope(m.Scope); err != nil {
		return err
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return nil
}

// ClampImportance clamps v into [0, 1].
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Clone returns a deep copy of the memory. Metadata and embedding are
// copied so callers can mutate the result without aliasing store caches.
func (m *Memory) Clone() *Memory {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.Embedding != nil {
		c.Embedding = make([]float32, len(m.Embedding))
		copy(c.Embedding, m.Embedding)
	}
	return &c
}

// MetadataJSON serialises the metadata map for persistence. An empty or
// nil map serialises to "{}".
func (m *Memory) MetadataJSON() (string, error) {
	if len(m.Metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to serialise metadata: %w", err)
	}
	return string(raw), nil
}

// Pinned reports whether the memory carries the pinned metadata flag.
func (m *Memory) Pinned() bool {
	v, ok := m.Metadata["pinned"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Category returns the category tag from metadata, or "" when absent.
func (m *Memory) Category() string {
	v, ok := m.Metadata["category"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (m *Memory) String() string {
	preview := m.Text
	if len(preview) > 60 {
		preview = preview[:60] + "..."
	}
	return fmt.Sprintf("Memory(id=%s, text=%q, importance=%.2f, access_count=%d)",
		m.ID, preview, m.Importance, m.AccessCount)
}
