package memorymesh

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sparkvibe/memorymesh/embedding"
	"github.com/sparkvibe/memorymesh/relevance"
)

// DefaultCompactInterval is how many writes trigger an automatic
// compaction pass. 0 disables auto-compaction.
const DefaultCompactInterval = 50

// Config configures a MemoryMesh. The zero value opens a global-only mesh
// at the default location with keyword-only search.
type Config struct {
	// ProjectPath is the project store database file. When empty the
	// project root is auto-detected (roots URIs, MEMORYMESH_PROJECT_ROOT,
	// marker walk-up); with no signal the mesh runs without a project
	// store.
	ProjectPath string `yaml:"project_path"`

	// GlobalPath is the global store database file. Defaults to
	// ~/.memorymesh/global.db.
	GlobalPath string `yaml:"global_path"`

	// Embedding selects the embedding provider by configuration.
	Embedding embedding.Config `yaml:"embedding"`

	// Provider, when non-nil, is used instead of Embedding — for callers
	// that construct their own provider (e.g. a Local model loader).
	Provider embedding.Provider `yaml:"-"`

	// RelevanceWeights tunes recall ranking; nil uses the defaults.
	RelevanceWeights *relevance.Weights `yaml:"relevance_weights"`

	// EncryptionKey, when non-empty, enables authenticated encryption of
	// text and metadata at rest for both stores.
	EncryptionKey string `yaml:"encryption_key"`

	// CompactInterval is the auto-compaction write interval; nil means
	// DefaultCompactInterval, 0 disables.
	CompactInterval *int `yaml:"compact_interval"`

	// Roots are caller-supplied file:// workspace URIs consulted first
	// during project root detection.
	Roots []string `yaml:"-"`

	// Logger receives diagnostic output; nil means no logging.
	Logger *zap.Logger `yaml:"-"`
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) compactInterval() int {
	if c.CompactInterval == nil {
		return DefaultCompactInterval
	}
	if *c.CompactInterval < 0 {
		return 0
	}
	return *c.CompactInterval
}
