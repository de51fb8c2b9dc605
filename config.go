package mergetree

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// StoreConfig selects and locates a chunk store backend.
type StoreConfig struct {
	// Backend is one of "memory", "fs", or "badger".
	Backend string `yaml:"backend"`

	// Path is the store root for the fs and badger backends.
	Path string `yaml:"path"`
}

// ToolConfig configures the command-line tools.
type ToolConfig struct {
	LogLevel       string      `yaml:"logLevel"`
	Store          StoreConfig `yaml:"store"`
	SnapshotPrefix string      `yaml:"snapshotPrefix"`
}

// DefaultToolConfig returns the configuration used when no file is given.
func DefaultToolConfig() *ToolConfig {
	return &ToolConfig{
		LogLevel:       "info",
		Store:          StoreConfig{Backend: "memory"},
		SnapshotPrefix: "doc",
	}
}

// LoadToolConfig reads a YAML config file, filling unset fields with
// defaults.
func LoadToolConfig(path string) (*ToolConfig, error) {
	cfg := DefaultToolConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Logger builds a logrus logger at the configured level.
func (c *ToolConfig) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	return logger, nil
}

// OpenStore opens the configured chunk store.
func (c *ToolConfig) OpenStore() (ChunkStore, error) {
	switch c.Store.Backend {
	case "", "memory":
		return NewMemoryChunkStore(), nil
	case "fs":
		return NewFSChunkStore(c.Store.Path)
	case "badger":
		return NewBadgerChunkStore(c.Store.Path)
	}
	return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
}
