// Package config loads the kernel's ambient runtime configuration: where the
// database file lives, the recursion depth limit, which embedding model name
// to tag vectors with, whether full-text search is expected to be available,
// and the log level.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/runner"
)

// KernelConfig is the ambient configuration every binary wiring the kernel
// together needs, independent of any one protocol or primitive.
type KernelConfig struct {
	DBPath              string `yaml:"db_path"`
	RecursionDepthLimit int    `yaml:"recursion_depth_limit"`
	EmbeddingModel      string `yaml:"embedding_model"`
	FTSEnabled          bool   `yaml:"fts_enabled"`
	LogLevel            string `yaml:"log_level"`
}

// Default returns the configuration used when no config file is present.
func Default() *KernelConfig {
	return &KernelConfig{
		DBPath:              "chora-cvm.db",
		RecursionDepthLimit: runner.DefaultMaxDepth,
		EmbeddingModel:      "default",
		FTSEnabled:          true,
		LogLevel:            "info",
	}
}

// Load reads path as YAML over Default's values; a missing file is not an
// error — it just yields the defaults. Present keys overwrite matching
// defaults; anything the file leaves unset keeps its default value, since
// unmarshaling decodes onto the already-populated struct rather than a zero
// one.
func Load(path string) (*KernelConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("kernel/config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("kernel/config: parse %s: %w", path, err)
	}
	return cfg, nil
}
