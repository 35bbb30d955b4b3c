// Package config provides configuration loading and structs for the Shoko server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Semantic  SemanticConfig  `yaml:"semantic"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Spool     SpoolConfig     `yaml:"spool"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and indices.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	BleveIndexPath  string `yaml:"bleve_index_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	// PageWorkers is the number of concurrent page-parse workers per document.
	PageWorkers int `yaml:"page_workers"`
	// PageRetries bounds retries of a failing page before it is marked failed.
	PageRetries int `yaml:"page_retries"`
	// MaxPageFailureRatio is the fraction of failed pages above which the
	// whole document fails instead of tolerating the failures.
	MaxPageFailureRatio float64 `yaml:"max_page_failure_ratio"`
	// IndexRetries bounds retries of a failing index build.
	IndexRetries int `yaml:"index_retries"`
	// IndexBackoff is the initial backoff between index retries; it doubles
	// per attempt.
	IndexBackoff time.Duration `yaml:"index_backoff"`
	// Timeout is the default budget for one ingestion run when the caller
	// does not supply a deadline.
	Timeout time.Duration `yaml:"timeout"`
}

// SemanticConfig holds semantic index settings. Embeddings themselves come
// from an external collaborator; only dimensions and on/off live here.
type SemanticConfig struct {
	Enabled    *bool `yaml:"enabled"`
	Dimensions int   `yaml:"dimensions"`
}

// EnabledOrDefault returns whether semantic indexing is on; defaults to true.
func (s *SemanticConfig) EnabledOrDefault() bool {
	if s.Enabled != nil {
		return *s.Enabled
	}
	return true
}

// RetrievalConfig holds fusion and ranking settings. The fusion weights are
// explicit configuration, not hidden constants.
type RetrievalConfig struct {
	DefaultTopK    int     `yaml:"default_top_k"`
	MaxTopK        int     `yaml:"max_top_k"`
	LexicalWeight  float64 `yaml:"lexical_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	// TopKCandidates is how many candidates each index contributes before
	// fusion and truncation.
	TopKCandidates int `yaml:"top_k_candidates"`
	// Timeout bounds one retrieval call when the caller has no deadline.
	Timeout time.Duration `yaml:"timeout"`
}

// SpoolConfig holds the watched directory for parsed-document drops.
type SpoolConfig struct {
	Directory string `yaml:"directory"`
}

// Load reads and parses the config file at path, expands paths, and applies
// defaults. Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	if cfg.Spool.Directory != "" {
		cfg.Spool.Directory = expandPath(cfg.Spool.Directory, configDir)
	}

	return &cfg, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are
// relative to configDir; other relative paths are relative to the home
// directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
