package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/shoko/data/db/workspace.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/shoko/data/indices/bleve"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "/usr/local/var/shoko/data/indices/vectors.bin"
	}
	if cfg.Ingest.PageWorkers == 0 {
		cfg.Ingest.PageWorkers = 4
	}
	if cfg.Ingest.PageRetries == 0 {
		cfg.Ingest.PageRetries = 2
	}
	if cfg.Ingest.MaxPageFailureRatio == 0 {
		cfg.Ingest.MaxPageFailureRatio = 0.2
	}
	if cfg.Ingest.IndexRetries == 0 {
		cfg.Ingest.IndexRetries = 3
	}
	if cfg.Ingest.IndexBackoff == 0 {
		cfg.Ingest.IndexBackoff = 200 * time.Millisecond
	}
	if cfg.Ingest.Timeout == 0 {
		cfg.Ingest.Timeout = 5 * time.Minute
	}
	if cfg.Semantic.Dimensions == 0 {
		cfg.Semantic.Dimensions = 384
	}
	if cfg.Retrieval.DefaultTopK == 0 {
		cfg.Retrieval.DefaultTopK = 10
	}
	if cfg.Retrieval.MaxTopK == 0 {
		cfg.Retrieval.MaxTopK = 100
	}
	if cfg.Retrieval.LexicalWeight == 0 && cfg.Retrieval.SemanticWeight == 0 {
		cfg.Retrieval.LexicalWeight = 0.5
		cfg.Retrieval.SemanticWeight = 0.5
	}
	if cfg.Retrieval.TopKCandidates == 0 {
		cfg.Retrieval.TopKCandidates = 100
	}
	if cfg.Retrieval.Timeout == 0 {
		cfg.Retrieval.Timeout = 30 * time.Second
	}
}
