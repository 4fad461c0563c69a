// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects and configures the blob storage backend.
type StorageConfig struct {
	Type      string `yaml:"type"` // "local" or "s3"
	LocalRoot string `yaml:"local_root"`

	S3Endpoint       string `yaml:"s3_endpoint"`
	S3Region         string `yaml:"s3_region"`
	S3Bucket         string `yaml:"s3_bucket"`
	S3AccessKeyID    string `yaml:"s3_access_key_id"`
	S3SecretKey      string `yaml:"s3_secret_key"`
	S3ForcePathStyle bool   `yaml:"s3_force_path_style"`
}

// SearchConfig configures the full-text index backend.
type SearchConfig struct {
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
}

// Config holds all configuration for the archiving service.
type Config struct {
	DatabaseURL string
	RedisURL    string

	Storage StorageConfig
	Search  SearchConfig

	// EncryptionKey is the process-wide secret for the credential vault.
	EncryptionKey string

	// SyncInterval is the recurring cadence of the continuous-sync scheduler.
	SyncInterval time.Duration

	// IngestionConcurrency / IndexingConcurrency size the two worker pools.
	IngestionConcurrency int
	IndexingConcurrency  int

	// JobMaxAttempts is the per-job retry ceiling.
	JobMaxAttempts int

	// Port of the health check server.
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Storage StorageConfig `yaml:"storage"`
	Search  SearchConfig  `yaml:"search"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	cfg := &Config{
		DatabaseURL:          envOrDefault("DATABASE_URL", "postgres://localhost:5432/archive"),
		RedisURL:             envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		EncryptionKey:        os.Getenv("ENCRYPTION_KEY"),
		SyncInterval:         envOrDefaultDuration("SYNC_INTERVAL", 15*time.Minute),
		IngestionConcurrency: envOrDefaultInt("INGESTION_CONCURRENCY", 4),
		IndexingConcurrency:  envOrDefaultInt("INDEXING_CONCURRENCY", 4),
		JobMaxAttempts:       envOrDefaultInt("JOB_MAX_ATTEMPTS", 5),
		Port:                 envOrDefaultInt("PORT", 8080),
		Storage: StorageConfig{
			Type:      envOrDefault("STORAGE_TYPE", "local"),
			LocalRoot: envOrDefault("STORAGE_LOCAL_ROOT", "/var/lib/archive/blobs"),
		},
		Search: SearchConfig{
			Host:   envOrDefault("SEARCH_HOST", "http://localhost:7700"),
			APIKey: os.Getenv("SEARCH_API_KEY"),
		},
	}

	// config.yaml is optional; env-only deployments are fine.
	if data, err := os.ReadFile(configPath); err == nil {
		expanded := os.ExpandEnv(string(data))

		var raw rawConfig
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}

		cfg.DatabaseURL = firstNonEmpty(raw.Database.URL, cfg.DatabaseURL)
		cfg.RedisURL = firstNonEmpty(raw.Redis.URL, cfg.RedisURL)
		if raw.Storage.Type != "" {
			cfg.Storage = raw.Storage
		}
		if raw.Search.Host != "" {
			cfg.Search = raw.Search
		}
	}

	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required — credentials are encrypted at rest")
	}

	switch cfg.Storage.Type {
	case "local", "s3":
	default:
		return nil, fmt.Errorf("invalid storage type %q", cfg.Storage.Type)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
