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

// Package storage provides blob storage for raw messages and attachments,
// backed by the local filesystem or an S3-compatible object store. Paths are
// namespaced per ingestion source so concurrent sources never collide.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/openarchive/ingestion/internal/config"
)

// BlobStore is the storage contract the ingestion core depends on.
type BlobStore interface {
	Put(ctx context.Context, path string, r io.Reader) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	// DeletePrefix removes every blob under the given namespace. Source
	// deletion relies on it.
	DeletePrefix(ctx context.Context, prefix string) error
}

// New selects a provider from configuration.
func New(cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Type {
	case "local":
		return NewLocal(cfg.LocalRoot)
	case "s3":
		return NewS3(cfg)
	default:
		return nil, fmt.Errorf("invalid storage provider type %q", cfg.Type)
	}
}
