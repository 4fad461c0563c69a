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

// Package search wraps the Meilisearch client behind the small surface the
// ingestion core needs: document upserts keyed by an id field and
// filter-scoped deletion.
package search

import (
	"fmt"
	"log/slog"

	"github.com/meilisearch/meilisearch-go"

	"github.com/openarchive/ingestion/internal/config"
)

// Index is the full-text index contract the core depends on.
type Index interface {
	AddDocuments(collection string, docs []any, idField string) error
	DeleteByFilter(collection, filter string) error
}

// Client is a Meilisearch-backed Index.
type Client struct {
	sm meilisearch.ServiceManager
}

// NewClient connects to the configured Meilisearch host.
func NewClient(cfg config.SearchConfig) *Client {
	return &Client{
		sm: meilisearch.New(cfg.Host, meilisearch.WithAPIKey(cfg.APIKey)),
	}
}

// Ping checks connectivity to the search backend.
func (c *Client) Ping() error {
	if !c.sm.IsHealthy() {
		return fmt.Errorf("search backend unhealthy")
	}
	return nil
}

// AddDocuments upserts documents into a collection, keyed by idField.
func (c *Client) AddDocuments(collection string, docs []any, idField string) error {
	if len(docs) == 0 {
		return nil
	}
	task, err := c.sm.Index(collection).AddDocuments(docs, idField)
	if err != nil {
		return fmt.Errorf("add documents to %s: %w", collection, err)
	}
	slog.Debug("search documents enqueued", "collection", collection, "count", len(docs), "task", task.TaskUID)
	return nil
}

// DeleteByFilter removes every document matching the filter expression,
// e.g. `ingestionSourceId = <id>`.
func (c *Client) DeleteByFilter(collection, filter string) error {
	task, err := c.sm.Index(collection).DeleteDocumentsByFilter(filter)
	if err != nil {
		return fmt.Errorf("delete documents from %s: %w", collection, err)
	}
	slog.Debug("search filter delete enqueued", "collection", collection, "filter", filter, "task", task.TaskUID)
	return nil
}
