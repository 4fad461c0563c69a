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

// Package store provides the Postgres persistence layer for ingestion
// sources, archived emails and attachments. The sync-state cursor document
// supports a targeted jsonb subtree update so concurrent mailbox jobs for
// one source never overwrite each other's fragments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openarchive/ingestion/internal/models"
)

// ErrNotFound is returned when a requested row does not exist. Callers map
// it to a 404-equivalent at the API boundary.
var ErrNotFound = errors.New("not found")

// Store provides row-level persistence backed by a Postgres pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store and ensures the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingestion_sources (
			id                       UUID PRIMARY KEY,
			name                     TEXT NOT NULL,
			provider                 TEXT NOT NULL,
			credentials              TEXT NOT NULL,
			status                   TEXT NOT NULL DEFAULT 'pending_auth',
			sync_state               JSONB NOT NULL DEFAULT '{}'::jsonb,
			last_sync_started_at     TIMESTAMPTZ,
			last_sync_finished_at    TIMESTAMPTZ,
			last_sync_status_message TEXT DEFAULT '',
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sources_status ON ingestion_sources(status);

		CREATE TABLE IF NOT EXISTS archived_emails (
			id                   UUID PRIMARY KEY,
			ingestion_source_id  UUID NOT NULL REFERENCES ingestion_sources(id) ON DELETE CASCADE,
			user_email           TEXT NOT NULL DEFAULT '',
			message_id_header    TEXT NOT NULL,
			sent_at              TIMESTAMPTZ NOT NULL,
			subject              TEXT DEFAULT '',
			sender_name          TEXT DEFAULT '',
			sender_email         TEXT NOT NULL DEFAULT '',
			recipients           JSONB NOT NULL DEFAULT '{}'::jsonb,
			storage_path         TEXT NOT NULL,
			storage_hash_sha256  TEXT NOT NULL,
			size_bytes           BIGINT NOT NULL DEFAULT 0,
			is_indexed           BOOLEAN NOT NULL DEFAULT FALSE,
			has_attachments      BOOLEAN NOT NULL DEFAULT FALSE,
			is_on_legal_hold     BOOLEAN NOT NULL DEFAULT FALSE,
			archived_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (message_id_header, ingestion_source_id)
		);
		CREATE INDEX IF NOT EXISTS idx_emails_source ON archived_emails(ingestion_source_id);

		CREATE TABLE IF NOT EXISTS attachments (
			id                   UUID PRIMARY KEY,
			filename             TEXT NOT NULL,
			mime_type            TEXT DEFAULT '',
			size_bytes           BIGINT NOT NULL DEFAULT 0,
			content_hash_sha256  TEXT NOT NULL UNIQUE,
			storage_path         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS email_attachments (
			email_id      UUID NOT NULL REFERENCES archived_emails(id) ON DELETE CASCADE,
			attachment_id UUID NOT NULL REFERENCES attachments(id) ON DELETE RESTRICT,
			PRIMARY KEY (email_id, attachment_id)
		);
	`)
	return err
}

const sourceColumns = `id, name, provider, credentials, status, sync_state,
	last_sync_started_at, last_sync_finished_at,
	COALESCE(last_sync_status_message, ''), created_at, updated_at`

// InsertSource persists a new source row.
func (s *Store) InsertSource(ctx context.Context, src *models.IngestionSource) error {
	state, err := json.Marshal(src.SyncState)
	if err != nil {
		return fmt.Errorf("marshal sync state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingestion_sources (id, name, provider, credentials, status, sync_state)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, src.ID, src.Name, src.Provider, src.EncryptedCredentials, src.Status, state)
	return err
}

// GetSource retrieves one source by id.
func (s *Store) GetSource(ctx context.Context, id string) (*models.IngestionSource, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM ingestion_sources WHERE id = $1`, id)
	return scanSource(row)
}

// ListSources returns all sources ordered by creation time.
func (s *Store) ListSources(ctx context.Context) ([]*models.IngestionSource, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM ingestion_sources ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSources(rows)
}

// ListSourcesByStatus returns all sources in the given lifecycle state.
func (s *Store) ListSourcesByStatus(ctx context.Context, status models.SourceStatus) ([]*models.IngestionSource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sourceColumns+` FROM ingestion_sources WHERE status = $1 ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSources(rows)
}

// UpdateSource applies the non-nil fields of in to a source row.
func (s *Store) UpdateSource(ctx context.Context, id string, in models.UpdateSourceInput) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if in.Name != nil {
		add("name", *in.Name)
	}
	if in.Status != nil {
		add("status", *in.Status)
	}
	if in.SyncState != nil {
		state, err := json.Marshal(in.SyncState)
		if err != nil {
			return fmt.Errorf("marshal sync state: %w", err)
		}
		add("sync_state", state)
	}
	if in.LastSyncStartedAt != nil {
		add("last_sync_started_at", *in.LastSyncStartedAt)
	}
	if in.LastSyncFinishedAt != nil {
		add("last_sync_finished_at", *in.LastSyncFinishedAt)
	}
	if in.LastSyncStatusMessage != nil {
		add("last_sync_status_message", *in.LastSyncStatusMessage)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_sources SET `+strings.Join(sets, ", ")+` WHERE id = $1
	`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSourceCredentials replaces the encrypted credential envelope.
func (s *Store) UpdateSourceCredentials(ctx context.Context, id, encrypted string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_sources SET credentials = $2, updated_at = NOW() WHERE id = $1
	`, id, encrypted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSyncStateKey sets sync_state.<provider>.<key> = value without
// rewriting the rest of the document. This is what makes concurrent
// per-mailbox cursor commits for the same source safe.
func (s *Store) UpdateSyncStateKey(ctx context.Context, sourceID, provider, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cursor value: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_sources
		SET sync_state = jsonb_set(
				jsonb_set(
					COALESCE(sync_state, '{}'::jsonb),
					ARRAY[$2],
					COALESCE(COALESCE(sync_state, '{}'::jsonb) -> $2, '{}'::jsonb),
					true
				),
				ARRAY[$2, $3], $4::jsonb, true
			),
			updated_at = NOW()
		WHERE id = $1
	`, sourceID, provider, key, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSource removes a source row. Archived email rows cascade away.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ingestion_sources WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSource(row pgx.Row) (*models.IngestionSource, error) {
	var (
		src   models.IngestionSource
		state []byte
	)
	err := row.Scan(
		&src.ID, &src.Name, &src.Provider, &src.EncryptedCredentials, &src.Status,
		&state, &src.LastSyncStartedAt, &src.LastSyncFinishedAt,
		&src.LastSyncStatusMessage, &src.CreatedAt, &src.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &src.SyncState); err != nil {
			return nil, fmt.Errorf("unmarshal sync state: %w", err)
		}
	}
	return &src, nil
}

func collectSources(rows pgx.Rows) ([]*models.IngestionSource, error) {
	var sources []*models.IngestionSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}
