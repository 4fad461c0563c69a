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

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openarchive/ingestion/internal/models"
)

const emailColumns = `id, ingestion_source_id, user_email, message_id_header, sent_at,
	COALESCE(subject, ''), COALESCE(sender_name, ''), sender_email, recipients,
	storage_path, storage_hash_sha256, size_bytes, is_indexed, has_attachments,
	is_on_legal_hold, archived_at`

// FindEmailByIdentity looks up the archived email with the given identity key
// within one source. This is the cross-folder dedup check.
func (s *Store) FindEmailByIdentity(ctx context.Context, sourceID, messageIDHeader string) (*models.ArchivedEmail, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+emailColumns+` FROM archived_emails
		WHERE ingestion_source_id = $1 AND message_id_header = $2
	`, sourceID, messageIDHeader)
	return scanEmail(row)
}

// GetEmail retrieves one archived email by id.
func (s *Store) GetEmail(ctx context.Context, id string) (*models.ArchivedEmail, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM archived_emails WHERE id = $1`, id)
	return scanEmail(row)
}

// InsertEmail persists a new archived email row.
func (s *Store) InsertEmail(ctx context.Context, e *models.ArchivedEmail) error {
	recipients, err := json.Marshal(e.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO archived_emails
			(id, ingestion_source_id, user_email, message_id_header, sent_at,
			 subject, sender_name, sender_email, recipients, storage_path,
			 storage_hash_sha256, size_bytes, has_attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.IngestionSourceID, e.UserEmail, e.MessageIDHeader, e.SentAt,
		e.Subject, e.SenderName, e.SenderEmail, recipients, e.StoragePath,
		e.StorageHashSha256, e.SizeBytes, e.HasAttachments)
	return err
}

// MarkEmailIndexed flips is_indexed after a successful index upsert.
func (s *Store) MarkEmailIndexed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE archived_emails SET is_indexed = TRUE WHERE id = $1
	`, id)
	return err
}

// UpsertAttachment inserts an attachment keyed by content hash. Identical
// bytes are assumed for an identical hash, so a conflict only refreshes the
// filename. The canonical row is returned either way.
func (s *Store) UpsertAttachment(ctx context.Context, a *models.Attachment) (*models.Attachment, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO attachments (id, filename, mime_type, size_bytes, content_hash_sha256, storage_path)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (content_hash_sha256) DO UPDATE SET filename = EXCLUDED.filename
		RETURNING id, filename, COALESCE(mime_type, ''), size_bytes, content_hash_sha256, storage_path
	`, a.ID, a.Filename, a.MimeType, a.SizeBytes, a.ContentHashSha256, a.StoragePath)

	var out models.Attachment
	if err := row.Scan(&out.ID, &out.Filename, &out.MimeType, &out.SizeBytes,
		&out.ContentHashSha256, &out.StoragePath); err != nil {
		return nil, err
	}
	return &out, nil
}

// LinkEmailAttachment records the email/attachment association. Repeat links
// are ignored.
func (s *Store) LinkEmailAttachment(ctx context.Context, emailID, attachmentID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_attachments (email_id, attachment_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, emailID, attachmentID)
	return err
}

// ListEmailAttachments returns the attachments linked to one email.
func (s *Store) ListEmailAttachments(ctx context.Context, emailID string) ([]*models.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.filename, COALESCE(a.mime_type, ''), a.size_bytes,
		       a.content_hash_sha256, a.storage_path
		FROM email_attachments ea
		JOIN attachments a ON a.id = ea.attachment_id
		WHERE ea.email_id = $1
		ORDER BY a.filename
	`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attachments []*models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.Filename, &a.MimeType, &a.SizeBytes,
			&a.ContentHashSha256, &a.StoragePath); err != nil {
			return nil, err
		}
		attachments = append(attachments, &a)
	}
	return attachments, rows.Err()
}

func scanEmail(row pgx.Row) (*models.ArchivedEmail, error) {
	var (
		e          models.ArchivedEmail
		recipients []byte
	)
	err := row.Scan(
		&e.ID, &e.IngestionSourceID, &e.UserEmail, &e.MessageIDHeader, &e.SentAt,
		&e.Subject, &e.SenderName, &e.SenderEmail, &recipients, &e.StoragePath,
		&e.StorageHashSha256, &e.SizeBytes, &e.IsIndexed, &e.HasAttachments,
		&e.IsOnLegalHold, &e.ArchivedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &e.Recipients); err != nil {
			return nil, fmt.Errorf("unmarshal recipients: %w", err)
		}
	}
	return &e, nil
}
