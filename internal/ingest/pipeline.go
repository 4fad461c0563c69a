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

package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openarchive/ingestion/internal/models"
	"github.com/openarchive/ingestion/internal/queue"
	"github.com/openarchive/ingestion/internal/store"
)

// emailCollection is the search index fed by the indexing queue.
const emailCollection = "emails"

const pgUniqueViolation = "23505"

// ProcessEmail runs one fetched message through the archive pipeline:
// dedup, blob write, row insert, attachment upsert, index enqueue. A message
// already archived under the same identity key is a silent no-op.
func (s *Service) ProcessEmail(ctx context.Context, src *models.IngestionSource, obj *models.EmailObject) error {
	identity := identityKey(src.ID, obj)

	// Fast path: Redis remembers recently archived identities. A filter
	// outage degrades to the database check, never to a duplicate.
	if s.seen != nil {
		isNew, err := s.seen.IsNew(ctx, src.ID+":"+identity)
		if err != nil {
			slog.Warn("seen-filter unavailable, falling through to database check", "error", err)
		} else if !isNew {
			return nil
		}
	}

	_, err := s.store.FindEmailByIdentity(ctx, src.ID, identity)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("identity lookup: %w", err)
	}

	emailID := uuid.New().String()
	path := sourcePrefix(src) + "emails/" + emailID + ".eml"
	if err := s.blobs.Put(ctx, path, bytes.NewReader(obj.Raw)); err != nil {
		return fmt.Errorf("store raw email: %w", err)
	}

	rawHash := sha256.Sum256(obj.Raw)
	email := &models.ArchivedEmail{
		ID:                emailID,
		IngestionSourceID: src.ID,
		UserEmail:         obj.UserEmail,
		MessageIDHeader:   identity,
		SentAt:            obj.SentAt,
		Subject:           obj.Subject,
		SenderName:        obj.From.Name,
		SenderEmail:       obj.From.Address,
		Recipients:        obj.Recipients,
		StoragePath:       path,
		StorageHashSha256: hex.EncodeToString(rawHash[:]),
		SizeBytes:         int64(len(obj.Raw)),
		HasAttachments:    len(obj.Attachments) > 0,
	}
	if err := s.store.InsertEmail(ctx, email); err != nil {
		// A concurrent mailbox job archived the same identity first.
		if isUniqueViolation(err) {
			slog.Debug("duplicate identity lost insert race", "source_id", src.ID, "identity", identity)
			return nil
		}
		return fmt.Errorf("insert email: %w", err)
	}

	for i := range obj.Attachments {
		if err := s.archiveAttachment(ctx, emailID, &obj.Attachments[i]); err != nil {
			return fmt.Errorf("archive attachment %q: %w", obj.Attachments[i].Filename, err)
		}
	}

	if _, err := s.queue.Enqueue(ctx, queue.QueueIndexing, models.JobIndexEmail,
		models.IndexEmailJob{EmailID: emailID}); err != nil {
		return fmt.Errorf("enqueue index job: %w", err)
	}

	slog.Debug("email archived",
		"source_id", src.ID, "email_id", emailID,
		"user", obj.UserEmail, "attachments", len(obj.Attachments))
	return nil
}

// archiveAttachment stores attachment bytes content-addressed by SHA-256.
// Identical bytes across emails and sources share one blob and one row.
func (s *Service) archiveAttachment(ctx context.Context, emailID string, att *models.AttachmentData) error {
	sum := sha256.Sum256(att.Content)
	hash := hex.EncodeToString(sum[:])
	path := "attachments/" + hash[:2] + "/" + hash

	exists, err := s.blobs.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("check attachment blob: %w", err)
	}
	if !exists {
		if err := s.blobs.Put(ctx, path, bytes.NewReader(att.Content)); err != nil {
			return fmt.Errorf("store attachment blob: %w", err)
		}
	}

	row, err := s.store.UpsertAttachment(ctx, &models.Attachment{
		ID:                uuid.New().String(),
		Filename:          att.Filename,
		MimeType:          att.ContentType,
		SizeBytes:         att.Size,
		ContentHashSha256: hash,
		StoragePath:       path,
	})
	if err != nil {
		return fmt.Errorf("upsert attachment row: %w", err)
	}
	return s.store.LinkEmailAttachment(ctx, emailID, row.ID)
}

// identityKey is the dedup key of a message within a source: the Message-ID
// header when present, otherwise a deterministic synthetic id so re-fetching
// the same headerless message never archives it twice.
func identityKey(sourceID string, obj *models.EmailObject) string {
	if obj.MessageID != "" {
		return obj.MessageID
	}
	sum := sha256.Sum256(obj.Raw)
	return "generated-" + hex.EncodeToString(sum[:]) + "-" + sourceID + "-" + obj.ID
}

// sourcePrefix is the blob namespace of one source, ending in a slash.
func sourcePrefix(src *models.IngestionSource) string {
	return sanitizeName(src.Name) + "-" + src.ID + "/"
}

// sanitizeName reduces a display name to a blob-path-safe slug.
func sanitizeName(name string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(sb.String(), "-")
	if slug == "" {
		return "source"
	}
	return slug
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
