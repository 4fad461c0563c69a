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

// Package indexer consumes index-email jobs: it reloads an archived message
// from blob storage, extracts body and attachment text, and upserts the
// search document. Indexing runs on its own queue so a slow or unavailable
// search backend never stalls ingestion.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/openarchive/ingestion/internal/extract"
	"github.com/openarchive/ingestion/internal/mailparse"
	"github.com/openarchive/ingestion/internal/models"
	"github.com/openarchive/ingestion/internal/queue"
	"github.com/openarchive/ingestion/internal/search"
	"github.com/openarchive/ingestion/internal/storage"
	"github.com/openarchive/ingestion/internal/store"
)

// Collection is the search index that holds email documents.
const Collection = "emails"

// EmailStore is the persistence surface the indexer needs.
// Implemented by store.Store.
type EmailStore interface {
	GetEmail(ctx context.Context, id string) (*models.ArchivedEmail, error)
	ListEmailAttachments(ctx context.Context, emailID string) ([]*models.Attachment, error)
	MarkEmailIndexed(ctx context.Context, id string) error
}

// Service turns archived emails into search documents.
type Service struct {
	store EmailStore
	blobs storage.BlobStore
	index search.Index
}

// New creates an indexer service.
func New(st EmailStore, blobs storage.BlobStore, index search.Index) *Service {
	return &Service{store: st, blobs: blobs, index: index}
}

// Register attaches the indexing job handler to the queue client.
func (s *Service) Register(q *queue.Client) {
	q.OnJob(models.JobIndexEmail, s.handleIndexEmail)
}

func (s *Service) handleIndexEmail(ctx context.Context, job *queue.Job) (any, error) {
	var payload models.IndexEmailJob
	if err := job.UnmarshalPayload(&payload); err != nil {
		return nil, err
	}

	email, err := s.store.GetEmail(ctx, payload.EmailID)
	if errors.Is(err, store.ErrNotFound) {
		// The source (and its emails) may have been deleted between
		// enqueue and processing.
		slog.Info("skipping index job for deleted email", "email_id", payload.EmailID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load email %s: %w", payload.EmailID, err)
	}

	raw, err := s.readBlob(ctx, email.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("read raw email %s: %w", payload.EmailID, err)
	}

	doc := models.EmailDocument{
		ID:                email.ID,
		From:              formatAddress(email.SenderName, email.SenderEmail),
		To:                addresses(email.Recipients.To),
		Cc:                addresses(email.Recipients.Cc),
		Bcc:               addresses(email.Recipients.Bcc),
		Subject:           email.Subject,
		Body:              mailparse.BodyText(raw),
		Timestamp:         email.SentAt.Unix(),
		IngestionSourceID: email.IngestionSourceID,
	}

	if email.HasAttachments {
		doc.Attachments, err = s.attachmentContents(ctx, email.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := s.index.AddDocuments(Collection, []any{doc}, "id"); err != nil {
		return nil, fmt.Errorf("index email %s: %w", payload.EmailID, err)
	}
	if err := s.store.MarkEmailIndexed(ctx, email.ID); err != nil {
		return nil, fmt.Errorf("mark email %s indexed: %w", payload.EmailID, err)
	}

	slog.Debug("email indexed", "email_id", email.ID, "attachments", len(doc.Attachments))
	return nil, nil
}

// attachmentContents extracts text from every attachment of the email.
// Extraction failures degrade to an empty string inside extract.Text; only
// storage failures propagate.
func (s *Service) attachmentContents(ctx context.Context, emailID string) ([]models.AttachmentContent, error) {
	attachments, err := s.store.ListEmailAttachments(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("list attachments for %s: %w", emailID, err)
	}

	var contents []models.AttachmentContent
	for _, a := range attachments {
		data, err := s.readBlob(ctx, a.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", a.ID, err)
		}
		text := extract.Text(data, a.MimeType)
		if text == "" {
			continue
		}
		contents = append(contents, models.AttachmentContent{
			Filename: a.Filename,
			Content:  text,
		})
	}
	return contents, nil
}

func (s *Service) readBlob(ctx context.Context, path string) ([]byte, error) {
	rc, err := s.blobs.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}

func addresses(list []models.EmailAddress) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
