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

package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/openarchive/ingestion/internal/models"
	"github.com/openarchive/ingestion/internal/queue"
	"github.com/openarchive/ingestion/internal/store"
)

type mockEmailStore struct {
	emails      map[string]*models.ArchivedEmail
	attachments map[string][]*models.Attachment
	indexed     []string
}

func (m *mockEmailStore) GetEmail(_ context.Context, id string) (*models.ArchivedEmail, error) {
	e, ok := m.emails[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (m *mockEmailStore) ListEmailAttachments(_ context.Context, emailID string) ([]*models.Attachment, error) {
	return m.attachments[emailID], nil
}

func (m *mockEmailStore) MarkEmailIndexed(_ context.Context, id string) error {
	m.indexed = append(m.indexed, id)
	return nil
}

type mockBlobs struct {
	objects map[string][]byte
}

func (m *mockBlobs) Put(_ context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[path] = data
	return nil
}

func (m *mockBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func (m *mockBlobs) DeletePrefix(context.Context, string) error { return nil }

type mockIndex struct {
	docs []models.EmailDocument
}

func (m *mockIndex) AddDocuments(_ string, docs []any, _ string) error {
	for _, d := range docs {
		m.docs = append(m.docs, d.(models.EmailDocument))
	}
	return nil
}

func (m *mockIndex) DeleteByFilter(string, string) error { return nil }

func indexJob(t *testing.T, emailID string) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(models.IndexEmailJob{EmailID: emailID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{ID: "job-1", Kind: models.JobIndexEmail, Payload: payload}
}

func TestHandleIndexEmail(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: numbers\r\n" +
		"\r\n" +
		"quarterly revenue attached\r\n"

	st := &mockEmailStore{
		emails: map[string]*models.ArchivedEmail{
			"e1": {
				ID:                "e1",
				IngestionSourceID: "src-1",
				Subject:           "numbers",
				SenderName:        "Alice",
				SenderEmail:       "alice@example.com",
				Recipients: models.Recipients{
					To: []models.EmailAddress{{Address: "bob@example.com"}},
				},
				StoragePath:    "acme-src-1/emails/e1.eml",
				SentAt:         time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
				HasAttachments: true,
			},
		},
		attachments: map[string][]*models.Attachment{
			"e1": {
				{ID: "a1", Filename: "notes.txt", MimeType: "text/plain", StoragePath: "attachments/ab/abc"},
				{ID: "a2", Filename: "photo.jpg", MimeType: "image/jpeg", StoragePath: "attachments/cd/cde"},
			},
		},
	}
	blobs := &mockBlobs{objects: map[string][]byte{
		"acme-src-1/emails/e1.eml": []byte(raw),
		"attachments/ab/abc":       []byte("meeting notes"),
		"attachments/cd/cde":       {0xFF, 0xD8},
	}}
	index := &mockIndex{}

	svc := New(st, blobs, index)
	if _, err := svc.handleIndexEmail(context.Background(), indexJob(t, "e1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(index.docs) != 1 {
		t.Fatalf("indexed %d documents, want 1", len(index.docs))
	}
	doc := index.docs[0]
	if doc.From != "Alice <alice@example.com>" {
		t.Errorf("from = %q", doc.From)
	}
	if len(doc.To) != 1 || doc.To[0] != "bob@example.com" {
		t.Errorf("to = %v", doc.To)
	}
	if doc.Body == "" {
		t.Error("body text missing")
	}
	if doc.Timestamp != st.emails["e1"].SentAt.Unix() {
		t.Errorf("timestamp = %d", doc.Timestamp)
	}
	// The image has no extractable text and must be omitted.
	if len(doc.Attachments) != 1 || doc.Attachments[0].Content != "meeting notes" {
		t.Errorf("attachments = %+v", doc.Attachments)
	}

	if len(st.indexed) != 1 || st.indexed[0] != "e1" {
		t.Errorf("indexed marks = %v", st.indexed)
	}
}

// TestHandleIndexEmail_DeletedEmail verifies a job racing a source deletion
// completes without error instead of retrying forever.
func TestHandleIndexEmail_DeletedEmail(t *testing.T) {
	svc := New(
		&mockEmailStore{emails: map[string]*models.ArchivedEmail{}},
		&mockBlobs{objects: map[string][]byte{}},
		&mockIndex{},
	)
	if _, err := svc.handleIndexEmail(context.Background(), indexJob(t, "gone")); err != nil {
		t.Fatalf("deleted email should be skipped, got %v", err)
	}
}
