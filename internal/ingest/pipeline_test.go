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
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openarchive/ingestion/internal/models"
)

func testEmail(messageID, providerID string) *models.EmailObject {
	return &models.EmailObject{
		ID:        providerID,
		UserEmail: "archive@example.com",
		Raw:       []byte("From: a@example.com\r\nSubject: hello\r\n\r\nbody " + providerID),
		MessageID: messageID,
		Subject:   "hello",
		From:      models.EmailAddress{Address: "a@example.com"},
		SentAt:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// TestIdentityKey_FallbackDeterministic verifies that messages without a
// Message-ID header get a synthetic identity that is stable across fetches.
func TestIdentityKey_FallbackDeterministic(t *testing.T) {
	obj := testEmail("", "uid-7")

	a := identityKey("src-1", obj)
	b := identityKey("src-1", obj)
	if a != b {
		t.Errorf("identity not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "generated-") {
		t.Errorf("fallback identity %q should carry the generated- prefix", a)
	}
	if !strings.HasSuffix(a, "-src-1-uid-7") {
		t.Errorf("fallback identity %q should end with source and provider ids", a)
	}

	other := testEmail("", "uid-8")
	if identityKey("src-1", other) == a {
		t.Error("different raw bytes must yield a different identity")
	}
}

func TestIdentityKey_PrefersHeader(t *testing.T) {
	obj := testEmail("<abc@mail>", "uid-7")
	if got := identityKey("src-1", obj); got != "<abc@mail>" {
		t.Errorf("identity = %q, want the Message-ID header", got)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Example Mail", "example-mail"},
		{"ACME  / HR (2026)", "acme-hr-2026"},
		{"---", "source"},
		{"", "source"},
		{"plain", "plain"},
	}
	for _, tc := range cases {
		if got := sanitizeName(tc.in); got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestProcessEmail_Archive verifies the happy path: blob written under the
// source prefix, row inserted, index job enqueued.
func TestProcessEmail_Archive(t *testing.T) {
	env := newTestEnv(t)
	src := env.seedSource(t, "src-1", models.StatusActive)

	obj := testEmail("<m1@mail>", "uid-1")
	if err := env.svc.ProcessEmail(context.Background(), src, obj); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(env.store.inserted) != 1 {
		t.Fatalf("inserted %d rows, want 1", len(env.store.inserted))
	}
	email := env.store.inserted[0]
	if email.MessageIDHeader != "<m1@mail>" {
		t.Errorf("identity = %q, want <m1@mail>", email.MessageIDHeader)
	}
	wantPrefix := "example-mail-src-1/emails/"
	if !strings.HasPrefix(email.StoragePath, wantPrefix) || !strings.HasSuffix(email.StoragePath, ".eml") {
		t.Errorf("storage path = %q, want %s<id>.eml", email.StoragePath, wantPrefix)
	}
	if _, ok := env.blobs.objects[email.StoragePath]; !ok {
		t.Error("raw blob missing")
	}

	if len(env.queue.enqueued) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(env.queue.enqueued))
	}
	if env.queue.enqueued[0].kind != models.JobIndexEmail {
		t.Errorf("enqueued kind = %q, want %q", env.queue.enqueued[0].kind, models.JobIndexEmail)
	}
}

// TestProcessEmail_DuplicateIdentity verifies that a message already
// archived under the same identity within the source is a no-op.
func TestProcessEmail_DuplicateIdentity(t *testing.T) {
	env := newTestEnv(t)
	src := env.seedSource(t, "src-1", models.StatusActive)

	obj := testEmail("<dup@mail>", "uid-1")
	if err := env.svc.ProcessEmail(context.Background(), src, obj); err != nil {
		t.Fatalf("first archive: %v", err)
	}

	// Same identity arrives again, e.g. from another folder.
	again := testEmail("<dup@mail>", "uid-2")
	if err := env.svc.ProcessEmail(context.Background(), src, again); err != nil {
		t.Fatalf("second archive: %v", err)
	}

	if len(env.store.inserted) != 1 {
		t.Errorf("inserted %d rows, want 1 (duplicate must be skipped)", len(env.store.inserted))
	}
	if len(env.queue.enqueued) != 1 {
		t.Errorf("enqueued %d index jobs, want 1", len(env.queue.enqueued))
	}
}

// TestProcessEmail_DuplicateAcrossSources verifies that the identity key is
// scoped per source: the same Message-ID in two sources archives twice.
func TestProcessEmail_DuplicateAcrossSources(t *testing.T) {
	env := newTestEnv(t)
	src1 := env.seedSource(t, "src-1", models.StatusActive)
	src2 := env.seedSource(t, "src-2", models.StatusActive)

	if err := env.svc.ProcessEmail(context.Background(), src1, testEmail("<x@mail>", "u1")); err != nil {
		t.Fatalf("source 1: %v", err)
	}
	if err := env.svc.ProcessEmail(context.Background(), src2, testEmail("<x@mail>", "u1")); err != nil {
		t.Fatalf("source 2: %v", err)
	}

	if len(env.store.inserted) != 2 {
		t.Errorf("inserted %d rows, want 2", len(env.store.inserted))
	}
}

// TestProcessEmail_AttachmentsContentAddressed verifies attachment blobs and
// rows deduplicate on content hash across emails.
func TestProcessEmail_AttachmentsContentAddressed(t *testing.T) {
	env := newTestEnv(t)
	src := env.seedSource(t, "src-1", models.StatusActive)

	att := models.AttachmentData{
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Size:        4,
		Content:     []byte("%PDF"),
	}

	first := testEmail("<a1@mail>", "u1")
	first.Attachments = []models.AttachmentData{att}
	second := testEmail("<a2@mail>", "u2")
	second.Attachments = []models.AttachmentData{att}

	if err := env.svc.ProcessEmail(context.Background(), src, first); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := env.svc.ProcessEmail(context.Background(), src, second); err != nil {
		t.Fatalf("second: %v", err)
	}

	var attachmentPuts int
	for _, p := range env.blobs.puts {
		if strings.HasPrefix(p, "attachments/") {
			attachmentPuts++
			if parts := strings.Split(p, "/"); len(parts) == 3 && parts[1] != parts[2][:2] {
				t.Errorf("attachment path %q not sharded by hash prefix", p)
			}
		}
	}
	if attachmentPuts != 1 {
		t.Errorf("attachment blob written %d times, want 1", attachmentPuts)
	}
	if len(env.store.rows) != 1 {
		t.Errorf("attachment rows = %d, want 1", len(env.store.rows))
	}
	if len(env.store.links) != 2 {
		t.Errorf("email-attachment links = %d, want 2", len(env.store.links))
	}
}
