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

package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/option"

	"github.com/openarchive/ingestion/internal/models"
)

const testRawMessage = "From: sender@example.com\r\n" +
	"To: archive@example.com\r\n" +
	"Subject: quarterly numbers\r\n" +
	"Message-ID: <q1@example.com>\r\n" +
	"Date: Fri, 01 May 2026 12:00:00 +0000\r\n" +
	"\r\n" +
	"The numbers are in.\r\n"

func rawBody() string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(testRawMessage))
}

func testGoogle(server *httptest.Server) *Google {
	return &Google{
		adminEmail: "admin@example.com",
		updated:    make(map[string]models.GoogleMailboxState),
		clientOpts: []option.ClientOption{
			option.WithHTTPClient(server.Client()),
			option.WithEndpoint(server.URL),
			option.WithoutAuthentication(),
		},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, _ := json.Marshal(v)
	w.Write(data)
}

// TestGoogle_BackfillEmptyMailbox verifies the cursor baselines from the
// profile's history id even when the mailbox has no messages at all.
func TestGoogle_BackfillEmptyMailbox(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			writeJSON(w, map[string]any{"messages": []any{}})
		case strings.HasSuffix(r.URL.Path, "/users/me/profile"):
			writeJSON(w, map[string]any{"emailAddress": "alice@example.com", "historyId": "777"})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	g := testGoogle(server)

	var yielded int
	err := g.FetchMessages(context.Background(), "alice@example.com", &models.SyncState{},
		func(*models.EmailObject) error { yielded++; return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if yielded != 0 {
		t.Errorf("yielded %d messages, want 0", yielded)
	}

	cursor := g.UpdatedCursor("alice@example.com")
	if got := cursor.Google["alice@example.com"].HistoryID; got != "777" {
		t.Errorf("history id = %q, want 777 (must advance on empty mailbox)", got)
	}
}

// TestGoogle_Backfill verifies the full backfill lists, fetches raw and
// parses every message.
func TestGoogle_Backfill(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			writeJSON(w, map[string]any{"messages": []map[string]string{{"id": "m1"}}})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/m1"):
			if got := r.URL.Query().Get("format"); got != "raw" {
				t.Errorf("format = %q, want raw", got)
			}
			writeJSON(w, map[string]any{"id": "m1", "raw": rawBody()})
		case strings.HasSuffix(r.URL.Path, "/users/me/profile"):
			writeJSON(w, map[string]any{"historyId": "900"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	g := testGoogle(server)

	var got []*models.EmailObject
	err := g.FetchMessages(context.Background(), "alice@example.com", nil,
		func(obj *models.EmailObject) error { got = append(got, obj); return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("yielded %d messages, want 1", len(got))
	}
	if got[0].ID != "m1" {
		t.Errorf("provider id = %q, want m1", got[0].ID)
	}
	if got[0].MessageID != "<q1@example.com>" {
		t.Errorf("message id = %q, want <q1@example.com>", got[0].MessageID)
	}
	if got[0].UserEmail != "alice@example.com" {
		t.Errorf("user = %q, want alice@example.com", got[0].UserEmail)
	}
}

// TestGoogle_Incremental verifies the history walk yields only additions
// and advances to the response's latest history id.
func TestGoogle_Incremental(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/history"):
			if got := r.URL.Query().Get("startHistoryId"); got != "500" {
				t.Errorf("startHistoryId = %q, want 500", got)
			}
			writeJSON(w, map[string]any{
				"historyId": "650",
				"history": []map[string]any{
					{
						"id": "600",
						"messagesAdded": []map[string]any{
							{"message": map[string]string{"id": "m2"}},
							{"message": map[string]string{"id": "m2"}}, // duplicate record
						},
					},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/m2"):
			writeJSON(w, map[string]any{"id": "m2", "raw": rawBody()})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	g := testGoogle(server)
	state := &models.SyncState{
		Google: map[string]models.GoogleMailboxState{"alice@example.com": {HistoryID: "500"}},
	}

	var yielded int
	err := g.FetchMessages(context.Background(), "alice@example.com", state,
		func(*models.EmailObject) error { yielded++; return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if yielded != 1 {
		t.Errorf("yielded %d messages, want 1 (history duplicates must collapse)", yielded)
	}

	cursor := g.UpdatedCursor("alice@example.com")
	if got := cursor.Google["alice@example.com"].HistoryID; got != "650" {
		t.Errorf("history id = %q, want 650", got)
	}
}

// TestGoogle_IncrementalNoAdditions verifies a history window containing
// only removals (which the messageAdded filter hides entirely) still
// advances the cursor, so deletions are never re-examined.
func TestGoogle_IncrementalNoAdditions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/history") {
			t.Errorf("unexpected request %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"historyId": "720", "history": []any{}})
	}))
	defer server.Close()

	g := testGoogle(server)
	state := &models.SyncState{
		Google: map[string]models.GoogleMailboxState{"alice@example.com": {HistoryID: "700"}},
	}

	var yielded int
	err := g.FetchMessages(context.Background(), "alice@example.com", state,
		func(*models.EmailObject) error { yielded++; return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if yielded != 0 {
		t.Errorf("yielded %d messages, want 0", yielded)
	}
	cursor := g.UpdatedCursor("alice@example.com")
	if got := cursor.Google["alice@example.com"].HistoryID; got != "720" {
		t.Errorf("history id = %q, want 720", got)
	}
}

// TestGoogle_ExpiredHistoryFallsBack verifies a 404 on the history walk
// falls back to a full backfill.
func TestGoogle_ExpiredHistoryFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/history"):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": {"code": 404, "message": "history too old"}}`))
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			writeJSON(w, map[string]any{"messages": []map[string]string{{"id": "m3"}}})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/m3"):
			writeJSON(w, map[string]any{"id": "m3", "raw": rawBody()})
		case strings.HasSuffix(r.URL.Path, "/users/me/profile"):
			writeJSON(w, map[string]any{"historyId": "1000"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	g := testGoogle(server)
	state := &models.SyncState{
		Google: map[string]models.GoogleMailboxState{"alice@example.com": {HistoryID: "1"}},
	}

	var yielded int
	err := g.FetchMessages(context.Background(), "alice@example.com", state,
		func(*models.EmailObject) error { yielded++; return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if yielded != 1 {
		t.Errorf("yielded %d messages, want 1 from the backfill", yielded)
	}
	cursor := g.UpdatedCursor("alice@example.com")
	if got := cursor.Google["alice@example.com"].HistoryID; got != "1000" {
		t.Errorf("history id = %q, want 1000", got)
	}
}

// TestGoogle_ListMailboxPrincipals verifies directory paging output,
// skipping suspended accounts.
func TestGoogle_ListMailboxPrincipals(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users") {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{
			"users": []map[string]any{
				{"id": "1", "primaryEmail": "alice@example.com", "name": map[string]string{"fullName": "Alice"}},
				{"id": "2", "primaryEmail": "gone@example.com", "suspended": true},
			},
		})
	}))
	defer server.Close()

	g := testGoogle(server)
	principals, err := g.ListMailboxPrincipals(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(principals) != 1 {
		t.Fatalf("principals = %d, want 1", len(principals))
	}
	if principals[0].PrimaryEmail != "alice@example.com" || principals[0].DisplayName != "Alice" {
		t.Errorf("principal = %+v", principals[0])
	}
}
