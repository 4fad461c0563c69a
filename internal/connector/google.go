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
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/openarchive/ingestion/internal/mailparse"
	"github.com/openarchive/ingestion/internal/models"
)

// Google syncs Google Workspace mailboxes through the Gmail and Admin
// Directory APIs, impersonating each mailbox owner with a domain-wide
// delegated service account.
type Google struct {
	keyJSON    []byte
	adminEmail string

	// clientOpts, when set, bypasses JWT impersonation entirely. Tests use
	// it to point the generated API clients at a local HTTP server.
	clientOpts []option.ClientOption

	mu      sync.Mutex
	updated map[string]models.GoogleMailboxState
}

// NewGoogle validates the service account key up front so that a malformed
// key fails source creation rather than the first sync.
func NewGoogle(creds models.GoogleWorkspaceCredentials) (*Google, error) {
	if _, err := google.JWTConfigFromJSON([]byte(creds.ServiceAccountKeyJSON), gmail.GmailReadonlyScope); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	return &Google{
		keyJSON:    []byte(creds.ServiceAccountKeyJSON),
		adminEmail: creds.ImpersonatedAdminEmail,
		updated:    make(map[string]models.GoogleMailboxState),
	}, nil
}

func (g *Google) serviceOpts(ctx context.Context, subject string, scope string) ([]option.ClientOption, error) {
	if g.clientOpts != nil {
		return g.clientOpts, nil
	}
	cfg, err := google.JWTConfigFromJSON(g.keyJSON, scope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	cfg.Subject = subject
	return []option.ClientOption{option.WithHTTPClient(cfg.Client(ctx))}, nil
}

func (g *Google) gmailService(ctx context.Context, subject string) (*gmail.Service, error) {
	opts, err := g.serviceOpts(ctx, subject, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail client: %w", err)
	}
	return svc, nil
}

func (g *Google) directoryService(ctx context.Context) (*admin.Service, error) {
	opts, err := g.serviceOpts(ctx, g.adminEmail, admin.AdminDirectoryUserReadonlyScope)
	if err != nil {
		return nil, err
	}
	svc, err := admin.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create directory client: %w", err)
	}
	return svc, nil
}

// TestConnection lists a single directory user as the impersonated admin.
func (g *Google) TestConnection(ctx context.Context) bool {
	svc, err := g.directoryService(ctx)
	if err != nil {
		slog.Warn("google connection test failed", "error", err)
		return false
	}
	_, err = svc.Users.List().Customer("my_customer").MaxResults(1).Context(ctx).Do()
	if err != nil {
		slog.Warn("google connection test failed", "error", err)
		return false
	}
	return true
}

// ListMailboxPrincipals enumerates every non-suspended user in the domain.
func (g *Google) ListMailboxPrincipals(ctx context.Context) ([]models.MailboxPrincipal, error) {
	svc, err := g.directoryService(ctx)
	if err != nil {
		return nil, err
	}

	var principals []models.MailboxPrincipal
	call := svc.Users.List().Customer("my_customer").MaxResults(500).OrderBy("email")
	err = call.Pages(ctx, func(page *admin.Users) error {
		for _, u := range page.Users {
			if u.Suspended || u.PrimaryEmail == "" {
				continue
			}
			name := ""
			if u.Name != nil {
				name = u.Name.FullName
			}
			principals = append(principals, models.MailboxPrincipal{
				ID:           u.Id,
				PrimaryEmail: u.PrimaryEmail,
				DisplayName:  name,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workspace users: %w", err)
	}
	return principals, nil
}

// FetchMessages streams one mailbox. With no stored history id it backfills
// every message and baselines the cursor from the user's profile; otherwise
// it walks the history log for additions since the stored id. A history id
// the server no longer retains (404) falls back to a full backfill, which
// the identity key dedupes downstream.
func (g *Google) FetchMessages(ctx context.Context, principal string, state *models.SyncState, fn func(*models.EmailObject) error) error {
	svc, err := g.gmailService(ctx, principal)
	if err != nil {
		return err
	}

	var startHistoryID string
	if state != nil {
		startHistoryID = state.Google[principal].HistoryID
	}

	if startHistoryID == "" {
		return g.backfill(ctx, svc, principal, fn)
	}

	err = g.incremental(ctx, svc, principal, startHistoryID, fn)
	if isGoogleNotFound(err) {
		slog.Info("gmail history id expired, falling back to full backfill",
			"principal", principal, "history_id", startHistoryID)
		return g.backfill(ctx, svc, principal, fn)
	}
	return err
}

func (g *Google) backfill(ctx context.Context, svc *gmail.Service, principal string, fn func(*models.EmailObject) error) error {
	err := svc.Users.Messages.List("me").MaxResults(500).Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			if err := g.emit(ctx, svc, principal, m.Id, fn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list messages for %s: %w", principal, err)
	}

	// Baseline the cursor even for an empty mailbox so the next cycle is
	// incremental from this point.
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get profile for %s: %w", principal, err)
	}
	g.advance(principal, profile.HistoryId)
	return nil
}

func (g *Google) incremental(ctx context.Context, svc *gmail.Service, principal, startHistoryID string, fn func(*models.EmailObject) error) error {
	start, err := strconv.ParseUint(startHistoryID, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed history id %q for %s: %w", startHistoryID, principal, err)
	}

	latest := start
	seen := make(map[string]struct{})
	call := svc.Users.History.List("me").StartHistoryId(start).HistoryTypes("messageAdded").MaxResults(500)
	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				// The history log can report the same addition in
				// several records.
				if _, dup := seen[added.Message.Id]; dup {
					continue
				}
				seen[added.Message.Id] = struct{}{}
				if err := g.emit(ctx, svc, principal, added.Message.Id, fn); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list history for %s: %w", principal, err)
	}

	// Deletions observed in the history log are ignored: the archive is
	// append-only and never propagates provider-side removals.
	g.advance(principal, latest)
	return nil
}

func (g *Google) emit(ctx context.Context, svc *gmail.Service, principal, messageID string, fn func(*models.EmailObject) error) error {
	msg, err := svc.Users.Messages.Get("me", messageID).Format("raw").Context(ctx).Do()
	if err != nil {
		// A message deleted between list and get is not an error.
		if isGoogleNotFound(err) {
			slog.Debug("gmail message vanished before fetch", "principal", principal, "message_id", messageID)
			return nil
		}
		return fmt.Errorf("get message %s: %w", messageID, err)
	}

	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(msg.Raw)
	if err != nil {
		return fmt.Errorf("decode raw message %s: %w", messageID, err)
	}

	obj, err := mailparse.ToEmailObject(raw, messageID, principal)
	if err != nil {
		return fmt.Errorf("parse message %s: %w", messageID, err)
	}
	return fn(obj)
}

func (g *Google) advance(principal string, historyID uint64) {
	if historyID == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updated[principal] = models.GoogleMailboxState{HistoryID: strconv.FormatUint(historyID, 10)}
}

// UpdatedCursor reports the history id fragment advanced for principal.
func (g *Google) UpdatedCursor(principal string) models.SyncState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.updated[principal]
	if !ok {
		return models.SyncState{}
	}
	return models.SyncState{Google: map[string]models.GoogleMailboxState{principal: st}}
}

func isGoogleNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}
