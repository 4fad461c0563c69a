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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/openarchive/ingestion/internal/mailparse"
	"github.com/openarchive/ingestion/internal/models"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// Microsoft syncs Microsoft 365 mailboxes with app-only Graph API access,
// tracking a delta token per mail folder.
type Microsoft struct {
	httpClient   *http.Client
	graphBaseURL string

	mu      sync.Mutex
	updated map[string]models.MicrosoftMailboxState
}

// MicrosoftConfig configures the Graph connector. HTTPClient and
// GraphBaseURL override the OAuth2 client and live endpoint; tests use them
// to point at a local server.
type MicrosoftConfig struct {
	Credentials  models.Microsoft365Credentials
	HTTPClient   *http.Client
	GraphBaseURL string
}

// NewMicrosoft creates a Graph connector using the client credentials flow.
func NewMicrosoft(cfg MicrosoftConfig) *Microsoft {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		oauth := &clientcredentials.Config{
			ClientID:     cfg.Credentials.ClientID,
			ClientSecret: cfg.Credentials.ClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.Credentials.TenantID),
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		}
		httpClient = oauth.Client(context.Background())
	}

	baseURL := cfg.GraphBaseURL
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}

	return &Microsoft{
		httpClient:   httpClient,
		graphBaseURL: baseURL,
		updated:      make(map[string]models.MicrosoftMailboxState),
	}
}

type graphUser struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
}

type graphUserPage struct {
	Value    []graphUser `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

type graphFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type graphFolderPage struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// deltaPage is one page of a /messages/delta response.
type deltaPage struct {
	Value     []deltaMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

type deltaMessage struct {
	ID      string `json:"id"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

// TestConnection requests a single user listing.
func (m *Microsoft) TestConnection(ctx context.Context) bool {
	var page graphUserPage
	if err := m.getJSON(ctx, m.graphBaseURL+"/users?$top=1", &page); err != nil {
		slog.Warn("microsoft connection test failed", "error", err)
		return false
	}
	return true
}

// ListMailboxPrincipals pages through /users, skipping accounts without a
// provisioned mailbox.
func (m *Microsoft) ListMailboxPrincipals(ctx context.Context) ([]models.MailboxPrincipal, error) {
	params := url.Values{}
	params.Set("$select", "id,userPrincipalName,displayName,mail")
	params.Set("$top", "100")

	var principals []models.MailboxPrincipal
	for nextURL := m.graphBaseURL + "/users?" + params.Encode(); nextURL != ""; {
		var page graphUserPage
		if err := m.getJSON(ctx, nextURL, &page); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		for _, u := range page.Value {
			if u.Mail == "" {
				continue
			}
			principals = append(principals, models.MailboxPrincipal{
				ID:           u.ID,
				PrimaryEmail: u.UserPrincipalName,
				DisplayName:  u.DisplayName,
			})
		}
		nextURL = page.NextLink
	}
	return principals, nil
}

// FetchMessages walks every mail folder of the principal with a delta query.
// Folders are re-enumerated on each fetch so newly created folders join the
// sync; a folder with no stored delta token starts from a full delta walk.
// An expired token (410 Gone) restarts that folder's walk from scratch,
// relying on downstream dedup. Removed messages are skipped: the archive
// never propagates deletions.
func (m *Microsoft) FetchMessages(ctx context.Context, principal string, state *models.SyncState, fn func(*models.EmailObject) error) error {
	folders, err := m.listFolders(ctx, principal)
	if err != nil {
		return err
	}

	var tokens map[string]string
	if state != nil {
		tokens = state.Microsoft[principal].DeltaTokens
	}

	for _, folder := range folders {
		if err := m.syncFolder(ctx, principal, folder, tokens[folder.ID], fn); err != nil {
			return fmt.Errorf("sync folder %q for %s: %w", folder.DisplayName, principal, err)
		}
	}
	return nil
}

func (m *Microsoft) listFolders(ctx context.Context, principal string) ([]graphFolder, error) {
	var folders []graphFolder
	for nextURL := fmt.Sprintf("%s/users/%s/mailFolders?$top=100", m.graphBaseURL, url.PathEscape(principal)); nextURL != ""; {
		var page graphFolderPage
		if err := m.getJSON(ctx, nextURL, &page); err != nil {
			return nil, fmt.Errorf("list mail folders for %s: %w", principal, err)
		}
		folders = append(folders, page.Value...)
		nextURL = page.NextLink
	}
	return folders, nil
}

func (m *Microsoft) syncFolder(ctx context.Context, principal string, folder graphFolder, deltaToken string, fn func(*models.EmailObject) error) error {
	startURL := deltaToken
	if startURL == "" {
		startURL = fmt.Sprintf("%s/users/%s/mailFolders/%s/messages/delta?$select=id",
			m.graphBaseURL, url.PathEscape(principal), url.PathEscape(folder.ID))
	}

	restarted := false
	for nextURL := startURL; nextURL != ""; {
		page, err := m.fetchDeltaPage(ctx, nextURL)
		if err != nil {
			if isGone(err) && !restarted {
				slog.Warn("delta token expired, restarting folder walk",
					"principal", principal, "folder", folder.DisplayName)
				restarted = true
				nextURL = fmt.Sprintf("%s/users/%s/mailFolders/%s/messages/delta?$select=id",
					m.graphBaseURL, url.PathEscape(principal), url.PathEscape(folder.ID))
				continue
			}
			return err
		}

		for _, msg := range page.Value {
			if msg.Removed != nil {
				continue
			}
			if err := m.emit(ctx, principal, msg.ID, fn); err != nil {
				return err
			}
		}

		if page.DeltaLink != "" {
			m.advance(principal, folder.ID, page.DeltaLink)
			return nil
		}
		nextURL = page.NextLink
	}
	return nil
}

// emit downloads the full MIME content of one message and yields it.
func (m *Microsoft) emit(ctx context.Context, principal, messageID string, fn func(*models.EmailObject) error) error {
	rawURL := fmt.Sprintf("%s/users/%s/messages/%s/$value",
		m.graphBaseURL, url.PathEscape(principal), url.PathEscape(messageID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build raw message request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch raw message %s: %w", messageID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Debug("graph message vanished before fetch", "principal", principal, "message_id", messageID)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("raw message fetch returned HTTP %d for %s", resp.StatusCode, messageID)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read raw message %s: %w", messageID, err)
	}

	obj, err := mailparse.ToEmailObject(raw, messageID, principal)
	if err != nil {
		return fmt.Errorf("parse message %s: %w", messageID, err)
	}
	return fn(obj)
}

func (m *Microsoft) fetchDeltaPage(ctx context.Context, pageURL string) (*deltaPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build delta request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "odata.maxpagesize=100")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch delta page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, &goneError{}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("delta query error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("delta query returned HTTP %d", resp.StatusCode)
	}

	var page deltaPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode delta response: %w", err)
	}
	return &page, nil
}

func (m *Microsoft) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("graph API returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m *Microsoft) advance(principal, folderID, deltaLink string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.updated[principal]
	if st.DeltaTokens == nil {
		st.DeltaTokens = make(map[string]string)
	}
	st.DeltaTokens[folderID] = deltaLink
	m.updated[principal] = st
}

// UpdatedCursor reports the per-folder delta links captured for principal.
func (m *Microsoft) UpdatedCursor(principal string) models.SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.updated[principal]
	if !ok {
		return models.SyncState{}
	}
	return models.SyncState{Microsoft: map[string]models.MicrosoftMailboxState{principal: st}}
}

// goneError marks an expired delta token (410 Gone).
type goneError struct{}

func (e *goneError) Error() string { return "delta token expired (410 Gone)" }

func isGone(err error) bool {
	var gone *goneError
	return errors.As(err, &gone)
}
