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
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/openarchive/ingestion/internal/mailparse"
	"github.com/openarchive/ingestion/internal/models"
)

const (
	imapMaxAttempts  = 3
	imapRetryBackoff = 2 * time.Second
)

// skippedMailboxNames covers servers that advertise junk and trash folders
// without special-use attributes.
var skippedMailboxNames = map[string]struct{}{
	"junk":          {},
	"spam":          {},
	"trash":         {},
	"drafts":        {},
	"deleted items": {},
	"junk email":    {},
	"[gmail]/spam":  {},
	"[gmail]/trash": {},
}

// Imap syncs a single account over IMAP, tracking a per-mailbox UID
// watermark. Everything above the watermark is new; UIDs never shrink
// within a UIDVALIDITY epoch, which makes the cursor monotonic.
type Imap struct {
	creds models.GenericImapCredentials

	mu      sync.Mutex
	updated map[string]models.ImapMailboxState
}

// NewImap creates an IMAP connector for one account.
func NewImap(creds models.GenericImapCredentials) *Imap {
	return &Imap{
		creds:   creds,
		updated: make(map[string]models.ImapMailboxState),
	}
}

func (c *Imap) connect() (*imapclient.Client, error) {
	addr := c.creds.Host + ":" + strconv.Itoa(c.creds.Port)

	var (
		client *imapclient.Client
		err    error
	)
	if c.creds.Secure {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	if err := client.Login(c.creds.Username, c.creds.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("login as %s: %w", c.creds.Username, err)
	}
	return client, nil
}

// TestConnection dials and authenticates.
func (c *Imap) TestConnection(ctx context.Context) bool {
	client, err := c.connect()
	if err != nil {
		slog.Warn("imap connection test failed", "host", c.creds.Host, "error", err)
		return false
	}
	_ = client.Logout().Wait()
	return true
}

// ListMailboxPrincipals yields one synthetic principal: the account itself.
func (c *Imap) ListMailboxPrincipals(ctx context.Context) ([]models.MailboxPrincipal, error) {
	return []models.MailboxPrincipal{{
		ID:           c.creds.Username,
		PrimaryEmail: c.creds.Username,
		DisplayName:  c.creds.Username,
	}}, nil
}

// FetchMessages walks every selectable mailbox of the account, fetching
// messages above the stored UID watermark. The whole walk is retried with a
// fresh connection on transport failure; at-least-once delivery is fine
// because the archive dedupes by message identity.
func (c *Imap) FetchMessages(ctx context.Context, principal string, state *models.SyncState, fn func(*models.EmailObject) error) error {
	var lastErr error
	for attempt := 1; attempt <= imapMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = c.fetchOnce(ctx, state, fn)
		if lastErr == nil {
			return nil
		}

		if attempt < imapMaxAttempts {
			backoff := time.Duration(attempt) * imapRetryBackoff
			slog.Warn("imap fetch failed, retrying with fresh connection",
				"host", c.creds.Host, "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("imap fetch failed after %d attempts: %w", imapMaxAttempts, lastErr)
}

func (c *Imap) fetchOnce(ctx context.Context, state *models.SyncState, fn func(*models.EmailObject) error) error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	mailboxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return fmt.Errorf("list mailboxes: %w", err)
	}

	for _, mbox := range mailboxes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if skipMailbox(mbox) {
			continue
		}

		var lastUID uint32
		if state != nil {
			lastUID = state.IMAP[mbox.Mailbox].MaxUID
		}
		if err := c.syncMailbox(client, mbox.Mailbox, lastUID, fn); err != nil {
			return fmt.Errorf("sync mailbox %q: %w", mbox.Mailbox, err)
		}
	}
	return nil
}

// syncMailbox fetches the messages above lastUID in one mailbox and records
// the new watermark. The watermark advances to UIDNEXT-1 even when nothing
// matched, so a quiet mailbox still converges.
func (c *Imap) syncMailbox(client *imapclient.Client, mailbox string, lastUID uint32, fn func(*models.EmailObject) error) error {
	selected, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}

	maxSeen := lastUID
	if next := uint32(selected.UIDNext); next > 0 && next-1 > maxSeen {
		maxSeen = next - 1
	}

	if selected.NumMessages > 0 {
		criteria := &imap.SearchCriteria{
			UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(lastUID + 1), Stop: 0}}},
		}
		searchData, err := client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("uid search: %w", err)
		}

		// Servers answer `<uid>:*` with at least the last message even
		// when it is below the requested start, so re-check the floor.
		var uids []imap.UID
		for _, uid := range searchData.AllUIDs() {
			if uint32(uid) > lastUID {
				uids = append(uids, uid)
			}
		}

		if len(uids) > 0 {
			if err := c.fetchSet(client, mailbox, imap.UIDSetNum(uids...), fn, &maxSeen); err != nil {
				return err
			}
		}
	}

	if maxSeen > lastUID {
		c.mu.Lock()
		c.updated[mailbox] = models.ImapMailboxState{MaxUID: maxSeen}
		c.mu.Unlock()
	}
	return nil
}

func (c *Imap) fetchSet(client *imapclient.Client, mailbox string, uidSet imap.UIDSet, fn func(*models.EmailObject) error, maxSeen *uint32) error {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			return fmt.Errorf("collect message: %w", err)
		}

		uid := uint32(buf.UID)
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			slog.Warn("imap fetch returned no body section", "mailbox", mailbox, "uid", uid)
			continue
		}

		providerID := fmt.Sprintf("%s:%d", mailbox, uid)
		obj, err := mailparse.ToEmailObject(raw, providerID, c.creds.Username)
		if err != nil {
			return fmt.Errorf("parse message uid %d: %w", uid, err)
		}
		if err := fn(obj); err != nil {
			return err
		}
		if uid > *maxSeen {
			*maxSeen = uid
		}
	}
	return fetchCmd.Close()
}

// UpdatedCursor reports every mailbox watermark advanced this invocation.
// IMAP has a single principal, so the argument only selects whether any
// fragment exists at all.
func (c *Imap) UpdatedCursor(principal string) models.SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.updated) == 0 {
		return models.SyncState{}
	}
	frag := make(map[string]models.ImapMailboxState, len(c.updated))
	for k, v := range c.updated {
		frag[k] = v
	}
	return models.SyncState{IMAP: frag}
}

func skipMailbox(mbox *imap.ListData) bool {
	for _, attr := range mbox.Attrs {
		switch attr {
		case imap.MailboxAttrNoSelect, imap.MailboxAttrJunk, imap.MailboxAttrTrash,
			imap.MailboxAttrAll, imap.MailboxAttrDrafts:
			return true
		}
	}
	_, skip := skippedMailboxNames[strings.ToLower(mbox.Mailbox)]
	return skip
}
