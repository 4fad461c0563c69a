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

package models

import "strconv"

// GoogleMailboxState is the per-principal Gmail cursor.
type GoogleMailboxState struct {
	HistoryID string `json:"historyId"`
}

// MicrosoftMailboxState is the per-principal Graph cursor. Delta state is
// scoped per folder, not per mailbox, so the cursor is a folder-id keyed map.
type MicrosoftMailboxState struct {
	DeltaTokens map[string]string `json:"deltaTokens"`
}

// ImapMailboxState is the per-mailbox UID watermark.
type ImapMailboxState struct {
	MaxUID uint32 `json:"maxUid"`
}

// SyncState is the provider-shaped cursor bag of an ingestion source,
// persisted as a jsonb document. Keys are mailbox principals (Google,
// Microsoft) or mailbox paths (IMAP).
type SyncState struct {
	Google    map[string]GoogleMailboxState    `json:"google,omitempty"`
	Microsoft map[string]MicrosoftMailboxState `json:"microsoft,omitempty"`
	IMAP      map[string]ImapMailboxState      `json:"imap,omitempty"`
}

// IsZero reports whether the state carries no cursor at all.
func (s SyncState) IsZero() bool {
	return len(s.Google) == 0 && len(s.Microsoft) == 0 && len(s.IMAP) == 0
}

// Merge folds a fragment into s, per-key additive: keys present in the
// fragment overwrite only their own entry, sibling keys are untouched.
// Cursors never regress — numeric history ids and UID watermarks keep the
// larger of the two values, and folder delta tokens merge per folder.
func (s *SyncState) Merge(frag SyncState) {
	for principal, st := range frag.Google {
		if s.Google == nil {
			s.Google = make(map[string]GoogleMailboxState)
		}
		if cur, ok := s.Google[principal]; ok && !historyAfter(st.HistoryID, cur.HistoryID) {
			continue
		}
		s.Google[principal] = st
	}
	for principal, st := range frag.Microsoft {
		if s.Microsoft == nil {
			s.Microsoft = make(map[string]MicrosoftMailboxState)
		}
		cur := s.Microsoft[principal]
		if cur.DeltaTokens == nil {
			cur.DeltaTokens = make(map[string]string)
		}
		for folder, token := range st.DeltaTokens {
			cur.DeltaTokens[folder] = token
		}
		s.Microsoft[principal] = cur
	}
	for mailbox, st := range frag.IMAP {
		if s.IMAP == nil {
			s.IMAP = make(map[string]ImapMailboxState)
		}
		if cur, ok := s.IMAP[mailbox]; ok && st.MaxUID < cur.MaxUID {
			continue
		}
		s.IMAP[mailbox] = st
	}
}

// historyAfter reports whether a is a later Gmail history id than b.
// History ids are decimal uint64 strings; a missing or malformed current
// value never blocks an update.
func historyAfter(a, b string) bool {
	if b == "" {
		return true
	}
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA != nil || errB != nil {
		return true
	}
	return na >= nb
}
