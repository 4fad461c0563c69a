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

import (
	"fmt"
	"time"
)

// Provider identifies a mail provider variant.
type Provider string

const (
	ProviderGoogleWorkspace Provider = "google_workspace"
	ProviderMicrosoft365    Provider = "microsoft_365"
	ProviderGenericIMAP     Provider = "generic_imap"
)

// SourceStatus is the lifecycle state of an ingestion source.
type SourceStatus string

const (
	StatusPendingAuth SourceStatus = "pending_auth"
	StatusAuthSuccess SourceStatus = "auth_success"
	StatusImporting   SourceStatus = "importing"
	StatusSyncing     SourceStatus = "syncing"
	StatusActive      SourceStatus = "active"
	StatusPaused      SourceStatus = "paused"
	StatusError       SourceStatus = "error"
)

// GoogleWorkspaceCredentials authenticates a Google Workspace domain via a
// service account with domain-wide delegation.
type GoogleWorkspaceCredentials struct {
	ServiceAccountKeyJSON  string `json:"serviceAccountKeyJson"`
	ImpersonatedAdminEmail string `json:"impersonatedAdminEmail"`
}

// Microsoft365Credentials authenticates an M365 tenant with app-only
// client credentials.
type Microsoft365Credentials struct {
	TenantID     string `json:"tenantId"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// GenericImapCredentials authenticates a single IMAP account.
type GenericImapCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Secure   bool   `json:"secure"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Credentials is the discriminated union of provider credentials. Exactly one
// member matching the source's provider tag is populated.
type Credentials struct {
	Type      Provider                    `json:"type"`
	Google    *GoogleWorkspaceCredentials `json:"google,omitempty"`
	Microsoft *Microsoft365Credentials    `json:"microsoft,omitempty"`
	IMAP      *GenericImapCredentials     `json:"imap,omitempty"`
}

// Validate checks that the populated member matches the declared type.
func (c *Credentials) Validate() error {
	switch c.Type {
	case ProviderGoogleWorkspace:
		if c.Google == nil {
			return fmt.Errorf("google_workspace credentials missing")
		}
	case ProviderMicrosoft365:
		if c.Microsoft == nil {
			return fmt.Errorf("microsoft_365 credentials missing")
		}
	case ProviderGenericIMAP:
		if c.IMAP == nil {
			return fmt.Errorf("generic_imap credentials missing")
		}
	default:
		return fmt.Errorf("unsupported provider %q", c.Type)
	}
	return nil
}

// IngestionSource is a configured mail account or domain to archive.
// Credentials is only populated after decryption; the persisted row holds
// the encrypted envelope.
type IngestionSource struct {
	ID                    string
	Name                  string
	Provider              Provider
	Credentials           *Credentials
	EncryptedCredentials  string
	Status                SourceStatus
	SyncState             SyncState
	LastSyncStartedAt     *time.Time
	LastSyncFinishedAt    *time.Time
	LastSyncStatusMessage string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CreateSourceInput is the payload for creating a source.
type CreateSourceInput struct {
	Name        string
	Provider    Provider
	Credentials Credentials
}

// UpdateSourceInput carries optional field updates; nil means unchanged.
type UpdateSourceInput struct {
	Name                  *string
	Status                *SourceStatus
	Credentials           *Credentials
	SyncState             *SyncState
	LastSyncStartedAt     *time.Time
	LastSyncFinishedAt    *time.Time
	LastSyncStatusMessage *string
}

// Job kinds dispatched over the queues.
const (
	JobInitialImport          = "initial-import"
	JobContinuousSync         = "continuous-sync"
	JobProcessMailbox         = "process-mailbox"
	JobSyncCycleFinished      = "sync-cycle-finished"
	JobScheduleContinuousSync = "schedule-continuous-sync"
	JobIndexEmail             = "index-email"
)

// Job payloads, shared between the orchestrator and its queue handlers.

// InitialImportJob requests a full backfill of a source.
type InitialImportJob struct {
	IngestionSourceID string `json:"ingestionSourceId"`
}

// ContinuousSyncJob requests one incremental sync cycle of a source.
type ContinuousSyncJob struct {
	IngestionSourceID string `json:"ingestionSourceId"`
}

// ProcessMailboxJob fetches one mailbox principal of a source.
type ProcessMailboxJob struct {
	IngestionSourceID string `json:"ingestionSourceId"`
	UserEmail         string `json:"userEmail"`
}

// SyncCycleFinishedJob finalises a fan-out cycle once every mailbox job is
// terminal.
type SyncCycleFinishedJob struct {
	IngestionSourceID string `json:"ingestionSourceId"`
	UserCount         int    `json:"userCount"`
	IsInitialImport   bool   `json:"isInitialImport"`
}

// IndexEmailJob requests indexing of one archived email.
type IndexEmailJob struct {
	EmailID string `json:"emailId"`
}
