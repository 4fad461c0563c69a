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

// Package connector abstracts the heterogeneous mail-provider APIs behind a
// single polling contract: test connectivity, enumerate mailbox principals,
// fetch messages incrementally from an opaque cursor, and report the updated
// cursor fragment.
package connector

import (
	"context"
	"fmt"

	"github.com/openarchive/ingestion/internal/models"
)

// Connector is the capability contract every provider variant implements.
type Connector interface {
	// TestConnection performs the cheapest possible authenticated call.
	// It never mutates state and reports failure as false, logging the cause.
	TestConnection(ctx context.Context) bool

	// ListMailboxPrincipals enumerates mailbox owners. The enumeration is
	// finite and restartable; an empty result is valid. Single-mailbox
	// providers yield exactly one synthetic principal.
	ListMailboxPrincipals(ctx context.Context) ([]models.MailboxPrincipal, error)

	// FetchMessages streams messages for one principal through fn. A nil or
	// empty cursor in state means full backfill; otherwise the fetch is
	// bounded to work newer than the committed cursor. Delivery is
	// at-least-once under retry; fetch errors propagate to the caller.
	FetchMessages(ctx context.Context, principal string, state *models.SyncState, fn func(*models.EmailObject) error) error

	// UpdatedCursor returns only the cursor fragment this invocation
	// advanced for the principal; the zero value if nothing changed.
	UpdatedCursor(principal string) models.SyncState
}

// New constructs the connector variant for a source's declared provider.
// The source's credentials must already be decrypted. This switch is closed:
// adding a provider means extending it together with the credentials union.
func New(source *models.IngestionSource) (Connector, error) {
	if source.Credentials == nil {
		return nil, fmt.Errorf("source %s has no decrypted credentials", source.ID)
	}
	if err := source.Credentials.Validate(); err != nil {
		return nil, err
	}

	switch source.Provider {
	case models.ProviderGoogleWorkspace:
		return NewGoogle(*source.Credentials.Google)
	case models.ProviderMicrosoft365:
		return NewMicrosoft(MicrosoftConfig{Credentials: *source.Credentials.Microsoft}), nil
	case models.ProviderGenericIMAP:
		return NewImap(*source.Credentials.IMAP), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", source.Provider)
	}
}
