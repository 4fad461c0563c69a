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

// Package ingest orchestrates the archive's source lifecycle and sync
// cycles. A cycle fans out one queue job per mailbox principal; each job
// streams messages through the processing pipeline and commits its own
// cursor fragment, and a finalisation job runs once after the last mailbox
// job reaches a terminal state.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openarchive/ingestion/internal/connector"
	"github.com/openarchive/ingestion/internal/crypto"
	"github.com/openarchive/ingestion/internal/models"
	"github.com/openarchive/ingestion/internal/queue"
	"github.com/openarchive/ingestion/internal/search"
	"github.com/openarchive/ingestion/internal/storage"
)

// ConnectorFactory builds a connector for a decrypted source. Tests swap it
// for a fake.
type ConnectorFactory func(*models.IngestionSource) (connector.Connector, error)

// Storage is the persistence surface the orchestrator needs.
// Implemented by store.Store.
type Storage interface {
	InsertSource(ctx context.Context, src *models.IngestionSource) error
	GetSource(ctx context.Context, id string) (*models.IngestionSource, error)
	ListSources(ctx context.Context) ([]*models.IngestionSource, error)
	ListSourcesByStatus(ctx context.Context, status models.SourceStatus) ([]*models.IngestionSource, error)
	UpdateSource(ctx context.Context, id string, in models.UpdateSourceInput) error
	UpdateSourceCredentials(ctx context.Context, id, encrypted string) error
	UpdateSyncStateKey(ctx context.Context, sourceID, provider, key string, value any) error
	DeleteSource(ctx context.Context, id string) error
	FindEmailByIdentity(ctx context.Context, sourceID, messageIDHeader string) (*models.ArchivedEmail, error)
	InsertEmail(ctx context.Context, e *models.ArchivedEmail) error
	UpsertAttachment(ctx context.Context, a *models.Attachment) (*models.Attachment, error)
	LinkEmailAttachment(ctx context.Context, emailID, attachmentID string) error
}

// JobQueue is the producer surface of the job queue.
// Implemented by queue.Client.
type JobQueue interface {
	Enqueue(ctx context.Context, queueName, kind string, payload any) (string, error)
	EnqueueGroup(ctx context.Context, queueName, kind string, payloads []any, parentQueue, parentKind string, parentPayload any) (string, error)
	GroupResults(ctx context.Context, groupID string) (map[string]json.RawMessage, error)
	DeleteGroup(ctx context.Context, groupID string) error
}

// SeenFilter is the duplicate fast-path. Implemented by dedup.Filter.
type SeenFilter interface {
	IsNew(ctx context.Context, identity string) (bool, error)
}

// Service owns ingestion sources and the sync pipeline.
type Service struct {
	store   Storage
	vault   *crypto.Vault
	blobs   storage.BlobStore
	index   search.Index
	queue   JobQueue
	seen    SeenFilter
	connect ConnectorFactory
}

// Config wires the service's collaborators.
type Config struct {
	Store     Storage
	Vault     *crypto.Vault
	Blobs     storage.BlobStore
	Index     search.Index
	Queue     JobQueue
	Seen      SeenFilter
	Connector ConnectorFactory
}

// New creates the ingestion service.
func New(cfg Config) *Service {
	connect := cfg.Connector
	if connect == nil {
		connect = connector.New
	}
	return &Service{
		store:   cfg.Store,
		vault:   cfg.Vault,
		blobs:   cfg.Blobs,
		index:   cfg.Index,
		queue:   cfg.Queue,
		seen:    cfg.Seen,
		connect: connect,
	}
}

// CreateSource stores a new source with encrypted credentials, verifies
// connectivity, and on success kicks off the initial import. A failed
// connection test leaves the source in pending_auth rather than failing the
// creation: the operator can fix credentials with an update and the next
// test runs from the same state.
func (s *Service) CreateSource(ctx context.Context, in models.CreateSourceInput) (*models.IngestionSource, error) {
	in.Credentials.Type = in.Provider
	if err := in.Credentials.Validate(); err != nil {
		return nil, err
	}

	encrypted, err := s.vault.EncryptObject(&in.Credentials)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	src := &models.IngestionSource{
		ID:                   uuid.New().String(),
		Name:                 in.Name,
		Provider:             in.Provider,
		Credentials:          &in.Credentials,
		EncryptedCredentials: encrypted,
		Status:               models.StatusPendingAuth,
	}
	if err := s.store.InsertSource(ctx, src); err != nil {
		return nil, fmt.Errorf("insert source: %w", err)
	}
	slog.Info("ingestion source created", "source_id", src.ID, "provider", src.Provider)

	conn, err := s.connect(src)
	if err != nil {
		return src, s.recordAuthFailure(ctx, src, fmt.Sprintf("connector setup failed: %v", err))
	}
	if !conn.TestConnection(ctx) {
		return src, s.recordAuthFailure(ctx, src, "connection test failed")
	}

	status := models.StatusAuthSuccess
	if err := s.store.UpdateSource(ctx, src.ID, models.UpdateSourceInput{Status: &status}); err != nil {
		return nil, err
	}
	src.Status = status

	if err := s.TriggerInitialImport(ctx, src.ID); err != nil {
		return nil, err
	}
	return src, nil
}

// GetSource loads a source and decrypts its credentials.
func (s *Service) GetSource(ctx context.Context, id string) (*models.IngestionSource, error) {
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.decrypt(src); err != nil {
		return nil, err
	}
	return src, nil
}

// ListSources returns all sources. Credentials stay encrypted.
func (s *Service) ListSources(ctx context.Context) ([]*models.IngestionSource, error) {
	return s.store.ListSources(ctx)
}

// UpdateSource applies field updates. Replacing credentials re-runs the
// connection test and resets the auth state accordingly.
func (s *Service) UpdateSource(ctx context.Context, id string, in models.UpdateSourceInput) (*models.IngestionSource, error) {
	if in.Credentials != nil {
		if err := in.Credentials.Validate(); err != nil {
			return nil, err
		}
		encrypted, err := s.vault.EncryptObject(in.Credentials)
		if err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
		if err := s.store.UpdateSourceCredentials(ctx, id, encrypted); err != nil {
			return nil, err
		}
	}

	if in.Name != nil || in.Status != nil || in.SyncState != nil {
		if err := s.store.UpdateSource(ctx, id, in); err != nil {
			return nil, err
		}
	}

	src, err := s.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Credentials != nil {
		conn, err := s.connect(src)
		if err != nil || !conn.TestConnection(ctx) {
			msg := "connection test failed"
			if err != nil {
				msg = fmt.Sprintf("connector setup failed: %v", err)
			}
			// New credentials invalidate the previous auth proof, so the
			// source drops back to pending_auth instead of error.
			status := models.StatusPendingAuth
			uerr := s.store.UpdateSource(ctx, id, models.UpdateSourceInput{
				Status:                &status,
				LastSyncStatusMessage: &msg,
			})
			if uerr == nil {
				src.Status = status
				src.LastSyncStatusMessage = msg
			}
			return src, uerr
		}
		status := models.StatusAuthSuccess
		if err := s.store.UpdateSource(ctx, id, models.UpdateSourceInput{Status: &status}); err != nil {
			return nil, err
		}
		src.Status = status
	}
	return src, nil
}

// DeleteSource removes a source, its archived email rows (cascade), its raw
// email blobs and its search documents. Attachment rows and blobs are
// content-addressed across sources and are left in place.
func (s *Service) DeleteSource(ctx context.Context, id string) error {
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		return err
	}

	if err := s.index.DeleteByFilter(emailCollection, fmt.Sprintf("ingestionSourceId = %s", id)); err != nil {
		return fmt.Errorf("delete search documents: %w", err)
	}
	if err := s.blobs.DeletePrefix(ctx, sourcePrefix(src)); err != nil {
		return fmt.Errorf("delete blobs: %w", err)
	}
	if err := s.store.DeleteSource(ctx, id); err != nil {
		return err
	}

	slog.Info("ingestion source deleted", "source_id", id, "name", src.Name)
	return nil
}

// TriggerInitialImport marks the source importing and enqueues a full
// backfill.
func (s *Service) TriggerInitialImport(ctx context.Context, id string) error {
	now := time.Now().UTC()
	status := models.StatusImporting
	err := s.store.UpdateSource(ctx, id, models.UpdateSourceInput{
		Status:            &status,
		LastSyncStartedAt: &now,
	})
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, queue.QueueIngestion, models.JobInitialImport,
		models.InitialImportJob{IngestionSourceID: id})
	return err
}

// TriggerForceSync enqueues an immediate incremental sync cycle.
func (s *Service) TriggerForceSync(ctx context.Context, id string) error {
	_, err := s.queue.Enqueue(ctx, queue.QueueIngestion, models.JobContinuousSync,
		models.ContinuousSyncJob{IngestionSourceID: id})
	return err
}

// PauseSource stops a source from being picked up by the scheduler.
func (s *Service) PauseSource(ctx context.Context, id string) error {
	status := models.StatusPaused
	return s.store.UpdateSource(ctx, id, models.UpdateSourceInput{Status: &status})
}

// ResumeSource reactivates a paused source.
func (s *Service) ResumeSource(ctx context.Context, id string) error {
	status := models.StatusActive
	return s.store.UpdateSource(ctx, id, models.UpdateSourceInput{Status: &status})
}

func (s *Service) decrypt(src *models.IngestionSource) error {
	var creds models.Credentials
	if err := s.vault.DecryptObject(src.EncryptedCredentials, &creds); err != nil {
		return fmt.Errorf("decrypt credentials for source %s: %w", src.ID, err)
	}
	src.Credentials = &creds
	return nil
}

// recordAuthFailure notes a failed connection test without changing the
// source's status. Connectivity failures during a test are reported, not
// fatal; only sync-time failures move a source to error.
func (s *Service) recordAuthFailure(ctx context.Context, src *models.IngestionSource, msg string) error {
	slog.Warn("source connection test failed", "source_id", src.ID, "message", msg)
	err := s.store.UpdateSource(ctx, src.ID, models.UpdateSourceInput{
		LastSyncStatusMessage: &msg,
	})
	if err == nil {
		src.LastSyncStatusMessage = msg
	}
	return err
}

func (s *Service) markError(ctx context.Context, src *models.IngestionSource, msg string) error {
	slog.Warn("source entering error state", "source_id", src.ID, "message", msg)
	status := models.StatusError
	err := s.store.UpdateSource(ctx, src.ID, models.UpdateSourceInput{
		Status:                &status,
		LastSyncStatusMessage: &msg,
	})
	if err == nil {
		src.Status = status
		src.LastSyncStatusMessage = msg
	}
	return err
}
