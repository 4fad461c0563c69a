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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openarchive/ingestion/internal/models"
	"github.com/openarchive/ingestion/internal/queue"
)

// Register attaches every ingestion job handler to the queue client.
func (s *Service) Register(q *queue.Client) {
	q.OnJob(models.JobInitialImport, s.handleInitialImport)
	q.OnJob(models.JobContinuousSync, s.handleContinuousSync)
	q.OnJob(models.JobProcessMailbox, s.handleProcessMailbox)
	q.OnJob(models.JobSyncCycleFinished, s.handleSyncCycleFinished)
	q.OnJob(models.JobScheduleContinuousSync, s.handleScheduleContinuousSync)
}

// mailboxResult is the per-mailbox outcome recorded for the group and
// merged by the finalisation job.
type mailboxResult struct {
	UserEmail string           `json:"userEmail"`
	Processed int              `json:"processed"`
	Failed    int              `json:"failed"`
	Cursor    models.SyncState `json:"cursor"`
}

// groupResult is one entry of the group result hash as written by the queue.
type groupResult struct {
	JobID  string         `json:"jobId"`
	Error  string         `json:"error"`
	Result *mailboxResult `json:"result"`
}

func (s *Service) handleInitialImport(ctx context.Context, job *queue.Job) (any, error) {
	var payload models.InitialImportJob
	if err := job.UnmarshalPayload(&payload); err != nil {
		return nil, err
	}
	return nil, s.runSyncCycle(ctx, payload.IngestionSourceID, true)
}

func (s *Service) handleContinuousSync(ctx context.Context, job *queue.Job) (any, error) {
	var payload models.ContinuousSyncJob
	if err := job.UnmarshalPayload(&payload); err != nil {
		return nil, err
	}
	return nil, s.runSyncCycle(ctx, payload.IngestionSourceID, false)
}

// runSyncCycle enumerates mailbox principals and fans out one
// process-mailbox job per principal, gated by a sync-cycle-finished parent.
func (s *Service) runSyncCycle(ctx context.Context, sourceID string, isInitial bool) error {
	src, err := s.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if src.Status == models.StatusPaused {
		slog.Info("skipping sync cycle for paused source", "source_id", sourceID)
		return nil
	}
	// TriggerInitialImport marks the source importing before this handler
	// runs, so the in-flight gate applies to incremental cycles only. It
	// keeps a force sync from fanning out on top of a running cycle.
	if !isInitial && (src.Status == models.StatusImporting || src.Status == models.StatusSyncing) {
		slog.Info("skipping sync cycle, previous cycle still running",
			"source_id", sourceID, "status", src.Status)
		return nil
	}

	conn, err := s.connect(src)
	if err != nil {
		return s.markError(ctx, src, fmt.Sprintf("connector setup failed: %v", err))
	}

	principals, err := conn.ListMailboxPrincipals(ctx)
	if err != nil {
		return fmt.Errorf("list mailbox principals for %s: %w", sourceID, err)
	}

	now := time.Now().UTC()
	status := models.StatusSyncing
	if isInitial {
		status = models.StatusImporting
	}
	err = s.store.UpdateSource(ctx, sourceID, models.UpdateSourceInput{
		Status:            &status,
		LastSyncStartedAt: &now,
	})
	if err != nil {
		return err
	}

	payloads := make([]any, 0, len(principals))
	for _, p := range principals {
		payloads = append(payloads, models.ProcessMailboxJob{
			IngestionSourceID: sourceID,
			UserEmail:         p.PrimaryEmail,
		})
	}

	_, err = s.queue.EnqueueGroup(ctx,
		queue.QueueIngestion, models.JobProcessMailbox, payloads,
		queue.QueueIngestion, models.JobSyncCycleFinished,
		models.SyncCycleFinishedJob{
			IngestionSourceID: sourceID,
			UserCount:         len(principals),
			IsInitialImport:   isInitial,
		})
	if err != nil {
		return fmt.Errorf("fan out sync cycle for %s: %w", sourceID, err)
	}

	slog.Info("sync cycle fanned out",
		"source_id", sourceID, "mailboxes", len(principals), "initial", isInitial)
	return nil
}

// handleProcessMailbox syncs one mailbox principal. Per-message pipeline
// failures are logged and counted but never abort the mailbox; a fetch
// failure aborts and retries the whole job. The advanced cursor fragment is
// committed immediately so a crash of a sibling job cannot roll it back.
func (s *Service) handleProcessMailbox(ctx context.Context, job *queue.Job) (any, error) {
	var payload models.ProcessMailboxJob
	if err := job.UnmarshalPayload(&payload); err != nil {
		return nil, err
	}

	src, err := s.GetSource(ctx, payload.IngestionSourceID)
	if err != nil {
		return nil, err
	}
	conn, err := s.connect(src)
	if err != nil {
		return nil, err
	}

	res := mailboxResult{UserEmail: payload.UserEmail}
	err = conn.FetchMessages(ctx, payload.UserEmail, &src.SyncState, func(obj *models.EmailObject) error {
		if perr := s.ProcessEmail(ctx, src, obj); perr != nil {
			res.Failed++
			slog.Error("message processing failed",
				"source_id", src.ID, "user", payload.UserEmail,
				"provider_message_id", obj.ID, "error", perr)
			return nil
		}
		res.Processed++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch mailbox %s: %w", payload.UserEmail, err)
	}

	res.Cursor = conn.UpdatedCursor(payload.UserEmail)
	if err := s.commitCursor(ctx, src.ID, res.Cursor); err != nil {
		return nil, fmt.Errorf("commit cursor for %s: %w", payload.UserEmail, err)
	}

	slog.Info("mailbox synced",
		"source_id", src.ID, "user", payload.UserEmail,
		"processed", res.Processed, "failed", res.Failed)
	return res, nil
}

// commitCursor writes each advanced cursor key with a targeted jsonb
// subtree update, so mailbox jobs running concurrently for one source never
// clobber each other's fragments.
func (s *Service) commitCursor(ctx context.Context, sourceID string, frag models.SyncState) error {
	for principal, st := range frag.Google {
		if err := s.store.UpdateSyncStateKey(ctx, sourceID, "google", principal, st); err != nil {
			return err
		}
	}
	for principal, st := range frag.Microsoft {
		if err := s.store.UpdateSyncStateKey(ctx, sourceID, "microsoft", principal, st); err != nil {
			return err
		}
	}
	for mailbox, st := range frag.IMAP {
		if err := s.store.UpdateSyncStateKey(ctx, sourceID, "imap", mailbox, st); err != nil {
			return err
		}
	}
	return nil
}

// handleSyncCycleFinished merges every mailbox cursor fragment into the
// source's sync state and finalises the cycle with a single update. A
// finalisation failure puts the source in the error state so the operator
// sees a cycle that never cleanly closed.
func (s *Service) handleSyncCycleFinished(ctx context.Context, job *queue.Job) (any, error) {
	var payload models.SyncCycleFinishedJob
	if err := job.UnmarshalPayload(&payload); err != nil {
		return nil, err
	}

	src, err := s.store.GetSource(ctx, payload.IngestionSourceID)
	if err != nil {
		return nil, err
	}

	var (
		state           = src.SyncState
		processed       int
		failedMessages  int
		failedMailboxes int
	)
	if job.GroupID != "" {
		results, err := s.queue.GroupResults(ctx, job.GroupID)
		if err != nil {
			return nil, err
		}
		for _, doc := range results {
			var entry groupResult
			if err := json.Unmarshal(doc, &entry); err != nil {
				slog.Warn("undecodable mailbox result", "group_id", job.GroupID, "error", err)
				failedMailboxes++
				continue
			}
			if entry.Error != "" || entry.Result == nil {
				failedMailboxes++
				continue
			}
			state.Merge(entry.Result.Cursor)
			processed += entry.Result.Processed
			failedMessages += entry.Result.Failed
		}
	}

	now := time.Now().UTC()
	status := models.StatusActive
	msg := cycleMessage(payload, processed, failedMessages, failedMailboxes)
	err = s.store.UpdateSource(ctx, payload.IngestionSourceID, models.UpdateSourceInput{
		Status:                &status,
		SyncState:             &state,
		LastSyncFinishedAt:    &now,
		LastSyncStatusMessage: &msg,
	})
	if err != nil {
		ferr := s.markError(ctx, src, fmt.Sprintf("sync finalisation failed: %v", err))
		if ferr != nil {
			slog.Error("failed to record finalisation error", "source_id", src.ID, "error", ferr)
		}
		return nil, fmt.Errorf("finalise sync cycle for %s: %w", payload.IngestionSourceID, err)
	}

	if job.GroupID != "" {
		if err := s.queue.DeleteGroup(ctx, job.GroupID); err != nil {
			slog.Warn("group cleanup failed", "group_id", job.GroupID, "error", err)
		}
	}

	slog.Info("sync cycle finished",
		"source_id", payload.IngestionSourceID, "initial", payload.IsInitialImport,
		"mailboxes", payload.UserCount, "processed", processed,
		"failed_messages", failedMessages, "failed_mailboxes", failedMailboxes)
	return nil, nil
}

// handleScheduleContinuousSync enqueues an incremental sync for every
// active source. It is itself enqueued on a fixed interval.
func (s *Service) handleScheduleContinuousSync(ctx context.Context, job *queue.Job) (any, error) {
	sources, err := s.store.ListSourcesByStatus(ctx, models.StatusActive)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if err := s.TriggerForceSync(ctx, src.ID); err != nil {
			slog.Error("scheduling sync failed", "source_id", src.ID, "error", err)
		}
	}
	slog.Debug("continuous sync scheduled", "sources", len(sources))
	return nil, nil
}

func cycleMessage(payload models.SyncCycleFinishedJob, processed, failedMessages, failedMailboxes int) string {
	kind := "sync"
	if payload.IsInitialImport {
		kind = "initial import"
	}
	msg := fmt.Sprintf("%s complete: %d mailboxes, %d messages archived", kind, payload.UserCount, processed)
	if failedMessages > 0 {
		msg += fmt.Sprintf(", %d messages failed", failedMessages)
	}
	if failedMailboxes > 0 {
		msg += fmt.Sprintf(", %d mailboxes failed", failedMailboxes)
	}
	return msg
}
