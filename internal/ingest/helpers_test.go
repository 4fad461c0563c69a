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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/openarchive/ingestion/internal/connector"
	"github.com/openarchive/ingestion/internal/crypto"
	"github.com/openarchive/ingestion/internal/models"
	"github.com/openarchive/ingestion/internal/store"
)

// mockStorage implements Storage in memory.
type mockStorage struct {
	mu      sync.Mutex
	sources map[string]*models.IngestionSource
	emails  map[string]*models.ArchivedEmail // keyed by sourceID+"|"+identity
	rows    map[string]*models.Attachment    // keyed by content hash

	inserted      []*models.ArchivedEmail
	updates       []models.UpdateSourceInput
	cursorCommits []cursorCommit
	links         [][2]string
	deletedSource string

	failInsertIdentity string
	failFinalize       bool
}

type cursorCommit struct {
	provider string
	key      string
	value    any
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		sources: make(map[string]*models.IngestionSource),
		emails:  make(map[string]*models.ArchivedEmail),
		rows:    make(map[string]*models.Attachment),
	}
}

func (m *mockStorage) InsertSource(_ context.Context, src *models.IngestionSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.ID] = src
	return nil
}

func (m *mockStorage) GetSource(_ context.Context, id string) (*models.IngestionSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (m *mockStorage) ListSources(_ context.Context) ([]*models.IngestionSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.IngestionSource
	for _, src := range m.sources {
		out = append(out, src)
	}
	return out, nil
}

func (m *mockStorage) ListSourcesByStatus(_ context.Context, status models.SourceStatus) ([]*models.IngestionSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.IngestionSource
	for _, src := range m.sources {
		if src.Status == status {
			out = append(out, src)
		}
	}
	return out, nil
}

func (m *mockStorage) UpdateSource(_ context.Context, id string, in models.UpdateSourceInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.failFinalize && in.SyncState != nil {
		return fmt.Errorf("induced finalisation failure")
	}
	m.updates = append(m.updates, in)
	if in.Status != nil {
		src.Status = *in.Status
	}
	if in.SyncState != nil {
		src.SyncState = *in.SyncState
	}
	if in.LastSyncStatusMessage != nil {
		src.LastSyncStatusMessage = *in.LastSyncStatusMessage
	}
	return nil
}

func (m *mockStorage) UpdateSourceCredentials(_ context.Context, id, encrypted string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return store.ErrNotFound
	}
	src.EncryptedCredentials = encrypted
	return nil
}

func (m *mockStorage) UpdateSyncStateKey(_ context.Context, sourceID, provider, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[sourceID]; !ok {
		return store.ErrNotFound
	}
	m.cursorCommits = append(m.cursorCommits, cursorCommit{provider: provider, key: key, value: value})
	return nil
}

func (m *mockStorage) DeleteSource(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.sources, id)
	m.deletedSource = id
	return nil
}

func (m *mockStorage) FindEmailByIdentity(_ context.Context, sourceID, identity string) (*models.ArchivedEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[sourceID+"|"+identity]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (m *mockStorage) InsertEmail(_ context.Context, e *models.ArchivedEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.MessageIDHeader == m.failInsertIdentity {
		return fmt.Errorf("induced insert failure")
	}
	m.emails[e.IngestionSourceID+"|"+e.MessageIDHeader] = e
	m.inserted = append(m.inserted, e)
	return nil
}

func (m *mockStorage) UpsertAttachment(_ context.Context, a *models.Attachment) (*models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[a.ContentHashSha256]; ok {
		return existing, nil
	}
	m.rows[a.ContentHashSha256] = a
	return a, nil
}

func (m *mockStorage) LinkEmailAttachment(_ context.Context, emailID, attachmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, [2]string{emailID, attachmentID})
	return nil
}

// mockBlobs implements storage.BlobStore in memory.
type mockBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
	deleted []string
}

func newMockBlobs() *mockBlobs {
	return &mockBlobs{objects: make(map[string][]byte)}
}

func (m *mockBlobs) Put(_ context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	m.puts = append(m.puts, path)
	return nil
}

func (m *mockBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *mockBlobs) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, prefix)
	for path := range m.objects {
		if strings.HasPrefix(path, prefix) {
			delete(m.objects, path)
		}
	}
	return nil
}

// mockIndex implements search.Index.
type mockIndex struct {
	mu      sync.Mutex
	added   int
	filters []string
}

func (m *mockIndex) AddDocuments(_ string, docs []any, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added += len(docs)
	return nil
}

func (m *mockIndex) DeleteByFilter(_, filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, filter)
	return nil
}

// mockQueue implements JobQueue.
type mockQueue struct {
	mu           sync.Mutex
	enqueued     []enqueuedJob
	groups       []enqueuedGroup
	results      map[string]json.RawMessage
	deletedGroup string
}

type enqueuedJob struct {
	queue   string
	kind    string
	payload any
}

type enqueuedGroup struct {
	kind       string
	payloads   []any
	parentKind string
	parent     any
}

func (m *mockQueue) Enqueue(_ context.Context, queueName, kind string, payload any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, enqueuedJob{queue: queueName, kind: kind, payload: payload})
	return "job-1", nil
}

func (m *mockQueue) EnqueueGroup(_ context.Context, _, kind string, payloads []any, _, parentKind string, parent any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, enqueuedGroup{kind: kind, payloads: payloads, parentKind: parentKind, parent: parent})
	return "group-1", nil
}

func (m *mockQueue) GroupResults(_ context.Context, _ string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results, nil
}

func (m *mockQueue) DeleteGroup(_ context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedGroup = groupID
	return nil
}

// fakeConnector implements connector.Connector with canned data.
type fakeConnector struct {
	ok         bool
	principals []models.MailboxPrincipal
	messages   map[string][]*models.EmailObject
	cursors    map[string]models.SyncState
	fetchErr   error
}

func (f *fakeConnector) TestConnection(context.Context) bool { return f.ok }

func (f *fakeConnector) ListMailboxPrincipals(context.Context) ([]models.MailboxPrincipal, error) {
	return f.principals, nil
}

func (f *fakeConnector) FetchMessages(_ context.Context, principal string, _ *models.SyncState, fn func(*models.EmailObject) error) error {
	if f.fetchErr != nil {
		return f.fetchErr
	}
	for _, obj := range f.messages[principal] {
		if err := fn(obj); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeConnector) UpdatedCursor(principal string) models.SyncState {
	return f.cursors[principal]
}

type testEnv struct {
	svc   *Service
	store *mockStorage
	blobs *mockBlobs
	index *mockIndex
	queue *mockQueue
	vault *crypto.Vault
	conn  *fakeConnector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	vault, err := crypto.NewVault("test-master-key")
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}

	env := &testEnv{
		store: newMockStorage(),
		blobs: newMockBlobs(),
		index: &mockIndex{},
		queue: &mockQueue{},
		vault: vault,
		conn:  &fakeConnector{ok: true},
	}
	env.svc = New(Config{
		Store: env.store,
		Vault: vault,
		Blobs: env.blobs,
		Index: env.index,
		Queue: env.queue,
		Connector: func(*models.IngestionSource) (connector.Connector, error) {
			return env.conn, nil
		},
	})
	return env
}

// seedSource inserts a decryptable source and returns it.
func (env *testEnv) seedSource(t *testing.T, id string, status models.SourceStatus) *models.IngestionSource {
	t.Helper()

	creds := models.Credentials{
		Type: models.ProviderGenericIMAP,
		IMAP: &models.GenericImapCredentials{
			Host: "mail.example.com", Port: 993, Secure: true,
			Username: "archive@example.com", Password: "pw",
		},
	}
	encrypted, err := env.vault.EncryptObject(&creds)
	if err != nil {
		t.Fatalf("encrypt credentials: %v", err)
	}

	src := &models.IngestionSource{
		ID:                   id,
		Name:                 "Example Mail",
		Provider:             models.ProviderGenericIMAP,
		EncryptedCredentials: encrypted,
		Status:               status,
	}
	env.store.sources[id] = src
	return src
}
