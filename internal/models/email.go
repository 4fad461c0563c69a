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

// Package models defines the data structures shared across the archiving service.
package models

import "time"

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Recipients groups the address lists of a message by header.
type Recipients struct {
	To  []EmailAddress `json:"to"`
	Cc  []EmailAddress `json:"cc"`
	Bcc []EmailAddress `json:"bcc"`
}

// AttachmentData is an attachment as carried inside a fetched message,
// bytes included. The persisted form is Attachment.
type AttachmentData struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// EmailObject is a fully parsed message as yielded by a connector,
// normalised across providers and ready for the processing pipeline.
type EmailObject struct {
	// ID is the provider's message identifier (Gmail message id, Graph
	// message id, or IMAP UID rendered as a string).
	ID string
	// UserEmail is the mailbox principal this message was fetched from.
	UserEmail string
	// Raw holds the full RFC822 bytes as fetched from the provider.
	Raw []byte

	MessageID   string // RFC822 Message-ID header, empty if absent
	Subject     string
	From        EmailAddress
	Recipients  Recipients
	SentAt      time.Time
	Attachments []AttachmentData
}

// MailboxPrincipal is a mailbox owner within a provider domain. Single-mailbox
// providers yield exactly one synthetic principal.
type MailboxPrincipal struct {
	ID           string
	PrimaryEmail string
	DisplayName  string
}

// ArchivedEmail is one ingested message as persisted.
type ArchivedEmail struct {
	ID                string
	IngestionSourceID string
	UserEmail         string
	MessageIDHeader   string
	SentAt            time.Time
	Subject           string
	SenderName        string
	SenderEmail       string
	Recipients        Recipients
	StoragePath       string
	StorageHashSha256 string
	SizeBytes         int64
	IsIndexed         bool
	HasAttachments    bool
	IsOnLegalHold     bool
	ArchivedAt        time.Time
}

// Attachment is a content-addressed attachment row, deduplicated globally
// by the SHA-256 of its bytes.
type Attachment struct {
	ID                string
	Filename          string
	MimeType          string
	SizeBytes         int64
	ContentHashSha256 string
	StoragePath       string
}

// EmailDocument is the search-index representation of an archived email.
type EmailDocument struct {
	ID                string              `json:"id"`
	From              string              `json:"from"`
	To                []string            `json:"to"`
	Cc                []string            `json:"cc"`
	Bcc               []string            `json:"bcc"`
	Subject           string              `json:"subject"`
	Body              string              `json:"body"`
	Attachments       []AttachmentContent `json:"attachments"`
	Timestamp         int64               `json:"timestamp"`
	IngestionSourceID string              `json:"ingestionSourceId"`
}

// AttachmentContent is extracted attachment text inside an EmailDocument.
type AttachmentContent struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}
