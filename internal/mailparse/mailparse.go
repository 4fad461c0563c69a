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

// Package mailparse turns raw RFC822 bytes into the normalised EmailObject
// every connector yields. Parsing is tolerant: unknown charsets and broken
// attachment parts degrade the result instead of failing the message.
package mailparse

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/openarchive/ingestion/internal/models"
)

// Parsed is the structured view of one raw message.
type Parsed struct {
	MessageID   string
	Subject     string
	From        models.EmailAddress
	Recipients  models.Recipients
	SentAt      time.Time
	TextBody    string
	HTMLBody    string
	Attachments []models.AttachmentData
}

// Parse reads a full RFC822 message.
func Parse(raw []byte) (*Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if mr == nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	p := &Parsed{}

	h := mr.Header
	if id, err := h.MessageID(); err == nil && id != "" {
		p.MessageID = "<" + id + ">"
	}
	p.Subject, _ = h.Subject()
	if date, err := h.Date(); err == nil {
		p.SentAt = date
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		p.From = models.EmailAddress{Address: from[0].Address, Name: from[0].Name}
	}
	p.Recipients = models.Recipients{
		To:  addressList(&h, "To"),
		Cc:  addressList(&h, "Cc"),
		Bcc: addressList(&h, "Bcc"),
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// A malformed trailing part should not lose the message.
			slog.Debug("stopping at malformed MIME part", "error", err)
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.EqualFold(ct, "text/plain") && p.TextBody == "":
				p.TextBody = string(body)
			case strings.EqualFold(ct, "text/html") && p.HTMLBody == "":
				p.HTMLBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			if filename == "" {
				filename = "untitled"
			}
			ct, _, _ := ph.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				slog.Warn("failed to read attachment part", "filename", filename, "error", err)
				continue
			}
			p.Attachments = append(p.Attachments, models.AttachmentData{
				Filename:    filename,
				ContentType: ct,
				Size:        int64(len(content)),
				Content:     content,
			})
		}
	}

	if p.SentAt.IsZero() {
		p.SentAt = time.Now().UTC()
	}

	return p, nil
}

// ToEmailObject parses raw bytes and wraps them as a connector yield.
func ToEmailObject(raw []byte, providerMessageID, userEmail string) (*models.EmailObject, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return &models.EmailObject{
		ID:          providerMessageID,
		UserEmail:   userEmail,
		Raw:         raw,
		MessageID:   parsed.MessageID,
		Subject:     parsed.Subject,
		From:        parsed.From,
		Recipients:  parsed.Recipients,
		SentAt:      parsed.SentAt,
		Attachments: parsed.Attachments,
	}, nil
}

// BodyText extracts the plain text (or, failing that, HTML) body of a raw
// message for indexing.
func BodyText(raw []byte) string {
	parsed, err := Parse(raw)
	if err != nil {
		return ""
	}
	if parsed.TextBody != "" {
		return parsed.TextBody
	}
	return parsed.HTMLBody
}

func addressList(h *mail.Header, field string) []models.EmailAddress {
	list, err := h.AddressList(field)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]models.EmailAddress, 0, len(list))
	for _, a := range list {
		out = append(out, models.EmailAddress{Address: a.Address, Name: a.Name})
	}
	return out
}
