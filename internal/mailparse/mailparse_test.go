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

package mailparse

import (
	"strings"
	"testing"
	"time"
)

const simpleMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>, carol@example.com\r\n" +
	"Cc: dave@example.com\r\n" +
	"Subject: lunch plans\r\n" +
	"Message-ID: <lunch-1@example.com>\r\n" +
	"Date: Fri, 01 May 2026 12:30:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Noon at the usual place?\r\n"

func TestParse_Simple(t *testing.T) {
	p, err := Parse([]byte(simpleMessage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.MessageID != "<lunch-1@example.com>" {
		t.Errorf("message id = %q, want angle-bracketed form", p.MessageID)
	}
	if p.Subject != "lunch plans" {
		t.Errorf("subject = %q", p.Subject)
	}
	if p.From.Address != "alice@example.com" || p.From.Name != "Alice" {
		t.Errorf("from = %+v", p.From)
	}
	if len(p.Recipients.To) != 2 || p.Recipients.To[0].Address != "bob@example.com" {
		t.Errorf("to = %+v", p.Recipients.To)
	}
	if len(p.Recipients.Cc) != 1 {
		t.Errorf("cc = %+v", p.Recipients.Cc)
	}
	want := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	if !p.SentAt.Equal(want) {
		t.Errorf("sent at = %v, want %v", p.SentAt, want)
	}
	if !strings.Contains(p.TextBody, "usual place") {
		t.Errorf("text body = %q", p.TextBody)
	}
}

func TestParse_MissingDateDefaultsToNow(t *testing.T) {
	msg := "From: a@example.com\r\nSubject: no date\r\n\r\nbody\r\n"

	before := time.Now().UTC()
	p, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.SentAt.Before(before.Add(-time.Minute)) {
		t.Errorf("sent at = %v, want roughly now for a dateless message", p.SentAt)
	}
}

func TestParse_MissingMessageID(t *testing.T) {
	msg := "From: a@example.com\r\nSubject: anonymous\r\n\r\nbody\r\n"
	p, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.MessageID != "" {
		t.Errorf("message id = %q, want empty so the identity fallback kicks in", p.MessageID)
	}
}

func TestParse_MultipartWithAttachment(t *testing.T) {
	msg := "From: a@example.com\r\n" +
		"Subject: report attached\r\n" +
		"Message-ID: <rep-1@example.com>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=xyz\r\n" +
		"\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"See attached.\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/csv\r\n" +
		"Content-Disposition: attachment; filename=\"report.csv\"\r\n" +
		"\r\n" +
		"a,b,c\r\n" +
		"--xyz--\r\n"

	p, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(p.TextBody, "See attached.") {
		t.Errorf("text body = %q", p.TextBody)
	}
	if len(p.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(p.Attachments))
	}
	att := p.Attachments[0]
	if att.Filename != "report.csv" {
		t.Errorf("filename = %q", att.Filename)
	}
	if att.ContentType != "text/csv" {
		t.Errorf("content type = %q", att.ContentType)
	}
	if string(att.Content) != "a,b,c" || att.Size != int64(len(att.Content)) {
		t.Errorf("content = %q, size = %d", att.Content, att.Size)
	}
}

func TestParse_AlternativePrefersFirstOfEachType(t *testing.T) {
	msg := "From: a@example.com\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=alt\r\n" +
		"\r\n" +
		"--alt\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain body\r\n" +
		"--alt\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html body</p>\r\n" +
		"--alt--\r\n"

	p, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(p.TextBody, "plain body") {
		t.Errorf("text body = %q", p.TextBody)
	}
	if !strings.Contains(p.HTMLBody, "html body") {
		t.Errorf("html body = %q", p.HTMLBody)
	}
}

func TestToEmailObject(t *testing.T) {
	obj, err := ToEmailObject([]byte(simpleMessage), "uid-42", "archive@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj.ID != "uid-42" {
		t.Errorf("provider id = %q", obj.ID)
	}
	if obj.UserEmail != "archive@example.com" {
		t.Errorf("user email = %q", obj.UserEmail)
	}
	if string(obj.Raw) != simpleMessage {
		t.Error("raw bytes must be preserved verbatim")
	}
	if obj.MessageID != "<lunch-1@example.com>" {
		t.Errorf("message id = %q", obj.MessageID)
	}
}

func TestBodyText_FallsBackToHTML(t *testing.T) {
	msg := "From: a@example.com\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>only html here</p>\r\n"

	if got := BodyText([]byte(msg)); !strings.Contains(got, "only html here") {
		t.Errorf("body text = %q, want the HTML body as fallback", got)
	}
}
