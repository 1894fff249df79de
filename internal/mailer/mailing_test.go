package mailer

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func TestMailingValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(m *Mailing)
		wantErr bool
	}{
		{"valid", func(m *Mailing) {}, false},
		{"html only", func(m *Mailing) { m.Text = "" }, false},
		{"missing from", func(m *Mailing) { m.From = "" }, true},
		{"missing to", func(m *Mailing) { m.To = "" }, true},
		{"bad to", func(m *Mailing) { m.To = "buyer at example.com" }, true},
		{"no body", func(m *Mailing) { m.HTML, m.Text = "", "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMailing()
			tt.modify(m)
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidMailing) {
				t.Errorf("error %v does not wrap ErrInvalidMailing", err)
			}
		})
	}
}

func TestEnvelopeAddresses(t *testing.T) {
	m := testMailing()
	if got := m.EnvelopeFrom(); got != "noreply@incrypto.io" {
		t.Errorf("EnvelopeFrom() = %q", got)
	}
	if got := m.EnvelopeTo(); got != "buyer@example.com" {
		t.Errorf("EnvelopeTo() = %q", got)
	}
}

func TestBuildMultipart(t *testing.T) {
	m := testMailing()
	m.Subject = "Nouvelle annonce é"
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	data, id := m.Build(now)

	msg, err := mail.ReadMessage(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if got := msg.Header.Get("Message-ID"); got != id {
		t.Errorf("Message-ID = %q, want %q", got, id)
	}
	if !strings.HasSuffix(id, "@incrypto.io>") {
		t.Errorf("Message-ID domain: %q", id)
	}
	if got := msg.Header.Get("Date"); got != now.Format(time.RFC1123Z) {
		t.Errorf("Date = %q", got)
	}

	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		t.Fatal(err)
	}
	if subject != "Nouvelle annonce é" {
		t.Errorf("Subject = %q", subject)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	if mediaType != "multipart/alternative" {
		t.Fatalf("Content-Type = %q", mediaType)
	}

	r := multipart.NewReader(msg.Body, params["boundary"])
	var types []string
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		types = append(types, strings.SplitN(p.Header.Get("Content-Type"), ";", 2)[0])
		body, _ := io.ReadAll(p)
		if len(body) == 0 {
			t.Error("empty part")
		}
	}
	if strings.Join(types, ",") != "text/plain,text/html" {
		t.Errorf("parts = %v", types)
	}
}

func TestBuildSinglePart(t *testing.T) {
	m := testMailing()
	m.Text = ""
	m.HTML = "<p>" + strings.Repeat("long line ", 200) + "</p>"

	data, _ := m.Build(time.Now())
	msg, err := mail.ReadMessage(strings.NewReader(string(data)))
	if err != nil {
		t.Fatal(err)
	}
	if ct := msg.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	for _, line := range strings.Split(string(data), "\r\n") {
		if len(line) > 998 {
			t.Fatalf("line exceeds 998 octets: %d", len(line))
		}
	}
}

func TestBuildUniqueMessageIDs(t *testing.T) {
	m := testMailing()
	_, a := m.Build(time.Now())
	_, b := m.Build(time.Now())
	if a == b {
		t.Error("Build reused a Message-ID")
	}
}

func TestExtractDomain(t *testing.T) {
	tests := map[string]string{
		"user@Example.COM": "example.com",
		"nodomain":         "localhost",
		"trailing@":        "localhost",
		"@leading":         "localhost",
	}
	for in, want := range tests {
		if got := extractDomain(in); got != want {
			t.Errorf("extractDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
