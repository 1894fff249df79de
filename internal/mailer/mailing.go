package mailer

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMailing is returned when a mailing misses its sender or
// recipient or carries a malformed address.
var ErrInvalidMailing = errors.New("invalid mailing")

// Mailing is one message to submit. It is built fresh for every send.
type Mailing struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
}

// Validate checks the envelope addresses.
func (m *Mailing) Validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: from is required", ErrInvalidMailing)
	}
	if m.To == "" {
		return fmt.Errorf("%w: to is required", ErrInvalidMailing)
	}
	if _, err := mail.ParseAddress(m.From); err != nil {
		return fmt.Errorf("%w: from: %v", ErrInvalidMailing, err)
	}
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("%w: to: %v", ErrInvalidMailing, err)
	}
	if m.HTML == "" && m.Text == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidMailing)
	}
	return nil
}

// EnvelopeFrom returns the bare address of From.
func (m *Mailing) EnvelopeFrom() string {
	return bareAddress(m.From)
}

// EnvelopeTo returns the bare address of To.
func (m *Mailing) EnvelopeTo() string {
	return bareAddress(m.To)
}

func bareAddress(s string) string {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return s
	}
	return addr.Address
}

// Build constructs RFC 5322 message data and returns it with its Message-ID.
func (m *Mailing) Build(now time.Time) ([]byte, string) {
	var buf bytes.Buffer

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), extractDomain(m.EnvelopeFrom()))

	buf.WriteString(fmt.Sprintf("From: %s\r\n", m.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", m.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	buf.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case m.HTML != "" && m.Text != "":
		boundary := uuid.New().String()
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		writePart(&buf, "text/plain", m.Text)

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		writePart(&buf, "text/html", m.HTML)

		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	case m.HTML != "":
		writePart(&buf, "text/html", m.HTML)
	default:
		writePart(&buf, "text/plain", m.Text)
	}

	return buf.Bytes(), messageID
}

// writePart writes Content-Type and quoted-printable body. Quoted-printable
// keeps lines under the 998 octet limit for long single-line HTML.
func writePart(buf *bytes.Buffer, contentType, body string) {
	buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=utf-8\r\n", contentType))
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(buf)
	qp.Write([]byte(body))
	qp.Close()
	buf.WriteString("\r\n")
}

// extractDomain extracts domain from email address
func extractDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "localhost"
	}
	return strings.ToLower(email[at+1:])
}
