package mailer

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

// genericMessage is the only text a caller sees for a failed submission.
const genericMessage = "There was a problem while sending an email"

// ErrSendFailed is wrapped by every SendError.
var ErrSendFailed = errors.New(genericMessage)

// Kind classifies a submission failure.
type Kind string

const (
	KindAuth     Kind = "auth"
	KindTLS      Kind = "tls"
	KindNetwork  Kind = "network"
	KindRejected Kind = "rejected"
	KindInvalid  Kind = "invalid"
)

// SendError is returned by Sender.Send. Error() stays generic; the kind and
// cause are reachable through errors.As and errors.Is.
type SendError struct {
	Kind      Kind
	Temporary bool
	Stage     string
	Err       error
}

func (e *SendError) Error() string {
	return genericMessage
}

// Unwrap exposes both ErrSendFailed and the underlying cause.
func (e *SendError) Unwrap() []error {
	return []error{ErrSendFailed, e.Err}
}

// Detail describes the failure for logs.
func (e *SendError) Detail() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Temporary
	}
	return true // Assume temporary if unknown
}

// KindOf returns the failure kind, or "" for nil and foreign errors.
func KindOf(err error) Kind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// classify maps a go-smtp, TLS or network error at stage to a SendError.
func classify(stage string, err error) *SendError {
	se := &SendError{Stage: stage, Err: err}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch {
		case smtpErr.Code == 530 || smtpErr.Code == 534 || smtpErr.Code == 535:
			se.Kind = KindAuth
		case smtpErr.Code == 454 && stage == "AUTH":
			se.Kind = KindAuth
			se.Temporary = true
		default:
			se.Kind = KindRejected
			se.Temporary = smtpErr.Code >= 400 && smtpErr.Code < 500
		}
		return se
	}

	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) || stage == "STARTTLS" {
		se.Kind = KindTLS
		return se
	}

	// Dial failures, timeouts and dropped connections
	se.Kind = KindNetwork
	se.Temporary = true
	return se
}
