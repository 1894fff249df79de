package mailer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/incrypto/nftmarket/internal/metrics"
)

// Default relay settings.
const (
	DefaultHost    = "smtp.gmail.com"
	DefaultPort    = 587
	DefaultTimeout = 30 * time.Second
)

// SenderConfig configures SMTP submission.
type SenderConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// RequireTLS fails the submission when the relay does not offer STARTTLS.
	// Credentials are never sent without TLS, whatever its value.
	RequireTLS         bool
	InsecureSkipVerify bool
	// RootCAs overrides the system pool.
	RootCAs *x509.CertPool
	// LocalName is the EHLO name of plaintext sessions. STARTTLS sessions
	// greet as "localhost".
	LocalName string
	Timeout   time.Duration
}

func (c SenderConfig) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Result describes an accepted submission.
type Result struct {
	MessageID string
	Relay     string
}

// Sender submits mailings to a relay over SMTP.
type Sender struct {
	cfg    SenderConfig
	dkim   *DKIMSigner
	logger *slog.Logger
	now    func() time.Time
}

// NewSender creates a sender. Zero host, port and timeout take the defaults.
func NewSender(cfg SenderConfig, logger *slog.Logger) *Sender {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	return &Sender{
		cfg:    cfg,
		logger: logger.With("component", "mailer"),
		now:    time.Now,
	}
}

// SetDKIM enables DKIM signing.
func (s *Sender) SetDKIM(signer *DKIMSigner) {
	s.dkim = signer
}

// Send builds m and submits it. Failures are logged and returned as
// *SendError.
func (s *Sender) Send(ctx context.Context, m *Mailing) (*Result, error) {
	res, err := s.send(ctx, m)
	if err != nil {
		var se *SendError
		if !errors.As(err, &se) {
			se = classify("SEND", err)
		}
		metrics.IncMailFailed(string(se.Kind))
		s.logger.Error("problem sending email",
			"to", m.To,
			"kind", se.Kind,
			"temporary", se.Temporary,
			"error", se.Detail(),
		)
		return nil, se
	}

	metrics.IncMailSent()
	s.logger.Info("message sent",
		"to", m.To,
		"message_id", res.MessageID,
		"relay", res.Relay,
	)
	return res, nil
}

func (s *Sender) send(ctx context.Context, m *Mailing) (*Result, error) {
	if err := m.Validate(); err != nil {
		return nil, &SendError{Kind: KindInvalid, Stage: "BUILD", Err: err}
	}

	data, messageID := m.Build(s.now())
	if s.dkim != nil {
		signed, err := s.dkim.Sign(data)
		if err != nil {
			return nil, &SendError{Kind: KindInvalid, Stage: "DKIM", Err: err}
		}
		data = signed
	}

	addr := s.cfg.address()
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify("DIAL", err)
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := s.open(conn, addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := c.Auth(auth); err != nil {
			return nil, classify("AUTH", err)
		}
	}

	if err := c.Mail(m.EnvelopeFrom(), nil); err != nil {
		return nil, classify("MAIL FROM", err)
	}
	if err := c.Rcpt(m.EnvelopeTo(), nil); err != nil {
		return nil, classify("RCPT TO", err)
	}

	w, err := c.Data()
	if err != nil {
		return nil, classify("DATA", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, classify("DATA", err)
	}
	if err := w.Close(); err != nil {
		return nil, classify("DATA", err)
	}

	if err := c.Quit(); err != nil {
		s.logger.Debug("quit failed after delivery", "error", err)
	}

	return &Result{MessageID: messageID, Relay: addr}, nil
}

// open starts the SMTP session on conn. Sessions that authenticate or
// require TLS are upgraded with STARTTLS before any other command, and fail
// when the relay does not offer it.
func (s *Sender) open(conn net.Conn, addr string) (*smtp.Client, error) {
	if !s.cfg.RequireTLS && s.cfg.Username == "" {
		c := smtp.NewClient(conn)
		if err := c.Hello(s.cfg.LocalName); err != nil {
			c.Close()
			return nil, classify("EHLO", err)
		}
		return c, nil
	}

	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		RootCAs:            s.cfg.RootCAs,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}
	c, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		return nil, startTLSError(addr, err)
	}
	return c, nil
}

// startTLSError keeps relay rejections and dropped connections in their own
// kinds. Anything else means the relay could not give us TLS.
func startTLSError(addr string, err error) *SendError {
	var smtpErr *smtp.SMTPError
	var netErr net.Error
	if errors.As(err, &smtpErr) || errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return classify("EHLO", err)
	}
	return &SendError{
		Kind:  KindTLS,
		Stage: "STARTTLS",
		Err:   fmt.Errorf("relay %s: %w", addr, err),
	}
}
