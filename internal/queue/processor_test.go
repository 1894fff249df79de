package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/incrypto/nftmarket/internal/mailer"
	"github.com/incrypto/nftmarket/internal/ratelimit"
)

// mockSender implements Sender for testing
type mockSender struct {
	mu       sync.Mutex
	sendFunc func(ctx context.Context, m *mailer.Mailing) error
	sent     []string
}

func (s *mockSender) Send(ctx context.Context, m *mailer.Mailing) (*mailer.Result, error) {
	s.mu.Lock()
	s.sent = append(s.sent, m.To)
	s.mu.Unlock()

	if s.sendFunc != nil {
		if err := s.sendFunc(ctx, m); err != nil {
			return nil, err
		}
	}
	return &mailer.Result{MessageID: "<id@incrypto.io>"}, nil
}

func (s *mockSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type denyAll struct{}

func (denyAll) Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error) {
	return &ratelimit.Result{DeniedBy: ratelimit.LevelRecipient, RetryAfter: time.Hour}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProcessor(t *testing.T, sender Sender) (*Processor, *BoltStorage) {
	t.Helper()
	storage := newTestStorage(t)
	p := NewProcessor(storage, sender, ProcessorConfig{
		Workers:         1,
		RetryInterval:   time.Minute,
		MaxRetries:      3,
		ProcessInterval: 20 * time.Millisecond,
	}, mailer.IsTemporaryError, quietLogger())
	return p, storage
}

func TestProcessOneSent(t *testing.T) {
	sender := &mockSender{}
	p, storage := newTestProcessor(t, sender)
	ctx := context.Background()

	msg := NewMessage(testMailing("buyer@example.com"), SourceAPI)
	storage.Enqueue(ctx, msg)

	if !p.ProcessOne(ctx, quietLogger()) {
		t.Fatal("ProcessOne() reported empty outbox")
	}

	got, _ := storage.Get(ctx, msg.ID)
	if got.Status != StatusSent {
		t.Errorf("Status = %v, want %v", got.Status, StatusSent)
	}
	if got.MessageID != "<id@incrypto.io>" {
		t.Errorf("MessageID = %q", got.MessageID)
	}

	if p.ProcessOne(ctx, quietLogger()) {
		t.Error("ProcessOne() on empty outbox should return false")
	}
}

func TestProcessOneTemporaryFailure(t *testing.T) {
	sender := &mockSender{sendFunc: func(ctx context.Context, m *mailer.Mailing) error {
		return &mailer.SendError{Kind: mailer.KindNetwork, Temporary: true, Stage: "DIAL", Err: errors.New("refused")}
	}}
	p, storage := newTestProcessor(t, sender)
	ctx := context.Background()

	msg := NewMessage(testMailing("buyer@example.com"), SourceAPI)
	storage.Enqueue(ctx, msg)
	p.ProcessOne(ctx, quietLogger())

	got, _ := storage.Get(ctx, msg.ID)
	if got.Status != StatusDeferred {
		t.Fatalf("Status = %v, want %v", got.Status, StatusDeferred)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.ErrorKind != mailer.KindNetwork {
		t.Errorf("ErrorKind = %q", got.ErrorKind)
	}
	if got.LastError != "DIAL failed (network): refused" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if until := time.Until(got.NextRetryAt); until < 50*time.Second || until > time.Minute {
		t.Errorf("NextRetryAt in %v, want about 1m", until)
	}
}

func TestProcessOnePermanentFailure(t *testing.T) {
	sender := &mockSender{sendFunc: func(ctx context.Context, m *mailer.Mailing) error {
		return &mailer.SendError{Kind: mailer.KindAuth, Stage: "AUTH", Err: errors.New("535")}
	}}
	p, storage := newTestProcessor(t, sender)
	ctx := context.Background()

	msg := NewMessage(testMailing("buyer@example.com"), SourceAPI)
	storage.Enqueue(ctx, msg)
	p.ProcessOne(ctx, quietLogger())

	got, _ := storage.Get(ctx, msg.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %v, want %v", got.Status, StatusFailed)
	}
}

func TestProcessOneMaxRetries(t *testing.T) {
	sender := &mockSender{sendFunc: func(ctx context.Context, m *mailer.Mailing) error {
		return errors.New("timeout")
	}}
	p, storage := newTestProcessor(t, sender)
	ctx := context.Background()

	msg := NewMessage(testMailing("buyer@example.com"), SourceAPI)
	msg.RetryCount = 2
	storage.Enqueue(ctx, msg)
	p.ProcessOne(ctx, quietLogger())

	got, _ := storage.Get(ctx, msg.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %v after max retries, want %v", got.Status, StatusFailed)
	}
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.RetryCount)
	}
}

func TestProcessOneRateLimited(t *testing.T) {
	sender := &mockSender{}
	p, storage := newTestProcessor(t, sender)
	p.SetRateLimiter(denyAll{})
	ctx := context.Background()

	msg := NewMessage(testMailing("buyer@example.com"), SourceAPI)
	storage.Enqueue(ctx, msg)
	p.ProcessOne(ctx, quietLogger())

	if sender.count() != 0 {
		t.Error("rate limited message was sent")
	}
	got, _ := storage.Get(ctx, msg.ID)
	if got.Status != StatusDeferred || got.RetryCount != 0 {
		t.Errorf("got %v retry %d, want deferred without a retry", got.Status, got.RetryCount)
	}
}

func TestProcessorDrains(t *testing.T) {
	sender := &mockSender{}
	p, storage := newTestProcessor(t, sender)
	ctx := context.Background()

	for _, to := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		storage.Enqueue(ctx, NewMessage(testMailing(to), SourceWatcher))
	}

	p.Start(ctx)
	p.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	p.Stop()
	p.Stop()

	if sender.count() != 3 {
		t.Fatalf("sent %d messages, want 3", sender.count())
	}
	stats, _ := storage.Stats(ctx)
	if stats.Sent != 3 {
		t.Errorf("Stats().Sent = %d, want 3", stats.Sent)
	}
}

func TestCalculateBackoff(t *testing.T) {
	p := NewProcessor(nil, nil, ProcessorConfig{RetryInterval: time.Minute}, nil, quietLogger())

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 12 * time.Minute},
		{40, 12 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.calculateBackoff(tt.retry); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}

	p.retryInterval = 10 * time.Minute
	if got := p.calculateBackoff(10); got != time.Hour {
		t.Errorf("backoff should cap at 1h, got %v", got)
	}
}

func TestCleanerRunOnce(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	msg := NewMessage(testMailing("a@example.com"), SourceAPI)
	storage.Enqueue(ctx, msg)
	m, _ := storage.Dequeue(ctx)
	m.Status = StatusFailed
	storage.Update(ctx, m)

	time.Sleep(10 * time.Millisecond)

	c := NewCleaner(storage, CleanerConfig{FailedMaxAge: 5 * time.Millisecond}, quietLogger())
	if n := c.RunOnce(ctx); n != 1 {
		t.Errorf("RunOnce() = %d, want 1", n)
	}
}
