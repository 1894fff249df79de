package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/incrypto/nftmarket/internal/mailer"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()

	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "outbox", "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func testMailing(to string) *mailer.Mailing {
	return &mailer.Mailing{
		From:    "noreply@incrypto.io",
		To:      to,
		Subject: "New listing",
		HTML:    "<p>Greetings,</p>",
	}
}

func TestBoltStorage(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	msg := NewMessage(testMailing("buyer@example.com"), SourceAPI)

	if err := storage.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := storage.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.Mailing.To != "buyer@example.com" {
		t.Errorf("Get().Mailing.To = %v", got.Mailing.To)
	}
	if got.Status != StatusPending {
		t.Errorf("Get().Status = %v, want %v", got.Status, StatusPending)
	}
	if got.Source != SourceAPI {
		t.Errorf("Get().Source = %v", got.Source)
	}

	notFound, err := storage.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if notFound != nil {
		t.Error("Get() expected nil for nonexistent message")
	}

	dequeued, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if dequeued == nil || dequeued.ID != msg.ID {
		t.Fatalf("Dequeue() = %+v, want %s", dequeued, msg.ID)
	}
	if dequeued.Status != StatusSending {
		t.Errorf("Dequeue().Status = %v, want %v", dequeued.Status, StatusSending)
	}

	empty, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if empty != nil {
		t.Error("Dequeue() expected nil for empty outbox")
	}

	dequeued.Status = StatusSent
	if err := storage.Update(ctx, dequeued); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 1 || stats.Sent != 1 {
		t.Errorf("Stats() = %+v", stats)
	}

	if err := storage.Delete(ctx, msg.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted, _ := storage.Get(ctx, msg.ID); deleted != nil {
		t.Error("Delete() message still exists")
	}
}

func TestDequeueOrder(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	// enqueue out of order; nanosecond values that format to different
	// string lengths must still sort by time
	for _, i := range []int{2, 0, 1} {
		msg := NewMessage(testMailing(fmt.Sprintf("u%d@example.com", i)), SourceWatcher)
		msg.ID = fmt.Sprintf("msg-%d", i)
		msg.CreatedAt = base.Add(time.Duration(i)*time.Second + time.Duration(i*100))
		if err := storage.Enqueue(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		msg, err := storage.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("msg-%d", i); msg == nil || msg.ID != want {
			t.Fatalf("dequeue %d = %+v, want %s", i, msg, want)
		}
	}
}

func TestDeferredMessages(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	msg := NewMessage(testMailing("buyer@example.com"), SourceAPI)
	storage.Enqueue(ctx, msg)

	m, _ := storage.Dequeue(ctx)
	m.Status = StatusDeferred
	m.NextRetryAt = time.Now().Add(time.Hour)
	if err := storage.Update(ctx, m); err != nil {
		t.Fatal(err)
	}

	if got, _ := storage.Dequeue(ctx); got != nil {
		t.Fatal("deferred message dequeued before its retry time")
	}

	m.NextRetryAt = time.Now().Add(-time.Second)
	if err := storage.Update(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != msg.ID {
		t.Fatalf("due deferred message not dequeued: %+v", got)
	}
}

func TestList(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := NewMessage(testMailing("buyer@example.com"), SourceAPI)
		msg.ID = fmt.Sprintf("msg-%d", i)
		if i%2 == 1 {
			msg.Status = StatusFailed
		}
		storage.Enqueue(ctx, msg)
	}

	all, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("List() = %d messages, want 5", len(all))
	}

	failed, _ := storage.List(ctx, ListFilter{Status: StatusFailed})
	if len(failed) != 2 {
		t.Errorf("List(failed) = %d messages, want 2", len(failed))
	}

	page, _ := storage.List(ctx, ListFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != "msg-1" || page[1].ID != "msg-2" {
		t.Errorf("List(limit 2, offset 1) = %v", ids(page))
	}
}

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestRecover(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	storage.Enqueue(ctx, NewMessage(testMailing("buyer@example.com"), SourceAPI))
	if m, _ := storage.Dequeue(ctx); m == nil {
		t.Fatal("nothing dequeued")
	}

	n, err := storage.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Recover() = %d, want 1", n)
	}

	m, _ := storage.Dequeue(ctx)
	if m == nil {
		t.Fatal("recovered message not dequeued")
	}
}

func TestRetry(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	msg := NewMessage(testMailing("buyer@example.com"), SourceAPI)
	storage.Enqueue(ctx, msg)
	m, _ := storage.Dequeue(ctx)

	if err := storage.Retry(ctx, m.ID); err == nil {
		t.Error("Retry() of a sending message should fail")
	}

	m.Status = StatusFailed
	m.RetryCount = 5
	m.LastError = "boom"
	storage.Update(ctx, m)

	if err := storage.Retry(ctx, m.ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	got, _ := storage.Dequeue(ctx)
	if got == nil || got.RetryCount != 0 || got.LastError != "" {
		t.Fatalf("retried message = %+v", got)
	}

	if err := storage.Retry(ctx, "missing"); err == nil {
		t.Error("Retry() of unknown id should fail")
	}
}

func TestCleanup(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	old := NewMessage(testMailing("a@example.com"), SourceAPI)
	storage.Enqueue(ctx, old)
	m, _ := storage.Dequeue(ctx)
	m.Status = StatusSent
	storage.Update(ctx, m)

	pending := NewMessage(testMailing("b@example.com"), SourceAPI)
	storage.Enqueue(ctx, pending)

	time.Sleep(10 * time.Millisecond)

	deleted, err := storage.Cleanup(ctx, StatusSent, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("Cleanup() = %d, want 1", deleted)
	}
	if got, _ := storage.Get(ctx, pending.ID); got == nil {
		t.Error("pending message removed by cleanup")
	}

	if n, _ := storage.Cleanup(ctx, StatusSent, 0); n != 0 {
		t.Error("zero max age should keep everything")
	}
}

func TestOutboxStats(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	storage.Enqueue(ctx, NewMessage(testMailing("a@example.com"), SourceAPI))
	storage.Enqueue(ctx, NewMessage(testMailing("b@example.com"), SourceAPI))
	storage.Dequeue(ctx)

	st, err := storage.OutboxStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 1 || st.Sending != 1 || st.Total != 2 {
		t.Errorf("OutboxStats() = %+v", st)
	}
}
