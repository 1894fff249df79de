package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/incrypto/nftmarket/internal/mailer"
	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/queue"
	"github.com/incrypto/nftmarket/internal/solana"
	"github.com/incrypto/nftmarket/internal/storage"
	"github.com/incrypto/nftmarket/internal/storage/memory"
)

type fakeLoader struct {
	mu    sync.Mutex
	items []market.NFTDetail
	err   error
	calls int
}

func (f *fakeLoader) Load(ctx context.Context) ([]market.NFTDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]market.NFTDetail(nil), f.items...), nil
}

func (f *fakeLoader) set(items ...market.NFTDetail) {
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
}

func (f *fakeLoader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeOutbox struct {
	mu   sync.Mutex
	msgs []*queue.Message
	err  error
}

func (f *fakeOutbox) Enqueue(ctx context.Context, msg *queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func key(b byte) solana.PublicKey {
	var pk solana.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func detail(b byte, name, collection string, lamports uint64) market.NFTDetail {
	return market.NFTDetail{
		Name:       name,
		Collection: collection,
		Mint:       key(b),
		Seller:     key(b + 100),
		Listing:    key(b + 50),
		Price:      lamports,
	}
}

type fixture struct {
	loader    *fakeLoader
	subs      *memory.SubscriberStore
	seen      *memory.SeenListingStore
	snapshots *memory.SnapshotStore
	outbox    *fakeOutbox
	watcher   *Watcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	composer, err := mailer.NewComposer(mailer.ComposerConfig{Brand: "InCrypto"})
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}

	f := &fixture{
		loader:    &fakeLoader{},
		subs:      memory.NewSubscriberStore(),
		seen:      memory.NewSeenListingStore(),
		snapshots: memory.NewSnapshotStore(),
		outbox:    &fakeOutbox{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.watcher = New(f.loader, f.subs, f.seen, f.snapshots, f.outbox, composer, Config{
		From:    "market@incrypto.io",
		SiteURL: "https://market.incrypto.io",
	}, logger)
	return f
}

func (f *fixture) subscribe(t *testing.T, email, collection string) {
	t.Helper()
	if err := f.subs.Add(context.Background(), &storage.Subscriber{Email: email, Collection: collection}); err != nil {
		t.Fatalf("Add subscriber failed: %v", err)
	}
}

func TestCycleSeedsOnEmptyStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "alice@example.com", "")

	f.loader.set(detail(1, "Ape #1", "apes", 2*market.LamportsPerSOL))

	res, err := f.watcher.Cycle(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if !res.Seeded {
		t.Error("first cycle against empty store should seed")
	}
	if len(f.outbox.msgs) != 0 {
		t.Errorf("seeding queued %d messages", len(f.outbox.msgs))
	}

	n, _ := f.seen.Count(ctx)
	if n != 1 {
		t.Errorf("seen count = %d, want 1", n)
	}
}

func TestCycleQueuesNewListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "alice@example.com", "")
	f.subscribe(t, "bob@example.com", "cats")

	woke := 0
	f.watcher.OnQueued(func() { woke++ })

	f.loader.set(detail(1, "Ape #1", "apes", 2*market.LamportsPerSOL))
	if _, err := f.watcher.Cycle(ctx, TriggerManual); err != nil {
		t.Fatalf("seed cycle failed: %v", err)
	}

	f.loader.set(
		detail(1, "Ape #1", "apes", 2*market.LamportsPerSOL),
		detail(2, "Ape #2", "apes", 3*market.LamportsPerSOL),
		detail(3, "Cat #1", "cats", market.LamportsPerSOL/2),
	)
	res, err := f.watcher.Cycle(ctx, TriggerPoll)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if res.Seeded {
		t.Error("second cycle should not seed")
	}
	if res.Active != 3 || res.New != 2 {
		t.Errorf("active=%d new=%d, want 3 and 2", res.Active, res.New)
	}
	// alice gets both, bob only the cat
	if res.Queued != 3 {
		t.Errorf("queued = %d, want 3", res.Queued)
	}
	if woke != 1 {
		t.Errorf("wake called %d times, want 1", woke)
	}

	var bobs []*queue.Message
	for _, msg := range f.outbox.msgs {
		if msg.Source != queue.SourceWatcher {
			t.Errorf("source = %s, want watcher", msg.Source)
		}
		if msg.Mailing.From != "market@incrypto.io" {
			t.Errorf("from = %s", msg.Mailing.From)
		}
		if msg.Mailing.To == "bob@example.com" {
			bobs = append(bobs, msg)
		}
	}
	if len(bobs) != 1 {
		t.Fatalf("bob got %d messages, want 1", len(bobs))
	}
	if bobs[0].Mint != key(3).String() {
		t.Errorf("bob's mint = %s, want %s", bobs[0].Mint, key(3))
	}
	if !strings.Contains(bobs[0].Mailing.Subject, "Cat #1") {
		t.Errorf("subject = %q", bobs[0].Mailing.Subject)
	}
	if !strings.Contains(bobs[0].Mailing.HTML, "0.5 SOL") {
		t.Error("html body missing price")
	}
}

func TestCycleDoesNotRenotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "alice@example.com", "")

	// non-empty store skips seeding
	if _, err := f.seen.MarkSeen(ctx, "old", "old", time.Now()); err != nil {
		t.Fatal(err)
	}

	f.loader.set(detail(1, "Ape #1", "apes", market.LamportsPerSOL))
	for i := 0; i < 3; i++ {
		if _, err := f.watcher.Cycle(ctx, TriggerPoll); err != nil {
			t.Fatalf("Cycle %d failed: %v", i, err)
		}
	}

	if len(f.outbox.msgs) != 1 {
		t.Errorf("queued %d messages, want 1", len(f.outbox.msgs))
	}
}

func TestCycleRecordsSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.loader.set(
		detail(1, "Ape #1", "apes", 3*market.LamportsPerSOL),
		detail(2, "Ape #2", "apes", 2*market.LamportsPerSOL),
	)
	if _, err := f.watcher.Cycle(ctx, TriggerManual); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	points, err := f.snapshots.FloorHistory(ctx, "apes", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("FloorHistory failed: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if points[0].Floor != 2*market.LamportsPerSOL || points[0].Listings != 2 {
		t.Errorf("point = %+v", points[0])
	}
}

func TestCycleLoadError(t *testing.T) {
	f := newFixture(t)
	f.loader.err = market.ErrFetch

	_, err := f.watcher.Cycle(context.Background(), TriggerPoll)
	if !errors.Is(err, market.ErrFetch) {
		t.Errorf("error = %v, want ErrFetch", err)
	}
}

func TestCycleEnqueueError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "alice@example.com", "")
	f.seen.MarkSeen(ctx, "old", "old", time.Now())

	f.outbox.err = errors.New("disk full")
	f.loader.set(detail(1, "Ape #1", "apes", market.LamportsPerSOL))

	res, err := f.watcher.Cycle(ctx, TriggerPoll)
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if res == nil || res.Queued != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestCycleRetriesAfterEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "alice@example.com", "")

	f.loader.set(detail(1, "Ape #1", "apes", market.LamportsPerSOL))
	if _, err := f.watcher.Cycle(ctx, TriggerManual); err != nil {
		t.Fatalf("seed cycle failed: %v", err)
	}

	f.loader.set(
		detail(1, "Ape #1", "apes", market.LamportsPerSOL),
		detail(2, "Ape #2", "apes", 2*market.LamportsPerSOL),
	)
	f.outbox.err = errors.New("disk full")
	if _, err := f.watcher.Cycle(ctx, TriggerPoll); err == nil {
		t.Fatal("expected enqueue error")
	}

	f.outbox.err = nil
	res, err := f.watcher.Cycle(ctx, TriggerPoll)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if res.New != 1 || res.Queued != 1 {
		t.Errorf("new=%d queued=%d, want 1 and 1", res.New, res.Queued)
	}
	if len(f.outbox.msgs) != 1 || !strings.Contains(f.outbox.msgs[0].Mailing.Subject, "Ape #2") {
		t.Fatalf("messages = %d, want the Ape #2 notification", len(f.outbox.msgs))
	}

	// delivered once, not again
	res, err = f.watcher.Cycle(ctx, TriggerPoll)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if res.New != 0 || len(f.outbox.msgs) != 1 {
		t.Errorf("new=%d messages=%d after recovery", res.New, len(f.outbox.msgs))
	}
}

func TestListingNotice(t *testing.T) {
	n := ListingNotice(detail(1, "", "apes", 1500000000), "https://market.incrypto.io")

	if n.Headline != "Unknown" {
		t.Errorf("headline = %q, want Unknown", n.Headline)
	}
	if !strings.Contains(n.Message, "1.5 SOL") {
		t.Errorf("message = %q", n.Message)
	}
	if n.Card == nil || n.Card.Price != "1.5" {
		t.Errorf("card = %+v", n.Card)
	}
}

type fakeStream struct {
	ch     chan solana.AccountNotification
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Notifications() <-chan solana.AccountNotification { return s.ch }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestRunTriggersOnAccountChange(t *testing.T) {
	f := newFixture(t)
	f.watcher.cfg.PollInterval = time.Hour
	f.watcher.cfg.Debounce = 10 * time.Millisecond
	f.watcher.cfg.WSEndpoint = "ws://unused"

	stream := &fakeStream{ch: make(chan solana.AccountNotification, 4), closed: make(chan struct{})}
	f.watcher.subscribe = func(ctx context.Context) (Stream, error) {
		return stream, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(ctx) }()

	waitFor(t, func() bool { return f.loader.callCount() >= 1 })

	// a burst collapses into one cycle
	for i := 0; i < 3; i++ {
		stream.ch <- solana.AccountNotification{Pubkey: key(9), Slot: int64(i)}
	}
	waitFor(t, func() bool { return f.loader.callCount() >= 2 })
	time.Sleep(50 * time.Millisecond)
	if got := f.loader.callCount(); got > 3 {
		t.Errorf("load called %d times, want a debounced burst", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	select {
	case <-stream.closed:
	case <-time.After(2 * time.Second):
		t.Error("stream not closed after cancel")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
