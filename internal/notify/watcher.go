package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/incrypto/nftmarket/internal/mailer"
	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/metrics"
	"github.com/incrypto/nftmarket/internal/queue"
	"github.com/incrypto/nftmarket/internal/solana"
	"github.com/incrypto/nftmarket/internal/storage"
)

// Triggers recorded in metrics and logs.
const (
	TriggerPoll      = "poll"
	TriggerAccount   = "account"
	TriggerManual    = "manual"
	resubscribeDelay = 5 * time.Second
	maxResubscribe   = time.Minute
)

// Loader returns the merged set of active listings.
type Loader interface {
	Load(ctx context.Context) ([]market.NFTDetail, error)
}

// Enqueuer accepts outbox messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *queue.Message) error
}

// Stream delivers program account changes. *solana.ProgramSubscriber
// implements it.
type Stream interface {
	Notifications() <-chan solana.AccountNotification
	Close() error
}

// Config configures the watcher.
type Config struct {
	PollInterval time.Duration
	// Debounce coalesces bursts of account notifications into one cycle.
	Debounce time.Duration
	From     string
	SiteURL  string

	WSEndpoint string
	Program    solana.PublicKey
	Filters    []solana.AccountFilter
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Trigger  string
	Active   int
	New      int
	Queued   int
	Seeded   bool
	Duration time.Duration
}

// Watcher turns newly appearing listings into notification mailings.
type Watcher struct {
	loader      Loader
	subscribers storage.SubscriberStore
	seen        storage.SeenListingStore
	snapshots   storage.SnapshotStore
	outbox      Enqueuer
	composer    *mailer.Composer
	cfg         Config
	logger      *slog.Logger

	wake      func()
	subscribe func(ctx context.Context) (Stream, error)

	mu     sync.Mutex // serializes cycles
	primed bool
	now    func() time.Time
}

// New creates a watcher. snapshots may be nil.
func New(loader Loader, subscribers storage.SubscriberStore, seen storage.SeenListingStore,
	snapshots storage.SnapshotStore, outbox Enqueuer, composer *mailer.Composer,
	cfg Config, logger *slog.Logger) *Watcher {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}

	w := &Watcher{
		loader:      loader,
		subscribers: subscribers,
		seen:        seen,
		snapshots:   snapshots,
		outbox:      outbox,
		composer:    composer,
		cfg:         cfg,
		logger:      logger.With("component", "watcher"),
		wake:        func() {},
		now:         time.Now,
	}
	w.subscribe = func(ctx context.Context) (Stream, error) {
		wsCfg := solana.DefaultWSConfig()
		return solana.SubscribeProgram(ctx, w.cfg.WSEndpoint, w.cfg.Program, w.cfg.Filters, &wsCfg)
	}
	return w
}

// OnQueued registers a callback run after a cycle queued mail, typically
// the outbox processor's Wake.
func (w *Watcher) OnQueued(fn func()) {
	if fn != nil {
		w.wake = fn
	}
}

// Run polls until ctx is done. When a websocket endpoint is configured,
// account notifications also trigger cycles.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watcher started",
		"poll_interval", w.cfg.PollInterval,
		"websocket", w.cfg.WSEndpoint != "",
	)

	triggers := make(chan struct{}, 1)
	if w.cfg.WSEndpoint != "" {
		go w.listen(ctx, triggers)
	}

	w.runCycle(ctx, TriggerPoll)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return nil
		case <-ticker.C:
			w.runCycle(ctx, TriggerPoll)
		case <-triggers:
			// let the burst settle
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.Debounce):
			}
			drain(triggers)
			w.runCycle(ctx, TriggerAccount)
		}
	}
}

func drain(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (w *Watcher) runCycle(ctx context.Context, trigger string) {
	res, err := w.Cycle(ctx, trigger)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("watcher cycle failed", "trigger", trigger, "error", err)
		}
		return
	}
	w.logger.Debug("watcher cycle done",
		"trigger", res.Trigger,
		"active", res.Active,
		"new", res.New,
		"queued", res.Queued,
		"seeded", res.Seeded,
		"duration", res.Duration,
	)
}

// listen keeps a program subscription open and signals triggers for each
// notification, resubscribing with backoff when the stream ends.
func (w *Watcher) listen(ctx context.Context, triggers chan<- struct{}) {
	delay := resubscribeDelay

	for ctx.Err() == nil {
		stream, err := w.subscribe(ctx)
		if err != nil {
			w.logger.Warn("program subscription failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, maxResubscribe)
			continue
		}
		delay = resubscribeDelay
		w.logger.Info("program subscription open")

		w.forward(ctx, stream, triggers)
		stream.Close()

		if ctx.Err() == nil {
			w.logger.Warn("program subscription closed, resubscribing")
			if !sleep(ctx, delay) {
				return
			}
		}
	}
}

func (w *Watcher) forward(ctx context.Context, stream Stream, triggers chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-stream.Notifications():
			if !ok {
				return
			}
			w.logger.Debug("listing account changed", "account", n.Pubkey.String(), "slot", n.Slot)
			select {
			case triggers <- struct{}{}:
			default:
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Cycle loads the active listings, records them and queues one mailing per
// new listing and interested subscriber. The first cycle against an empty
// seen store only records. A listing whose mailings could not all be queued
// is forgotten again, so the next cycle retries it.
func (w *Watcher) Cycle(ctx context.Context, trigger string) (*CycleResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := w.now()
	res := &CycleResult{Trigger: trigger}

	seeding := false
	if !w.primed {
		n, err := w.seen.Count(ctx)
		if err != nil {
			metrics.IncWatcherCycle(trigger, "error")
			return nil, fmt.Errorf("count seen listings: %w", err)
		}
		seeding = n == 0
	}

	items, err := w.loader.Load(ctx)
	if err != nil {
		metrics.IncWatcherCycle(trigger, "error")
		return nil, err
	}
	res.Active = len(items)

	var fresh []market.NFTDetail
	for _, d := range items {
		isNew, err := w.seen.MarkSeen(ctx, d.Listing.String(), d.Mint.String(), start)
		if err != nil {
			metrics.IncWatcherCycle(trigger, "error")
			return nil, fmt.Errorf("mark listing seen: %w", err)
		}
		if isNew {
			fresh = append(fresh, d)
		}
	}
	w.primed = true

	w.recordSnapshots(ctx, start, items)

	if seeding {
		res.Seeded = true
		res.Duration = w.now().Sub(start)
		metrics.IncWatcherCycle(trigger, "seeded")
		w.logger.Info("seeded seen listings", "count", len(fresh))
		return res, nil
	}

	res.New = len(fresh)
	metrics.AddNewListings(len(fresh))

	if len(fresh) > 0 {
		queued, failed, err := w.notify(ctx, fresh)
		res.Queued = queued
		w.release(ctx, failed)
		if queued > 0 {
			w.wake()
		}
		if err != nil {
			metrics.IncWatcherCycle(trigger, "error")
			return res, err
		}
	}

	res.Duration = w.now().Sub(start)
	metrics.IncWatcherCycle(trigger, "ok")
	return res, nil
}

func (w *Watcher) recordSnapshots(ctx context.Context, at time.Time, items []market.NFTDetail) {
	if w.snapshots == nil || len(items) == 0 {
		return
	}

	snaps := make([]*storage.Snapshot, len(items))
	for i, d := range items {
		snaps[i] = &storage.Snapshot{
			TakenAt:    at,
			Listing:    d.Listing.String(),
			Mint:       d.Mint.String(),
			Seller:     d.Seller.String(),
			Collection: d.Collection,
			Name:       d.Name,
			Price:      d.Price,
		}
	}
	if err := w.snapshots.InsertBatch(ctx, snaps); err != nil {
		w.logger.Warn("failed to record snapshots", "count", len(snaps), "error", err)
	}
}

// notify queues the mailings for fresh and returns the listings to retry.
// Compose failures are not retried.
func (w *Watcher) notify(ctx context.Context, fresh []market.NFTDetail) (int, []market.NFTDetail, error) {
	subs, err := w.subscribers.List(ctx)
	if err != nil {
		return 0, fresh, fmt.Errorf("list subscribers: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil, nil
	}

	queued := 0
	var failed []market.NFTDetail
	var errs []error
	for _, d := range fresh {
		notice := ListingNotice(d, w.cfg.SiteURL)
		retry := false
		for _, sub := range subs {
			if !sub.Wants(d.Collection) {
				continue
			}

			m, err := w.composer.Compose(w.cfg.From, sub.Email, notice)
			if err != nil {
				errs = append(errs, fmt.Errorf("compose for %s: %w", sub.Email, err))
				continue
			}

			msg := queue.NewMessage(m, queue.SourceWatcher)
			msg.Mint = d.Mint.String()
			if err := w.outbox.Enqueue(ctx, msg); err != nil {
				errs = append(errs, fmt.Errorf("enqueue for %s: %w", sub.Email, err))
				retry = true
				continue
			}
			queued++
			metrics.IncNotificationsQueued()
		}
		if retry {
			failed = append(failed, d)
		}
	}

	if queued > 0 {
		w.logger.Info("queued listing notifications", "listings", len(fresh), "mailings", queued)
	}
	return queued, failed, errors.Join(errs...)
}

// release forgets listings so a later cycle treats them as new.
func (w *Watcher) release(ctx context.Context, items []market.NFTDetail) {
	for _, d := range items {
		if err := w.seen.Unmark(ctx, d.Listing.String()); err != nil {
			w.logger.Error("failed to release listing for retry",
				"listing", d.Listing.String(),
				"error", err,
			)
		}
	}
	if len(items) > 0 {
		w.logger.Warn("listing notifications will be retried", "listings", len(items))
	}
}

// ListingNotice is the notification for a newly listed NFT.
func ListingNotice(d market.NFTDetail, siteURL string) mailer.Notice {
	name := d.DisplayName()
	return mailer.Notice{
		Subject:  "New listing: " + name,
		Title:    "New NFT on sale",
		Headline: name,
		Message:  fmt.Sprintf("%s was just listed for %s SOL.", name, market.FormatSOL(d.Price)),
		Card:     mailer.CardFromDetail(d, siteURL),
	}
}
