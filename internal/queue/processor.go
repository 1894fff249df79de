package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/incrypto/nftmarket/internal/mailer"
	"github.com/incrypto/nftmarket/internal/metrics"
	"github.com/incrypto/nftmarket/internal/ratelimit"
)

// Sender submits one mailing.
type Sender interface {
	Send(ctx context.Context, m *mailer.Mailing) (*mailer.Result, error)
}

// ErrorChecker reports whether a send error is worth retrying.
type ErrorChecker func(err error) bool

// RateLimiter gates sends per recipient.
type RateLimiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// Processor drains the outbox with a pool of workers.
type Processor struct {
	queue           Queue
	sender          Sender
	limiter         RateLimiter
	workers         int
	retryInterval   time.Duration
	maxRetries      int
	processInterval time.Duration
	sendTimeout     time.Duration
	isTemporary     ErrorChecker
	logger          *slog.Logger

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	ProcessInterval time.Duration
	SendTimeout     time.Duration
}

// NewProcessor creates a new outbox processor. A nil isTemp treats every
// error as temporary.
func NewProcessor(q Queue, sender Sender, cfg ProcessorConfig, isTemp ErrorChecker, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	return &Processor{
		queue:           q,
		sender:          sender,
		workers:         cfg.Workers,
		retryInterval:   cfg.RetryInterval,
		maxRetries:      cfg.MaxRetries,
		processInterval: cfg.ProcessInterval,
		sendTimeout:     cfg.SendTimeout,
		isTemporary:     isTemp,
		logger:          logger.With("component", "outbox"),
		wake:            make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
}

// SetRateLimiter enables per-recipient rate limiting.
func (p *Processor) SetRateLimiter(l RateLimiter) {
	p.limiter = l
}

// Start starts the workers.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting outbox processor", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the workers and waits for in-flight sends.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping outbox processor")
		close(p.stopCh)
	})
	p.wg.Wait()
}

// Wake asks an idle worker to drain the outbox now instead of at the next
// tick.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.drain(ctx, logger)
	}
}

// drain processes messages until nothing is due or the processor stops.
func (p *Processor) drain(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		if !p.ProcessOne(ctx, logger) {
			return
		}
	}
}

// ProcessOne handles a single due message. It returns false when the outbox
// had nothing due.
func (p *Processor) ProcessOne(ctx context.Context, logger *slog.Logger) bool {
	msg, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue message", "error", err)
		return false
	}
	if msg == nil {
		return false
	}

	logger = logger.With("id", msg.ID, "to", msg.Mailing.To)

	if p.limiter != nil {
		res, err := p.limiter.Allow(ctx, &ratelimit.Request{Recipient: msg.Mailing.EnvelopeTo()})
		if err != nil {
			logger.Error("rate limit check failed", "error", err)
		} else if !res.Allowed {
			msg.Status = StatusDeferred
			msg.NextRetryAt = time.Now().Add(res.RetryAfter)
			metrics.IncMailDeferred()
			logger.Info("message rate limited", "denied_by", res.DeniedBy, "retry_after", res.RetryAfter)
			p.update(ctx, msg, logger)
			return true
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	res, err := p.sender.Send(sendCtx, &msg.Mailing)
	cancel()

	if err == nil {
		msg.Status = StatusSent
		msg.MessageID = res.MessageID
		msg.LastError = ""
		msg.ErrorKind = ""
		p.update(ctx, msg, logger)
		logger.Debug("message sent", "message_id", res.MessageID)
		return true
	}

	msg.RetryCount++
	msg.LastError = err.Error()
	msg.ErrorKind = mailer.KindOf(err)
	var se *mailer.SendError
	if errors.As(err, &se) {
		msg.LastError = se.Detail()
	}

	if p.isTemporary(err) && msg.RetryCount < p.maxRetries {
		backoff := p.calculateBackoff(msg.RetryCount)
		msg.Status = StatusDeferred
		msg.NextRetryAt = time.Now().Add(backoff)
		metrics.IncMailDeferred()

		logger.Info("message deferred",
			"retry_count", msg.RetryCount,
			"next_retry_at", msg.NextRetryAt,
			"backoff", backoff,
		)
	} else {
		msg.Status = StatusFailed
		logger.Error("message failed permanently",
			"retry_count", msg.RetryCount,
			"max_retries", p.maxRetries,
			"kind", msg.ErrorKind,
		)
	}

	p.update(ctx, msg, logger)
	return true
}

func (p *Processor) update(ctx context.Context, msg *Message, logger *slog.Logger) {
	if err := p.queue.Update(ctx, msg); err != nil {
		logger.Error("failed to update message status", "error", err)
	}
}

// calculateBackoff is retry_interval * 2^(n-1), capped at 12x and one hour.
func (p *Processor) calculateBackoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	multiplier := 12
	if retryCount < 5 {
		multiplier = 1 << (retryCount - 1)
	}

	backoff := time.Duration(multiplier) * p.retryInterval
	if backoff > time.Hour {
		return time.Hour
	}
	return backoff
}
