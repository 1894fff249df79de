package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings. A zero max age keeps messages
// of that status forever.
type CleanerConfig struct {
	SentMaxAge   time.Duration
	FailedMaxAge time.Duration
	Interval     time.Duration
}

// Cleaner removes old sent and failed messages.
type Cleaner struct {
	storage  *BoltStorage
	cfg      CleanerConfig
	logger   *slog.Logger
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger.With("component", "outbox_cleaner"),
		done:    make(chan struct{}),
	}
}

// Start runs a cleanup immediately and then on every interval.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.SentMaxAge <= 0 && c.cfg.FailedMaxAge <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"sent_max_age", c.cfg.SentMaxAge,
		"failed_max_age", c.cfg.FailedMaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce applies both retention rules and returns the number removed.
func (c *Cleaner) RunOnce(ctx context.Context) int {
	total := 0
	for status, maxAge := range map[MessageStatus]time.Duration{
		StatusSent:   c.cfg.SentMaxAge,
		StatusFailed: c.cfg.FailedMaxAge,
	} {
		deleted, err := c.storage.Cleanup(ctx, status, maxAge)
		if err != nil {
			c.logger.Error("failed to clean up messages", "status", status, "error", err)
			continue
		}
		if deleted > 0 {
			c.logger.Info("cleaned up messages", "status", status, "deleted", deleted)
		}
		total += deleted
	}
	return total
}
