package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/incrypto/nftmarket/internal/api"
	"github.com/incrypto/nftmarket/internal/config"
	"github.com/incrypto/nftmarket/internal/mailer"
	"github.com/incrypto/nftmarket/internal/metrics"
	"github.com/incrypto/nftmarket/internal/notify"
	"github.com/incrypto/nftmarket/internal/queue"
	"github.com/incrypto/nftmarket/internal/ratelimit"
	"github.com/incrypto/nftmarket/internal/web/handlers"
	"github.com/incrypto/nftmarket/internal/web/views"
)

// App is the main application
type App struct {
	config      *config.Config
	logger      *slog.Logger
	outbox      *queue.BoltStorage
	stores      *Stores
	market      *Market
	mailer      *Mailer
	processor   *queue.Processor
	cleaner     *queue.Cleaner
	watcher     *notify.Watcher
	rateLimiter *ratelimit.Limiter
	httpServer  *api.Server

	metricsServer    *metrics.Server
	metricsCollector *metrics.Collector
}

// New creates a new application
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	outbox, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}

	a := &App{
		config: cfg,
		logger: logger,
		outbox: outbox,
	}

	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.config
	logger := a.logger

	recovered, err := a.outbox.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover outbox: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered interrupted messages", "count", recovered)
	}

	if limits := cfg.RateLimit.Limits(cfg.Metrics.FlushInterval); limits != nil {
		a.rateLimiter, err = ratelimit.NewLimiter(a.outbox.DB(), limits)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("rate limiting enabled")
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.metricsCollector, err = metrics.NewCollector(a.outbox.DB(), m, a.outbox, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer, err = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
	}

	a.stores, err = OpenStores(ctx, cfg.Storage, logger.With("component", "storage"))
	if err != nil {
		return err
	}

	a.market = NewMarket(cfg, logger)

	a.mailer, err = NewMailer(cfg, logger)
	if err != nil {
		return err
	}

	a.processor = queue.NewProcessor(
		a.outbox,
		a.mailer.Sender,
		queue.ProcessorConfig{
			Workers:         cfg.Queue.Workers,
			RetryInterval:   cfg.Queue.RetryInterval,
			MaxRetries:      cfg.Queue.MaxRetries,
			ProcessInterval: cfg.Queue.ProcessInterval,
			SendTimeout:     cfg.Queue.SendTimeout,
		},
		mailer.IsTemporaryError,
		logger,
	)
	if a.rateLimiter != nil {
		a.processor.SetRateLimiter(a.rateLimiter)
	}

	a.cleaner = queue.NewCleaner(a.outbox, queue.CleanerConfig{
		SentMaxAge:   cfg.Queue.Retention.SentMaxAge,
		FailedMaxAge: cfg.Queue.Retention.FailedMaxAge,
		Interval:     cfg.Queue.Retention.CleanupInterval,
	}, logger)

	if cfg.Watcher.Enabled {
		a.watcher = notify.New(
			a.market.Service,
			a.stores.Subscribers,
			a.stores.Seen,
			a.stores.Snapshots,
			a.outbox,
			a.mailer.Composer,
			notify.Config{
				PollInterval: cfg.Watcher.PollInterval,
				Debounce:     cfg.Watcher.Debounce,
				From:         a.mailer.From,
				SiteURL:      cfg.Mail.SiteURL,
				WSEndpoint:   cfg.Solana.WSEndpoint,
				Program:      a.market.Listings.Program(),
				Filters:      a.market.Listings.Filters(),
			},
			logger,
		)
		a.watcher.OnQueued(a.processor.Wake)
	}

	engine, err := views.New()
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	pages := handlers.New(a.market.Service, engine, cfg.Mail.Brand, logger)

	a.httpServer, err = api.NewServer(api.Deps{
		Market:      a.market.Service,
		Outbox:      a.outbox,
		Sender:      a.mailer.Sender,
		Composer:    a.mailer.Composer,
		Subscribers: a.stores.Subscribers,
		Snapshots:   a.stores.Snapshots,
		Limiter:     a.rateLimiter,
		Pages:       pages,
		From:        a.mailer.From,
		SiteURL:     cfg.Mail.SiteURL,
		Wake:        a.processor.Wake,
	}, &cfg.Server, &cfg.API, logger)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting nftmarket",
		"version", api.Version,
		"listen_addr", a.config.Server.ListenAddr,
		"program", a.config.Solana.ProgramID,
		"rpc", a.config.Solana.RPCEndpoint,
		"watcher", a.watcher != nil,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)
	a.cleaner.Start(ctx)
	if a.metricsCollector != nil {
		a.metricsCollector.Start(ctx)
	}

	errCh := make(chan error, 3)

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	watcherDone := make(chan struct{})
	if a.watcher != nil {
		go func() {
			defer close(watcherDone)
			if err := a.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("watcher: %w", err)
			}
		}()
	} else {
		close(watcherDone)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("component error", "error", err)
		cancel()
	}
	<-watcherDone

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.processor.Stop()
	a.cleaner.Stop()

	a.close()

	a.logger.Info("shutdown complete")
	return nil
}

// close persists counters and releases storage. Safe on a partially built App.
func (a *App) close() {
	if a.metricsCollector != nil {
		if err := a.metricsCollector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
		a.metricsCollector = nil
	}
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
		a.rateLimiter = nil
	}
	if a.stores != nil {
		a.stores.Close()
		a.stores = nil
	}
	if a.outbox != nil {
		if err := a.outbox.Close(); err != nil {
			a.logger.Error("outbox close error", "error", err)
		}
		a.outbox = nil
	}
}
