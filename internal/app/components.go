package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"os"

	"github.com/incrypto/nftmarket/internal/config"
	"github.com/incrypto/nftmarket/internal/mailer"
	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/metaplex"
	"github.com/incrypto/nftmarket/internal/solana"
	"github.com/incrypto/nftmarket/internal/storage"
	chstore "github.com/incrypto/nftmarket/internal/storage/clickhouse"
	"github.com/incrypto/nftmarket/internal/storage/memory"
	"github.com/incrypto/nftmarket/internal/storage/migrations"
	"github.com/incrypto/nftmarket/internal/storage/postgres"
)

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Market bundles the marketplace service with the listing source it reads.
type Market struct {
	Service  *market.Service
	Listings *market.ProgramListingSource
}

// NewMarket builds the RPC client, the listing and detail sources and the
// marketplace service on top of them.
func NewMarket(cfg *config.Config, logger *slog.Logger) *Market {
	rpc := solana.NewHTTPClient(cfg.Solana.RPCEndpoint,
		solana.WithTimeout(cfg.Solana.Timeout),
		solana.WithMaxRetries(cfg.Solana.MaxRetries),
		solana.WithCommitment(cfg.Solana.Commitment),
	)
	fetcher := metaplex.NewFetcher(&http.Client{Timeout: cfg.Solana.MetadataTimeout})

	listings := market.NewProgramListingSource(rpc, cfg.ProgramID())
	details := market.NewMetaplexDetailSource(rpc, fetcher)

	return &Market{
		Service:  market.NewService(listings, details, cfg.Solana.DetailConcurrency, logger),
		Listings: listings,
	}
}

// Mailer bundles what is needed to compose and submit notification mail.
type Mailer struct {
	Composer *mailer.Composer
	Sender   *mailer.Sender
	From     string
}

// NewMailer builds the composer and the SMTP sender, loading the background
// asset and the DKIM key when configured.
func NewMailer(cfg *config.Config, logger *slog.Logger) (*Mailer, error) {
	var background string
	if cfg.Mail.BackgroundFile != "" {
		bg, err := mailer.LoadBackground(cfg.Mail.BackgroundFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load background: %w", err)
		}
		background = bg
	}

	composer, err := mailer.NewComposer(mailer.ComposerConfig{
		Brand:         cfg.Mail.Brand,
		SubjectPrefix: cfg.Mail.SubjectPrefix,
		Background:    background,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create composer: %w", err)
	}

	sender := mailer.NewSender(mailer.SenderConfig{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.Username,
		Password:           cfg.SMTP.Password,
		RequireTLS:         cfg.TLSRequired(),
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		LocalName:          cfg.SMTP.LocalName,
		Timeout:            cfg.SMTP.Timeout,
	}, logger)

	if cfg.SMTP.DKIM.Enabled {
		signer, err := mailer.NewDKIMSignerFromFile(cfg.SMTP.DKIM.KeyFile, cfg.SMTP.DKIM.Domain, cfg.SMTP.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		sender.SetDKIM(signer)
		logger.Info("DKIM signing enabled", "domain", cfg.SMTP.DKIM.Domain, "selector", cfg.SMTP.DKIM.Selector)
	}

	return &Mailer{
		Composer: composer,
		Sender:   sender,
		From:     fromHeader(cfg.SMTP),
	}, nil
}

func fromHeader(cfg config.SMTPConfig) string {
	if cfg.FromName == "" {
		return cfg.From
	}
	return (&mail.Address{Name: cfg.FromName, Address: cfg.From}).String()
}

// Stores holds the subscriber, seen-listing and snapshot stores.
type Stores struct {
	Subscribers storage.SubscriberStore
	Seen        storage.SeenListingStore
	Snapshots   storage.SnapshotStore

	closers []func()
}

// Close releases database connections.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// OpenStores opens the configured stores and applies migrations. Snapshots
// go to ClickHouse when a DSN is set and stay in memory otherwise.
func OpenStores(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Stores, error) {
	s := &Stores{}

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)

		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to migrate postgres: %w", err)
		}
		s.Subscribers = postgres.NewSubscriberStore(pool)
		s.Seen = postgres.NewSeenListingStore(pool)
		logger.Info("using postgres storage")
	default:
		s.Subscribers = memory.NewSubscriberStore()
		s.Seen = memory.NewSeenListingStore()
		logger.Info("using in-memory storage")
	}

	if cfg.ClickhouseDSN == "" {
		s.Snapshots = memory.NewSnapshotStore()
		return s, nil
	}

	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate clickhouse: %w", err)
	}
	s.closers = append(s.closers, func() {
		if err := conn.Close(); err != nil {
			logger.Error("clickhouse close error", "error", err)
		}
	})
	s.Snapshots = chstore.NewSnapshotStore(conn)
	logger.Info("using clickhouse snapshots")

	return s, nil
}
