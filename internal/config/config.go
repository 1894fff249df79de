package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/incrypto/nftmarket/internal/ratelimit"
	"github.com/incrypto/nftmarket/internal/solana"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Environment variables that override file values.
const (
	EnvSMTPUser      = "ECOM_EMAIL"
	EnvSMTPPassword  = "ECOM_PASSWORD"
	EnvRPCEndpoint   = "SOLANA_RPC_ENDPOINT"
	EnvWSEndpoint    = "SOLANA_WS_ENDPOINT"
	EnvPostgresDSN   = "POSTGRES_DSN"
	EnvClickhouseDSN = "CLICKHOUSE_DSN"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Solana    SolanaConfig    `yaml:"solana"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Mail      MailConfig      `yaml:"mail"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server settings for the marketplace pages and
// the JSON API.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Default: 60s, covers a full browse
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Default: 60s
}

// APIConfig contains JSON API settings
type APIConfig struct {
	// APIKey guards the management endpoints. Empty together with
	// APIKeyHash disables them.
	APIKey string `yaml:"api_key"`

	// APIKeyHash is a bcrypt hash of the key.
	APIKeyHash string `yaml:"api_key_hash"`

	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access /api/v1 (empty = allow all)
}

// SolanaConfig contains cluster and program settings
type SolanaConfig struct {
	RPCEndpoint       string        `yaml:"rpc_endpoint"`
	WSEndpoint        string        `yaml:"ws_endpoint"` // Empty disables account notifications
	ProgramID         string        `yaml:"program_id"`
	Commitment        string        `yaml:"commitment"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	DetailConcurrency int           `yaml:"detail_concurrency"`
	MetadataTimeout   time.Duration `yaml:"metadata_timeout"` // Off-chain JSON download timeout
}

// SMTPConfig contains relay settings
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	RequireTLS         *bool         `yaml:"require_tls"` // Default: true
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	From               string        `yaml:"from"` // Default: username
	FromName           string        `yaml:"from_name"`
	LocalName          string        `yaml:"local_name"`
	Timeout            time.Duration `yaml:"timeout"`
	DKIM               DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// MailConfig contains notification document settings
type MailConfig struct {
	Brand          string `yaml:"brand"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	BackgroundFile string `yaml:"background_file"`
	SiteURL        string `yaml:"site_url"`
}

// QueueConfig contains outbox settings
type QueueConfig struct {
	Path            string          `yaml:"path"`
	Workers         int             `yaml:"workers"`
	RetryInterval   time.Duration   `yaml:"retry_interval"`
	MaxRetries      int             `yaml:"max_retries"`
	ProcessInterval time.Duration   `yaml:"process_interval"`
	SendTimeout     time.Duration   `yaml:"send_timeout"`
	Retention       RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains message retention settings
type RetentionConfig struct {
	SentMaxAge      time.Duration `yaml:"sent_max_age"`   // 0 = keep forever
	FailedMaxAge    time.Duration `yaml:"failed_max_age"` // 0 = keep forever
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RateLimitConfig contains rate limiting settings
type RateLimitConfig struct {
	Enabled   bool                   `yaml:"enabled"`
	Global    *ratelimit.LimitConfig `yaml:"global,omitempty"`
	Recipient *ratelimit.LimitConfig `yaml:"recipient,omitempty"`
	IP        *ratelimit.LimitConfig `yaml:"ip,omitempty"`
}

// WatcherConfig contains new-listing watcher settings
type WatcherConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce"`
}

// StorageConfig selects the subscriber and snapshot stores.
type StorageConfig struct {
	Driver        string `yaml:"driver"` // memory, postgres
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"` // Empty keeps snapshots in memory
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML, applying defaults and environment
// overrides before validation.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with set environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	set(&c.SMTP.Username, EnvSMTPUser)
	set(&c.SMTP.Password, EnvSMTPPassword)
	set(&c.Solana.RPCEndpoint, EnvRPCEndpoint)
	set(&c.Solana.WSEndpoint, EnvWSEndpoint)
	set(&c.Storage.PostgresDSN, EnvPostgresDSN)
	set(&c.Storage.ClickhouseDSN, EnvClickhouseDSN)
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Solana.RPCEndpoint == "" {
		c.Solana.RPCEndpoint = "https://api.mainnet-beta.solana.com"
	}
	if c.Solana.Commitment == "" {
		c.Solana.Commitment = "confirmed"
	}
	if c.Solana.Timeout == 0 {
		c.Solana.Timeout = solana.DefaultTimeout
	}
	if c.Solana.MaxRetries == 0 {
		c.Solana.MaxRetries = solana.DefaultMaxRetries
	}
	if c.Solana.DetailConcurrency == 0 {
		c.Solana.DetailConcurrency = 16
	}
	if c.Solana.MetadataTimeout == 0 {
		c.Solana.MetadataTimeout = 10 * time.Second
	}

	if c.SMTP.Host == "" {
		c.SMTP.Host = "smtp.gmail.com"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.RequireTLS == nil {
		required := true
		c.SMTP.RequireTLS = &required
	}
	if c.SMTP.From == "" {
		c.SMTP.From = c.SMTP.Username
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}
	if c.SMTP.DKIM.Enabled && c.SMTP.DKIM.Domain == "" {
		if i := strings.LastIndex(c.SMTP.From, "@"); i >= 0 {
			c.SMTP.DKIM.Domain = c.SMTP.From[i+1:]
		}
	}

	if c.Mail.Brand == "" {
		c.Mail.Brand = "InCrypto"
	}

	if c.Queue.Path == "" {
		c.Queue.Path = "/var/lib/nftmarket/outbox.db"
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.RetryInterval == 0 {
		c.Queue.RetryInterval = time.Minute
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 5
	}
	if c.Queue.ProcessInterval == 0 {
		c.Queue.ProcessInterval = 5 * time.Second
	}
	if c.Queue.SendTimeout == 0 {
		c.Queue.SendTimeout = 2 * time.Minute
	}
	if c.Queue.Retention.CleanupInterval == 0 {
		c.Queue.Retention.CleanupInterval = time.Hour
	}

	if c.Watcher.PollInterval == 0 {
		c.Watcher.PollInterval = time.Minute
	}
	if c.Watcher.Debounce == 0 {
		c.Watcher.Debounce = 2 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Solana.ProgramID == "" {
		return fmt.Errorf("solana.program_id is required")
	}
	if _, err := solana.ParsePublicKey(c.Solana.ProgramID); err != nil {
		return fmt.Errorf("invalid solana.program_id: %w", err)
	}
	if c.Solana.DetailConcurrency < 0 {
		return fmt.Errorf("solana.detail_concurrency must not be negative")
	}

	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp.port: %d", c.SMTP.Port)
	}
	if (c.SMTP.Username == "") != (c.SMTP.Password == "") {
		return fmt.Errorf("smtp.username and smtp.password must be set together")
	}
	if err := c.validateDKIM(); err != nil {
		return err
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be memory or postgres)", c.Storage.Driver)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	if !c.SMTP.DKIM.Enabled {
		return nil
	}

	if c.SMTP.DKIM.Selector == "" {
		return fmt.Errorf("smtp.dkim.selector is required when DKIM is enabled")
	}
	if c.SMTP.DKIM.KeyFile == "" {
		return fmt.Errorf("smtp.dkim.key_file is required when DKIM is enabled")
	}
	if c.SMTP.DKIM.Domain == "" {
		return fmt.Errorf("smtp.dkim.domain is required when DKIM is enabled")
	}

	return nil
}

// ProgramID returns the parsed marketplace program address.
func (c *Config) ProgramID() solana.PublicKey {
	pk, _ := solana.ParsePublicKey(c.Solana.ProgramID)
	return pk
}

// TLSRequired reports whether the relay must offer STARTTLS.
func (c *Config) TLSRequired() bool {
	return c.SMTP.RequireTLS == nil || *c.SMTP.RequireTLS
}

// HasAPIKey reports whether the management endpoints are enabled.
func (c *APIConfig) HasAPIKey() bool {
	return c.APIKey != "" || c.APIKeyHash != ""
}

// Limits returns the rate limiter configuration, or nil when disabled.
func (c *RateLimitConfig) Limits(flush time.Duration) *ratelimit.Config {
	if !c.Enabled {
		return nil
	}
	return &ratelimit.Config{
		Global:        c.Global,
		Recipient:     c.Recipient,
		IP:            c.IP,
		FlushInterval: flush,
	}
}
