// Package config defines the top-level configuration for the settlement
// service and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYSETTLE_* environment variables.
type Config struct {
	Fees        FeesConfig        `toml:"fees"`
	Adjudicator AdjudicatorConfig `toml:"adjudicator"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Archive     ArchiveConfig     `toml:"archive"`
	Keeper      KeeperConfig      `toml:"keeper"`
	Server      ServerConfig      `toml:"server"`
	Auth        AuthConfig        `toml:"auth"`
	Notify      NotifyConfig      `toml:"notify"`
	Markets     []MarketConfig    `toml:"markets"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// FeesConfig sets the fee schedule applied to newly created markets.
type FeesConfig struct {
	DefaultBps int    `toml:"default_bps"`
	Recipient  string `toml:"recipient"`
	Collateral string `toml:"collateral"`
}

// AdjudicatorConfig selects where resolution answers come from.
type AdjudicatorConfig struct {
	Kind    string   `toml:"kind"`
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// LedgerConfig selects the balance ledger backend.
type LedgerConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis; locks then fall back to in-process only.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	CacheTTL     duration `toml:"cache_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	Namespace    string   `toml:"namespace"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the settlement event archival job.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	Batch         int    `toml:"batch"`
}

// KeeperConfig controls the automatic finalizer.
type KeeperConfig struct {
	Enabled          bool     `toml:"enabled"`
	Interval         duration `toml:"interval"`
	Concurrency      int      `toml:"concurrency"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
}

// ServerConfig holds HTTP/WebSocket server settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	Faucet      bool     `toml:"faucet"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	APIKey            string   `toml:"api_key"`
	RequireSignatures bool     `toml:"require_signatures"`
	MaxSkew           duration `toml:"max_skew"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MarketConfig describes a market bootstrapped at start-up.
type MarketConfig struct {
	Name       string       `toml:"name"`
	Shape      string       `toml:"shape"`
	QuestionID string       `toml:"question_id"`
	Outcomes   []string     `toml:"outcomes"`
	Range      *RangeConfig `toml:"range"`
	FeeBps     *int         `toml:"fee_bps"`
	Collateral string       `toml:"collateral"`
}

// RangeConfig is a scalar market range. Bounds are decimal integer strings
// so values wider than int64 survive TOML decoding.
type RangeConfig struct {
	Min      string `toml:"min"`
	Max      string `toml:"max"`
	Decimals int    `toml:"decimals"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "30s", "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// Values loaded from TOML and environment variables override these.
func Defaults() Config {
	return Config{
		Fees: FeesConfig{
			DefaultBps: 0,
		},
		Adjudicator: AdjudicatorConfig{
			Kind:    "memory",
			Timeout: duration{10 * time.Second},
		},
		Ledger: LedgerConfig{
			Backend: "memory",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polysettle",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MaxRetries:   3,
			CacheTTL:     duration{5 * time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
			Batch:         5000,
		},
		Keeper: KeeperConfig{
			Enabled:     false,
			Interval:    duration{30 * time.Second},
			Concurrency: 4,
		},
		Server: ServerConfig{
			Enabled:     true,
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Auth: AuthConfig{
			RequireSignatures: true,
			MaxSkew:           duration{5 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"finalized", "invalid_outcome", "invariant_breach"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validShapes = map[string]bool{
	"binary":      true,
	"categorical": true,
	"scalar":      true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Fees
	if c.Fees.DefaultBps < 0 || c.Fees.DefaultBps > 10000 {
		errs = append(errs, fmt.Sprintf("fees: default_bps must be 0-10000, got %d", c.Fees.DefaultBps))
	}
	if c.Fees.DefaultBps > 0 && c.Fees.Recipient == "" {
		errs = append(errs, "fees: recipient is required when default_bps > 0")
	}
	if c.Fees.Recipient != "" && !common.IsHexAddress(c.Fees.Recipient) {
		errs = append(errs, fmt.Sprintf("fees: recipient %q is not a hex address", c.Fees.Recipient))
	}
	if !common.IsHexAddress(c.Fees.Collateral) {
		errs = append(errs, "fees: collateral must be a hex address")
	}

	// Adjudicator
	switch strings.ToLower(c.Adjudicator.Kind) {
	case "memory":
	case "http":
		if strings.TrimSpace(c.Adjudicator.BaseURL) == "" {
			errs = append(errs, "adjudicator: base_url is required for kind http")
		}
	default:
		errs = append(errs, fmt.Sprintf("adjudicator: unknown kind %q (valid: http, memory)", c.Adjudicator.Kind))
	}

	// Ledger and Postgres
	switch strings.ToLower(c.Ledger.Backend) {
	case "memory":
		if c.Archive.Enabled {
			errs = append(errs, "archive: requires ledger.backend = postgres")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, postgres)", c.Ledger.Backend))
	}

	// Redis
	if c.Redis.Enabled() && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive and S3
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron %q must have five fields", c.Archive.Cron))
		}
	}

	// Keeper
	keeperOn := c.Keeper.Enabled || strings.EqualFold(c.Mode, "keeper")
	if keeperOn {
		if c.Keeper.Interval.Duration <= 0 {
			errs = append(errs, "keeper: interval must be > 0")
		}
		if c.Keeper.Concurrency < 1 {
			errs = append(errs, "keeper: concurrency must be >= 1")
		}
		if c.Keeper.EncryptedKeyPath != "" && c.Keeper.KeyPassword == "" {
			errs = append(errs, "keeper: key_password is required when encrypted_key_path is set")
		}
	}

	// Server
	if c.Server.Enabled && !strings.EqualFold(c.Mode, "keeper") {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Server.Faucet && !strings.EqualFold(c.Ledger.Backend, "memory") {
			errs = append(errs, "server: faucet is only available with ledger.backend = memory")
		}
		if !c.Auth.RequireSignatures && !c.Server.Faucet {
			errs = append(errs, "auth: require_signatures may only be disabled on a faucet (development) server")
		}
	}
	if c.Auth.RequireSignatures && c.Auth.MaxSkew.Duration <= 0 {
		errs = append(errs, "auth: max_skew must be > 0 when require_signatures is set")
	}

	// Markets
	for i, m := range c.Markets {
		errs = append(errs, m.validate(i)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (m MarketConfig) validate(i int) []string {
	var errs []string
	prefix := fmt.Sprintf("markets[%d]", i)
	if m.Name != "" {
		prefix = fmt.Sprintf("markets[%d] %q", i, m.Name)
	}

	shape := strings.ToLower(m.Shape)
	if !validShapes[shape] {
		errs = append(errs, fmt.Sprintf("%s: unknown shape %q", prefix, m.Shape))
	}
	if b := common.FromHex(m.QuestionID); len(b) != common.HashLength || !strings.HasPrefix(m.QuestionID, "0x") {
		errs = append(errs, fmt.Sprintf("%s: question_id must be a 0x-prefixed 32-byte hex string", prefix))
	}
	if m.FeeBps != nil && (*m.FeeBps < 0 || *m.FeeBps > 10000) {
		errs = append(errs, fmt.Sprintf("%s: fee_bps must be 0-10000", prefix))
	}
	if m.Collateral != "" && !common.IsHexAddress(m.Collateral) {
		errs = append(errs, fmt.Sprintf("%s: collateral is not a hex address", prefix))
	}
	if shape == "categorical" && len(m.Outcomes) < 2 {
		errs = append(errs, fmt.Sprintf("%s: categorical markets need at least two outcomes", prefix))
	}
	if shape == "scalar" {
		if m.Range == nil {
			errs = append(errs, fmt.Sprintf("%s: scalar markets need a range", prefix))
		} else if _, _, err := m.Range.Parse(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", prefix, err))
		}
	}
	return errs
}

// Parse converts the range bounds into integers. It does not check
// Min < Max; market construction does.
func (r RangeConfig) Parse() (lo, hi *big.Int, err error) {
	lo, ok := new(big.Int).SetString(strings.TrimSpace(r.Min), 10)
	if !ok {
		return nil, nil, fmt.Errorf("range: min %q is not an integer", r.Min)
	}
	hi, ok = new(big.Int).SetString(strings.TrimSpace(r.Max), 10)
	if !ok {
		return nil, nil, fmt.Errorf("range: max %q is not an integer", r.Max)
	}
	if r.Decimals < 0 || r.Decimals > 36 {
		return nil, nil, fmt.Errorf("range: decimals must be 0-36, got %d", r.Decimals)
	}
	return lo, hi, nil
}
