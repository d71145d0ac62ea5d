package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYSETTLE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYSETTLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are expected to arrive this way rather than through the
// TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Fees ──
	setInt(&cfg.Fees.DefaultBps, "POLYSETTLE_FEES_DEFAULT_BPS")
	setStr(&cfg.Fees.Recipient, "POLYSETTLE_FEES_RECIPIENT")
	setStr(&cfg.Fees.Collateral, "POLYSETTLE_FEES_COLLATERAL")

	// ── Adjudicator ──
	setStr(&cfg.Adjudicator.Kind, "POLYSETTLE_ADJUDICATOR_KIND")
	setStr(&cfg.Adjudicator.BaseURL, "POLYSETTLE_ADJUDICATOR_BASE_URL")
	setDuration(&cfg.Adjudicator.Timeout, "POLYSETTLE_ADJUDICATOR_TIMEOUT")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "POLYSETTLE_LEDGER_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLYSETTLE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYSETTLE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYSETTLE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYSETTLE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYSETTLE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYSETTLE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYSETTLE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYSETTLE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYSETTLE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYSETTLE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYSETTLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYSETTLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYSETTLE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYSETTLE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYSETTLE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYSETTLE_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "POLYSETTLE_REDIS_CACHE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "POLYSETTLE_REDIS_STREAM_MAX_LEN")
	setStr(&cfg.Redis.Namespace, "POLYSETTLE_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYSETTLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYSETTLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYSETTLE_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POLYSETTLE_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POLYSETTLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYSETTLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYSETTLE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYSETTLE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POLYSETTLE_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "POLYSETTLE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "POLYSETTLE_ARCHIVE_CRON")
	setInt(&cfg.Archive.Batch, "POLYSETTLE_ARCHIVE_BATCH")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "POLYSETTLE_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.Interval, "POLYSETTLE_KEEPER_INTERVAL")
	setInt(&cfg.Keeper.Concurrency, "POLYSETTLE_KEEPER_CONCURRENCY")
	setStr(&cfg.Keeper.PrivateKey, "POLYSETTLE_KEEPER_PRIVATE_KEY")
	setStr(&cfg.Keeper.EncryptedKeyPath, "POLYSETTLE_KEEPER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Keeper.KeyPassword, "POLYSETTLE_KEEPER_KEY_PASSWORD")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYSETTLE_SERVER_ENABLED")
	setStr(&cfg.Server.Host, "POLYSETTLE_SERVER_HOST")
	setInt(&cfg.Server.Port, "POLYSETTLE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYSETTLE_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "POLYSETTLE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POLYSETTLE_SERVER_RATE_WINDOW")
	setBool(&cfg.Server.Faucet, "POLYSETTLE_SERVER_FAUCET")

	// ── Auth ──
	setStr(&cfg.Auth.APIKey, "POLYSETTLE_AUTH_API_KEY")
	setBool(&cfg.Auth.RequireSignatures, "POLYSETTLE_AUTH_REQUIRE_SIGNATURES")
	setDuration(&cfg.Auth.MaxSkew, "POLYSETTLE_AUTH_MAX_SKEW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYSETTLE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYSETTLE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYSETTLE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYSETTLE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYSETTLE_MODE")
	setStr(&cfg.LogLevel, "POLYSETTLE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
