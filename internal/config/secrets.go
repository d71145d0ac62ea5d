package config

import "slices"

const redacted = "***"

// secrets lists every credential-bearing field of cfg.
func secrets(cfg *Config) []*string {
	return []*string{
		&cfg.Keeper.PrivateKey,
		&cfg.Keeper.KeyPassword,
		&cfg.Postgres.DSN,
		&cfg.Postgres.Password,
		&cfg.Redis.Password,
		&cfg.S3.AccessKey,
		&cfg.S3.SecretKey,
		&cfg.Auth.APIKey,
		&cfg.Notify.TelegramToken,
		&cfg.Notify.DiscordWebhookURL,
	}
}

// RedactedConfig returns a deep-enough copy of cfg for logging: every
// non-empty secret reads "***" and the slices are cloned, so neither the
// copy nor the original can leak into or alter the other.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	for _, s := range secrets(&out) {
		if *s != "" {
			*s = redacted
		}
	}
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Markets = slices.Clone(cfg.Markets)
	return out
}
