package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults (an empty path keeps the defaults), applies ORACLE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ORACLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "ORACLE_LEDGER_BACKEND")
	setStr(&cfg.Ledger.Deployer, "ORACLE_LEDGER_DEPLOYER")
	setStr(&cfg.Ledger.RPCURL, "ORACLE_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.Registry, "ORACLE_LEDGER_REGISTRY")
	setInt64(&cfg.Ledger.ChainID, "ORACLE_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.PrivateKey, "ORACLE_LEDGER_PRIVATE_KEY")
	setStr(&cfg.Ledger.KeyFile, "ORACLE_LEDGER_KEY_FILE")
	setStr(&cfg.Ledger.KeyPassword, "ORACLE_LEDGER_KEY_PASSWORD")
	setDuration(&cfg.Ledger.ReceiptPoll, "ORACLE_LEDGER_RECEIPT_POLL")
	setDuration(&cfg.Ledger.ReceiptTimeout, "ORACLE_LEDGER_RECEIPT_TIMEOUT")

	// ── Database ──
	setBool(&cfg.Database.Enabled, "ORACLE_DATABASE_ENABLED")
	setStr(&cfg.Database.DSN, "ORACLE_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "ORACLE_DATABASE_HOST")
	setInt(&cfg.Database.Port, "ORACLE_DATABASE_PORT")
	setStr(&cfg.Database.Database, "ORACLE_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "ORACLE_DATABASE_USER")
	setStr(&cfg.Database.Password, "ORACLE_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "ORACLE_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "ORACLE_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "ORACLE_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "ORACLE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORACLE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORACLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORACLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORACLE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORACLE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORACLE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORACLE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ORACLE_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.LockTTL, "ORACLE_REDIS_LOCK_TTL")
	setInt(&cfg.Redis.RateLimit, "ORACLE_REDIS_RATE_LIMIT")
	setDuration(&cfg.Redis.RateInterval, "ORACLE_REDIS_RATE_INTERVAL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ORACLE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ORACLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORACLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORACLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORACLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORACLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORACLE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORACLE_S3_FORCE_PATH_STYLE")

	// ── Transport ──
	setBool(&cfg.Transport.Enabled, "ORACLE_TRANSPORT_ENABLED")
	setStr(&cfg.Transport.URL, "ORACLE_TRANSPORT_URL")
	setStr(&cfg.Transport.URL, "RABBITMQ_URL") // compatibility alias
	setStr(&cfg.Transport.Exchange, "ORACLE_TRANSPORT_EXCHANGE")
	setStr(&cfg.Transport.Queue, "ORACLE_TRANSPORT_QUEUE")
	setStringSlice(&cfg.Transport.Bindings, "ORACLE_TRANSPORT_BINDINGS")
	setInt(&cfg.Transport.Prefetch, "ORACLE_TRANSPORT_PREFETCH")
	setStr(&cfg.Transport.NotifyExchange, "ORACLE_TRANSPORT_NOTIFY_EXCHANGE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ORACLE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ORACLE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ORACLE_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "ORACLE_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORACLE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORACLE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORACLE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORACLE_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ORACLE_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Prefix, "ORACLE_ARCHIVE_PREFIX")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORACLE_MODE")
	setStr(&cfg.LogLevel, "ORACLE_LOG_LEVEL")
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
