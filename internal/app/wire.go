package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/bondoracle/internal/blob/s3"
	"github.com/alanyoungcy/bondoracle/internal/cache/redis"
	"github.com/alanyoungcy/bondoracle/internal/config"
	"github.com/alanyoungcy/bondoracle/internal/crypto"
	"github.com/alanyoungcy/bondoracle/internal/domain"
	ethledger "github.com/alanyoungcy/bondoracle/internal/ledger/ethereum"
	"github.com/alanyoungcy/bondoracle/internal/ledger/memledger"
	"github.com/alanyoungcy/bondoracle/internal/notify"
	"github.com/alanyoungcy/bondoracle/internal/reconcile"
	"github.com/alanyoungcy/bondoracle/internal/server/handler"
	"github.com/alanyoungcy/bondoracle/internal/store/postgres"
	"github.com/alanyoungcy/bondoracle/internal/transport/rabbitmq"
)

// Dependencies bundles everything the operating modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Ledger      domain.LedgerClient
	Dispatcher  *notify.Dispatcher
	Coordinator *reconcile.Coordinator

	// Stores; nil when the database is disabled.
	Journal           *postgres.Journal
	AuditStore        domain.AuditStore
	NotificationStore handler.NotificationStore

	// Caches; nil when redis is disabled.
	LockManager      domain.LockManager
	RateLimiter      domain.RateLimiter
	SignalBus        domain.SignalBus
	NotificationSink *redis.NotificationSink

	// Blob storage; nil when S3 is disabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Transport; nil when the transport is disabled.
	Consumer  *rabbitmq.Consumer
	Publisher *rabbitmq.Publisher

	Notifier *notify.Notifier

	// Health checks of every external dependency, keyed by name.
	Checks map[string]handler.Checker
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Checker)}

	// --- Ledger ---
	switch cfg.Ledger.Backend {
	case "ethereum":
		key, err := crypto.LoadKey(crypto.KeySource{
			RawHex:   cfg.Ledger.PrivateKey,
			Path:     cfg.Ledger.KeyFile,
			Password: cfg.Ledger.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: signing key: %w", err))
		}
		client, err := ethledger.Dial(ctx, ethledger.Config{
			RPCURL:         cfg.Ledger.RPCURL,
			Registry:       cfg.Ledger.Registry,
			ChainID:        cfg.Ledger.ChainID,
			ReceiptPoll:    cfg.Ledger.ReceiptPoll.Duration,
			ReceiptTimeout: cfg.Ledger.ReceiptTimeout.Duration,
		}, key, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: ledger: %w", err))
		}
		closers = append(closers, client.Close)
		deps.Ledger = client
		logger.InfoContext(ctx, "ethereum ledger connected",
			slog.String("registry", cfg.Ledger.Registry),
			slog.String("from", client.From().Hex()),
		)
	default:
		mem, err := memledger.New(cfg.Ledger.Deployer)
		if err != nil {
			return fail(fmt.Errorf("wire: ledger: %w", err))
		}
		deps.Ledger = mem
	}

	// --- PostgreSQL ---
	if cfg.Database.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Journal = postgres.NewJournal(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.NotificationStore = postgres.NewNotificationStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		bus := redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = bus
		deps.NotificationSink = redis.NewNotificationSink(redisClient, bus)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Alerts ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	// --- Transport ---
	if cfg.Transport.Enabled {
		consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
			URL:      cfg.Transport.URL,
			Exchange: cfg.Transport.Exchange,
			Queue:    cfg.Transport.Queue,
			Bindings: cfg.Transport.Bindings,
			Prefetch: cfg.Transport.Prefetch,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: transport consumer: %w", err))
		}
		deps.Consumer = consumer

		if cfg.Transport.NotifyExchange != "" {
			pub, err := rabbitmq.NewPublisher(cfg.Transport.URL, cfg.Transport.NotifyExchange)
			if err != nil {
				return fail(fmt.Errorf("wire: transport publisher: %w", err))
			}
			closers = append(closers, pub.Close)
			deps.Publisher = pub
		}
	}

	// --- Dispatcher and coordinator ---
	deps.Dispatcher = notify.NewDispatcher(logger)
	if deps.NotificationSink != nil {
		deps.Dispatcher.AddSink(deps.NotificationSink)
	}
	if deps.Notifier != nil {
		deps.Dispatcher.AddSink(deps.Notifier)
	}
	if deps.Publisher != nil {
		deps.Dispatcher.AddSink(deps.Publisher)
	}

	var opts []reconcile.Option
	if deps.Journal != nil {
		opts = append(opts, reconcile.WithJournal(deps.Journal))
	}
	if deps.AuditStore != nil {
		opts = append(opts, reconcile.WithAudit(deps.AuditStore))
	}
	if deps.LockManager != nil {
		opts = append(opts, reconcile.WithDistributedLock(deps.LockManager, cfg.Redis.LockTTL.Duration))
	}
	deps.Coordinator = reconcile.New(deps.Ledger, deps.Dispatcher, logger, opts...)

	if deps.Journal != nil {
		if err := deps.Coordinator.Restore(ctx, deps.Journal); err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
	}

	if cfg.Archive.Enabled && deps.BlobWriter != nil {
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, deps.Coordinator, deps.Dispatcher,
			deps.AuditStore, cfg.Archive.Prefix, logger)
		deps.Dispatcher.AddSink(deps.Archiver)
	}

	return deps, cleanup, nil
}
