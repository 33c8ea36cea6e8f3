package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/bondoracle/internal/server"
	"github.com/alanyoungcy/bondoracle/internal/server/handler"
	"github.com/alanyoungcy/bondoracle/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// ServeMode runs the HTTP and WebSocket API. Settlement events arrive through
// POST /api/settlements/{id}/events only.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// ConsumeMode reconciles settlement events from the message transport
// without exposing the API.
func (a *App) ConsumeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering consume mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)
	a.startConsumer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API and the transport consumer against one coordinator.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)
	a.startConsumer(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps)
	}
	return g.Wait()
}

// startBackground runs the queue-backed sinks: the archiver and the
// operator alerts.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}
	if deps.Notifier != nil {
		g.Go(func() error {
			return deps.Notifier.Run(ctx)
		})
		if err := deps.Notifier.NotifyAll(ctx, "bondoracle started", "mode: "+a.cfg.Mode); err != nil {
			a.logger.WarnContext(ctx, "startup alert not queued", slog.String("error", err.Error()))
		}
	}
}

func (a *App) startConsumer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Consumer == nil {
		a.logger.WarnContext(ctx, "transport disabled, no settlement events will be consumed")
		return
	}
	g.Go(func() error {
		return deps.Consumer.Run(ctx, deps.Coordinator)
	})
}

func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hubCfg := ws.Config{Mode: a.cfg.Mode, StartedAt: time.Now().UTC()}
	if deps.NotificationSink != nil {
		hubCfg.Channel = deps.NotificationSink.Channel()
	}
	hub := ws.NewHub(deps.SignalBus, a.logger, hubCfg)
	if hubCfg.Channel == "" {
		deps.Dispatcher.AddSink(hub)
	}
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(deps.Checks, a.logger),
		Instruments:   handler.NewInstrumentHandler(deps.Coordinator, a.logger),
		Settlements:   handler.NewSettlementHandler(deps.Coordinator, a.logger),
		Notifications: handler.NewNotificationHandler(deps.Dispatcher, deps.NotificationStore, a.logger),
	}
	if deps.Archiver != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.Archiver, deps.BlobReader, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		RateLimiter:  deps.RateLimiter,
		RateLimit:    a.cfg.Redis.RateLimit,
		RateInterval: a.cfg.Redis.RateInterval.Duration,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down", slog.Int("port", a.cfg.Server.Port))
		return srv.Shutdown(shutCtx)
	})
}
