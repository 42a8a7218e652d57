// Package app wires configuration to adapters, use cases and lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"PBXNotifier/internal/commands"
	"PBXNotifier/internal/config"
	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/formatting"
	"PBXNotifier/internal/httpapi"
	"PBXNotifier/internal/infrastructure/archive"
	"PBXNotifier/internal/infrastructure/onlinepbx"
	"PBXNotifier/internal/infrastructure/scheduler"
	"PBXNotifier/internal/infrastructure/storage"
	"PBXNotifier/internal/infrastructure/telegram"
	"PBXNotifier/internal/logging"
	"PBXNotifier/internal/metrics"
	"PBXNotifier/internal/ports"
	"PBXNotifier/internal/session"
	"PBXNotifier/internal/usecase"
)

const (
	commandTimeout  = 30 * time.Minute
	shutdownTimeout = 15 * time.Second
	sqliteFile      = "pbx_notifier.db"
)

// DeliveryStore is a delivery log that can also be read back.
type DeliveryStore interface {
	ports.DeliveryLog
	Recent(ctx context.Context, limit int) ([]domain.DeliveryEntry, error)
}

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	notifier   *telegram.Notifier
	metrics    *metrics.Metrics
	deliveries DeliveryStore
	service    *usecase.Service
	scheduler  *usecase.Scheduler
	router     *commands.Router
	formatter  *formatting.Formatter

	closers []io.Closer
}

// New builds the application. The caller owns Close.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.NewConsole(cfg.Logging.Level)
	}

	a := &Application{
		cfg:       cfg,
		logger:    baseLogger.With("component", "app"),
		metrics:   metrics.New(),
		formatter: formatting.NewFormatter(cfg.Scheduler.Location()),
	}

	checkpoints, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{}
	history := onlinepbx.NewClient(cfg.PBX, httpClient, baseLogger)
	resolver := archive.NewResolver(httpClient, cfg.Delivery.ScratchDir, cfg.PBX.DownloadTimeout, archive.SubstringMatcher{}, baseLogger)
	a.notifier = telegram.NewNotifier(cfg.Telegram, httpClient, baseLogger)

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		History:         history,
		Resolver:        resolver,
		Sender:          a.notifier,
		Checkpoints:     checkpoints,
		Deliveries:      a.deliveries,
		Formatter:       a.formatter,
		Observer:        a.metrics,
		Logger:          baseLogger,
		Destination:     cfg.Telegram.ChannelID,
		SendInterval:    cfg.Delivery.SendInterval,
		RateLimitMargin: cfg.Delivery.RateLimitMargin,
	})

	loc := cfg.Scheduler.Location()
	a.service = usecase.NewService(usecase.ServiceDeps{
		Pipeline: pipeline,
		Stats:    usecase.NewStatsCollector(history, loc, nil),
		Sessions: session.NewRegistry(),
		Location: loc,
		Logger:   baseLogger,
	})
	a.scheduler = usecase.NewScheduler(scheduler.NewIntervalScheduler(cfg.Scheduler.Interval), a.service, baseLogger)

	a.router = commands.NewRouter(a.notifier, baseLogger)
	commands.RegisterDefaults(a.router, a.service, a.formatter, commandTimeout)
	if cfg.Telegram.Mode == config.ModeWebhook {
		commands.RegisterSetup(a.router, func(ctx context.Context) error {
			return a.notifier.SetWebhook(ctx, cfg.Telegram.WebhookURL())
		})
	}

	return a, nil
}

func (a *Application) openStorage(ctx context.Context) (ports.CheckpointStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendSQLite, config.BackendPostgres:
		dsn := a.cfg.Storage.DSN
		if dsn == "" && a.cfg.Storage.Backend == config.BackendSQLite {
			if err := os.MkdirAll(a.cfg.Storage.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(a.cfg.Storage.DataDir, sqliteFile)
		}
		store, err := storage.OpenSQLStore(ctx, a.cfg.Storage.Backend, dsn, nil)
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", a.cfg.Storage.Backend, err)
		}
		a.closers = append(a.closers, store)
		a.deliveries = store
		a.logger.Info("storage ready", "backend", a.cfg.Storage.Backend)
		return store, nil
	default:
		checkpoints, err := storage.NewFileCheckpointStore(a.cfg.Storage.DataDir, nil)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint files: %w", err)
		}
		deliveries, err := storage.NewFileDeliveryLog(a.cfg.Storage.DataDir, nil)
		if err != nil {
			return nil, fmt.Errorf("open delivery log: %w", err)
		}
		a.deliveries = deliveries
		a.logger.Info("storage ready", "backend", config.BackendFile, "dir", a.cfg.Storage.DataDir)
		return checkpoints, nil
	}
}

// Service exposes the trigger surface for one-shot CLI commands.
func (a *Application) Service() *usecase.Service {
	return a.service
}

// Formatter renders reports and statistics in the configured timezone.
func (a *Application) Formatter() *formatting.Formatter {
	return a.formatter
}

// Recent returns the newest delivery log entries.
func (a *Application) Recent(ctx context.Context, limit int) ([]domain.DeliveryEntry, error) {
	return a.deliveries.Recent(ctx, limit)
}

// Run serves until ctx is done: scheduled checks, the command transport and
// the HTTP surface all run side by side.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.scheduler.Start(gctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("scheduler started", "interval", a.cfg.Scheduler.Interval)

	server := httpapi.NewServer(httpapi.Options{
		Addr:        a.cfg.HTTP.Listen,
		WebhookPath: a.webhookPath(),
		Updates:     a.handleUpdate,
		Metrics:     a.metrics.Handler(),
		Logger:      a.logger,
	})
	g.Go(func() error { return server.Run(gctx) })

	poll := func() {
		g.Go(func() error {
			return a.notifier.Poll(gctx, a.cfg.Telegram.PollTimeout, a.handleUpdate)
		})
	}
	switch a.cfg.Telegram.Mode {
	case config.ModePolling:
		poll()
	case config.ModeWebhook:
		if err := a.notifier.SetWebhook(gctx, a.cfg.Telegram.WebhookURL()); err != nil {
			a.logger.Error("register webhook, falling back to polling", "err", err)
			poll()
		} else {
			a.logger.Info("webhook registered", "host", a.cfg.Telegram.WebhookHost)
		}
	default:
		a.logger.Info("command transport disabled")
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	stopErr := errors.Join(
		a.scheduler.Stop(shutdownCtx),
		a.router.Close(shutdownCtx),
	)
	if err != nil {
		return err
	}
	return stopErr
}

func (a *Application) webhookPath() string {
	if a.cfg.Telegram.Mode != config.ModeWebhook {
		return ""
	}
	return a.cfg.Telegram.WebhookPath()
}

func (a *Application) handleUpdate(ctx context.Context, u telegram.Update) {
	if u.Message == nil {
		return
	}
	a.router.Handle(ctx, commands.Message{
		ChatID:  u.Message.Chat.ID,
		Private: u.Message.Private(),
		Text:    u.Message.Text,
	})
}

// Close releases storage handles.
func (a *Application) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
