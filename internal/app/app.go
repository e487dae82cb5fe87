package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sale-discount-alerts/internal/alerting"
	"sale-discount-alerts/internal/config"
	"sale-discount-alerts/internal/detector"
	"sale-discount-alerts/internal/scheduler"
	"sale-discount-alerts/internal/service"
	"sale-discount-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Notification.DryRun {
		return alerting.NewLogNotifier(a.Logger)
	}
	tg := a.Config.Notification.Telegram
	return alerting.NewTelegramNotifier(tg.BotToken, tg.APIBase, tg.RequestTimeout, a.Logger)
}

func (a *App) newRouter(deliveries alerting.DeliveryLog, notifier alerting.Notifier) *alerting.Router {
	recipients := alerting.BuildRecipients(a.Config.Users)
	return alerting.NewRouter(deliveries, notifier, recipients, alerting.Options{
		Cooldown:   a.Config.Notification.Cooldown,
		BaseDomain: a.Config.Notification.BaseDomain,
	}, a.Logger)
}

func (a *App) newDetector(store *storage.Store) *detector.Detector {
	return detector.New(store, store, a.thresholds(), a.Config.Detection.Catalogs, a.Logger)
}

func (a *App) thresholds() detector.Thresholds {
	return detector.Thresholds{
		PriceCeiling:  decimal.NewFromFloat(a.Config.Detection.PriceCeiling),
		DiscountFloor: decimal.NewFromFloat(a.Config.Detection.MinDiscountPct),
	}
}

// Run executes the pipeline, either as the scheduled loop or as a single
// pass when once is set.
func (a *App) Run(ctx context.Context, once bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var router *alerting.Router
	if a.Config.Notification.Enabled {
		router = a.newRouter(store, a.newNotifier())
	} else {
		a.Logger.Warn().Msg("notifications disabled; events will be recorded but not delivered")
	}

	var sched *scheduler.Scheduler
	if !once {
		sched = scheduler.New(scheduler.Options{
			Interval:        a.Config.Scheduler.Interval,
			AlignToInterval: a.Config.Scheduler.AlignToInterval,
			StartupDelay:    a.Config.Scheduler.StartupDelay,
		}, a.Logger)
	}

	svc := service.New(a.Config, sched, a.newDetector(store), store, store, router, store, a.Logger)

	if once {
		return svc.RunPass(ctx, time.Now().UTC())
	}

	a.Logger.Info().Msg("starting pipeline service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("pipeline service stopped")
	return nil
}

// IngestOptions configure the observation ingest job.
type IngestOptions struct {
	Path string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting SKU price history.
type ExportOptions struct {
	VariantID string
	ColorCode string
	SizeCode  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// SimulateOptions describe one synthetic observation to push through the
// detection and routing pipeline.
type SimulateOptions struct {
	Catalog       string
	ProductID     string
	ProductName   string
	VariantID     string
	SkuPath       string
	ColorCode     string
	ColorLabel    string
	SizeCode      string
	SizeLabel     string
	SalePrice     float64
	OriginalPrice float64
}
