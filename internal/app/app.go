package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tapcoin-ledger/internal/alerting"
	"tapcoin-ledger/internal/config"
	"tapcoin-ledger/internal/gateway"
	"tapcoin-ledger/internal/halving"
	"tapcoin-ledger/internal/ledger"
	"tapcoin-ledger/internal/logging"
	"tapcoin-ledger/internal/metrics"
	"tapcoin-ledger/internal/ratefeed"
	"tapcoin-ledger/internal/scheduler"
	"tapcoin-ledger/internal/storage"
	"tapcoin-ledger/internal/storage/memstore"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives human-readable command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), Out: os.Stdout}
}

// stores is the storage backend selected by configuration.
type stores struct {
	backend storage.Backend
	rates   storage.RateStore
	pg      *storage.Store
	close   func()
}

func (s *stores) health(ctx context.Context) error {
	if s.pg == nil {
		return nil
	}
	return s.pg.Ping(ctx)
}

var errNoDatabase = errors.New("database.dsn not configured")

// openStores connects to Postgres, or falls back to the in-memory store when
// allowMemory is set and no DSN is configured.
func (a *App) openStores(ctx context.Context, allowMemory bool) (*stores, error) {
	if a.Config.Database.DSN == "" {
		if !allowMemory {
			return nil, errNoDatabase
		}
		a.Logger.Warn().Msg("database.dsn not configured; balances live in memory and are lost on exit")
		mem := memstore.New()
		return &stores{backend: mem, rates: mem, close: func() {}}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pool)

	if a.Config.Database.AutoMigrate {
		applied, err := store.Migrate(ctx)
		if err != nil {
			store.Close()
			return nil, err
		}
		if len(applied) > 0 {
			a.Logger.Info().Strs("applied", applied).Msg("database migrated")
		}
	}

	return &stores{backend: store, rates: store, pg: store, close: store.Close}, nil
}

func (a *App) newLedger(st *stores, m *metrics.Metrics) (*ledger.Ledger, *ratefeed.StoreFeed) {
	cfg := a.Config.Ledger
	feed := ratefeed.NewStoreFeed(st.rates, a.Config.RateFeed.MaxAge)
	tracker := halving.NewTracker(st.backend, cfg.HalvingUnit)

	l := ledger.New(ledger.Options{
		ExchangeCooldown: cfg.ExchangeCooldown,
		AccrualRetention: cfg.AccrualRetention,
		MaxAccrual:       cfg.MaxAccrual,
		OperationTimeout: cfg.OperationTimeout,
		HistoryLimit:     cfg.HistoryLimit,
	}, st.backend, tracker, feed, m, a.Logger)
	return l, feed
}

// newFetcher picks the upstream rate source. It returns nil when the static
// source has no rate configured.
func (a *App) newFetcher() ratefeed.Fetcher {
	cfg := a.Config.RateFeed
	switch strings.ToLower(cfg.Source) {
	case "http":
		return ratefeed.NewHTTPFetcher(ratefeed.HTTPOptions{
			URL:       cfg.HTTP.URL,
			Field:     cfg.HTTP.Field,
			Timeout:   cfg.HTTP.RequestTimeout,
			UserAgent: cfg.HTTP.UserAgent,
		}, a.Logger)
	case "chain":
		return ratefeed.NewChainFetcher(ratefeed.ChainOptions{
			RPCURL:     cfg.Chain.RPCURL,
			Aggregator: cfg.Chain.Aggregator,
			Timeout:    cfg.Chain.RequestTimeout,
		}, a.Logger)
	default:
		if cfg.StaticRate.Sign() <= 0 {
			return nil
		}
		return ratefeed.StaticFetcher{Rate: cfg.StaticRate}
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newPoller(sched *scheduler.Scheduler, fetcher ratefeed.Fetcher, rates storage.RateStore, m *metrics.Metrics) *ratefeed.Poller {
	return ratefeed.NewPoller(ratefeed.PollerOptions{
		AlertsEnabled:    a.Config.Alerting.Enabled,
		MoveThresholdPct: decimal.NewFromFloat(a.Config.Alerting.MoveThresholdPct),
		AlertCooldown:    a.Config.Alerting.Cooldown,
		Channels:         a.Config.Alerting.Channels,
		LockKey:          a.Config.Scheduler.AdvisoryLockKey,
	}, sched, fetcher, rates, a.newNotifier(), m, a.Logger)
}

// Serve runs the API gateway together with the rate poller and the accrual
// token purge job until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := a.openStores(ctx, true)
	if err != nil {
		return err
	}
	defer st.close()

	m := metrics.New()
	l, feed := a.newLedger(st, m)

	httpCfg := a.Config.HTTP
	gw := gateway.New(gateway.Options{
		Addr:            httpCfg.Addr,
		ReadTimeout:     httpCfg.ReadTimeout,
		WriteTimeout:    httpCfg.WriteTimeout,
		IdleTimeout:     httpCfg.IdleTimeout,
		ShutdownTimeout: httpCfg.ShutdownTimeout,
		AuthToken:       httpCfg.AuthToken,
		MaxBodyBytes:    httpCfg.MaxBodyBytes,
		RateLimitRPS:    httpCfg.RateLimit.RPS,
		RateLimitBurst:  httpCfg.RateLimit.Burst,
		RatesLimit:      a.Config.RateFeed.RecentLimit,
	}, l, feed, m, st.health, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })

	if fetcher := a.newFetcher(); fetcher != nil {
		sched := scheduler.New(scheduler.Options{
			Name:         "rate_poll",
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   true,
		}, a.Logger)
		poller := a.newPoller(sched, fetcher, st.rates, m)
		g.Go(func() error { return poller.Run(gctx) })
	} else {
		a.Logger.Warn().Msg("no rate source configured; exchanges fail until a rate is pushed")
	}

	purge := scheduler.New(scheduler.Options{
		Name:     "accrual_token_purge",
		Interval: a.Config.Scheduler.PurgeInterval,
	}, a.Logger)
	g.Go(func() error {
		return purge.Run(gctx, func(ctx context.Context, _ time.Time) error {
			_, err := l.PurgeAccrualTokens(ctx)
			return err
		})
	})

	a.Logger.Info().Str("addr", httpCfg.Addr).Msg("starting ledger service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ledger service stopped")
	return nil
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate(ctx context.Context) ([]string, error) {
	cfg := a.Config.Database
	cfg.AutoMigrate = false
	if cfg.DSN == "" {
		return nil, errNoDatabase
	}

	pool, err := storage.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool)
	if err != nil {
		return applied, err
	}
	a.Logger.Info().Strs("applied", applied).Msg("migrations complete")
	return applied, nil
}

// ExportOptions hold parameters for exporting the rate history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the account history listing.
type HistoryOptions struct {
	AccountID string
	Limit     int
}
