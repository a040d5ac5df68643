package ratefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/alerting"
	"tapcoin-ledger/internal/metrics"
	"tapcoin-ledger/internal/scheduler"
	"tapcoin-ledger/internal/storage"
)

// PollerOptions tune sampling and alerting.
type PollerOptions struct {
	AlertsEnabled    bool
	MoveThresholdPct decimal.Decimal
	AlertCooldown    time.Duration
	Channels         []string
	LockKey          int64
}

// Poller samples a Fetcher on the scheduler, records each quote and raises an
// alert when the rate moves more than the threshold against the previous sample.
type Poller struct {
	scheduler *scheduler.Scheduler
	fetcher   Fetcher
	store     storage.RateStore
	recorder  *Recorder
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	locker    storage.AdvisoryLocker
	opts      PollerOptions
	logger    zerolog.Logger

	mu        sync.Mutex
	lastAlert time.Time
}

// NewPoller wires the polling loop. sched may be nil when only Poll is used.
func NewPoller(opts PollerOptions, sched *scheduler.Scheduler, fetcher Fetcher, store storage.RateStore, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Poller {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Poller{
		scheduler: sched,
		fetcher:   fetcher,
		store:     store,
		recorder:  NewRecorder(store, m, logger),
		notifier:  notifier,
		metrics:   m,
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "rate_poller").Logger(),
	}
}

// Run begins the sampling loop.
func (p *Poller) Run(ctx context.Context) error {
	if p.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return p.scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := p.Poll(ctx)
		return err
	})
}

// Poll takes one sample unless another instance holds the advisory lock.
// It returns the recorded observation, or a zero value when skipped.
func (p *Poller) Poll(ctx context.Context) (storage.RateObservation, error) {
	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return storage.RateObservation{}, err
	}
	if !proceed {
		p.logger.Debug().Msg("skip sample because advisory lock held elsewhere")
		return storage.RateObservation{}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	quote, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.metrics.ObserveRateFailure()
		return storage.RateObservation{}, fmt.Errorf("fetch rate: %w", err)
	}

	previous, prevErr := p.store.LatestRate(ctx)
	if prevErr != nil && !errors.Is(prevErr, storage.ErrNoRate) {
		p.logger.Warn().Err(prevErr).Msg("failed to load previous rate")
	}

	// Upstream quotes carry arbitrary precision; the stored rate keeps RatePlaces.
	obs, err := p.recorder.Record(ctx, quote.Rate.Truncate(RatePlaces), quote.Source, quote.ObservedAt)
	if err != nil {
		return storage.RateObservation{}, fmt.Errorf("record rate: %w", err)
	}

	if prevErr == nil {
		p.maybeAlert(ctx, previous, obs)
	}
	return obs, nil
}

func (p *Poller) maybeAlert(ctx context.Context, previous, current storage.RateObservation) {
	if !p.opts.AlertsEnabled || p.notifier == nil || p.opts.MoveThresholdPct.Sign() <= 0 {
		return
	}
	if previous.Rate.Sign() <= 0 {
		return
	}

	move := MovePct(previous.Rate, current.Rate)
	if !move.Abs().GreaterThan(p.opts.MoveThresholdPct) {
		return
	}

	p.mu.Lock()
	if p.opts.AlertCooldown > 0 && !p.lastAlert.IsZero() && current.ObservedAt.Sub(p.lastAlert) < p.opts.AlertCooldown {
		p.mu.Unlock()
		p.logger.Debug().Str("move_pct", move.StringFixed(2)).Msg("alert suppressed by cooldown")
		return
	}
	p.lastAlert = current.ObservedAt
	p.mu.Unlock()

	note := alerting.Notification{
		ObservedAt:   current.ObservedAt,
		PreviousRate: previous.Rate,
		CurrentRate:  current.Rate,
		MovePct:      move,
		ThresholdPct: p.opts.MoveThresholdPct,
		Direction:    classifyMove(move),
		Source:       current.Source,
		Channels:     p.opts.Channels,
	}
	if err := p.notifier.Notify(ctx, note); err != nil {
		p.logger.Error().Err(err).Msg("failed to dispatch alert")
		return
	}
	p.metrics.ObserveAlert()
}

// MovePct returns (current/previous - 1) * 100.
func MovePct(previous, current decimal.Decimal) decimal.Decimal {
	if previous.Sign() == 0 {
		return decimal.Zero
	}
	return current.Div(previous).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}

func classifyMove(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}

func (p *Poller) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.opts.LockKey == 0 || p.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
