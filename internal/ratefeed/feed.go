// Package ratefeed stores and serves coin-to-fiat rate observations.
package ratefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/metrics"
	"tapcoin-ledger/internal/storage"
)

// RatePlaces is the number of fractional digits a stored rate keeps.
const RatePlaces int32 = 8

// ErrUnavailable means no usable rate exists: none recorded, non-positive or stale.
var ErrUnavailable = errors.New("exchange rate unavailable")

// Feed is the read path consulted by exchanges.
type Feed interface {
	Latest(ctx context.Context) (storage.RateObservation, error)
}

// StoreFeed serves rates from a RateStore.
type StoreFeed struct {
	store  storage.RateStore
	maxAge time.Duration
	now    func() time.Time
}

// NewStoreFeed builds a feed; maxAge 0 accepts observations of any age.
func NewStoreFeed(store storage.RateStore, maxAge time.Duration) *StoreFeed {
	return &StoreFeed{store: store, maxAge: maxAge, now: time.Now}
}

// Latest returns the most recent usable observation.
func (f *StoreFeed) Latest(ctx context.Context) (storage.RateObservation, error) {
	obs, err := f.store.LatestRate(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoRate) {
			return storage.RateObservation{}, ErrUnavailable
		}
		return storage.RateObservation{}, fmt.Errorf("load latest rate: %w", err)
	}
	if obs.Rate.Sign() <= 0 {
		return storage.RateObservation{}, fmt.Errorf("%w: non-positive rate %s", ErrUnavailable, obs.Rate)
	}
	if f.maxAge > 0 && f.now().Sub(obs.ObservedAt) > f.maxAge {
		return storage.RateObservation{}, fmt.Errorf("%w: observation from %s is stale", ErrUnavailable, obs.ObservedAt.UTC().Format(time.RFC3339))
	}
	return obs, nil
}

// ListRecent returns up to limit observations, newest first.
func (f *StoreFeed) ListRecent(ctx context.Context, limit int) ([]storage.RateObservation, error) {
	if limit <= 0 {
		limit = 1
	}
	return f.store.ListRecentRates(ctx, limit)
}

// ListBetween returns observations in [from, to), oldest first.
func (f *StoreFeed) ListBetween(ctx context.Context, from, to time.Time) ([]storage.RateObservation, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("invalid range: to must be after from")
	}
	return f.store.ListRatesBetween(ctx, from, to)
}

// Recorder appends externally sourced observations.
type Recorder struct {
	store   storage.RateStore
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewRecorder builds a recorder; m may be nil.
func NewRecorder(store storage.RateStore, m *metrics.Metrics, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "rate_recorder").Logger(),
	}
}

// Record validates and stores a single observation.
func (r *Recorder) Record(ctx context.Context, rate decimal.Decimal, source string, at time.Time) (storage.RateObservation, error) {
	if rate.Sign() <= 0 {
		return storage.RateObservation{}, fmt.Errorf("rate must be positive, got %s", rate)
	}
	if !rate.Equal(rate.Truncate(RatePlaces)) {
		return storage.RateObservation{}, fmt.Errorf("rate %s exceeds %d fractional digits", rate, RatePlaces)
	}
	if at.IsZero() {
		at = time.Now()
	}

	obs, err := r.store.InsertRate(ctx, storage.RateObservation{Rate: rate, Source: source, ObservedAt: at.UTC()})
	if err != nil {
		r.metrics.ObserveRateFailure()
		return storage.RateObservation{}, err
	}

	rateF, _ := rate.Float64()
	r.metrics.ObserveRate(rateF)
	r.logger.Info().Str("rate", rate.String()).Str("source", source).Time("observed_at", obs.ObservedAt).Msg("rate recorded")
	return obs, nil
}

var _ Feed = (*StoreFeed)(nil)
