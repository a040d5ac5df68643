package ratefeed

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one sample returned by an upstream rate source.
type Quote struct {
	Rate       decimal.Decimal
	Source     string
	ObservedAt time.Time
}

// Fetcher samples an upstream rate source.
type Fetcher interface {
	Fetch(ctx context.Context) (Quote, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Quote, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context) (Quote, error) {
	return f(ctx)
}

// StaticFetcher always reports the same rate. Used for local runs and simulations.
type StaticFetcher struct {
	Rate decimal.Decimal
}

// Fetch returns the configured rate stamped with the current time.
func (s StaticFetcher) Fetch(_ context.Context) (Quote, error) {
	if s.Rate.Sign() <= 0 {
		return Quote{}, errors.New("static rate not configured")
	}
	return Quote{Rate: s.Rate, Source: "static", ObservedAt: time.Now().UTC()}, nil
}

var (
	_ Fetcher = FetcherFunc(nil)
	_ Fetcher = StaticFetcher{}
)
