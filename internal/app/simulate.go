package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/ratefeed"
	"tapcoin-ledger/internal/storage"
	"tapcoin-ledger/internal/storage/memstore"
)

// SimulateRateAlert replays a move from previous to current through the poller
// against a scratch store, dispatching an alert if the move crosses the threshold.
func (a *App) SimulateRateAlert(ctx context.Context, previous, current decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}
	if previous.Sign() <= 0 || current.Sign() <= 0 {
		return errors.New("both rates must be positive")
	}

	scratch := memstore.New()
	if _, err := scratch.InsertRate(ctx, storage.RateObservation{
		Rate:       previous,
		Source:     "simulated",
		ObservedAt: time.Now().UTC().Add(-a.Config.Scheduler.Interval),
	}); err != nil {
		return err
	}

	fetcher := ratefeed.FetcherFunc(func(context.Context) (ratefeed.Quote, error) {
		return ratefeed.Quote{Rate: current, Source: "simulated", ObservedAt: time.Now().UTC()}, nil
	})
	if _, err := a.newPoller(nil, fetcher, scratch, nil).Poll(ctx); err != nil {
		return err
	}

	move := ratefeed.MovePct(previous, current)
	fmt.Fprintf(a.Out, "simulated move %s%% (threshold %.2f%%)\n", move.StringFixed(3), a.Config.Alerting.MoveThresholdPct)
	return nil
}
