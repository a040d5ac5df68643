package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/money"
	"tapcoin-ledger/internal/storage"
)

// AccrualRequest credits mined coin flushed by a client.
type AccrualRequest struct {
	Account string
	Amount  decimal.Decimal
	// RequestID is a client-generated flush id. When set, a retried flush is
	// applied at most once within the retention window.
	RequestID string
}

// AccrualResult carries the credited balance and the global mining state.
type AccrualResult struct {
	Balance     decimal.Decimal
	HalvingStep int64
	TotalMined  decimal.Decimal
	// Duplicate reports a replayed flush that credited nothing.
	Duplicate bool
}

// AccrueMining credits the account and advances the mined supply in one unit.
// No transaction record is written for mining.
func (l *Ledger) AccrueMining(ctx context.Context, req AccrualRequest) (res AccrualResult, err error) {
	start := time.Now()
	defer func() {
		err = l.finish("accrue_mining", start, err, func(e *zerolog.Event) *zerolog.Event {
			return e.Str("account", req.Account).Str("amount", req.Amount.String()).
				Str("request_id", req.RequestID).Bool("duplicate", res.Duplicate).Int64("halving_step", res.HalvingStep)
		})
	}()

	if err := checkAmount(money.Coin, req.Amount); err != nil {
		return AccrualResult{}, err
	}
	if l.opts.MaxAccrual.Sign() > 0 && req.Amount.GreaterThan(l.opts.MaxAccrual) {
		return AccrualResult{}, newError(KindInvalidAmount, "accrual exceeds the per-flush maximum of %s", l.opts.MaxAccrual)
	}
	if err := checkAccountID(req.Account); err != nil {
		return AccrualResult{}, err
	}

	now := l.now()
	err = l.unit(ctx, func(ctx context.Context, tx storage.Tx) error {
		accounts, err := tx.LockAccounts(ctx, req.Account)
		if err != nil {
			return lockErr(err, req.Account)
		}
		acct := accounts[req.Account]
		if err := requireActive(acct); err != nil {
			return err
		}

		if req.RequestID != "" {
			claim, err := tx.ClaimAccrualToken(ctx, req.Account, req.RequestID, req.Amount, now, l.opts.AccrualRetention)
			if err != nil {
				return err
			}
			if !claim.Claimed {
				if !claim.Amount.Equal(req.Amount) {
					return newError(KindDuplicateAccrual, "request id %s was already used for a different amount", req.RequestID)
				}
				state, err := l.halving.StateIn(ctx, tx)
				if err != nil {
					return err
				}
				res = AccrualResult{
					Balance:     acct.CoinBalance,
					HalvingStep: state.HalvingStep,
					TotalMined:  state.TotalMined,
					Duplicate:   true,
				}
				return nil
			}
		}

		credited, err := tx.ApplyDelta(ctx, req.Account, req.Amount, decimal.Zero)
		if err != nil {
			return err
		}
		state, err := l.halving.RecordAccrual(ctx, tx, req.Amount, now)
		if err != nil {
			return err
		}

		res = AccrualResult{
			Balance:     credited.CoinBalance,
			HalvingStep: state.HalvingStep,
			TotalMined:  state.TotalMined,
		}
		return nil
	})
	if err != nil {
		return AccrualResult{}, err
	}

	if !res.Duplicate {
		amount, _ := req.Amount.Float64()
		l.metrics.ObserveAccrual(amount, res.HalvingStep)
	}
	return res, nil
}

// PurgeAccrualTokens forgets flush request ids older than the retention window.
func (l *Ledger) PurgeAccrualTokens(ctx context.Context) (int64, error) {
	cutoff := l.now().Add(-l.opts.AccrualRetention)
	purged, err := l.store.PurgeAccrualTokens(ctx, cutoff)
	if err != nil {
		return 0, translate(err)
	}
	l.metrics.ObservePurge(purged)
	if purged > 0 {
		l.logger.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("expired accrual tokens purged")
	}
	return purged, nil
}
