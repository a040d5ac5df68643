package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/money"
	"tapcoin-ledger/internal/ratefeed"
	"tapcoin-ledger/internal/storage"
)

// ExchangeRequest converts Amount of the direction's source currency.
type ExchangeRequest struct {
	Account   string
	Direction storage.Direction
	Amount    decimal.Decimal
}

// ExchangeResult carries the source and target balances after conversion.
type ExchangeResult struct {
	Direction   storage.Direction
	FromBalance decimal.Decimal
	ToBalance   decimal.Decimal
	RateUsed    decimal.Decimal
	Credited    decimal.Decimal
	Record      storage.TransactionRecord
}

// Convert applies rate to amount in the given direction, truncating toward zero
// to the precision of the target currency.
func Convert(direction storage.Direction, amount, rate decimal.Decimal) decimal.Decimal {
	if direction == storage.FiatToCoin {
		return money.Truncate(money.Coin, amount.Div(rate))
	}
	return money.Truncate(money.Fiat, amount.Mul(rate))
}

// Exchange swaps one currency for the other on a single account at the latest rate.
// The rate is read before the unit starts so no external call happens under lock.
func (l *Ledger) Exchange(ctx context.Context, req ExchangeRequest) (res ExchangeResult, err error) {
	start := time.Now()
	defer func() {
		err = l.finish("exchange", start, err, func(e *zerolog.Event) *zerolog.Event {
			return e.Str("account", req.Account).Str("direction", string(req.Direction)).
				Str("amount", req.Amount.String()).Str("rate", res.RateUsed.String())
		})
	}()

	if !req.Direction.Valid() {
		return ExchangeResult{}, newError(KindInvalidRequest, "unknown exchange direction %q", req.Direction)
	}
	source, target := req.Direction.Source(), req.Direction.Target()
	if err := checkAmount(source, req.Amount); err != nil {
		return ExchangeResult{}, err
	}
	if err := checkAccountID(req.Account); err != nil {
		return ExchangeResult{}, err
	}

	rate, err := l.snapshotRate(ctx)
	if err != nil {
		return ExchangeResult{}, err
	}
	credited := Convert(req.Direction, req.Amount, rate)
	if credited.Sign() <= 0 {
		return ExchangeResult{}, newError(KindInvalidAmount, "amount %s converts to zero %s at rate %s", req.Amount, target, rate)
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
		if err := l.checkCooldown(acct, req.Direction, now); err != nil {
			return err
		}
		if err := requireFunds(acct, source, req.Amount); err != nil {
			return err
		}

		coinOut, fiatOut := deltas(source, req.Amount.Neg())
		coinIn, fiatIn := deltas(target, credited)
		updated, err := tx.ApplyDelta(ctx, req.Account, coinOut.Add(coinIn), fiatOut.Add(fiatIn))
		if err != nil {
			return err
		}
		if err := tx.MarkExchange(ctx, req.Account, req.Direction, now); err != nil {
			return err
		}

		rec, err := tx.AppendTransaction(ctx, storage.TransactionRecord{
			Kind:          storage.TxExchange,
			FromAccount:   &req.Account,
			Currency:      source,
			Amount:        req.Amount,
			Direction:     req.Direction,
			CounterAmount: credited,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}

		res = ExchangeResult{
			Direction:   req.Direction,
			FromBalance: updated.Balance(source),
			ToBalance:   updated.Balance(target),
			RateUsed:    rate,
			Credited:    credited,
			Record:      rec,
		}
		return nil
	})
	if err != nil {
		return ExchangeResult{RateUsed: rate}, err
	}
	return res, nil
}

func (l *Ledger) snapshotRate(ctx context.Context) (decimal.Decimal, error) {
	if l.feed == nil {
		return decimal.Decimal{}, newError(KindRateUnavailable, "no rate feed configured")
	}
	obs, err := l.feed.Latest(ctx)
	if err != nil {
		if errors.Is(err, ratefeed.ErrUnavailable) {
			return decimal.Decimal{}, &Error{Kind: KindRateUnavailable, Message: "exchange rate unavailable", Err: err}
		}
		return decimal.Decimal{}, err
	}
	if obs.Rate.Sign() <= 0 {
		return decimal.Decimal{}, newError(KindRateUnavailable, "exchange rate unavailable")
	}
	return obs.Rate, nil
}

func (l *Ledger) checkCooldown(acct storage.Account, direction storage.Direction, now time.Time) error {
	if l.opts.ExchangeCooldown <= 0 || acct.LastExchangeAt == nil {
		return nil
	}
	if acct.LastExchangeDirection != direction {
		return nil
	}
	if wait := l.opts.ExchangeCooldown - now.Sub(*acct.LastExchangeAt); wait > 0 {
		return newError(KindExchangeCooldown, "repeat %s exchange allowed in %s", direction, wait.Round(time.Millisecond))
	}
	return nil
}
