package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/money"
	"tapcoin-ledger/internal/storage"
)

// TransferRequest moves Amount of Currency from one account to another.
type TransferRequest struct {
	From     string
	To       string
	Currency money.Currency
	Amount   decimal.Decimal
}

// TransferResult carries both balances after the move.
type TransferResult struct {
	Currency    money.Currency
	FromBalance decimal.Decimal
	ToBalance   decimal.Decimal
	Record      storage.TransactionRecord
}

// Transfer debits From and credits To, appending a transfer record, as one unit.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (res TransferResult, err error) {
	start := time.Now()
	defer func() {
		err = l.finish("transfer", start, err, func(e *zerolog.Event) *zerolog.Event {
			return e.Str("from", req.From).Str("to", req.To).Str("currency", string(req.Currency)).Str("amount", req.Amount.String())
		})
	}()

	if !req.Currency.Valid() {
		return TransferResult{}, newError(KindInvalidRequest, "unknown currency %q", req.Currency)
	}
	if err := checkAmount(req.Currency, req.Amount); err != nil {
		return TransferResult{}, err
	}
	if err := checkAccountID(req.From); err != nil {
		return TransferResult{}, err
	}
	if err := checkAccountID(req.To); err != nil {
		return TransferResult{}, err
	}
	if req.From == req.To {
		return TransferResult{}, newError(KindSelfTransfer, "cannot transfer to the same account")
	}

	res.Currency = req.Currency
	err = l.unit(ctx, func(ctx context.Context, tx storage.Tx) error {
		accounts, err := tx.LockAccounts(ctx, req.From, req.To)
		if err != nil {
			return lockErr(err, req.From, req.To)
		}
		from, to := accounts[req.From], accounts[req.To]
		if err := requireActive(from); err != nil {
			return err
		}
		if err := requireActive(to); err != nil {
			return err
		}
		if err := requireFunds(from, req.Currency, req.Amount); err != nil {
			return err
		}

		coin, fiat := deltas(req.Currency, req.Amount.Neg())
		debited, err := tx.ApplyDelta(ctx, req.From, coin, fiat)
		if err != nil {
			return err
		}
		coin, fiat = deltas(req.Currency, req.Amount)
		credited, err := tx.ApplyDelta(ctx, req.To, coin, fiat)
		if err != nil {
			return err
		}

		rec, err := tx.AppendTransaction(ctx, storage.TransactionRecord{
			Kind:        storage.TxTransfer,
			FromAccount: &req.From,
			ToAccount:   &req.To,
			Currency:    req.Currency,
			Amount:      req.Amount,
			CreatedAt:   l.now(),
		})
		if err != nil {
			return err
		}

		res.FromBalance = debited.Balance(req.Currency)
		res.ToBalance = credited.Balance(req.Currency)
		res.Record = rec
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	return res, nil
}

// MerchantPaymentRequest pays a merchant in coin.
type MerchantPaymentRequest struct {
	User     string
	Merchant string
	Amount   decimal.Decimal
	Purpose  string
	// PaymentRef identifies a one-time payment request; each may be paid once per merchant.
	PaymentRef string
}

// MerchantPaymentResult carries the payer's balance after the payment.
type MerchantPaymentResult struct {
	Balance         decimal.Decimal
	MerchantBalance decimal.Decimal
	Record          storage.TransactionRecord
}

// PayMerchant moves coin from a user to a merchant-kind account.
func (l *Ledger) PayMerchant(ctx context.Context, req MerchantPaymentRequest) (res MerchantPaymentResult, err error) {
	start := time.Now()
	defer func() {
		err = l.finish("merchant_payment", start, err, func(e *zerolog.Event) *zerolog.Event {
			return e.Str("user", req.User).Str("merchant", req.Merchant).Str("amount", req.Amount.String()).Str("payment_ref", req.PaymentRef)
		})
	}()

	if err := checkAmount(money.Coin, req.Amount); err != nil {
		return MerchantPaymentResult{}, err
	}
	if err := checkAccountID(req.User); err != nil {
		return MerchantPaymentResult{}, err
	}
	if err := checkAccountID(req.Merchant); err != nil {
		return MerchantPaymentResult{}, err
	}
	if req.User == req.Merchant {
		return MerchantPaymentResult{}, newError(KindSelfTransfer, "cannot pay your own account")
	}

	err = l.unit(ctx, func(ctx context.Context, tx storage.Tx) error {
		accounts, err := tx.LockAccounts(ctx, req.User, req.Merchant)
		if err != nil {
			return lockErr(err, req.User, req.Merchant)
		}
		user, merchant := accounts[req.User], accounts[req.Merchant]
		if merchant.Kind != storage.KindMerchant {
			return newError(KindNotMerchant, "account %s is not a merchant", merchant.ID)
		}
		if err := requireActive(user); err != nil {
			return err
		}
		if err := requireActive(merchant); err != nil {
			return err
		}
		if req.PaymentRef != "" {
			paid, err := tx.PaymentExists(ctx, req.Merchant, req.PaymentRef)
			if err != nil {
				return err
			}
			if paid {
				return newError(KindDuplicatePayment, "payment %s already settled", req.PaymentRef)
			}
		}
		if err := requireFunds(user, money.Coin, req.Amount); err != nil {
			return err
		}

		debited, err := tx.ApplyDelta(ctx, req.User, req.Amount.Neg(), decimal.Zero)
		if err != nil {
			return err
		}
		credited, err := tx.ApplyDelta(ctx, req.Merchant, req.Amount, decimal.Zero)
		if err != nil {
			return err
		}

		rec, err := tx.AppendTransaction(ctx, storage.TransactionRecord{
			Kind:        storage.TxMerchantPayment,
			FromAccount: &req.User,
			ToAccount:   &req.Merchant,
			Currency:    money.Coin,
			Amount:      req.Amount,
			Purpose:     req.Purpose,
			PaymentRef:  req.PaymentRef,
			CreatedAt:   l.now(),
		})
		if err != nil {
			return err
		}

		res.Balance = debited.CoinBalance
		res.MerchantBalance = credited.CoinBalance
		res.Record = rec
		return nil
	})
	if err != nil {
		return MerchantPaymentResult{}, err
	}
	return res, nil
}

// PaymentStatus reports whether a one-time payment reference has been settled.
type PaymentStatus struct {
	Paid   bool
	Record storage.TransactionRecord
}

// PaymentStatus looks up a merchant payment by reference.
func (l *Ledger) PaymentStatus(ctx context.Context, merchantID, paymentRef string) (PaymentStatus, error) {
	if err := checkAccountID(merchantID); err != nil {
		return PaymentStatus{}, err
	}
	if paymentRef == "" {
		return PaymentStatus{}, newError(KindInvalidRequest, "payment reference is required")
	}
	if _, err := l.store.GetAccount(ctx, merchantID); err != nil {
		return PaymentStatus{}, translate(err)
	}

	rec, err := l.store.FindMerchantPayment(ctx, merchantID, paymentRef)
	if err != nil {
		if isNotFound(err) {
			return PaymentStatus{Paid: false}, nil
		}
		return PaymentStatus{}, translate(err)
	}
	return PaymentStatus{Paid: true, Record: rec}, nil
}
