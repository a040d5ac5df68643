package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/money"
)

// AccountKind distinguishes end users from merchants.
type AccountKind string

const (
	KindUser     AccountKind = "user"
	KindMerchant AccountKind = "merchant"
)

// Valid reports whether k is a known account kind.
func (k AccountKind) Valid() bool {
	return k == KindUser || k == KindMerchant
}

// TxKind tags a transaction log record.
type TxKind string

const (
	TxTransfer        TxKind = "transfer"
	TxMerchantPayment TxKind = "merchant_payment"
	TxExchange        TxKind = "exchange"
)

// Direction is the side of a currency exchange.
type Direction string

const (
	CoinToFiat Direction = "coin_to_fiat"
	FiatToCoin Direction = "fiat_to_coin"
)

// Valid reports whether d is a known exchange direction.
func (d Direction) Valid() bool {
	return d == CoinToFiat || d == FiatToCoin
}

// Source returns the currency debited by an exchange in this direction.
func (d Direction) Source() money.Currency {
	if d == FiatToCoin {
		return money.Fiat
	}
	return money.Coin
}

// Target returns the currency credited by an exchange in this direction.
func (d Direction) Target() money.Currency {
	if d == FiatToCoin {
		return money.Coin
	}
	return money.Fiat
}

// Account is the persisted balance state of a user or merchant.
type Account struct {
	ID                    string
	Kind                  AccountKind
	CoinBalance           decimal.Decimal
	FiatBalance           decimal.Decimal
	Blocked               bool
	LastExchangeDirection Direction
	LastExchangeAt        *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Balance returns the balance held in currency c.
func (a Account) Balance(c money.Currency) decimal.Decimal {
	if c == money.Fiat {
		return a.FiatBalance
	}
	return a.CoinBalance
}

// TransactionRecord is an immutable entry of the transaction log.
type TransactionRecord struct {
	ID            int64
	Kind          TxKind
	FromAccount   *string
	ToAccount     *string
	Currency      money.Currency
	Amount        decimal.Decimal
	Direction     Direction
	CounterAmount decimal.Decimal
	Purpose       string
	PaymentRef    string
	CreatedAt     time.Time
}

// Involves reports whether the account is a party of the record.
func (r TransactionRecord) Involves(accountID string) bool {
	return (r.FromAccount != nil && *r.FromAccount == accountID) ||
		(r.ToAccount != nil && *r.ToAccount == accountID)
}

// HalvingState is the single global mined-supply row.
type HalvingState struct {
	TotalMined  decimal.Decimal
	HalvingStep int64
	UpdatedAt   time.Time
}

// RateObservation is one coin-to-fiat price sample.
type RateObservation struct {
	ID         int64
	Rate       decimal.Decimal
	Source     string
	ObservedAt time.Time
}

// AccrualClaim is the outcome of registering a mining flush request id.
type AccrualClaim struct {
	Claimed bool
	// Amount is the amount recorded for the request id; for a replay it is
	// the amount of the original flush.
	Amount decimal.Decimal
}
