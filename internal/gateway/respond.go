package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/ledger"
	"tapcoin-ledger/internal/money"
	"tapcoin-ledger/internal/storage"
)

type errorResponse struct {
	Error string      `json:"error"`
	Kind  ledger.Kind `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind ledger.Kind, message string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

// writeLedgerError maps a ledger failure onto a status code. Storage faults are
// logged in full and reported to the client without detail.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.KindOf(err)
	status := statusFor(kind)
	if kind == ledger.KindStorageFault {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed on storage")
		writeError(w, status, kind, "internal error")
		return
	}
	writeError(w, status, kind, err.Error())
}

func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindInvalidAmount, ledger.KindInvalidRequest, ledger.KindSelfTransfer:
		return http.StatusBadRequest
	case ledger.KindAccountNotFound:
		return http.StatusNotFound
	case ledger.KindAccountBlocked:
		return http.StatusForbidden
	case ledger.KindAccountExists, ledger.KindDuplicateAccrual, ledger.KindDuplicatePayment:
		return http.StatusConflict
	case ledger.KindInsufficientFunds, ledger.KindNotMerchant:
		return http.StatusUnprocessableEntity
	case ledger.KindExchangeCooldown:
		return http.StatusTooManyRequests
	case ledger.KindRateUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads exactly one JSON object, rejecting unknown fields and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	body := io.Reader(r.Body)
	if limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: unexpected trailing data")
	}
	return nil
}

// parseAmount validates a wire amount against the currency precision without truncating it.
func parseAmount(c money.Currency, raw json.Number) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, &ledger.Error{Kind: ledger.KindInvalidAmount, Message: "amount is required"}
	}
	d, err := money.ParseAmount(c, raw.String())
	if err != nil {
		return decimal.Decimal{}, &ledger.Error{Kind: ledger.KindInvalidAmount, Message: err.Error(), Err: err}
	}
	return d, nil
}

func amount(c money.Currency, d decimal.Decimal) json.Number {
	return json.Number(money.Format(c, d))
}

type accountResponse struct {
	ID                    string      `json:"id"`
	Kind                  string      `json:"kind"`
	CoinBalance           json.Number `json:"coinBalance"`
	FiatBalance           json.Number `json:"fiatBalance"`
	Blocked               bool        `json:"blocked"`
	LastExchangeDirection string      `json:"lastExchangeDirection,omitempty"`
	LastExchangeAt        *time.Time  `json:"lastExchangeAt,omitempty"`
	CreatedAt             time.Time   `json:"createdAt"`
	UpdatedAt             time.Time   `json:"updatedAt"`
}

func toAccountResponse(a storage.Account) accountResponse {
	return accountResponse{
		ID:                    a.ID,
		Kind:                  string(a.Kind),
		CoinBalance:           amount(money.Coin, a.CoinBalance),
		FiatBalance:           amount(money.Fiat, a.FiatBalance),
		Blocked:               a.Blocked,
		LastExchangeDirection: string(a.LastExchangeDirection),
		LastExchangeAt:        a.LastExchangeAt,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
}

type transactionResponse struct {
	ID            int64       `json:"id"`
	Kind          string      `json:"kind"`
	FromAccount   *string     `json:"fromAccount"`
	ToAccount     *string     `json:"toAccount"`
	Currency      string      `json:"currency"`
	Amount        json.Number `json:"amount"`
	Direction     string      `json:"direction,omitempty"`
	CounterAmount json.Number `json:"counterAmount,omitempty"`
	Purpose       string      `json:"purpose,omitempty"`
	PaymentRef    string      `json:"paymentRef,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

func toTransactionResponse(rec storage.TransactionRecord) transactionResponse {
	out := transactionResponse{
		ID:          rec.ID,
		Kind:        string(rec.Kind),
		FromAccount: rec.FromAccount,
		ToAccount:   rec.ToAccount,
		Currency:    string(rec.Currency),
		Amount:      amount(rec.Currency, rec.Amount),
		Direction:   string(rec.Direction),
		Purpose:     rec.Purpose,
		PaymentRef:  rec.PaymentRef,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.Kind == storage.TxExchange {
		out.CounterAmount = amount(rec.Direction.Target(), rec.CounterAmount)
	}
	return out
}

func toTransactionList(records []storage.TransactionRecord) []transactionResponse {
	out := make([]transactionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toTransactionResponse(rec))
	}
	return out
}

type rateResponse struct {
	ID         int64       `json:"id"`
	Rate       json.Number `json:"rate"`
	Source     string      `json:"source"`
	ObservedAt time.Time   `json:"observedAt"`
}
