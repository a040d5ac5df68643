package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tapcoin-ledger/internal/ledger"
	"tapcoin-ledger/internal/money"
	"tapcoin-ledger/internal/storage"
	"tapcoin-ledger/internal/version"
)

type createAccountRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type transferRequest struct {
	FromID   string      `json:"fromId"`
	ToID     string      `json:"toId"`
	Currency string      `json:"currency"`
	Amount   json.Number `json:"amount"`
}

type transferResponse struct {
	Currency    string              `json:"currency"`
	FromBalance json.Number         `json:"fromBalance"`
	ToBalance   json.Number         `json:"toBalance"`
	Transaction transactionResponse `json:"transaction"`
}

type merchantPaymentRequest struct {
	UserID     string      `json:"userId"`
	MerchantID string      `json:"merchantId"`
	Amount     json.Number `json:"amount"`
	Purpose    string      `json:"purpose"`
	PaymentRef string      `json:"paymentRef"`
}

type merchantPaymentResponse struct {
	Balance         json.Number         `json:"balance"`
	MerchantBalance json.Number         `json:"merchantBalance"`
	Transaction     transactionResponse `json:"transaction"`
}

type paymentStatusResponse struct {
	Paid        bool                 `json:"paid"`
	Transaction *transactionResponse `json:"transaction,omitempty"`
}

type accrualRequest struct {
	UserID    string      `json:"userId"`
	Amount    json.Number `json:"amount"`
	RequestID string      `json:"requestId"`
}

type accrualResponse struct {
	Balance     json.Number `json:"balance"`
	HalvingStep int64       `json:"halvingStep"`
	TotalMined  json.Number `json:"totalMined"`
	Duplicate   bool        `json:"duplicate"`
}

type halvingResponse struct {
	TotalMined  json.Number `json:"totalMined"`
	HalvingStep int64       `json:"halvingStep"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

type exchangeRequest struct {
	AccountID string      `json:"accountId"`
	Direction string      `json:"direction"`
	Amount    json.Number `json:"amount"`
}

type exchangeResponse struct {
	Direction   string              `json:"direction"`
	FromBalance json.Number         `json:"fromBalance"`
	ToBalance   json.Number         `json:"toBalance"`
	RateUsed    json.Number         `json:"rateUsed"`
	Credited    json.Number         `json:"credited"`
	Transaction transactionResponse `json:"transaction"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "version": version.Version})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	kind := storage.AccountKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = storage.KindUser
	}

	acct, err := s.ledger.CreateAccount(r.Context(), req.ID, kind)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.Account(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

func (s *Server) handleSetBlocked(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := s.ledger.SetBlocked(r.Context(), mux.Vars(r)["id"], blocked)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAccountResponse(acct))
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	records, err := s.ledger.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionList(records))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}
	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, ledger.KindInvalidRequest, err.Error())
		return
	}
	amt, err := parseAmount(currency, req.Amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	res, err := s.ledger.Transfer(r.Context(), ledger.TransferRequest{
		From:     req.FromID,
		To:       req.ToID,
		Currency: currency,
		Amount:   amt,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{
		Currency:    string(res.Currency),
		FromBalance: amount(res.Currency, res.FromBalance),
		ToBalance:   amount(res.Currency, res.ToBalance),
		Transaction: toTransactionResponse(res.Record),
	})
}

func (s *Server) handleMerchantPayment(w http.ResponseWriter, r *http.Request) {
	var req merchantPaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	amt, err := parseAmount(money.Coin, req.Amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	res, err := s.ledger.PayMerchant(r.Context(), ledger.MerchantPaymentRequest{
		User:       req.UserID,
		Merchant:   req.MerchantID,
		Amount:     amt,
		Purpose:    req.Purpose,
		PaymentRef: req.PaymentRef,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, merchantPaymentResponse{
		Balance:         amount(money.Coin, res.Balance),
		MerchantBalance: amount(money.Coin, res.MerchantBalance),
		Transaction:     toTransactionResponse(res.Record),
	})
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := s.ledger.PaymentStatus(r.Context(), q.Get("merchantId"), q.Get("paymentRef"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	out := paymentStatusResponse{Paid: status.Paid}
	if status.Paid {
		rec := toTransactionResponse(status.Record)
		out.Transaction = &rec
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccrual(w http.ResponseWriter, r *http.Request) {
	var req accrualRequest
	if !s.decode(w, r, &req) {
		return
	}
	amt, err := parseAmount(money.Coin, req.Amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	res, err := s.ledger.AccrueMining(r.Context(), ledger.AccrualRequest{
		Account:   req.UserID,
		Amount:    amt,
		RequestID: req.RequestID,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accrualResponse{
		Balance:     amount(money.Coin, res.Balance),
		HalvingStep: res.HalvingStep,
		TotalMined:  amount(money.Coin, res.TotalMined),
		Duplicate:   res.Duplicate,
	})
}

func (s *Server) handleHalving(w http.ResponseWriter, r *http.Request) {
	state, err := s.ledger.Halving(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, halvingResponse{
		TotalMined:  amount(money.Coin, state.TotalMined),
		HalvingStep: state.HalvingStep,
		UpdatedAt:   state.UpdatedAt,
	})
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if !s.decode(w, r, &req) {
		return
	}
	direction, ok := parseDirection(req.Direction)
	if !ok {
		writeError(w, http.StatusBadRequest, ledger.KindInvalidRequest, "direction must be coin_to_fiat or fiat_to_coin")
		return
	}
	amt, err := parseAmount(direction.Source(), req.Amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	res, err := s.ledger.Exchange(r.Context(), ledger.ExchangeRequest{
		Account:   req.AccountID,
		Direction: direction,
		Amount:    amt,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exchangeResponse{
		Direction:   string(res.Direction),
		FromBalance: amount(direction.Source(), res.FromBalance),
		ToBalance:   amount(direction.Target(), res.ToBalance),
		RateUsed:    json.Number(res.RateUsed.String()),
		Credited:    amount(direction.Target(), res.Credited),
		Transaction: toTransactionResponse(res.Record),
	})
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	if s.rates == nil {
		writeError(w, http.StatusServiceUnavailable, ledger.KindRateUnavailable, "rate history unavailable")
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	if limit <= 0 {
		limit = s.opts.RatesLimit
	}

	observations, err := s.rates.ListRecent(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	out := make([]rateResponse, 0, len(observations))
	for _, obs := range observations {
		out = append(out, rateResponse{
			ID:         obs.ID,
			Rate:       json.Number(obs.Rate.String()),
			Source:     obs.Source,
			ObservedAt: obs.ObservedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, s.opts.MaxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, ledger.KindInvalidRequest, err.Error())
		return false
	}
	return true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, ledger.KindInvalidRequest, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

// parseDirection accepts the canonical names and the coin/rub aliases of the web client.
func parseDirection(v string) (storage.Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(storage.CoinToFiat), "coin_to_rub":
		return storage.CoinToFiat, true
	case string(storage.FiatToCoin), "rub_to_coin":
		return storage.FiatToCoin, true
	default:
		return "", false
	}
}
