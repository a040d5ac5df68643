package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/halving"
	"tapcoin-ledger/internal/ledger"
	"tapcoin-ledger/internal/metrics"
	"tapcoin-ledger/internal/ratefeed"
	"tapcoin-ledger/internal/storage"
	"tapcoin-ledger/internal/storage/memstore"
)

type testEnv struct {
	server  *httptest.Server
	handler http.Handler
	store   *memstore.Store
	token   string
}

func setupTest(t *testing.T, opts Options) *testEnv {
	t.Helper()
	store := memstore.New()
	feed := ratefeed.NewStoreFeed(store, 0)
	m := metrics.New()
	l := ledger.New(ledger.Options{ExchangeCooldown: 5 * time.Second}, store,
		halving.NewTracker(store, decimal.NewFromInt(1)), feed, m, zerolog.Nop())

	srv := New(opts, l, feed, m, nil, zerolog.Nop())
	handler := srv.Routes()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, handler: handler, store: store, token: opts.AuthToken}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, payload
}

func (e *testEnv) fund(t *testing.T, id string, kind storage.AccountKind, coin, fiat string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.store.CreateAccount(ctx, id, kind, time.Now()); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if _, err := e.store.ApplyDelta(ctx, id, decimal.RequireFromString(coin), decimal.RequireFromString(fiat)); err != nil {
		t.Fatalf("fund %s: %v", id, err)
	}
}

func decodeBody[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode %s: %v", payload, err)
	}
	return out
}

func expectError(t *testing.T, status int, payload []byte, wantStatus int, wantKind ledger.Kind) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("expected status %d, got %d (%s)", wantStatus, status, payload)
	}
	body := decodeBody[errorResponse](t, payload)
	if body.Kind != wantKind || body.Error == "" {
		t.Fatalf("expected kind %q with message, got %+v", wantKind, body)
	}
}

func TestTransferEndpoint(t *testing.T) {
	env := setupTest(t, Options{})
	env.fund(t, "A", storage.KindUser, "10", "0")

	status, payload := env.do(t, http.MethodPost, "/v1/accounts", `{"id":"B"}`)
	if status != http.StatusCreated {
		t.Fatalf("create account: %d %s", status, payload)
	}

	status, payload = env.do(t, http.MethodPost, "/v1/transfers", `{"fromId":"A","toId":"B","currency":"coin","amount":4.00000}`)
	if status != http.StatusOK {
		t.Fatalf("transfer: %d %s", status, payload)
	}
	if !strings.Contains(string(payload), `"fromBalance":6.00000`) || !strings.Contains(string(payload), `"toBalance":4.00000`) {
		t.Fatalf("balances not rendered with coin precision: %s", payload)
	}

	status, payload = env.do(t, http.MethodPost, "/v1/transfers", `{"fromId":"A","toId":"B","currency":"coin","amount":"10"}`)
	expectError(t, status, payload, http.StatusUnprocessableEntity, ledger.KindInsufficientFunds)

	status, payload = env.do(t, http.MethodGet, "/v1/accounts/A/transactions", "")
	if status != http.StatusOK {
		t.Fatalf("history: %d %s", status, payload)
	}
	records := decodeBody[[]map[string]any](t, payload)
	if len(records) != 1 || records[0]["kind"] != "transfer" {
		t.Fatalf("unexpected history %s", payload)
	}
}

func TestRequestValidation(t *testing.T) {
	env := setupTest(t, Options{})
	env.fund(t, "A", storage.KindUser, "1", "1")
	env.fund(t, "B", storage.KindUser, "0", "0")

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		kind   ledger.Kind
	}{
		{"unknown field", "/v1/transfers", `{"fromId":"A","toId":"B","currency":"coin","amount":1,"memo":"x"}`, http.StatusBadRequest, ledger.KindInvalidRequest},
		{"trailing data", "/v1/transfers", `{"fromId":"A","toId":"B","currency":"coin","amount":1}{}`, http.StatusBadRequest, ledger.KindInvalidRequest},
		{"malformed json", "/v1/transfers", `{"fromId":`, http.StatusBadRequest, ledger.KindInvalidRequest},
		{"coin precision", "/v1/transfers", `{"fromId":"A","toId":"B","currency":"coin","amount":0.000001}`, http.StatusBadRequest, ledger.KindInvalidAmount},
		{"fiat precision", "/v1/transfers", `{"fromId":"A","toId":"B","currency":"fiat","amount":"0.001"}`, http.StatusBadRequest, ledger.KindInvalidAmount},
		{"missing amount", "/v1/transfers", `{"fromId":"A","toId":"B","currency":"coin"}`, http.StatusBadRequest, ledger.KindInvalidAmount},
		{"negative amount", "/v1/transfers", `{"fromId":"A","toId":"B","currency":"coin","amount":-1}`, http.StatusBadRequest, ledger.KindInvalidAmount},
		{"unknown currency", "/v1/transfers", `{"fromId":"A","toId":"B","currency":"usd","amount":1}`, http.StatusBadRequest, ledger.KindInvalidRequest},
		{"self transfer", "/v1/transfers", `{"fromId":"A","toId":"A","currency":"coin","amount":1}`, http.StatusBadRequest, ledger.KindSelfTransfer},
		{"missing account", "/v1/transfers", `{"fromId":"A","toId":"Z","currency":"coin","amount":1}`, http.StatusNotFound, ledger.KindAccountNotFound},
		{"not merchant", "/v1/merchant-payments", `{"userId":"A","merchantId":"B","amount":1}`, http.StatusUnprocessableEntity, ledger.KindNotMerchant},
		{"bad direction", "/v1/exchanges", `{"accountId":"A","direction":"up","amount":1}`, http.StatusBadRequest, ledger.KindInvalidRequest},
		{"no rate", "/v1/exchanges", `{"accountId":"A","direction":"coin_to_fiat","amount":1}`, http.StatusServiceUnavailable, ledger.KindRateUnavailable},
		{"duplicate account", "/v1/accounts", `{"id":"A"}`, http.StatusConflict, ledger.KindAccountExists},
		{"slash in account id", "/v1/accounts", `{"id":"shop/42"}`, http.StatusBadRequest, ledger.KindInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := env.do(t, http.MethodPost, tc.path, tc.body)
			expectError(t, status, payload, tc.status, tc.kind)
		})
	}

	acct, _ := env.store.GetAccount(context.Background(), "A")
	if !acct.CoinBalance.Equal(decimal.NewFromInt(1)) || !acct.FiatBalance.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("rejected requests changed balances: %+v", acct)
	}
}

func TestBlockedAccountIsForbidden(t *testing.T) {
	env := setupTest(t, Options{})
	env.fund(t, "A", storage.KindUser, "1", "0")
	env.fund(t, "B", storage.KindUser, "0", "0")

	status, payload := env.do(t, http.MethodPost, "/v1/accounts/A/block", "")
	if status != http.StatusOK || !decodeBody[accountResponse](t, payload).Blocked {
		t.Fatalf("block: %d %s", status, payload)
	}
	status, payload = env.do(t, http.MethodPost, "/v1/transfers", `{"fromId":"A","toId":"B","currency":"coin","amount":1}`)
	expectError(t, status, payload, http.StatusForbidden, ledger.KindAccountBlocked)

	status, _ = env.do(t, http.MethodPost, "/v1/accounts/A/unblock", "")
	if status != http.StatusOK {
		t.Fatalf("unblock: %d", status)
	}
	status, payload = env.do(t, http.MethodPost, "/v1/transfers", `{"fromId":"A","toId":"B","currency":"coin","amount":1}`)
	if status != http.StatusOK {
		t.Fatalf("transfer after unblock: %d %s", status, payload)
	}
}

func TestMiningAndHalvingEndpoints(t *testing.T) {
	env := setupTest(t, Options{})
	env.fund(t, "U", storage.KindUser, "0", "0")

	body := `{"userId":"U","amount":"0.99999","requestId":"flush-1"}`
	status, payload := env.do(t, http.MethodPost, "/v1/mining/accruals", body)
	if status != http.StatusOK {
		t.Fatalf("accrue: %d %s", status, payload)
	}
	if !strings.Contains(string(payload), `"halvingStep":0`) {
		t.Fatalf("unexpected accrual %s", payload)
	}

	status, payload = env.do(t, http.MethodPost, "/v1/mining/accruals", body)
	if status != http.StatusOK || !decodeBody[accrualResponse](t, payload).Duplicate {
		t.Fatalf("replayed flush should be flagged duplicate: %d %s", status, payload)
	}

	status, payload = env.do(t, http.MethodPost, "/v1/mining/accruals", `{"userId":"U","amount":"0.5","requestId":"flush-1"}`)
	expectError(t, status, payload, http.StatusConflict, ledger.KindDuplicateAccrual)

	status, payload = env.do(t, http.MethodPost, "/v1/mining/accruals", `{"userId":"U","amount":0.00001}`)
	if status != http.StatusOK || !strings.Contains(string(payload), `"halvingStep":1`) || !strings.Contains(string(payload), `"balance":1.00000`) {
		t.Fatalf("expected step 1 after crossing: %d %s", status, payload)
	}

	status, payload = env.do(t, http.MethodGet, "/v1/halving", "")
	if status != http.StatusOK || !strings.Contains(string(payload), `"totalMined":1.00000`) {
		t.Fatalf("halving: %d %s", status, payload)
	}
}

func TestExchangeEndpoint(t *testing.T) {
	env := setupTest(t, Options{})
	env.fund(t, "U", storage.KindUser, "10", "0")
	if _, err := env.store.InsertRate(context.Background(), storage.RateObservation{
		Rate: decimal.RequireFromString("1.35"), Source: "test", ObservedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert rate: %v", err)
	}

	status, payload := env.do(t, http.MethodPost, "/v1/exchanges", `{"accountId":"U","direction":"coin_to_rub","amount":"4"}`)
	if status != http.StatusOK {
		t.Fatalf("exchange: %d %s", status, payload)
	}
	for _, want := range []string{`"fromBalance":6.00000`, `"toBalance":5.40`, `"rateUsed":1.35`} {
		if !strings.Contains(string(payload), want) {
			t.Fatalf("missing %s in %s", want, payload)
		}
	}

	status, payload = env.do(t, http.MethodPost, "/v1/exchanges", `{"accountId":"U","direction":"coin_to_fiat","amount":"1"}`)
	expectError(t, status, payload, http.StatusTooManyRequests, ledger.KindExchangeCooldown)

	status, payload = env.do(t, http.MethodGet, "/v1/rates?limit=5", "")
	if status != http.StatusOK {
		t.Fatalf("rates: %d %s", status, payload)
	}
	if rates := decodeBody[[]map[string]any](t, payload); len(rates) != 1 {
		t.Fatalf("unexpected rates %s", payload)
	}

	status, payload = env.do(t, http.MethodGet, "/v1/rates?limit=zero", "")
	expectError(t, status, payload, http.StatusBadRequest, ledger.KindInvalidRequest)
}

func TestMerchantPaymentStatus(t *testing.T) {
	env := setupTest(t, Options{})
	env.fund(t, "U", storage.KindUser, "3", "0")
	env.fund(t, "M", storage.KindMerchant, "0", "0")

	status, payload := env.do(t, http.MethodGet, "/v1/merchant-payments/status?merchantId=M&paymentRef=qr-9", "")
	if status != http.StatusOK || decodeBody[paymentStatusResponse](t, payload).Paid {
		t.Fatalf("unpaid ref: %d %s", status, payload)
	}

	body := `{"userId":"U","merchantId":"M","amount":"1.5","purpose":"tea","paymentRef":"qr-9"}`
	status, payload = env.do(t, http.MethodPost, "/v1/merchant-payments", body)
	if status != http.StatusOK || !strings.Contains(string(payload), `"balance":1.50000`) {
		t.Fatalf("pay: %d %s", status, payload)
	}
	status, payload = env.do(t, http.MethodPost, "/v1/merchant-payments", body)
	expectError(t, status, payload, http.StatusConflict, ledger.KindDuplicatePayment)

	status, payload = env.do(t, http.MethodGet, "/v1/merchant-payments/status?merchantId=M&paymentRef=qr-9", "")
	got := decodeBody[paymentStatusResponse](t, payload)
	if status != http.StatusOK || !got.Paid || got.Transaction == nil || got.Transaction.Purpose != "tea" {
		t.Fatalf("paid ref: %d %s", status, payload)
	}
}

func TestStorageFaultIsMasked(t *testing.T) {
	env := setupTest(t, Options{})
	env.fund(t, "A", storage.KindUser, "5", "0")
	env.fund(t, "B", storage.KindUser, "0", "0")

	// Served in-process so the fault hook is set and cleared on the handling goroutine.
	env.store.BeforeCommit = func() error { return errors.New("relation accounts is on fire") }
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/transfers", strings.NewReader(`{"fromId":"A","toId":"B","currency":"coin","amount":1}`))
	env.handler.ServeHTTP(rec, req)
	env.store.BeforeCommit = nil

	status, payload := rec.Code, rec.Body.Bytes()
	expectError(t, status, payload, http.StatusInternalServerError, ledger.KindStorageFault)
	if strings.Contains(string(payload), "fire") {
		t.Fatalf("storage detail leaked: %s", payload)
	}
}

func TestAuthToken(t *testing.T) {
	env := setupTest(t, Options{AuthToken: "s3cret"})
	env.fund(t, "A", storage.KindUser, "0", "0")

	status, _ := env.do(t, http.MethodGet, "/v1/accounts/A", "")
	if status != http.StatusOK {
		t.Fatalf("authorized request failed: %d", status)
	}

	env.token = "wrong"
	status, _ = env.do(t, http.MethodGet, "/v1/accounts/A", "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}

	env.token = ""
	status, _ = env.do(t, http.MethodGet, "/healthz", "")
	if status != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", status)
	}
}

func TestRateLimit(t *testing.T) {
	env := setupTest(t, Options{RateLimitRPS: 0.001, RateLimitBurst: 2})
	env.fund(t, "A", storage.KindUser, "0", "0")

	for i := 0; i < 2; i++ {
		if status, _ := env.do(t, http.MethodGet, "/v1/accounts/A", ""); status != http.StatusOK {
			t.Fatalf("request %d within burst failed: %d", i, status)
		}
	}
	if status, _ := env.do(t, http.MethodGet, "/v1/accounts/A", ""); status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", status)
	}
}

func TestTraceHeaderAndMetrics(t *testing.T) {
	env := setupTest(t, Options{})

	resp, err := env.server.Client().Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get(traceHeader) == "" {
		t.Fatal("trace id header missing")
	}

	status, payload := env.do(t, http.MethodGet, "/metrics", "")
	if status != http.StatusOK || !strings.Contains(string(payload), "tapcoin_http_requests_total") {
		t.Fatalf("metrics exposition missing request counter: %d", status)
	}

	status, payload = env.do(t, http.MethodGet, "/v1/nope", "")
	expectError(t, status, payload, http.StatusNotFound, ledger.KindInvalidRequest)
}
