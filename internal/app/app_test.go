package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/config"
	"tapcoin-ledger/internal/money"
	"tapcoin-ledger/internal/storage"
)

func testApp(cfg *config.Config, logOut *bytes.Buffer) (*App, *bytes.Buffer) {
	out := &bytes.Buffer{}
	logger := zerolog.Nop()
	if logOut != nil {
		logger = zerolog.New(logOut)
	}
	a := NewApp(cfg, logger)
	a.Out = out
	return a, out
}

func observations(rates ...string) []storage.RateObservation {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.RateObservation, len(rates))
	for i, r := range rates {
		out[i] = storage.RateObservation{
			ID:         int64(i + 1),
			Rate:       decimal.RequireFromString(r),
			Source:     "test",
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestDownsampleRatesKeepsEndpoints(t *testing.T) {
	in := observations("1", "2", "3", "4", "5", "6", "7", "8", "9", "10")

	out := downsampleRates(in, 4)
	if len(out) != 4 {
		t.Fatalf("expected 4 points, got %d", len(out))
	}
	if out[0].ID != 1 || out[3].ID != 10 {
		t.Fatalf("endpoints not preserved: first=%d last=%d", out[0].ID, out[3].ID)
	}
	if got := downsampleRates(in, 20); len(got) != len(in) {
		t.Fatal("short series must not be resampled")
	}
	if got := downsampleRates(in, 1); len(got) != 1 || got[0].ID != 10 {
		t.Fatalf("single point should be the latest, got %+v", got)
	}
}

func TestWriteRatesCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRatesCSV(&buf, observations("1.00", "1.10")); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", buf.String())
	}
	if lines[0] != "observed_at,rate,move_pct,source" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasSuffix(lines[2], ",1.1,10.000,test") {
		t.Fatalf("unexpected second row %q", lines[2])
	}
}

func TestWriteHistory(t *testing.T) {
	from, to := "A", "B"
	records := []storage.TransactionRecord{
		{ID: 2, Kind: storage.TxExchange, FromAccount: &from, Currency: money.Coin, Amount: decimal.RequireFromString("4"),
			Direction: storage.CoinToFiat, CounterAmount: decimal.RequireFromString("5.4")},
		{ID: 1, Kind: storage.TxTransfer, FromAccount: &from, ToAccount: &to, Currency: money.Coin, Amount: decimal.RequireFromString("1")},
	}

	var buf bytes.Buffer
	if err := writeHistory(&buf, records); err != nil {
		t.Fatalf("write history: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "coin_to_fiat -> 5.40 fiat") || !strings.Contains(out, "4.00000") {
		t.Fatalf("exchange row not rendered: %s", out)
	}

	buf.Reset()
	_ = writeHistory(&buf, nil)
	if !strings.Contains(buf.String(), "no transactions found") {
		t.Fatalf("empty history message missing: %q", buf.String())
	}
}

func TestAdminCommandsRequireDatabase(t *testing.T) {
	a, _ := testApp(&config.Config{}, nil)
	if err := a.CreateAccount(context.Background(), "A", storage.KindUser); !errors.Is(err, errNoDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
	if _, err := a.Migrate(context.Background()); !errors.Is(err, errNoDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestSimulateRateAlertDispatches(t *testing.T) {
	cfg := &config.Config{}
	cfg.Alerting.Enabled = true
	cfg.Alerting.MoveThresholdPct = 5
	cfg.Scheduler.Interval = time.Minute

	var logs bytes.Buffer
	a, out := testApp(cfg, &logs)
	err := a.SimulateRateAlert(context.Background(), decimal.RequireFromString("1.00"), decimal.RequireFromString("1.20"))
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !strings.Contains(logs.String(), `"message":"rate alert"`) {
		t.Fatalf("expected alert log line, got %s", logs.String())
	}
	if !strings.Contains(out.String(), "20.000%") {
		t.Fatalf("unexpected output %q", out.String())
	}

	cfg.Alerting.Enabled = false
	if err := a.SimulateRateAlert(context.Background(), decimal.NewFromInt(1), decimal.NewFromInt(2)); err == nil {
		t.Fatal("disabled alerting must be reported")
	}
}

func TestNewFetcherSelection(t *testing.T) {
	cfg := &config.Config{}
	a, _ := testApp(cfg, nil)

	cfg.RateFeed.Source = "static"
	if a.newFetcher() != nil {
		t.Fatal("static source without a rate should yield no fetcher")
	}
	cfg.RateFeed.StaticRate = decimal.RequireFromString("1.35")
	if a.newFetcher() == nil {
		t.Fatal("static source with a rate should yield a fetcher")
	}
	cfg.RateFeed.Source = "http"
	cfg.RateFeed.HTTP.URL = "http://127.0.0.1:1/quote"
	if a.newFetcher() == nil {
		t.Fatal("http source should yield a fetcher")
	}
}
