package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/config"
	"tapcoin-ledger/internal/halving"
	"tapcoin-ledger/internal/ledger"
	"tapcoin-ledger/internal/money"
	"tapcoin-ledger/internal/ratefeed"
	"tapcoin-ledger/internal/storage"
)

// openTestStore connects to DATABASE_URL, applies migrations and empties every table.
func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	return openTestStoreWithConns(t, 16)
}

func openTestStoreWithConns(t *testing.T, maxConns int) *storage.Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := storage.NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: maxConns, PingOnStart: true})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	store := storage.NewStore(pool)
	t.Cleanup(store.Close)

	if _, err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE accrual_tokens, transactions, halving_state, rate_observations, accounts RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func newTestLedger(store *storage.Store) *ledger.Ledger {
	return ledger.New(ledger.Options{
		ExchangeCooldown: 5 * time.Second,
		AccrualRetention: time.Hour,
		OperationTimeout: 5 * time.Second,
	}, store, halving.NewTracker(store, decimal.NewFromInt(1)), ratefeed.NewStoreFeed(store, 0), nil, zerolog.Nop())
}

func TestPostgresConcurrentTransfers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	l := newTestLedger(store)

	for _, id := range []string{"X", "Y"} {
		if _, err := l.CreateAccount(ctx, id, storage.KindUser); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.ApplyDelta(ctx, "X", decimal.RequireFromString("1"), decimal.Zero); err != nil {
		t.Fatalf("fund: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Transfer(ctx, ledger.TransferRequest{From: "X", To: "Y", Currency: money.Coin, Amount: decimal.RequireFromString("0.3")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case ledger.KindOf(err) == ledger.KindInsufficientFunds:
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 || insufficient != 7 {
		t.Fatalf("expected 3 successes and 7 rejections, got %d and %d", succeeded, insufficient)
	}

	x, _ := store.GetAccount(ctx, "X")
	y, _ := store.GetAccount(ctx, "Y")
	if !x.CoinBalance.Equal(decimal.RequireFromString("0.1")) || !y.CoinBalance.Equal(decimal.RequireFromString("0.9")) {
		t.Fatalf("unexpected balances X=%s Y=%s", x.CoinBalance, y.CoinBalance)
	}

	records, err := store.QueryTransactions(ctx, "X", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 transfer records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].ID <= records[i].ID {
			t.Fatalf("history not newest first: %d then %d", records[i-1].ID, records[i].ID)
		}
	}
}

func TestPostgresAccrualAndExchange(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	l := newTestLedger(store)

	if _, err := l.CreateAccount(ctx, "U", storage.KindUser); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		res, err := l.AccrueMining(ctx, ledger.AccrualRequest{Account: "U", Amount: decimal.RequireFromString("2.5"), RequestID: "flush-1"})
		if err != nil {
			t.Fatalf("accrue: %v", err)
		}
		if res.Duplicate != (i == 1) {
			t.Fatalf("attempt %d: duplicate=%t", i, res.Duplicate)
		}
	}
	state, err := store.HalvingState(ctx)
	if err != nil {
		t.Fatalf("halving state: %v", err)
	}
	if !state.TotalMined.Equal(decimal.RequireFromString("2.5")) || state.HalvingStep != 2 {
		t.Fatalf("unexpected halving state %+v", state)
	}

	if _, err := ratefeed.NewRecorder(store, nil, zerolog.Nop()).Record(ctx, decimal.RequireFromString("1.35"), "test", time.Now()); err != nil {
		t.Fatalf("record rate: %v", err)
	}
	res, err := l.Exchange(ctx, ledger.ExchangeRequest{Account: "U", Direction: storage.CoinToFiat, Amount: decimal.RequireFromString("2")})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !res.Credited.Equal(decimal.RequireFromString("2.7")) {
		t.Fatalf("expected 2.70 fiat, got %s", res.Credited)
	}

	acct, _ := store.GetAccount(ctx, "U")
	if !acct.CoinBalance.Equal(decimal.RequireFromString("0.5")) || acct.LastExchangeDirection != storage.CoinToFiat {
		t.Fatalf("unexpected account state %+v", acct)
	}
}

func TestPostgresReplayedFlushesDoNotExhaustPool(t *testing.T) {
	const conns = 3
	const accounts = 4 * conns

	store := openTestStoreWithConns(t, conns)
	ctx := context.Background()
	l := newTestLedger(store)

	for i := 0; i < accounts; i++ {
		id := fmt.Sprintf("M%02d", i)
		if _, err := l.CreateAccount(ctx, id, storage.KindUser); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if _, err := l.AccrueMining(ctx, ledger.AccrualRequest{Account: id, Amount: decimal.RequireFromString("0.1"), RequestID: "flush-" + id}); err != nil {
			t.Fatalf("first flush %s: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, accounts)
	for i := 0; i < accounts; i++ {
		id := fmt.Sprintf("M%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.AccrueMining(ctx, ledger.AccrualRequest{Account: id, Amount: decimal.RequireFromString("0.1"), RequestID: "flush-" + id})
			if err != nil {
				errs <- fmt.Errorf("%s: %w", id, err)
				return
			}
			if !res.Duplicate {
				errs <- fmt.Errorf("%s: replay credited again", id)
				return
			}
			if !res.TotalMined.Equal(decimal.RequireFromString("1.2")) {
				errs <- fmt.Errorf("%s: unexpected mined supply %s", id, res.TotalMined)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestPostgresMigrateIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	applied, err := store.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("schema already current, yet applied %v", applied)
	}
}
