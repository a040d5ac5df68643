package ratefeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/alerting"
	"tapcoin-ledger/internal/storage/memstore"
)

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return nil
}

type sequenceFetcher struct {
	rates []string
	at    time.Time
	i     int
}

func (s *sequenceFetcher) Fetch(context.Context) (Quote, error) {
	r := s.rates[s.i]
	q := Quote{Rate: decimal.RequireFromString(r), Source: "seq", ObservedAt: s.at.Add(time.Duration(s.i) * time.Minute)}
	s.i++
	return q, nil
}

type lockedStore struct {
	*memstore.Store
}

func (lockedStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func TestPollerAlertsOnLargeMove(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	notifier := &captureNotifier{}
	fetcher := &sequenceFetcher{rates: []string{"1.00", "1.02", "1.20", "0.90"}, at: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	p := NewPoller(PollerOptions{
		AlertsEnabled:    true,
		MoveThresholdPct: decimal.NewFromInt(5),
		AlertCooldown:    time.Hour,
	}, nil, fetcher, store, notifier, nil, zerolog.Nop())

	for range fetcher.rates {
		if _, err := p.Poll(ctx); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}

	if len(notifier.notes) != 1 {
		t.Fatalf("expected exactly one alert (second suppressed by cooldown), got %d", len(notifier.notes))
	}
	note := notifier.notes[0]
	if note.Direction != "up" || !note.CurrentRate.Equal(decimal.RequireFromString("1.20")) {
		t.Fatalf("unexpected alert %+v", note)
	}

	latest, err := store.LatestRate(ctx)
	if err != nil || !latest.Rate.Equal(decimal.RequireFromString("0.90")) {
		t.Fatalf("unexpected latest %+v %v", latest, err)
	}
}

func TestPollerSkipsWhenLockHeldElsewhere(t *testing.T) {
	store := lockedStore{memstore.New()}
	fetcher := &sequenceFetcher{rates: []string{"1.00"}, at: time.Now()}
	p := NewPoller(PollerOptions{LockKey: 7}, nil, fetcher, store, nil, nil, zerolog.Nop())

	obs, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if obs.ID != 0 || fetcher.i != 0 {
		t.Fatal("poll should skip without fetching")
	}
}

func TestPollerTruncatesUpstreamQuote(t *testing.T) {
	store := memstore.New()
	fetcher := &sequenceFetcher{rates: []string{"1.234567891234"}, at: time.Now()}
	p := NewPoller(PollerOptions{}, nil, fetcher, store, nil, nil, zerolog.Nop())

	obs, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !obs.Rate.Equal(decimal.RequireFromString("1.23456789")) {
		t.Fatalf("expected quote truncated to stored precision, got %s", obs.Rate)
	}
	latest, err := store.LatestRate(context.Background())
	if err != nil || !latest.Rate.Equal(obs.Rate) {
		t.Fatalf("stored rate %v differs from returned %s (%v)", latest.Rate, obs.Rate, err)
	}
}

func TestMovePct(t *testing.T) {
	got := MovePct(decimal.RequireFromString("2"), decimal.RequireFromString("2.5"))
	if !got.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("unexpected move %s", got)
	}
	if !MovePct(decimal.Zero, decimal.NewFromInt(1)).IsZero() {
		t.Fatal("zero previous should yield zero move")
	}
}
