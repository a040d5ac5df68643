package halving

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/storage"
	"tapcoin-ledger/internal/storage/memstore"
)

func TestStep(t *testing.T) {
	one := decimal.NewFromInt(1)
	cases := []struct {
		total string
		unit  decimal.Decimal
		want  int64
	}{
		{"0", one, 0},
		{"0.99999", one, 0},
		{"1.00000", one, 1},
		{"2.5", one, 2},
		{"2499.99999", decimal.NewFromInt(1000), 2},
		{"3", decimal.Zero, 3},
	}
	for _, tc := range cases {
		if got := Step(decimal.RequireFromString(tc.total), tc.unit); got != tc.want {
			t.Fatalf("Step(%s, %s) = %d, want %d", tc.total, tc.unit, got, tc.want)
		}
	}
}

func TestRecordAccrualIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tracker := NewTracker(store, decimal.NewFromInt(1))

	prev := int64(0)
	for i := 0; i < 30; i++ {
		var state storage.HalvingState
		err := store.InTx(ctx, func(tx storage.Tx) error {
			var err error
			state, err = tracker.RecordAccrual(ctx, tx, decimal.RequireFromString("0.33333"), time.Now())
			return err
		})
		if err != nil {
			t.Fatalf("record accrual: %v", err)
		}
		if state.HalvingStep < prev {
			t.Fatalf("step decreased from %d to %d", prev, state.HalvingStep)
		}
		if state.HalvingStep != state.TotalMined.Floor().IntPart() {
			t.Fatalf("step %d does not match floor(%s)", state.HalvingStep, state.TotalMined)
		}
		prev = state.HalvingStep
	}

	step, err := tracker.CurrentStep(ctx)
	if err != nil || step != prev {
		t.Fatalf("current step %d (%v), want %d", step, err, prev)
	}
}

func TestRecordAccrualCrossesStepBoundary(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tracker := NewTracker(store, decimal.NewFromInt(1))

	accrue := func(amount string) storage.HalvingState {
		var state storage.HalvingState
		if err := store.InTx(ctx, func(tx storage.Tx) error {
			var err error
			state, err = tracker.RecordAccrual(ctx, tx, decimal.RequireFromString(amount), time.Now())
			return err
		}); err != nil {
			t.Fatalf("record accrual: %v", err)
		}
		return state
	}

	if s := accrue("0.99999"); s.HalvingStep != 0 {
		t.Fatalf("expected step 0, got %d", s.HalvingStep)
	}
	s := accrue("0.00001")
	if !s.TotalMined.Equal(decimal.RequireFromString("1.00000")) || s.HalvingStep != 1 {
		t.Fatalf("expected total 1.00000 step 1, got %s step %d", s.TotalMined, s.HalvingStep)
	}
}
