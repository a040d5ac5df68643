// Package halving derives the global halving step from the cumulative mined supply.
package halving

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/storage"
)

// Step returns floor(totalMined / unit). A non-positive unit is treated as 1.
func Step(totalMined, unit decimal.Decimal) int64 {
	if unit.Sign() <= 0 {
		unit = decimal.NewFromInt(1)
	}
	if totalMined.Sign() <= 0 {
		return 0
	}
	return totalMined.Div(unit).Floor().IntPart()
}

// Tracker owns the single mined-supply row.
type Tracker struct {
	reader storage.HalvingReader
	unit   decimal.Decimal
}

// NewTracker builds a tracker that advances one step per unit of mined coin.
func NewTracker(reader storage.HalvingReader, unit decimal.Decimal) *Tracker {
	if unit.Sign() <= 0 {
		unit = decimal.NewFromInt(1)
	}
	return &Tracker{reader: reader, unit: unit}
}

// StepFunc exposes the derivation used by this tracker.
func (t *Tracker) StepFunc() storage.StepFunc {
	unit := t.unit
	return func(total decimal.Decimal) int64 { return Step(total, unit) }
}

// State returns the committed mined supply and step.
func (t *Tracker) State(ctx context.Context) (storage.HalvingState, error) {
	state, err := t.reader.HalvingState(ctx)
	if err != nil {
		return storage.HalvingState{}, fmt.Errorf("load halving state: %w", err)
	}
	return state, nil
}

// StateIn reads the mined supply and step through the caller's unit.
func (t *Tracker) StateIn(ctx context.Context, tx storage.Tx) (storage.HalvingState, error) {
	state, err := tx.HalvingState(ctx)
	if err != nil {
		return storage.HalvingState{}, fmt.Errorf("load halving state: %w", err)
	}
	return state, nil
}

// CurrentStep returns the committed halving step.
func (t *Tracker) CurrentStep(ctx context.Context) (int64, error) {
	state, err := t.State(ctx)
	if err != nil {
		return 0, err
	}
	return state.HalvingStep, nil
}

// RecordAccrual adds amount to the mined supply inside the caller's unit and
// returns the new state. It is only reached through mining accrual.
func (t *Tracker) RecordAccrual(ctx context.Context, tx storage.Tx, amount decimal.Decimal, now time.Time) (storage.HalvingState, error) {
	if amount.Sign() <= 0 {
		return storage.HalvingState{}, fmt.Errorf("record accrual: amount must be positive")
	}
	state, err := tx.AddMined(ctx, amount, t.StepFunc(), now)
	if err != nil {
		return storage.HalvingState{}, fmt.Errorf("record accrual: %w", err)
	}
	return state, nil
}
