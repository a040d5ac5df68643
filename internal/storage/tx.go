package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	lockAccountsSQL = `SELECT ` + accountColumns + `
    FROM accounts
    WHERE id = ANY($1)
    ORDER BY id
    FOR UPDATE;`

	applyDeltaSQL = `UPDATE accounts
    SET coin_balance = coin_balance + $2::numeric,
        fiat_balance = fiat_balance + $3::numeric,
        updated_at = now()
    WHERE id = $1
      AND NOT blocked
      AND coin_balance + $2::numeric >= 0
      AND fiat_balance + $3::numeric >= 0
    RETURNING ` + accountColumns + `;`

	diagnoseDeltaSQL = `SELECT blocked FROM accounts WHERE id = $1;`

	markExchangeSQL = `UPDATE accounts
    SET last_exchange_direction = $2, last_exchange_at = $3
    WHERE id = $1;`

	appendTransactionSQL = `INSERT INTO transactions (
        kind, from_account, to_account, currency, amount,
        direction, counter_amount, purpose, payment_ref, created_at
    ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    RETURNING id;`

	paymentExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM transactions
        WHERE kind = 'merchant_payment' AND to_account = $1 AND payment_ref = $2
    );`

	claimAccrualTokenSQL = `INSERT INTO accrual_tokens (account_id, token, amount, created_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (account_id, token) DO UPDATE
    SET amount = EXCLUDED.amount, created_at = EXCLUDED.created_at
    WHERE accrual_tokens.created_at < $5
    RETURNING amount;`

	getAccrualTokenSQL = `SELECT amount FROM accrual_tokens WHERE account_id = $1 AND token = $2;`

	ensureHalvingSQL = `INSERT INTO halving_state (id, total_mined, halving_step, updated_at)
    VALUES (1, 0, 0, $1)
    ON CONFLICT (id) DO NOTHING;`

	lockHalvingSQL = `SELECT total_mined, halving_step FROM halving_state WHERE id = 1 FOR UPDATE;`

	updateHalvingSQL = `UPDATE halving_state
    SET total_mined = $1, halving_step = $2, updated_at = $3
    WHERE id = 1;`
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccounts(ctx context.Context, ids ...string) (map[string]Account, error) {
	unique := SortedUnique(ids)

	rows, err := t.tx.Query(ctx, lockAccountsSQL, unique)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Account, len(unique))
	for rows.Next() {
		acct, scanErr := scanAccount(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out[acct.ID] = acct
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("lock accounts: %w", rows.Err())
	}

	for _, id := range unique {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	return out, nil
}

func (t *pgTx) ApplyDelta(ctx context.Context, id string, coinDelta, fiatDelta decimal.Decimal) (Account, error) {
	acct, err := scanAccount(t.tx.QueryRow(ctx, applyDeltaSQL, id, coinDelta.String(), fiatDelta.String()))
	if err == nil {
		return acct, nil
	}
	if isCheckViolation(err) {
		return Account{}, ErrInsufficientFunds
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("apply delta: %w", err)
	}

	// The conditional update matched nothing; find out which guard rejected it.
	var blocked bool
	if diagErr := t.tx.QueryRow(ctx, diagnoseDeltaSQL, id).Scan(&blocked); diagErr != nil {
		if errors.Is(diagErr, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Account{}, fmt.Errorf("diagnose delta: %w", diagErr)
	}
	if blocked {
		return Account{}, fmt.Errorf("%w: %s", ErrBlocked, id)
	}
	return Account{}, fmt.Errorf("%w: %s", ErrInsufficientFunds, id)
}

func (t *pgTx) MarkExchange(ctx context.Context, id string, direction Direction, at time.Time) error {
	tag, err := t.tx.Exec(ctx, markExchangeSQL, id, string(direction), at)
	if err != nil {
		return fmt.Errorf("mark exchange: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, rec TransactionRecord) (TransactionRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var direction, counter, paymentRef *string
	if rec.Direction != "" {
		v := string(rec.Direction)
		direction = &v
	}
	if rec.Kind == TxExchange {
		v := rec.CounterAmount.String()
		counter = &v
	}
	if rec.PaymentRef != "" {
		v := rec.PaymentRef
		paymentRef = &v
	}

	err := t.tx.QueryRow(ctx, appendTransactionSQL,
		string(rec.Kind),
		rec.FromAccount,
		rec.ToAccount,
		string(rec.Currency),
		rec.Amount.String(),
		direction,
		counter,
		rec.Purpose,
		paymentRef,
		rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return TransactionRecord{}, ErrDuplicatePaymentRef
		}
		return TransactionRecord{}, fmt.Errorf("append transaction: %w", err)
	}
	return rec, nil
}

func (t *pgTx) PaymentExists(ctx context.Context, merchantID, paymentRef string) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx, paymentExistsSQL, merchantID, paymentRef).Scan(&exists); err != nil {
		return false, fmt.Errorf("payment exists: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ClaimAccrualToken(ctx context.Context, accountID, token string, amount decimal.Decimal, now time.Time, retention time.Duration) (AccrualClaim, error) {
	cutoff := now.Add(-retention)

	var amountStr string
	err := t.tx.QueryRow(ctx, claimAccrualTokenSQL, accountID, token, amount.String(), now, cutoff).Scan(&amountStr)
	if err == nil {
		return AccrualClaim{Claimed: true, Amount: amount}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AccrualClaim{}, fmt.Errorf("claim accrual token: %w", err)
	}

	if err := t.tx.QueryRow(ctx, getAccrualTokenSQL, accountID, token).Scan(&amountStr); err != nil {
		return AccrualClaim{}, fmt.Errorf("load accrual token: %w", err)
	}
	prior, err := decimal.NewFromString(amountStr)
	if err != nil {
		return AccrualClaim{}, fmt.Errorf("parse accrual token amount: %w", err)
	}
	return AccrualClaim{Claimed: false, Amount: prior}, nil
}

func (t *pgTx) AddMined(ctx context.Context, amount decimal.Decimal, step StepFunc, now time.Time) (HalvingState, error) {
	if _, err := t.tx.Exec(ctx, ensureHalvingSQL, now); err != nil {
		return HalvingState{}, fmt.Errorf("ensure halving row: %w", err)
	}

	var totalStr string
	var prevStep int64
	if err := t.tx.QueryRow(ctx, lockHalvingSQL).Scan(&totalStr, &prevStep); err != nil {
		return HalvingState{}, fmt.Errorf("lock halving row: %w", err)
	}
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return HalvingState{}, fmt.Errorf("parse total mined: %w", err)
	}

	next := AdvanceHalving(HalvingState{TotalMined: total, HalvingStep: prevStep}, amount, step, now)
	if _, err := t.tx.Exec(ctx, updateHalvingSQL, next.TotalMined.String(), next.HalvingStep, now); err != nil {
		return HalvingState{}, fmt.Errorf("update halving row: %w", err)
	}
	return next, nil
}

func (t *pgTx) HalvingState(ctx context.Context) (HalvingState, error) {
	return scanHalving(t.tx.QueryRow(ctx, getHalvingSQL))
}

// AdvanceHalving adds amount to the mined supply and derives the new step.
// The step never decreases, even if the derivation function would.
func AdvanceHalving(prev HalvingState, amount decimal.Decimal, step StepFunc, now time.Time) HalvingState {
	total := prev.TotalMined.Add(amount)
	next := step(total)
	if next < prev.HalvingStep {
		next = prev.HalvingStep
	}
	return HalvingState{TotalMined: total, HalvingStep: next, UpdatedAt: now}
}

// SortedUnique returns ids deduplicated in ascending lock order.
func SortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var _ Tx = (*pgTx)(nil)
