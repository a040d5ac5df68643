package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/money"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the account (or record) does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates an account id is taken.
	ErrAlreadyExists = errors.New("storage: account already exists")
	// ErrInsufficientFunds indicates a delta would drive a balance negative.
	ErrInsufficientFunds = errors.New("storage: insufficient funds")
	// ErrBlocked indicates the account rejects mutations.
	ErrBlocked = errors.New("storage: account blocked")
	// ErrDuplicatePaymentRef indicates a merchant payment reference was already used.
	ErrDuplicatePaymentRef = errors.New("storage: payment reference already used")
	// ErrNoRate indicates no rate observation has been recorded.
	ErrNoRate = errors.New("storage: no rate observation")
)

const (
	accountColumns = `id, kind, coin_balance, fiat_balance, blocked,
        last_exchange_direction, last_exchange_at, created_at, updated_at`

	transactionColumns = `id, kind, from_account, to_account, currency, amount,
        direction, counter_amount, purpose, payment_ref, created_at`

	insertAccountSQL = `INSERT INTO accounts (id, kind, created_at, updated_at)
    VALUES ($1, $2, $3, $3)
    RETURNING ` + accountColumns + `;`

	getAccountSQL = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1;`

	setBlockedSQL = `UPDATE accounts SET blocked = $2, updated_at = $3
    WHERE id = $1
    RETURNING ` + accountColumns + `;`

	listTransactionsSQL = `SELECT ` + transactionColumns + `
    FROM transactions
    WHERE from_account = $1 OR to_account = $1
    ORDER BY id DESC
    LIMIT NULLIF($2::int, 0);`

	findMerchantPaymentSQL = `SELECT ` + transactionColumns + `
    FROM transactions
    WHERE kind = 'merchant_payment' AND to_account = $1 AND payment_ref = $2;`

	getHalvingSQL = `SELECT total_mined, halving_step, updated_at FROM halving_state WHERE id = 1;`

	insertRateSQL = `INSERT INTO rate_observations (rate, source, observed_at)
    VALUES ($1, $2, $3)
    RETURNING id;`

	latestRateSQL = `SELECT id, rate, source, observed_at
    FROM rate_observations
    ORDER BY observed_at DESC, id DESC
    LIMIT 1;`

	listRecentRatesSQL = `SELECT id, rate, source, observed_at
    FROM rate_observations
    ORDER BY observed_at DESC, id DESC
    LIMIT $1;`

	listRatesBetweenSQL = `SELECT id, rate, source, observed_at
    FROM rate_observations
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at, id;`

	purgeAccrualTokensSQL = `DELETE FROM accrual_tokens WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// StepFunc derives the halving step from the cumulative mined supply.
type StepFunc func(totalMined decimal.Decimal) int64

// Tx is one atomic unit. Every mutation made through it commits or rolls back together.
type Tx interface {
	// LockAccounts locks the given accounts in ascending id order and returns their state.
	// A missing account yields ErrNotFound.
	LockAccounts(ctx context.Context, ids ...string) (map[string]Account, error)
	ApplyDelta(ctx context.Context, id string, coinDelta, fiatDelta decimal.Decimal) (Account, error)
	MarkExchange(ctx context.Context, id string, direction Direction, at time.Time) error
	AppendTransaction(ctx context.Context, rec TransactionRecord) (TransactionRecord, error)
	PaymentExists(ctx context.Context, merchantID, paymentRef string) (bool, error)
	ClaimAccrualToken(ctx context.Context, accountID, token string, amount decimal.Decimal, now time.Time, retention time.Duration) (AccrualClaim, error)
	AddMined(ctx context.Context, amount decimal.Decimal, step StepFunc, now time.Time) (HalvingState, error)
	// HalvingState reads the mined-supply row on the unit's own connection without locking it.
	HalvingState(ctx context.Context) (HalvingState, error)
}

// AccountStore is the durable account-to-balance mapping.
type AccountStore interface {
	CreateAccount(ctx context.Context, id string, kind AccountKind, now time.Time) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	SetBlocked(ctx context.Context, id string, blocked bool, now time.Time) (Account, error)
	ApplyDelta(ctx context.Context, id string, coinDelta, fiatDelta decimal.Decimal) (Account, error)
}

// TransactionLog is the read side of the append-only record of completed operations.
type TransactionLog interface {
	QueryTransactions(ctx context.Context, accountID string, limit int) ([]TransactionRecord, error)
	FindMerchantPayment(ctx context.Context, merchantID, paymentRef string) (TransactionRecord, error)
}

// HalvingReader exposes the global mined-supply row.
type HalvingReader interface {
	HalvingState(ctx context.Context) (HalvingState, error)
}

// RateStore persists rate observations.
type RateStore interface {
	InsertRate(ctx context.Context, obs RateObservation) (RateObservation, error)
	LatestRate(ctx context.Context) (RateObservation, error)
	ListRecentRates(ctx context.Context, limit int) ([]RateObservation, error)
	ListRatesBetween(ctx context.Context, from, to time.Time) ([]RateObservation, error)
}

// Backend is everything the ledger core needs from persistence.
type Backend interface {
	AccountStore
	TransactionLog
	HalvingReader
	InTx(ctx context.Context, fn func(tx Tx) error) error
	PurgeAccrualTokens(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of Backend and RateStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Migrate applies pending embedded migrations through the store's pool.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return Migrate(ctx, pool)
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InTx runs fn inside a single database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateAccount inserts an account with zero balances.
func (s *Store) CreateAccount(ctx context.Context, id string, kind AccountKind, now time.Time) (Account, error) {
	pool, err := s.getPool()
	if err != nil {
		return Account{}, err
	}

	acct, err := scanAccount(pool.QueryRow(ctx, insertAccountSQL, id, string(kind), now))
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrAlreadyExists
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

// GetAccount loads one account.
func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	pool, err := s.getPool()
	if err != nil {
		return Account{}, err
	}

	acct, err := scanAccount(pool.QueryRow(ctx, getAccountSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

// SetBlocked toggles the soft-disable flag.
func (s *Store) SetBlocked(ctx context.Context, id string, blocked bool, now time.Time) (Account, error) {
	pool, err := s.getPool()
	if err != nil {
		return Account{}, err
	}

	acct, err := scanAccount(pool.QueryRow(ctx, setBlockedSQL, id, blocked, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("set blocked: %w", err)
	}
	return acct, nil
}

// ApplyDelta applies a single-account delta in its own transaction.
func (s *Store) ApplyDelta(ctx context.Context, id string, coinDelta, fiatDelta decimal.Decimal) (Account, error) {
	var out Account
	err := s.InTx(ctx, func(tx Tx) error {
		acct, err := tx.ApplyDelta(ctx, id, coinDelta, fiatDelta)
		if err != nil {
			return err
		}
		out = acct
		return nil
	})
	return out, err
}

// QueryTransactions lists records involving the account, newest first. limit <= 0 means all.
func (s *Store) QueryTransactions(ctx context.Context, accountID string, limit int) ([]TransactionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		limit = 0
	}

	rows, queryErr := pool.Query(ctx, listTransactionsSQL, accountID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list transactions: %w", queryErr)
	}
	defer rows.Close()

	records := make([]TransactionRecord, 0)
	for rows.Next() {
		rec, scanErr := scanTransaction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// FindMerchantPayment returns the merchant payment made against a reference.
func (s *Store) FindMerchantPayment(ctx context.Context, merchantID, paymentRef string) (TransactionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return TransactionRecord{}, err
	}

	rec, err := scanTransaction(pool.QueryRow(ctx, findMerchantPaymentSQL, merchantID, paymentRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TransactionRecord{}, ErrNotFound
		}
		return TransactionRecord{}, fmt.Errorf("find merchant payment: %w", err)
	}
	return rec, nil
}

// HalvingState returns the mined-supply row, or the zero state before the first accrual.
func (s *Store) HalvingState(ctx context.Context) (HalvingState, error) {
	pool, err := s.getPool()
	if err != nil {
		return HalvingState{}, err
	}

	return scanHalving(pool.QueryRow(ctx, getHalvingSQL))
}

func scanHalving(row pgx.Row) (HalvingState, error) {
	var totalStr string
	var state HalvingState
	if err := row.Scan(&totalStr, &state.HalvingStep, &state.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return HalvingState{TotalMined: decimal.Zero}, nil
		}
		return HalvingState{}, fmt.Errorf("get halving state: %w", err)
	}

	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return HalvingState{}, fmt.Errorf("parse total mined: %w", err)
	}
	state.TotalMined = total
	return state, nil
}

// PurgeAccrualTokens drops flush request ids older than the retention cutoff.
func (s *Store) PurgeAccrualTokens(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, purgeAccrualTokensSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("purge accrual tokens: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertRate appends a rate observation.
func (s *Store) InsertRate(ctx context.Context, obs RateObservation) (RateObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return RateObservation{}, err
	}

	if err := pool.QueryRow(ctx, insertRateSQL, obs.Rate.String(), obs.Source, obs.ObservedAt).Scan(&obs.ID); err != nil {
		return RateObservation{}, fmt.Errorf("insert rate: %w", err)
	}
	return obs, nil
}

// LatestRate returns the most recent observation.
func (s *Store) LatestRate(ctx context.Context) (RateObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return RateObservation{}, err
	}

	obs, err := scanRate(pool.QueryRow(ctx, latestRateSQL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RateObservation{}, ErrNoRate
		}
		return RateObservation{}, fmt.Errorf("latest rate: %w", err)
	}
	return obs, nil
}

// ListRecentRates lists observations newest first.
func (s *Store) ListRecentRates(ctx context.Context, limit int) ([]RateObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRatesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent rates: %w", queryErr)
	}
	return collectRates(rows, limit)
}

// ListRatesBetween lists observations in [from, to) oldest first.
func (s *Store) ListRatesBetween(ctx context.Context, from, to time.Time) ([]RateObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRatesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list rates between: %w", queryErr)
	}
	return collectRates(rows, 0)
}

func collectRates(rows pgx.Rows, capacity int) ([]RateObservation, error) {
	defer rows.Close()

	if capacity < 0 {
		capacity = 0
	}
	out := make([]RateObservation, 0, capacity)
	for rows.Next() {
		obs, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acct      Account
		kind      string
		coinStr   string
		fiatStr   string
		direction sql.NullString
		lastAt    sql.NullTime
	)

	if err := row.Scan(
		&acct.ID,
		&kind,
		&coinStr,
		&fiatStr,
		&acct.Blocked,
		&direction,
		&lastAt,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	); err != nil {
		return Account{}, err
	}

	coin, err := decimal.NewFromString(coinStr)
	if err != nil {
		return Account{}, fmt.Errorf("parse coin balance: %w", err)
	}
	fiat, err := decimal.NewFromString(fiatStr)
	if err != nil {
		return Account{}, fmt.Errorf("parse fiat balance: %w", err)
	}

	acct.Kind = AccountKind(kind)
	acct.CoinBalance = coin
	acct.FiatBalance = fiat
	if direction.Valid {
		acct.LastExchangeDirection = Direction(direction.String)
	}
	if lastAt.Valid {
		at := lastAt.Time
		acct.LastExchangeAt = &at
	}
	return acct, nil
}

func scanTransaction(row pgx.Row) (TransactionRecord, error) {
	var (
		rec        TransactionRecord
		kind       string
		from       sql.NullString
		to         sql.NullString
		currency   string
		amountStr  string
		direction  sql.NullString
		counterStr sql.NullString
		paymentRef sql.NullString
	)

	if err := row.Scan(
		&rec.ID,
		&kind,
		&from,
		&to,
		&currency,
		&amountStr,
		&direction,
		&counterStr,
		&rec.Purpose,
		&paymentRef,
		&rec.CreatedAt,
	); err != nil {
		return TransactionRecord{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return TransactionRecord{}, fmt.Errorf("parse amount: %w", err)
	}

	rec.Kind = TxKind(kind)
	rec.Currency = money.Currency(currency)
	rec.Amount = amount
	if from.Valid {
		v := from.String
		rec.FromAccount = &v
	}
	if to.Valid {
		v := to.String
		rec.ToAccount = &v
	}
	if direction.Valid {
		rec.Direction = Direction(direction.String)
	}
	if counterStr.Valid {
		counter, convErr := decimal.NewFromString(counterStr.String)
		if convErr != nil {
			return TransactionRecord{}, fmt.Errorf("parse counter amount: %w", convErr)
		}
		rec.CounterAmount = counter
	}
	if paymentRef.Valid {
		rec.PaymentRef = paymentRef.String
	}
	return rec, nil
}

func scanRate(row pgx.Row) (RateObservation, error) {
	var obs RateObservation
	var rateStr string
	if err := row.Scan(&obs.ID, &rateStr, &obs.Source, &obs.ObservedAt); err != nil {
		return RateObservation{}, err
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return RateObservation{}, fmt.Errorf("parse rate: %w", err)
	}
	obs.Rate = rate
	return obs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23514"
}

var (
	_ Backend        = (*Store)(nil)
	_ RateStore      = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
