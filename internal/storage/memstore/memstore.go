// Package memstore is an in-process ledger backend used when no database is
// configured and by the ledger tests. Accounts are guarded by per-account
// mutexes taken in ascending id order; every mutation inside a unit is undone
// if the unit fails.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/storage"
)

type entry struct {
	mu   sync.Mutex
	acct storage.Account
}

type tokenKey struct {
	account string
	token   string
}

type token struct {
	amount    decimal.Decimal
	createdAt time.Time
}

// Store keeps all ledger state in memory.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*entry
	records  []storage.TransactionRecord
	tokens   map[tokenKey]token
	rates    []storage.RateObservation

	halvingMu sync.Mutex
	halving   storage.HalvingState

	nextTxID   atomic.Int64
	nextRateID atomic.Int64

	// BeforeCommit, when set, runs after a unit's closure succeeds and before
	// its effects are published. Returning an error rolls the unit back.
	BeforeCommit func() error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*entry),
		tokens:   make(map[tokenKey]token),
		halving:  storage.HalvingState{TotalMined: decimal.Zero},
	}
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.accounts[id]
	return e, ok
}

// CreateAccount registers an account with zero balances.
func (s *Store) CreateAccount(_ context.Context, id string, kind storage.AccountKind, now time.Time) (storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; ok {
		return storage.Account{}, storage.ErrAlreadyExists
	}
	acct := storage.Account{
		ID:          id,
		Kind:        kind,
		CoinBalance: decimal.Zero,
		FiatBalance: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.accounts[id] = &entry{acct: acct}
	return acct, nil
}

// GetAccount waits for any unit holding the account and returns its committed state.
func (s *Store) GetAccount(_ context.Context, id string) (storage.Account, error) {
	e, ok := s.lookup(id)
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct, nil
}

// ListAccounts returns every account sorted by id.
func (s *Store) ListAccounts(_ context.Context) []storage.Account {
	s.mu.RLock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]storage.Account, 0, len(ids))
	for _, id := range ids {
		e, _ := s.lookup(id)
		e.mu.Lock()
		out = append(out, e.acct)
		e.mu.Unlock()
	}
	return out
}

// SetBlocked toggles the soft-disable flag.
func (s *Store) SetBlocked(_ context.Context, id string, blocked bool, now time.Time) (storage.Account, error) {
	e, ok := s.lookup(id)
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acct.Blocked = blocked
	e.acct.UpdatedAt = now
	return e.acct, nil
}

// ApplyDelta applies a single-account delta as its own unit.
func (s *Store) ApplyDelta(ctx context.Context, id string, coinDelta, fiatDelta decimal.Decimal) (storage.Account, error) {
	var out storage.Account
	err := s.InTx(ctx, func(tx storage.Tx) error {
		acct, err := tx.ApplyDelta(ctx, id, coinDelta, fiatDelta)
		if err != nil {
			return err
		}
		out = acct
		return nil
	})
	return out, err
}

// InTx runs fn as one atomic unit.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx := &memTx{store: s, held: make(map[string]*entry)}

	err := fn(tx)
	if err == nil && s.BeforeCommit != nil {
		err = s.BeforeCommit()
	}
	if err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

// QueryTransactions lists records involving the account, newest first. limit <= 0 means all.
func (s *Store) QueryTransactions(_ context.Context, accountID string, limit int) ([]storage.TransactionRecord, error) {
	s.mu.RLock()
	out := make([]storage.TransactionRecord, 0)
	for _, rec := range s.records {
		if rec.Involves(accountID) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindMerchantPayment returns the payment made to the merchant against the reference.
func (s *Store) FindMerchantPayment(_ context.Context, merchantID, paymentRef string) (storage.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if isPayment(rec, merchantID, paymentRef) {
			return rec, nil
		}
	}
	return storage.TransactionRecord{}, storage.ErrNotFound
}

// HalvingState returns the mined-supply row.
func (s *Store) HalvingState(_ context.Context) (storage.HalvingState, error) {
	s.halvingMu.Lock()
	defer s.halvingMu.Unlock()
	return s.halving, nil
}

// PurgeAccrualTokens drops request ids created before olderThan.
func (s *Store) PurgeAccrualTokens(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for key, tok := range s.tokens {
		if tok.createdAt.Before(olderThan) {
			delete(s.tokens, key)
			purged++
		}
	}
	return purged, nil
}

// InsertRate appends a rate observation.
func (s *Store) InsertRate(_ context.Context, obs storage.RateObservation) (storage.RateObservation, error) {
	if obs.Rate.Sign() <= 0 {
		return storage.RateObservation{}, fmt.Errorf("insert rate: rate must be positive")
	}
	obs.ID = s.nextRateID.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates = append(s.rates, obs)
	return obs, nil
}

// LatestRate returns the most recent observation.
func (s *Store) LatestRate(ctx context.Context) (storage.RateObservation, error) {
	recent, err := s.ListRecentRates(ctx, 1)
	if err != nil {
		return storage.RateObservation{}, err
	}
	if len(recent) == 0 {
		return storage.RateObservation{}, storage.ErrNoRate
	}
	return recent[0], nil
}

// ListRecentRates lists observations newest first.
func (s *Store) ListRecentRates(_ context.Context, limit int) ([]storage.RateObservation, error) {
	s.mu.RLock()
	out := make([]storage.RateObservation, len(s.rates))
	copy(out, s.rates)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ObservedAt.After(out[j].ObservedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRatesBetween lists observations in [from, to) oldest first.
func (s *Store) ListRatesBetween(ctx context.Context, from, to time.Time) ([]storage.RateObservation, error) {
	all, err := s.ListRecentRates(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make([]storage.RateObservation, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		obs := all[i]
		if !obs.ObservedAt.Before(from) && obs.ObservedAt.Before(to) {
			out = append(out, obs)
		}
	}
	return out, nil
}

func isPayment(rec storage.TransactionRecord, merchantID, paymentRef string) bool {
	return rec.Kind == storage.TxMerchantPayment &&
		rec.ToAccount != nil && *rec.ToAccount == merchantID &&
		rec.PaymentRef != "" && rec.PaymentRef == paymentRef
}

type memTx struct {
	store        *Store
	held         map[string]*entry
	order        []*entry
	holdsHalving bool
	undo         []func()
	pending      []storage.TransactionRecord
}

func (t *memTx) lock(id string) (*entry, error) {
	if e, ok := t.held[id]; ok {
		return e, nil
	}
	e, ok := t.store.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	e.mu.Lock()
	t.held[id] = e
	t.order = append(t.order, e)
	return e, nil
}

func (t *memTx) LockAccounts(_ context.Context, ids ...string) (map[string]storage.Account, error) {
	unique := storage.SortedUnique(ids)
	for _, id := range unique {
		if _, ok := t.store.lookup(id); !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
	}

	out := make(map[string]storage.Account, len(unique))
	for _, id := range unique {
		e, err := t.lock(id)
		if err != nil {
			return nil, err
		}
		out[id] = e.acct
	}
	return out, nil
}

func (t *memTx) ApplyDelta(_ context.Context, id string, coinDelta, fiatDelta decimal.Decimal) (storage.Account, error) {
	e, err := t.lock(id)
	if err != nil {
		return storage.Account{}, err
	}
	if e.acct.Blocked {
		return storage.Account{}, fmt.Errorf("%w: %s", storage.ErrBlocked, id)
	}

	coin := e.acct.CoinBalance.Add(coinDelta)
	fiat := e.acct.FiatBalance.Add(fiatDelta)
	if coin.Sign() < 0 || fiat.Sign() < 0 {
		return storage.Account{}, fmt.Errorf("%w: %s", storage.ErrInsufficientFunds, id)
	}

	prev := e.acct
	t.undo = append(t.undo, func() { e.acct = prev })
	e.acct.CoinBalance = coin
	e.acct.FiatBalance = fiat
	e.acct.UpdatedAt = time.Now().UTC()
	return e.acct, nil
}

func (t *memTx) MarkExchange(_ context.Context, id string, direction storage.Direction, at time.Time) error {
	e, err := t.lock(id)
	if err != nil {
		return err
	}
	prev := e.acct
	t.undo = append(t.undo, func() { e.acct = prev })
	e.acct.LastExchangeDirection = direction
	stamp := at
	e.acct.LastExchangeAt = &stamp
	return nil
}

func (t *memTx) AppendTransaction(ctx context.Context, rec storage.TransactionRecord) (storage.TransactionRecord, error) {
	if rec.Kind == storage.TxMerchantPayment && rec.PaymentRef != "" && rec.ToAccount != nil {
		exists, err := t.PaymentExists(ctx, *rec.ToAccount, rec.PaymentRef)
		if err != nil {
			return storage.TransactionRecord{}, err
		}
		if exists {
			return storage.TransactionRecord{}, storage.ErrDuplicatePaymentRef
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ID = t.store.nextTxID.Add(1)
	t.pending = append(t.pending, rec)
	return rec, nil
}

func (t *memTx) PaymentExists(ctx context.Context, merchantID, paymentRef string) (bool, error) {
	for _, rec := range t.pending {
		if isPayment(rec, merchantID, paymentRef) {
			return true, nil
		}
	}
	_, err := t.store.FindMerchantPayment(ctx, merchantID, paymentRef)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *memTx) ClaimAccrualToken(_ context.Context, accountID, tok string, amount decimal.Decimal, now time.Time, retention time.Duration) (storage.AccrualClaim, error) {
	s := t.store
	key := tokenKey{account: accountID, token: tok}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.tokens[key]
	if exists && !prev.createdAt.Before(now.Add(-retention)) {
		return storage.AccrualClaim{Claimed: false, Amount: prev.amount}, nil
	}

	s.tokens[key] = token{amount: amount, createdAt: now}
	t.undo = append(t.undo, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if exists {
			s.tokens[key] = prev
		} else {
			delete(s.tokens, key)
		}
	})
	return storage.AccrualClaim{Claimed: true, Amount: amount}, nil
}

func (t *memTx) AddMined(_ context.Context, amount decimal.Decimal, step storage.StepFunc, now time.Time) (storage.HalvingState, error) {
	s := t.store
	if !t.holdsHalving {
		s.halvingMu.Lock()
		t.holdsHalving = true
	}

	prev := s.halving
	t.undo = append(t.undo, func() { s.halving = prev })

	s.halving = storage.AdvanceHalving(prev, amount, step, now)
	return s.halving, nil
}

func (t *memTx) HalvingState(_ context.Context) (storage.HalvingState, error) {
	s := t.store
	if t.holdsHalving {
		return s.halving, nil
	}
	s.halvingMu.Lock()
	defer s.halvingMu.Unlock()
	return s.halving, nil
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.pending = nil
	t.release()
}

func (t *memTx) commit() {
	if len(t.pending) > 0 {
		t.store.mu.Lock()
		t.store.records = append(t.store.records, t.pending...)
		t.store.mu.Unlock()
	}
	t.release()
}

func (t *memTx) release() {
	if t.holdsHalving {
		t.store.halvingMu.Unlock()
		t.holdsHalving = false
	}
	for i := len(t.order) - 1; i >= 0; i-- {
		t.order[i].mu.Unlock()
	}
	t.order = nil
	t.held = make(map[string]*entry)
}

var (
	_ storage.Backend   = (*Store)(nil)
	_ storage.RateStore = (*Store)(nil)
	_ storage.Tx        = (*memTx)(nil)
)
