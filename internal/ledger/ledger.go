// Package ledger applies transfers, merchant payments, mining accruals and
// exchanges to account balances. Every operation runs as one storage unit: the
// balance changes and the log record it produces commit or roll back together.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/halving"
	"tapcoin-ledger/internal/metrics"
	"tapcoin-ledger/internal/money"
	"tapcoin-ledger/internal/ratefeed"
	"tapcoin-ledger/internal/storage"
)

const maxAccountIDLen = 128

// Options tune ledger rules.
type Options struct {
	// ExchangeCooldown blocks a same-direction exchange this soon after the previous one.
	ExchangeCooldown time.Duration
	// AccrualRetention is how long a mining flush request id is remembered.
	AccrualRetention time.Duration
	// MaxAccrual caps a single flush; zero disables the cap.
	MaxAccrual decimal.Decimal
	// OperationTimeout bounds one unit once it has begun.
	OperationTimeout time.Duration
	// HistoryLimit applies when a history query does not set its own limit; zero means all.
	HistoryLimit int
	Now          func() time.Time
}

// Ledger is the only writer of balances and the halving row.
type Ledger struct {
	store   storage.Backend
	halving *halving.Tracker
	feed    ratefeed.Feed
	metrics *metrics.Metrics
	opts    Options
	logger  zerolog.Logger
}

// New wires the ledger. m may be nil.
func New(opts Options, store storage.Backend, tracker *halving.Tracker, feed ratefeed.Feed, m *metrics.Metrics, logger zerolog.Logger) *Ledger {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	if opts.AccrualRetention <= 0 {
		opts.AccrualRetention = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if tracker == nil {
		tracker = halving.NewTracker(store, decimal.NewFromInt(1))
	}

	return &Ledger{
		store:   store,
		halving: tracker,
		feed:    feed,
		metrics: m,
		opts:    opts,
		logger:  logger.With().Str("component", "ledger").Logger(),
	}
}

// unit runs fn as one atomic unit. The unit ignores caller cancellation once
// started and is bounded by OperationTimeout instead.
func (l *Ledger) unit(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.OperationTimeout)
	defer cancel()

	return l.store.InTx(ctx, func(tx storage.Tx) error {
		return fn(ctx, tx)
	})
}

func (l *Ledger) now() time.Time {
	return l.opts.Now().UTC()
}

// finish records metrics and logs the outcome of op, returning the translated error.
func (l *Ledger) finish(op string, start time.Time, err error, event func(*zerolog.Event) *zerolog.Event) error {
	err = translate(err)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	l.metrics.ObserveOperation(op, outcome, time.Since(start))

	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = l.logger.Info()
	case KindOf(err) == KindStorageFault:
		ev = l.logger.Error().Err(err)
	default:
		ev = l.logger.Warn().Str("kind", outcome)
	}
	if event != nil {
		ev = event(ev)
	}
	ev.Str("op", op).Dur("took", time.Since(start)).Msg(outcomeMessage(op, err))
	return err
}

func outcomeMessage(op string, err error) string {
	if err == nil {
		return op + " committed"
	}
	return op + " rejected"
}

func checkAmount(c money.Currency, amount decimal.Decimal) error {
	if err := money.CheckAmount(c, amount); err != nil {
		return &Error{Kind: KindInvalidAmount, Message: err.Error(), Err: err}
	}
	return nil
}

func checkAccountID(id string) error {
	if strings.TrimSpace(id) == "" {
		return newError(KindInvalidRequest, "account id is required")
	}
	if len(id) > maxAccountIDLen {
		return newError(KindInvalidRequest, "account id longer than %d characters", maxAccountIDLen)
	}
	if strings.IndexFunc(id, invalidIDRune) >= 0 {
		return newError(KindInvalidRequest, "account id may only contain letters, digits and -_.:@")
	}
	return nil
}

// Ids travel as a single URL path segment.
func invalidIDRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return false
	}
	return !strings.ContainsRune("-_.:@", r)
}

// deltas splits a signed amount into the coin and fiat columns.
func deltas(c money.Currency, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if c == money.Fiat {
		return decimal.Zero, amount
	}
	return amount, decimal.Zero
}

func requireActive(acct storage.Account) error {
	if acct.Blocked {
		return newError(KindAccountBlocked, "account %s is blocked", acct.ID)
	}
	return nil
}

func requireFunds(acct storage.Account, c money.Currency, amount decimal.Decimal) error {
	if acct.Balance(c).LessThan(amount) {
		return newError(KindInsufficientFunds, "insufficient %s balance on %s", c, acct.ID)
	}
	return nil
}

// lockErr names the missing account when a lock fails on a missing row.
func lockErr(err error, ids ...string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &Error{Kind: KindAccountNotFound, Message: "account not found: " + strings.Join(ids, ", "), Err: err}
	}
	return err
}

// CreateAccount registers an account with zero balances. An empty id is replaced by a generated one.
func (l *Ledger) CreateAccount(ctx context.Context, id string, kind storage.AccountKind) (acct storage.Account, err error) {
	start := time.Now()
	defer func() {
		err = l.finish("create_account", start, err, func(e *zerolog.Event) *zerolog.Event {
			return e.Str("account", id).Str("kind", string(kind))
		})
	}()

	if id == "" {
		id = uuid.NewString()
	}
	if err := checkAccountID(id); err != nil {
		return storage.Account{}, err
	}
	if !kind.Valid() {
		return storage.Account{}, newError(KindInvalidRequest, "unknown account kind %q", kind)
	}
	return l.store.CreateAccount(ctx, id, kind, l.now())
}

// Account returns the committed state of one account.
func (l *Ledger) Account(ctx context.Context, id string) (storage.Account, error) {
	if err := checkAccountID(id); err != nil {
		return storage.Account{}, err
	}
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return storage.Account{}, translate(err)
	}
	return acct, nil
}

// SetBlocked soft-disables or re-enables an account.
func (l *Ledger) SetBlocked(ctx context.Context, id string, blocked bool) (acct storage.Account, err error) {
	start := time.Now()
	defer func() {
		err = l.finish("set_blocked", start, err, func(e *zerolog.Event) *zerolog.Event {
			return e.Str("account", id).Bool("blocked", blocked)
		})
	}()

	if err := checkAccountID(id); err != nil {
		return storage.Account{}, err
	}
	return l.store.SetBlocked(ctx, id, blocked, l.now())
}

// History lists the records an account took part in, newest first. limit <= 0 uses the configured default.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]storage.TransactionRecord, error) {
	if err := checkAccountID(accountID); err != nil {
		return nil, err
	}
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, translate(err)
	}
	if limit <= 0 {
		limit = l.opts.HistoryLimit
	}
	records, err := l.store.QueryTransactions(ctx, accountID, limit)
	if err != nil {
		return nil, translate(err)
	}
	return records, nil
}

// Halving returns the committed mined supply and halving step.
func (l *Ledger) Halving(ctx context.Context) (storage.HalvingState, error) {
	state, err := l.halving.State(ctx)
	if err != nil {
		return storage.HalvingState{}, translate(err)
	}
	return state, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
