package app

import (
	"context"
	"fmt"

	"tapcoin-ledger/internal/ledger"
	"tapcoin-ledger/internal/storage"
)

// withLedger opens the configured database and runs fn against a ledger bound to it.
func (a *App) withLedger(ctx context.Context, fn func(l *ledger.Ledger, st *stores) error) error {
	st, err := a.openStores(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	l, _ := a.newLedger(st, nil)
	return fn(l, st)
}

// CreateAccount registers a user or merchant account and prints it.
func (a *App) CreateAccount(ctx context.Context, id string, kind storage.AccountKind) error {
	return a.withLedger(ctx, func(l *ledger.Ledger, _ *stores) error {
		acct, err := l.CreateAccount(ctx, id, kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "created %s account %s\n", acct.Kind, acct.ID)
		return nil
	})
}

// SetBlocked blocks or unblocks an account.
func (a *App) SetBlocked(ctx context.Context, id string, blocked bool) error {
	return a.withLedger(ctx, func(l *ledger.Ledger, _ *stores) error {
		acct, err := l.SetBlocked(ctx, id, blocked)
		if err != nil {
			return err
		}
		state := "unblocked"
		if acct.Blocked {
			state = "blocked"
		}
		fmt.Fprintf(a.Out, "account %s %s\n", acct.ID, state)
		return nil
	})
}
