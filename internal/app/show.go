package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"tapcoin-ledger/internal/ledger"
	"tapcoin-ledger/internal/money"
	"tapcoin-ledger/internal/ratefeed"
	"tapcoin-ledger/internal/storage"
)

// ShowAccount prints the balances and state of one account.
func (a *App) ShowAccount(ctx context.Context, id string) error {
	return a.withLedger(ctx, func(l *ledger.Ledger, _ *stores) error {
		acct, err := l.Account(ctx, id)
		if err != nil {
			return err
		}

		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(writer, "ID\t%s\n", acct.ID)
		fmt.Fprintf(writer, "Kind\t%s\n", acct.Kind)
		fmt.Fprintf(writer, "Coin\t%s\n", money.Format(money.Coin, acct.CoinBalance))
		fmt.Fprintf(writer, "Fiat\t%s\n", money.Format(money.Fiat, acct.FiatBalance))
		fmt.Fprintf(writer, "Blocked\t%t\n", acct.Blocked)
		if acct.LastExchangeAt != nil {
			fmt.Fprintf(writer, "Last exchange\t%s at %s\n", acct.LastExchangeDirection, acct.LastExchangeAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(writer, "Created\t%s\n", acct.CreatedAt.UTC().Format(time.RFC3339))
		return writer.Flush()
	})
}

// History prints the transaction records of an account, newest first.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	return a.withLedger(ctx, func(l *ledger.Ledger, _ *stores) error {
		records, err := l.History(ctx, opts.AccountID, opts.Limit)
		if err != nil {
			return err
		}
		return writeHistory(a.Out, records)
	})
}

func writeHistory(out io.Writer, records []storage.TransactionRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no transactions found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTime (UTC)\tKind\tFrom\tTo\tAmount\tCurrency\tDetail")
	for _, rec := range records {
		detail := sanitizeInline(rec.Purpose)
		if rec.Kind == storage.TxExchange {
			detail = fmt.Sprintf("%s -> %s %s", rec.Direction, money.Format(rec.Direction.Target(), rec.CounterAmount), rec.Direction.Target())
		}
		if rec.PaymentRef != "" {
			detail = strings.TrimSpace(detail + " ref=" + sanitizeInline(rec.PaymentRef))
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Kind,
			deref(rec.FromAccount),
			deref(rec.ToAccount),
			money.Format(rec.Currency, rec.Amount),
			rec.Currency,
			detail,
		)
	}
	return writer.Flush()
}

// Halving prints the global mined supply and halving step.
func (a *App) Halving(ctx context.Context) error {
	return a.withLedger(ctx, func(l *ledger.Ledger, _ *stores) error {
		state, err := l.Halving(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "total mined: %s\nhalving step: %d\n", money.Format(money.Coin, state.TotalMined), state.HalvingStep)
		return nil
	})
}

// ShowRates prints the most recent rate observations.
func (a *App) ShowRates(ctx context.Context, limit int) error {
	st, err := a.openStores(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	observations, err := ratefeed.NewStoreFeed(st.rates, 0).ListRecent(ctx, limit)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintln(a.Out, "no rates found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRate\tMove%\tSource")
	for i, obs := range observations {
		move := ""
		if i+1 < len(observations) {
			move = ratefeed.MovePct(observations[i+1].Rate, obs.Rate).StringFixed(3)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.Rate.String(),
			move,
			sanitizeInline(obs.Source),
		)
	}
	return writer.Flush()
}

func deref(v *string) string {
	if v == nil {
		return "-"
	}
	return *v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
