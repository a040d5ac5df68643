package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tapcoin-ledger/internal/app"
	"tapcoin-ledger/internal/storage"
)

var (
	accountID    string
	accountKind  string
	historyID    string
	historyLimit int
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage ledger accounts",
}

var accountsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a user or merchant account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireID(accountID); err != nil {
			return err
		}
		kind := storage.AccountKind(strings.ToLower(strings.TrimSpace(accountKind)))
		if !kind.Valid() {
			return fmt.Errorf("--kind must be %q or %q", storage.KindUser, storage.KindMerchant)
		}
		return getApp().CreateAccount(cmd.Context(), accountID, kind)
	},
}

var accountsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display balances of an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireID(accountID); err != nil {
			return err
		}
		return getApp().ShowAccount(cmd.Context(), accountID)
	},
}

var accountsBlockCmd = &cobra.Command{
	Use:   "block",
	Short: "Block an account from moving value",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireID(accountID); err != nil {
			return err
		}
		return getApp().SetBlocked(cmd.Context(), accountID, true)
	},
}

var accountsUnblockCmd = &cobra.Command{
	Use:   "unblock",
	Short: "Lift a block from an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireID(accountID); err != nil {
			return err
		}
		return getApp().SetBlocked(cmd.Context(), accountID, false)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List transactions of an account, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(historyID) == "" {
			return errors.New("--account is required")
		}
		if historyLimit <= 0 {
			return errors.New("--limit must be greater than zero")
		}
		return getApp().History(cmd.Context(), app.HistoryOptions{AccountID: historyID, Limit: historyLimit})
	},
}

var halvingCmd = &cobra.Command{
	Use:   "halving",
	Short: "Display total mined supply and the halving step",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Halving(cmd.Context())
	},
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("--id is required")
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{accountsCreateCmd, accountsShowCmd, accountsBlockCmd, accountsUnblockCmd} {
		c.Flags().StringVar(&accountID, "id", "", "Account identifier")
		accountsCmd.AddCommand(c)
	}
	accountsCreateCmd.Flags().StringVar(&accountKind, "kind", string(storage.KindUser), "Account kind (user or merchant)")

	historyCmd.Flags().StringVar(&historyID, "account", "", "Account identifier")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Number of records to display")
}
