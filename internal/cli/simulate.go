package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulatePrevious string
	simulateCurrent  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-rate-alert",
	Short: "Replay a rate move and dispatch an alert if it crosses the threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		previous, err := decimal.NewFromString(simulatePrevious)
		if err != nil {
			return fmt.Errorf("invalid --previous value: %w", err)
		}
		current, err := decimal.NewFromString(simulateCurrent)
		if err != nil {
			return fmt.Errorf("invalid --current value: %w", err)
		}
		return getApp().SimulateRateAlert(cmd.Context(), previous, current)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePrevious, "previous", "", "Previous fiat per coin rate")
	simulateCmd.Flags().StringVar(&simulateCurrent, "current", "", "Current fiat per coin rate")
}
