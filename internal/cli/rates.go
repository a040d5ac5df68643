package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tapcoin-ledger/internal/app"
)

var (
	ratesLimit      int
	pushRate        string
	pushSource      string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Inspect and feed coin/fiat exchange rates",
}

var ratesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent rate observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ratesLimit <= 0 {
			return errors.New("--limit must be greater than zero")
		}
		return getApp().ShowRates(cmd.Context(), ratesLimit)
	},
}

var ratesPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Record a rate observation by hand",
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, err := decimal.NewFromString(pushRate)
		if err != nil {
			return fmt.Errorf("invalid --rate value: %w", err)
		}
		return getApp().PushRate(cmd.Context(), rate, pushSource)
	},
}

var ratesPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Sample the configured rate source once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PollRate(cmd.Context())
	},
}

var ratesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export rate history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	ratesShowCmd.Flags().IntVar(&ratesLimit, "limit", 20, "Number of observations to display")

	ratesPushCmd.Flags().StringVar(&pushRate, "rate", "", "Fiat per coin")
	ratesPushCmd.Flags().StringVar(&pushSource, "source", "manual", "Source label stored with the observation")
	_ = ratesPushCmd.MarkFlagRequired("rate")

	ratesExportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	ratesExportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	ratesExportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	ratesExportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	ratesExportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")

	ratesCmd.AddCommand(ratesShowCmd, ratesPushCmd, ratesPollCmd, ratesExportCmd)
}
