package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"tapcoin-ledger/internal/ratefeed"
	"tapcoin-ledger/internal/storage"
)

// Export renders the rate history as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	st, err := a.openStores(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	observations, err := ratefeed.NewStoreFeed(st.rates, 0).ListBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Msg("no rates found for export window")
		return nil
	}

	downsampled := downsampleRates(observations, opts.MaxPoints)
	a.Logger.Info().Int("total", len(observations)).Int("exported", len(downsampled)).Msg("exporting rates")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeRatesCSV(w, downsampled) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return writeRatesPNG(w, downsampled) }); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRates(observations []storage.RateObservation, max int) []storage.RateObservation {
	if max <= 0 || len(observations) <= max {
		return observations
	}
	if max == 1 {
		return observations[len(observations)-1:]
	}

	result := make([]storage.RateObservation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeRatesCSV(w io.Writer, observations []storage.RateObservation) error {
	writer := csv.NewWriter(w)

	header := []string{"observed_at", "rate", "move_pct", "source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for i, obs := range observations {
		move := ""
		if i > 0 {
			move = ratefeed.MovePct(observations[i-1].Rate, obs.Rate).StringFixed(3)
		}
		record := []string{
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.Rate.String(),
			move,
			obs.Source,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRatesPNG(w io.Writer, observations []storage.RateObservation) error {
	x := make([]time.Time, len(observations))
	rates := make([]float64, len(observations))
	moves := make([]float64, len(observations))

	for i, obs := range observations {
		x[i] = obs.ObservedAt
		rates[i] = obs.Rate.InexactFloat64()
		if i > 0 {
			moves[i] = ratefeed.MovePct(observations[i-1].Rate, obs.Rate).InexactFloat64()
		}
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Rate (fiat per coin)",
			ValueFormatter: rateFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Move (%)",
			ValueFormatter: rateFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Rate",
				XValues: x,
				YValues: rates,
			},
			chart.TimeSeries{
				Name:    "Move %",
				XValues: x,
				YValues: moves,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func writeFile(path string, render func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
