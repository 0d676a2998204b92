package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/johnayoung/go-ohlcv-importer/internal/importer"
	"github.com/johnayoung/go-ohlcv-importer/internal/storage"
)

type renderer func(w io.Writer, resp *storage.QueryResponse) error

var renderers = map[string]renderer{
	"table": outputTable,
	"json":  outputJSON,
	"csv":   outputCSV,
}

var csvHeader = []string{"timestamp", "symbol", "exchange", "open", "high", "low", "close", "volume"}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// outputJSON writes candles as an indented JSON array
func outputJSON(w io.Writer, resp *storage.QueryResponse) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp.Candles)
}

// outputCSV writes candles as CSV with a header row
func outputCSV(w io.Writer, resp *storage.QueryResponse) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, c := range resp.Candles {
		record := []string{
			c.Time().Format(time.RFC3339),
			c.Symbol,
			c.Exchange,
			formatPrice(c.Open),
			formatPrice(c.High),
			formatPrice(c.Low),
			formatPrice(c.Close),
			formatPrice(c.Volume),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// outputTable writes candles as an aligned table followed by a summary line
func outputTable(w io.Writer, resp *storage.QueryResponse) error {
	if len(resp.Candles) == 0 {
		_, err := fmt.Fprintln(w, "No data found for the specified criteria.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tSYMBOL\tEXCHANGE\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
	for _, c := range resp.Candles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Time().Format("2006-01-02 15:04"),
			c.Symbol,
			c.Exchange,
			formatPrice(c.Open),
			formatPrice(c.High),
			formatPrice(c.Low),
			formatPrice(c.Close),
			formatPrice(c.Volume))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d of %d candles", len(resp.Candles), resp.Total)
	if resp.HasMore {
		fmt.Fprint(w, " (use --limit to see more)")
	}
	_, err := fmt.Fprintln(w)
	return err
}

func printImportResult(w io.Writer, res *importer.Result) {
	if res.Candles == 0 {
		fmt.Fprintf(w, "%s: no new candles from %s (%d windows, %s)\n",
			res.Symbol, res.Exchange, res.Batches, res.Duration.Round(time.Millisecond))
		return
	}
	fmt.Fprintf(w, "%s: imported %d candles from %s, %s to %s (%d windows, %s)\n",
		res.Symbol, res.Candles, res.Exchange,
		res.First.Format(time.RFC3339), res.Last.Format(time.RFC3339),
		res.Batches, res.Duration.Round(time.Millisecond))
}

func printStats(w io.Writer, backend string, stats *storage.StorageStats) {
	fmt.Fprintf(w, "Storage:  %s\n", backend)
	fmt.Fprintf(w, "Candles:  %d\n", stats.TotalCandles)
	fmt.Fprintf(w, "Symbols:  %d\n", stats.TotalSymbols)
	if stats.TotalCandles > 0 {
		fmt.Fprintf(w, "Earliest: %s\n", stats.EarliestData.Format(time.RFC3339))
		fmt.Fprintf(w, "Latest:   %s\n", stats.LatestData.Format(time.RFC3339))
	}
}
