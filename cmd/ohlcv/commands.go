package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnayoung/go-ohlcv-importer/internal/importer"
	"github.com/johnayoung/go-ohlcv-importer/internal/logger"
	"github.com/johnayoung/go-ohlcv-importer/internal/storage"
)

const dateLayout = "2006-01-02"

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           AppName,
		Short:         "Import exchange trade history as one-minute OHLCV candles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "configuration file (YAML or JSON)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment")

	root.AddCommand(
		newImportCmd(a),
		newStartTimeCmd(a),
		newQueryCmd(a),
		newStatsCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

func newImportCmd(a *app) *cobra.Command {
	var (
		symbols    []string
		startStr   string
		endStr     string
		maxBatches int
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Fetch trades and store one-minute candles",
		Long: `Walk the exchange trade feed from --start (or the newest stored candle,
or the first trade ever reported) up to --end and store the resulting
one-minute candles. Without --symbol the configured default symbols are used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseDate(startStr)
			if err != nil {
				return usageErrorf("invalid --start: %w", err)
			}
			end, err := parseDate(endStr)
			if err != nil {
				return usageErrorf("invalid --end: %w", err)
			}
			if !start.IsZero() && !end.IsZero() && !start.Before(end) {
				return usageErrorf("--start must be before --end")
			}

			ctx := cmd.Context()
			if err := a.openStorage(ctx); err != nil {
				return err
			}
			if err := a.openExchange(ctx); err != nil {
				return err
			}
			a.startMetrics()

			if len(symbols) == 0 {
				symbols = a.cfg.Importer.DefaultSymbols
			}
			if len(symbols) == 0 {
				return usageErrorf("--symbol is required when no default symbols are configured")
			}

			cfg := a.cfg.Importer
			if cmd.Flags().Changed("max-batches") {
				cfg.MaxBatches = maxBatches
			}

			ctx = logger.NewTraceContext(logger.WithOperation(ctx, "import"))
			imp := importer.New(a.ex, a.store, cfg, a.logs.GetComponentLogger("importer"), a.recorder)
			results, err := imp.ImportAll(ctx, symbols, start, end)

			out := cmd.OutOrStdout()
			for _, res := range results {
				printImportResult(out, res)
			}
			if err != nil {
				return withCode(fetchExitCode(err), fmt.Errorf("import failed: %w", err))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&symbols, "symbol", "s", nil, "symbol to import, repeatable (e.g. XBTUSD)")
	cmd.Flags().StringVar(&startStr, "start", "", "first day to import, YYYY-MM-DD or RFC3339")
	cmd.Flags().StringVar(&endStr, "end", "", "day to stop before, YYYY-MM-DD or RFC3339")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "stop after this many exchange windows (0 = unbounded)")
	return cmd
}

func newStartTimeCmd(a *app) *cobra.Command {
	var symbol string

	cmd := &cobra.Command{
		Use:   "start-time",
		Short: "Print the time of the first trade the exchange reports for a symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol = importer.NormalizeSymbol(symbol)
			if symbol == "" {
				return usageErrorf("--symbol is required")
			}
			ctx := cmd.Context()
			if err := a.openExchange(ctx); err != nil {
				return err
			}

			ms, err := a.ex.GetStartingTime(ctx, symbol)
			if err != nil {
				return withCode(fetchExitCode(err), fmt.Errorf("starting time for %s: %w", symbol, err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), time.UnixMilli(ms).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "symbol to look up (e.g. XBTUSD)")
	return cmd
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		symbol   string
		exchange string
		startStr string
		endStr   string
		format   string
		limit    int
		desc     bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print stored candles",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol = importer.NormalizeSymbol(symbol)
			if symbol == "" {
				return usageErrorf("--symbol is required")
			}
			render, ok := renderers[format]
			if !ok {
				return usageErrorf("unsupported --format %q (table, json, csv)", format)
			}
			start, err := parseDate(startStr)
			if err != nil {
				return usageErrorf("invalid --start: %w", err)
			}
			end, err := parseDate(endStr)
			if err != nil {
				return usageErrorf("invalid --end: %w", err)
			}

			req := storage.QueryRequest{
				Symbol:   symbol,
				Exchange: exchange,
				Start:    start,
				End:      end,
				Limit:    limit,
			}
			if desc {
				req.OrderBy = "timestamp_desc"
			}
			if err := req.Validate(); err != nil {
				return withCode(ExitUsageError, err)
			}

			ctx := cmd.Context()
			if err := a.openStorage(ctx); err != nil {
				return err
			}
			resp, err := a.store.Query(ctx, req)
			if err != nil {
				return withCode(ExitDataError, fmt.Errorf("query failed: %w", err))
			}

			a.log.Debug("query completed", "symbol", req.Symbol, "found", len(resp.Candles), "total", resp.Total, "duration", resp.QueryTime)
			return render(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "symbol to query (e.g. XBTUSD)")
	cmd.Flags().StringVar(&exchange, "exchange", "", "exchange name filter (e.g. Kraken)")
	cmd.Flags().StringVar(&startStr, "start", "", "earliest candle, YYYY-MM-DD or RFC3339")
	cmd.Flags().StringVar(&endStr, "end", "", "exclusive upper bound, YYYY-MM-DD or RFC3339")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, json or csv")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum candles to print (0 = all)")
	cmd.Flags().BoolVar(&desc, "desc", false, "newest first")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize stored candles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openStorage(ctx); err != nil {
				return err
			}
			if err := a.store.HealthCheck(ctx); err != nil {
				return withCode(ExitConnectionErr, err)
			}
			stats, err := a.store.GetStats(ctx)
			if err != nil {
				return withCode(ExitDataError, err)
			}
			printStats(cmd.OutOrStdout(), a.cfg.Storage.Type, stats)
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.cfg.String())
			return nil
		},
	})

	var output string
	save := &cobra.Command{
		Use:   "save",
		Short: "Write the effective configuration to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return usageErrorf("--output is required")
			}
			if err := a.loadConfig(cmd.Context()); err != nil {
				return err
			}
			if err := a.manager.SaveConfigAs(cmd.Context(), output); err != nil {
				return withCode(ExitConfigError, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", output)
			return nil
		},
	}
	save.Flags().StringVarP(&output, "output", "o", "", "destination file (.yaml or .json)")
	cmd.AddCommand(save)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", AppName, Version)
		},
	}
}

// parseDate accepts a calendar day or an RFC3339 timestamp. Empty input yields
// the zero time.
func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("use YYYY-MM-DD or RFC3339: %q", value)
	}
	return t.UTC(), nil
}
