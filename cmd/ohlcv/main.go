// OHLCV Importer CLI
// This application imports trade history from an exchange, builds one-minute
// OHLCV (Open, High, Low, Close, Volume) candles from it and stores them for
// querying.
//
// Usage:
//
//	ohlcv import --symbol XBTUSD --start 2024-01-01 --end 2024-01-31
//	ohlcv start-time --symbol XBTUSD
//	ohlcv query --symbol XBTUSD --start 2024-01-01 --format csv
//
// For detailed help on any command, use: ohlcv <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "ohlcv"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func usageErrorf(format string, args ...any) error {
	return withCode(ExitUsageError, fmt.Errorf(format, args...))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	a := &app{}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCode(ctx, err)
}

func exitCode(ctx context.Context, err error) int {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ExitInterrupt
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	// flag and argument errors raised by cobra itself
	return ExitUsageError
}
