// Command marketdata ingests equity candles, validates them against the
// trading calendar and answers point-in-time index membership questions.
//
// Usage:
//
//	marketdata ingest --symbols AAPL,MSFT --timeframe 1d --start 2024-01-01 --end 2024-03-31
//	marketdata update --symbols AAPL --timeframe 1h
//	marketdata schedule --symbols AAPL,MSFT --timeframes 1h,1d --catch-up
//	marketdata validate --symbol AAPL --timeframe 1d --start 2024-01-01
//	marketdata universe asof --index SP500 --date 2020-06-01
//	marketdata serve
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
	ExitInterrupt   = 130
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := newCLI()
	err := newRootCmdWith(c).ExecuteContext(ctx)
	if cerr := c.teardown(); cerr != nil {
		fmt.Fprintln(os.Stderr, "Error: shutdown:", cerr)
	}
	os.Exit(exitCode(ctx, err))
}

func exitCode(ctx context.Context, err error) int {
	var cfgErr *configError
	switch {
	case err == nil:
		return ExitSuccess
	case ctx.Err() != nil:
		return ExitInterrupt
	case errors.As(err, &cfgErr):
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitConfigError
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitUsageError
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitDataError
	}
}
