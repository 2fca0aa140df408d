// Package main provides the remat CLI: it trains a ResNet on random data
// with tensor rematerialization, as described by an HCL config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/born-ml/remat/internal/config"
	"github.com/born-ml/remat/internal/ctxlog"
	"github.com/born-ml/remat/internal/train"
)

const version = "v0.1.0-dev"

// ExitError carries the process exit code for a failure.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	logLevel   slog.Level
	logFormat  string
}

// parse returns nil options when the program should exit cleanly.
func parse(args []string, out io.Writer) (*options, error) {
	fs := flag.NewFlagSet("remat", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprint(out, `
remat - train a ResNet under a memory budget with tensor rematerialization.

Usage:
  remat [options] [CONFIG]
  remat version

Arguments:
  CONFIG
    Path to an HCL training config. Built-in defaults are used when omitted.

Options:
`)
		fs.PrintDefaults()
	}

	configFlag := fs.String("config", "", "Path to the HCL training config.")
	logLevelFlag := fs.String("log-level", "info", "Logging level: 'debug', 'info', 'warn' or 'error'.")
	logFormatFlag := fs.String("log-format", "text", "Log output format: 'text' or 'json'.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil
		}
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}

	if fs.NArg() == 1 && fs.Arg(0) == "version" {
		fmt.Fprintf(out, "remat %s\n", version)
		return nil, nil
	}

	opts := &options{configPath: *configFlag}
	switch {
	case opts.configPath != "" && fs.NArg() > 0:
		return nil, &ExitError{Code: 2, Message: fmt.Sprintf("config given by both -config and argument: %s", strings.Join(fs.Args(), " "))}
	case fs.NArg() > 1:
		return nil, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected arguments: %s", strings.Join(fs.Args()[1:], " "))}
	case fs.NArg() == 1:
		opts.configPath = fs.Arg(0)
	}

	if err := opts.logLevel.UnmarshalText([]byte(*logLevelFlag)); err != nil {
		return nil, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	opts.logFormat = strings.ToLower(*logFormatFlag)
	if opts.logFormat != "text" && opts.logFormat != "json" {
		return nil, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	return opts, nil
}

func newLogger(w io.Writer, opts *options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: opts.logLevel}
	if opts.logFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// run is main without the process exit, so tests can drive it.
func run(ctx context.Context, out, logOut io.Writer, args []string) error {
	opts, err := parse(args, out)
	if err != nil || opts == nil {
		return err
	}

	logger := newLogger(logOut, opts)
	ctx = ctxlog.WithLogger(ctx, logger)

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(ctx, opts.configPath)
		if err != nil {
			return &ExitError{Code: 2, Message: err.Error()}
		}
		cfg = *loaded
	}

	summary, err := train.Run(ctx, &cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "run %s: %d steps in %s, final loss %.4f\n",
		summary.RunID, len(summary.Losses), summary.Elapsed.Round(time.Millisecond), summary.FinalLoss())
	if summary.DTREnabled {
		fmt.Fprintf(out, "dtr: budget %s, %d tensors registered, %d evictions, %d rematerializations, peak %s\n",
			config.FormatSize(cfg.DTR.Budget), summary.DTR.Registered, summary.DTR.Evictions,
			summary.DTR.Rematerializations, config.FormatSize(summary.DTR.PeakBytes))
	}
	if summary.Checkpoint != "" {
		fmt.Fprintf(out, "checkpoint: %s\n", summary.Checkpoint)
	}
	return nil
}
