package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/opsforge/fleetcap/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Exit codes.
const (
	exitOK       = 0
	exitPartial  = 1
	exitUsage    = 2
	exitStore    = 3
	exitCanceled = 130
)

// forceExitWindow is how long after the first signal a second one forces an
// immediate exit instead of waiting for the graceful drain.
const forceExitWindow = 3 * time.Second

// errPartial marks a run where some devices failed but the run itself
// completed.
var errPartial = errors.New("completed with failures")

var (
	flagLogLevel  string
	flagLogFormat string
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	ctx := signalContext()

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errPartial):
		return exitPartial
	case fleeterrors.IsCanceled(err):
		return exitCanceled
	case errors.Is(err, fleeterrors.ErrStoreFatal), errors.Is(err, fleeterrors.ErrStoreBusy):
		log.Error().Err(err).Msg("Store error")
		return exitStore
	default:
		log.Error().Err(err).Msg("Command failed")
		return exitUsage
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetcap",
		Short:         "Concurrent SSH capture pipeline for network device fleets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init(logging.Config{
				Level:     flagLogLevel,
				Format:    flagLogFormat,
				Component: "fleetcap",
			})
		},
	}
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "auto", "log format (auto, json, console)")

	root.AddCommand(newBatchCmd())
	root.AddCommand(newLoadCapturesCmd())
	root.AddCommand(newLoadFingerprintsCmd())
	root.AddCommand(newInitDBCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleetcap version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetcap %s\n", Version)
		},
	}
}

// signalContext cancels on SIGINT/SIGTERM. A second signal inside the force
// window skips the graceful drain entirely.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		log.Warn().Msg("Signal received, canceling (repeat to force exit)")
		cancel()
		select {
		case <-ch:
			log.Error().Msg("Forced exit")
			os.Exit(exitCanceled)
		case <-time.After(forceExitWindow):
		}
	}()
	return ctx
}
