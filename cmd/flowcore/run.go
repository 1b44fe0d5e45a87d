package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flowcore/internal/app"
	"flowcore/internal/config"
	"flowcore/pkg/logx"
)

var (
	exitOnCandidate bool
	stopTimeout     time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the core until a signal or an accepted shutdown candidate",
	RunE:  runCore,
}

func init() {
	runCmd.Flags().BoolVar(&exitOnCandidate, "exit-on-shutdown-candidate", false, "stop when a component reports a shutdown candidate")
	runCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful stop")
}

func runCore(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := config.NewManager(path, logx.NewConsole("info"))
	if _, err := m.Load(); err != nil {
		return err
	}
	a, err := app.New(ctx, m)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatal)
		return fmt.Errorf("start: %w", err)
	}

	reason := wait(ctx, a)

	// Signals during stop must not cut it short.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatal {
		return a.Err()
	}
	return stopErr
}

func wait(ctx context.Context, a *app.App) app.StopReason {
	candidates := a.ShutdownCandidates()
	for {
		select {
		case <-ctx.Done():
			return app.StopSignal
		case <-a.Done():
			if a.Err() != nil {
				return app.StopFatal
			}
			return app.StopUnknown
		case c := <-candidates:
			if exitOnCandidate {
				return app.StopShutdownCandidate
			}
			fmt.Fprintf(os.Stderr, "shutdown candidate (%s from %s) ignored; run with --exit-on-shutdown-candidate to act on it\n", c.Reason, c.Source)
			candidates = nil
		}
	}
}
