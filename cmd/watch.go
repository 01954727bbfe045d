// cmd/watch.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/autofix"
	"github.com/sourabhkumawat/healops/internal/engine"
	"github.com/sourabhkumawat/healops/internal/observability"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

func newWatchCmd() *cobra.Command {
	var (
		logPath string
		opts    runOptions
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail an application log and remediate every new panic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if logPath != "" {
				cfg.AutofixCfg.AppLogPath = logPath
			}

			comps, err := initializeComponents(ctx, cfg, logger, opts, resultPrinter(cmd.OutOrStdout()))
			if err != nil {
				comps.Shutdown(logger)
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer comps.Shutdown(logger)

			incidents := make(chan schemas.Incident, cfg.Engine().Concurrency)
			watcher, err := autofix.NewWatcher(logger, cfg, incidents)
			if err != nil {
				return err
			}
			return runWatch(ctx, logger, watcher, comps.Engine, incidents)
		},
	}

	cmd.Flags().StringVar(&logPath, "log", "", "Application log to tail (overrides autofix.app_log_path)")
	cmd.Flags().BoolVar(&opts.Persist, "persist", false, "Store run results and events in the database")
	cmd.Flags().BoolVar(&opts.OpenPR, "open-pr", false, "Open a GitHub pull request for each successful run")
	return cmd
}

// crashWatcher is the part of autofix.Watcher runWatch drives.
type crashWatcher interface {
	Start(ctx context.Context) error
	Wait()
}

// incidentEngine is the part of engine.Engine runWatch drives.
type incidentEngine interface {
	Start(ctx context.Context, incidents <-chan schemas.Incident)
	Stop()
}

// runWatch feeds crashes into the engine until ctx is cancelled.
func runWatch(ctx context.Context, logger *zap.Logger, w crashWatcher, eng incidentEngine, incidents <-chan schemas.Incident) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	eng.Start(ctx, incidents)
	logger.Info("Watching for crashes. Press Ctrl+C to stop.")

	<-ctx.Done()
	w.Wait()
	eng.Stop()
	logger.Info("Watch stopped.")
	return nil
}

// resultPrinter writes one summary line per finished run.
func resultPrinter(w io.Writer) engine.Sink {
	var mu sync.Mutex
	return engine.SinkFunc(func(_ context.Context, incident schemas.Incident, result models.RunResult) error {
		mu.Lock()
		defer mu.Unlock()
		status := "FAILED"
		if result.Success {
			status = "OK"
		}
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\titerations=%d\tsteps=%d/%d\tfixes=%d\n",
			status, result.RunID, incident.Title, result.Iterations,
			result.PlanProgress.Completed, result.PlanProgress.Total, len(result.Fixes))
		return err
	})
}
