// cmd/remediate.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/autofix"
	"github.com/sourabhkumawat/healops/internal/broadcast"
	"github.com/sourabhkumawat/healops/internal/observability"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newRemediateCmd() *cobra.Command {
	var (
		panicLog      string
		output        string
		concurrency   int
		maxIterations int
		sandboxOn     bool
		opts          runOptions
	)

	cmd := &cobra.Command{
		Use:   "remediate [incident.json...]",
		Short: "Run the remediation loop for one or more incidents",
		Long: `Reads incidents from JSON files (a single object or an array) or from a
dumped Go panic log, remediates them concurrently and prints the run results.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.SetEngineConcurrency(concurrency)
			}
			if maxIterations > 0 {
				cfg.SetEngineMaxIterations(maxIterations)
			}
			if cmd.Flags().Changed("sandbox") {
				cfg.SetSandboxEnabled(sandboxOn)
			}

			incidents, err := loadIncidents(args, panicLog, cfg.Autofix().ProjectRoot, cfg.Logger().ServiceName)
			if err != nil {
				return err
			}

			comps, err := initializeComponents(ctx, cfg, logger, opts)
			if err != nil {
				comps.Shutdown(logger)
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer comps.Shutdown(logger)

			var streamDone <-chan struct{}
			if comps.Hub != nil {
				streamDone = streamEvents(comps.Hub, cmd.ErrOrStderr())
			}

			results := comps.Engine.RunAll(ctx, incidents)

			if comps.Hub != nil {
				comps.Hub.Shutdown()
				<-streamDone
			}
			if err := writeResults(cmd.OutOrStdout(), output, results); err != nil {
				return err
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return summarize(results)
		},
	}

	cmd.Flags().StringVar(&panicLog, "panic-log", "", "Build an incident from a dumped Go panic log")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write results to this file instead of stdout")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "Number of incidents remediated in parallel (overrides config)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Iteration budget per run (overrides config)")
	cmd.Flags().BoolVar(&sandboxOn, "sandbox", false, "Run executor validation code in the sandbox (overrides config)")
	cmd.Flags().BoolVar(&opts.Persist, "persist", false, "Store run results and events in the database")
	cmd.Flags().BoolVar(&opts.OpenPR, "open-pr", false, "Open a GitHub pull request for each successful run")
	cmd.Flags().BoolVar(&opts.Stream, "stream", false, "Print events to stderr as they are recorded")
	return cmd
}

// loadIncidents reads incident files and, when panicLog is set, one incident
// parsed from a panic dump. Incidents without an ID get one.
func loadIncidents(paths []string, panicLog, projectRoot, service string) ([]schemas.Incident, error) {
	if len(paths) == 0 && panicLog == "" {
		return nil, errors.New("at least one incident file or --panic-log is required")
	}

	var incidents []schemas.Incident
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read incident file: %w", err)
		}
		parsed, err := decodeIncidents(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", p, err)
		}
		incidents = append(incidents, parsed...)
	}

	if panicLog != "" {
		report, err := autofix.ParseCrashFile(panicLog, projectRoot)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, report.Incident(service))
	}

	for i := range incidents {
		inc := &incidents[i]
		if strings.TrimSpace(inc.RootCause) == "" {
			return nil, fmt.Errorf("incident %d (%q) has no root_cause", i, inc.ID)
		}
		if inc.ID == "" {
			inc.ID = uuid.NewString()
		}
		if inc.DetectedAt.IsZero() {
			inc.DetectedAt = time.Now().UTC()
		}
	}
	return incidents, nil
}

func decodeIncidents(data []byte) ([]schemas.Incident, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []schemas.Incident
		if err := json.UnmarshalFromString(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var one schemas.Incident
	if err := json.UnmarshalFromString(trimmed, &one); err != nil {
		return nil, err
	}
	return []schemas.Incident{one}, nil
}

// streamEvents prints every broadcast event as one JSON line until the hub shuts down.
func streamEvents(hub *broadcast.Hub, w io.Writer) <-chan struct{} {
	ch, _ := hub.Subscribe(broadcast.AllRuns)
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(w)
		for msg := range ch {
			_ = enc.Encode(struct {
				RunID string       `json:"run_id"`
				Event models.Event `json:"event"`
			}{msg.RunID, msg.Event})
		}
	}()
	return done
}

func writeResults(stdout io.Writer, path string, results []models.RunResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	data = append(data, '\n')
	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	observability.GetLogger().Info("Results written", zap.String("path", path), zap.Int("runs", len(results)))
	return nil
}

// summarize returns an error when any run did not succeed, so the exit code reflects it.
func summarize(results []models.RunResult) error {
	var failed []string
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r.IncidentID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d runs did not succeed: %s", len(failed), len(results), strings.Join(failed, ", "))
	}
	return nil
}
