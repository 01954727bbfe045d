// cmd/events.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/sourabhkumawat/healops/internal/observability"
	"github.com/sourabhkumawat/healops/internal/remediation/eventlog"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
	"github.com/sourabhkumawat/healops/internal/store"
)

func newEventsCmd() *cobra.Command {
	var condensed bool
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print the stored event log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cfg.Database().URL == "" {
				return fmt.Errorf("database.url is required to read stored events")
			}
			pool, err := pgxpool.New(ctx, cfg.Database().URL)
			if err != nil {
				return fmt.Errorf("failed to create database pool: %w", err)
			}
			defer pool.Close()

			st, err := store.New(ctx, pool, observability.GetLogger())
			if err != nil {
				return err
			}
			return printEvents(ctx, st, args[0], condensed, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&condensed, "condensed", false, "Replace compressed ranges with their summary events")
	return cmd
}

type eventLoader interface {
	LoadEvents(ctx context.Context, runID string) ([]models.Event, error)
}

func printEvents(ctx context.Context, loader eventLoader, runID string, condensed bool, w io.Writer) error {
	events, err := loader.LoadEvents(ctx, runID)
	if err != nil {
		return err
	}
	if condensed {
		log, err := eventlog.Restore(runID, events, observability.GetLogger())
		if err != nil {
			return fmt.Errorf("stored events of run %s: %w", runID, err)
		}
		events = log.Condensed()
	}
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
