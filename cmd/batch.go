package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/server"
)

type batchFlags struct {
	startAfter   int64
	ceiling      int64
	unitSize     int
	requireGPIN  bool
	skipExisting bool
	poll         time.Duration
}

// newBatchCmd runs one batch to completion in the foreground.
func newBatchCmd() *cobra.Command {
	var flags batchFlags
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Plans and runs one batch, then exits",
		Long: `Plans work units from the candidate table, runs them on the worker pool and
blocks until the batch reaches a terminal status. The first interrupt cancels
the batch; units already in flight finish and are counted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			opts := parcel.BatchOptions{
				StartAfter:   flags.startAfter,
				Ceiling:      flags.ceiling,
				UnitSize:     rt.cfg.Batch.UnitSize,
				RequireGPIN:  flags.requireGPIN,
				SkipExisting: flags.skipExisting,
			}
			if cmd.Flags().Changed("unit-size") {
				opts.UnitSize = flags.unitSize
			}
			rec, err := rt.app.RunBatch(cmd.Context(), opts, flags.poll)
			if err != nil {
				return fmt.Errorf("run batch: %w", err)
			}
			out, err := json.MarshalIndent(struct {
				parcel.BatchRecord
				Percentage float64 `json:"percentage"`
			}{rec, rec.Percentage()}, "", "  ")
			if err != nil {
				return fmt.Errorf("encode batch summary: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if rec.Status == parcel.BatchFailed {
				return fmt.Errorf("batch %s failed: %s", rec.ID, rec.Error)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&flags.startAfter, "start-after", 0, "only plan candidates with id greater than this")
	cmd.Flags().Int64Var(&flags.ceiling, "ceiling", 0, "only plan candidates with id up to this (0 for no limit)")
	cmd.Flags().IntVar(&flags.unitSize, "unit-size", 0, "items per work unit (default from batch.unit_size)")
	cmd.Flags().BoolVar(&flags.requireGPIN, "require-gpin", false, "skip candidates without a gpin")
	cmd.Flags().BoolVar(&flags.skipExisting, "skip-existing", false, "skip candidates whose gpin is already stored")
	cmd.Flags().DurationVar(&flags.poll, "poll", server.DefaultPollInterval, "how often to check batch progress")
	return cmd
}
