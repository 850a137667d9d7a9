package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/server"
)

// newScanCmd runs the sequential cursor scan in the foreground.
func newScanCmd() *cobra.Command {
	var (
		startID int64
		maxID   int64
		resume  bool
		poll    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Walks a numeric id range one parcel at a time",
		Long: `Fetches ids sequentially from --start-id, persisting the cursor after each
upsert, until --max-id is passed or the scan is stopped. With --resume the
scan continues from the stored cursor instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			var ceiling *int64
			if maxID > 0 {
				ceiling = &maxID
			}
			st, err := rt.app.RunScan(cmd.Context(), startID, ceiling, resume, poll)
			if err != nil {
				return fmt.Errorf("run scan: %w", err)
			}
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return fmt.Errorf("encode scan state: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().Int64Var(&startID, "start-id", parcel.DefaultScanStart, "first id to fetch")
	cmd.Flags().Int64Var(&maxID, "max-id", 0, "last id to fetch (0 for no limit)")
	cmd.Flags().BoolVar(&resume, "resume", false, "continue from the stored cursor")
	cmd.Flags().DurationVar(&poll, "poll", server.DefaultPollInterval, "how often to check whether the scan ended")
	return cmd
}
