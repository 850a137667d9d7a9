// Package cmd defines and implements the CLI commands for the parcelingest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/config"
	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Logger() *zap.Logger
	Run(ctx context.Context) error
	RunBatch(ctx context.Context, opts parcel.BatchOptions, poll time.Duration) (parcel.BatchRecord, error)
	RunScan(ctx context.Context, startID int64, maxID *int64, resume bool, poll time.Duration) (parcel.ScanState, error)
	Close(ctx context.Context) error
}

// runtime bundles the built App with the config it was built from.
type runtime struct {
	app App
	cfg config.Config
}

// loadConfig and newApp are variables so tests can swap them out.
var (
	loadConfig = config.Load
	newApp     = func(ctx context.Context, cfg *config.Config) (App, error) {
		return server.Build(ctx, cfg)
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parcelingest",
		Short: "Bulk-fetches municipal parcel record cards into Postgres.",
		Long: `parcelingest walks the city's property identifiers, fetches each parcel's
record card from the public records API, flattens it and upserts it into the
parcels table. Batches run on a bounded worker pool with durable progress so a
run can be cancelled, resumed or retried without duplicating work.`,
		SilenceUsage: true,

		// Build the application once flags are parsed, before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, &runtime{app: appInstance, cfg: cfg})
			cmd.SetContext(ctx)
			return nil
		},

		// Close runs even when the subcommand already shut the app down.
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
			defer cancel()
			if err := rt.app.Close(ctx); err != nil {
				return fmt.Errorf("close application: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars with the PARCEL_ prefix override it)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newScanCmd())

	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(appKey).(*runtime)
	if !ok || rt == nil || rt.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
