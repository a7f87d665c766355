package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/codecloud/vps-control-plane/internal/app"
	"github.com/codecloud/vps-control-plane/internal/config"
	"github.com/codecloud/vps-control-plane/internal/jobs"
	"github.com/codecloud/vps-control-plane/internal/reconcile"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "jobs",
		Short:         "Background maintenance for the VPS control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("CC_CONFIG_FILE"), "config file (yaml, toml or json); environment variables override it")
	root.AddCommand(newRunCmd(&cfgFile), newSweepCmd(&cfgFile))
	return root
}

// open loads configuration and services the way cmd/api does.
func open(ctx context.Context, cfgFile string) (*app.Services, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Error("load config", "err", err)
		return nil, err
	}
	if err := config.ConfigureLogging(cfg); err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg)
}

func newRunCmd(cfgFile *string) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sweep expired sessions and stale tokens on an interval until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			services, err := open(ctx, *cfgFile)
			if err != nil {
				return err
			}
			defer services.Close()

			if interval <= 0 {
				interval = services.Config.SweepInterval
			}
			jobs.NewRunner(services.Reconciler, jobs.Options{
				Clock:    services.Clock,
				Interval: interval,
				Sweep:    services.SweepOptions(),
				OnSweep: func(sum reconcile.Summary, _ error) {
					log.Info("sweep summary", "deleted", sum.Sessions.Deleted, "tokens_checked", sum.Tokens.Checked, "errors", len(sum.Errors))
				},
			}).Start(ctx)

			log.Info("jobs worker started", "interval", interval)
			<-ctx.Done()
			log.Info("jobs worker stopping")
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "sweep interval (defaults to CC_SWEEP_INTERVAL)")
	return cmd
}

func newSweepCmd(cfgFile *string) *cobra.Command {
	var maxSessions, maxTokenChecks int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep and print its JSON summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			services, err := open(ctx, *cfgFile)
			if err != nil {
				return err
			}
			defer services.Close()

			opts := services.SweepOptions()
			if cmd.Flags().Changed("max-sessions") {
				opts.MaxSessions = maxSessions
			}
			if cmd.Flags().Changed("max-token-checks") {
				opts.MaxTokenChecks = maxTokenChecks
			}
			runner := jobs.NewRunner(services.Reconciler, jobs.Options{Clock: services.Clock, Sweep: opts})
			sum, sweepErr := runner.RunOnce(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sum); err != nil {
				return err
			}
			return sweepErr
		},
	}
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "sessions examined per sweep, 0 for all (defaults to CC_SWEEP_MAX_SESSIONS)")
	cmd.Flags().IntVar(&maxTokenChecks, "max-token-checks", 0, "stale tokens probed per sweep, 0 for all (defaults to CC_SWEEP_MAX_TOKEN_CHECKS)")
	return cmd
}
