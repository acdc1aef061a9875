package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tabsync/internal/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

type rootFlags struct {
	logLevel  string
	logFormat string
	storage   string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "tabsync",
		Short:         "Cross-tab session coordination: relay server and simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override TABSYNC_LOG_LEVEL (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "override TABSYNC_LOG_FORMAT (json|pretty)")
	root.PersistentFlags().StringVar(&flags.storage, "storage", "", "override TABSYNC_STORAGE (memory|postgres|sqlite)")

	root.AddCommand(newRelayCmd(&flags), newSimulateCmd(&flags))
	return root
}

// loadConfig applies flag overrides on top of the environment.
func loadConfig(flags *rootFlags, defaultLevel string) (app.Config, app.Logger, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return app.Config{}, nil, err
	}
	if defaultLevel != "" && os.Getenv("TABSYNC_LOG_LEVEL") == "" {
		cfg.LogLevel = defaultLevel
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.LogFormat = flags.logFormat
	}
	if flags.storage != "" {
		cfg.Storage = flags.storage
	}
	if err := cfg.Validate(); err != nil {
		return app.Config{}, nil, err
	}
	return cfg, app.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor), nil
}

func newRelayCmd(flags *rootFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay that carries the tab bus between processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(flags, "")
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return app.ServeRelay(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override TABSYNC_HTTP_ADDR")
	return cmd
}

func newSimulateCmd(flags *rootFlags) *cobra.Command {
	var opts app.SimulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run N in-process tabs through election, refresh, failover and logout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Coordination events go to stdout as the report; logs stay quiet unless asked for.
			cfg, log, err := loadConfig(flags, "warn")
			if err != nil {
				return err
			}
			opts.Out = cmd.OutOrStdout()
			rep, err := app.Simulate(cmd.Context(), cfg, opts, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d tabs, leader %s then %s\n", rep.Tabs, rep.InitialLeader, rep.FailoverLeader)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Tabs, "tabs", 3, "number of simulated tabs")
	cmd.Flags().StringVar(&opts.RelayURL, "relay", "", "route the bus through a running relay (e.g. http://127.0.0.1:8080)")
	cmd.Flags().DurationVar(&opts.Settle, "settle", 0, "wait after each step for asynchronous backends")
	return cmd
}
