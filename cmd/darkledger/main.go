package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"DarkLedger/internal/config"
	"DarkLedger/internal/observability"

	"github.com/spf13/cobra"
)

const programName = "darkledger"

var globalFlags = struct {
	configFile string
	debug      bool
}{}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Confidential margin ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveRun(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&globalFlags.configFile, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(checkConfigCommand())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover state and run the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveRun(cmd.Context())
		},
	}
}

func checkConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(globalFlags.configFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: postgres=%s nats=%s validators=%d\n",
				redactDSN(cfg.PostgresDSN), cfg.NATSURL, len(cfg.Bridge.Validators))
			return nil
		},
	}
}

func serveRun(ctx context.Context) error {
	cfg, err := config.Load(globalFlags.configFile)
	if err != nil {
		return err
	}
	if globalFlags.debug {
		cfg.LogLevel = "debug"
	}
	logger := observability.NewLoggerWithLevel(programName, observability.ParseLogLevel(cfg.LogLevel))
	return run(ctx, cfg, logger)
}
