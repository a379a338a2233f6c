package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/witnz/replisync/internal/config"
)

const version = "v0.1.0"

type cli struct {
	cfgFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "replisync",
		Short: "replisync - Byzantine-tolerant replica synchronization",
		Long: `A replica synchronization engine that reconciles operation logs across
nodes with Merkle digests, causal clocks and fault-screened consensus`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.cfgFile, "config", "replisync.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(c.initCmd())
	rootCmd.AddCommand(c.startCmd())
	rootCmd.AddCommand(c.statusCmd())
	rootCmd.AddCommand(c.verifyCmd())
	rootCmd.AddCommand(c.appendCmd())
	rootCmd.AddCommand(c.snapshotCmd())

	return rootCmd
}

func (c *cli) setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.logLevel))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.logLevel, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "replisync %s\n", version)
			fmt.Fprintln(cmd.OutOrStdout(), "Byzantine-tolerant replica synchronization")
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
