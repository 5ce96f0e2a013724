package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Yuz-tech/gamified-ims/config"
	"github.com/Yuz-tech/gamified-ims/internal/logging"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gamified-ims",
	Short: "Gamified IMS is a security-awareness training server",
	Long: `A training platform where employees watch videos, pass quizzes, earn XP
and collect yearly badges, with multi-device sessions and an admin console.

Configuration is read from --config (YAML) and GIMS_* environment variables.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration and builds the logger every
// subcommand shares.
func loadConfig() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configuring logging: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}
