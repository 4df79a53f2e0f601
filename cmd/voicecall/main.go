// Command voicecall drives voice calls with a remote companion.
//
// Run the control API:
//
//	voicecall serve --config voicecall.yaml
//
// Place a single call and stream its events as JSON lines:
//
//	voicecall dial --companion c1 --user u1 --var name=Ada
//
// Settings come from the optional YAML file and VOICECALL_*, RTC_*, APP_*
// and LOG_* environment variables.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicecall/internal/config"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "voicecall",
		Short:        "Voice call session controller",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("VOICECALL_CONFIG"),
		"Path to YAML configuration file")

	load := func() (config.Config, error) {
		return config.LoadFile(configPath)
	}
	rootCmd.AddCommand(
		buildServeCmd(load),
		buildDialCmd(load),
	)
	return rootCmd
}
