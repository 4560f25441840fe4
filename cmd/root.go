package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X crosspost/cmd.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "crosspost",
	Short:   "Publish one post to many social accounts",
	Long:    "Crosspost delivers a single post to every selected account across X, YouTube, Discord, Reddit, Instagram and Telegram, and reports the outcome per account.",
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = args
		if configPath != "" {
			_ = os.Setenv("CROSSPOST_CONFIG", configPath)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")
}
