package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "certflow",
	Short: "Certflow manages the lifecycle of X.509 certificates on this host",
	Long: `Certflow issues, renews, deploys and retires X.509 certificates.
Private-key passphrases and deploy credentials are encrypted under a
rotatable master key; renewals run on a cron schedule or on demand.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file")
}
