package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "sessionctl manages a signed-in session with an identity provider",
	Long: `Signs in against an OpenID Connect provider, keeps the session alive with
proactive token refresh and a heartbeat, and serves a small guarded web app.
Sessions are persisted so every command works on the same one.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
}
