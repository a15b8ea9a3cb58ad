// Package cli is the gateway's cobra command surface: a thin "serve"
// entrypoint for running every configured channel account standalone,
// for local testing against internal/hostport/refhost rather than a
// real Host process. A production deployment never runs this binary;
// it embeds internal/plugin's pluginsdk.Channel values inside its own
// Host instead.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

// SetBuildInfo sets version info injected at build time.
func SetBuildInfo(v, date, commit string) {
	version = v
	buildDate = date
	gitCommit = commit
}

var rootCmd = &cobra.Command{
	Use:           "gatewayd",
	Short:         "openclaw-china gateway — multi-channel chat bot bridge",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("gatewayd %s\n", version)
		cmd.Printf("  build:  %s\n", buildDate)
		cmd.Printf("  commit: %s\n", gitCommit)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root cobra command.
func Execute() error {
	return rootCmd.Execute()
}
