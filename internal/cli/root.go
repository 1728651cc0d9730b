package cli

import (
	"fmt"
	"os"

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

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "agentbridge",
	Short: "agentbridge: coding agent gateway for the browser",
	Long: `agentbridge runs a coding agent as a subprocess and bridges it to
browser clients over WebSocket.

It records threads, turns and items, streams agent events with resumable
cursors and lets a human accept or decline the agent's approval requests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			return os.Setenv("AGENTBRIDGE_CONFIG", configPath)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentbridge %s\n", version)
		fmt.Printf("  build:  %s\n", buildDate)
		fmt.Printf("  commit: %s\n", gitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.agentbridge/agentbridge.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "Gateway base URL for client commands (default from config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(tuiCmd)
}

// Execute runs the root cobra command.
func Execute() error {
	return rootCmd.Execute()
}
