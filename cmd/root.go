// Package cmd holds the gobby CLI: the daemon itself plus install and
// maintenance commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gobbyhq/gobby/internal/config"
	"github.com/gobbyhq/gobby/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/gobbyhq/gobby/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gobby",
	Short: "Gobby - local daemon for AI coding CLIs",
	Long: "Gobby sits between AI coding assistants (Claude Code, Gemini CLI, Codex) and your project: " +
		"it normalizes their hook events, tracks sessions and tasks, proxies MCP tool calls, " +
		"and orchestrates concurrent child agents in isolated worktrees.",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.gobby/config.json or $GOBBY_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hooksCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gobby %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	if v := os.Getenv("GOBBY_CONFIG"); v != "" {
		return v, nil
	}
	dir, err := config.GobbyDir()
	if err != nil {
		return "", err
	}
	return dir + "/config.json", nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
