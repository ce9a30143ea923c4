// Command codesandbox runs the sandbox session manager: an MCP tool server on
// stdio plus an optional HTTP server for artifact downloads.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/p-arndt/codesandbox/internal/config"
)

var (
	cfgPath string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "codesandbox",
	Short: "Isolated Python execution sessions for LLM agents",
	Long: `codesandbox manages per-session Docker containers in which untrusted Python
runs with no network, bounded resources and a persistent data directory.
Tools are exposed over the Model Context Protocol on stdin/stdout.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to codesandbox.yaml")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with SANDBOX_* overrides (default .env if present)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
