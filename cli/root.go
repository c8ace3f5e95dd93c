// Package cli implements the starledger command line: the HTTP server and
// one-shot ledger commands against the configured store.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/star-ledger/config"
)

var rootCmd = &cobra.Command{
	Use:   "starledger",
	Short: "Household star ledger",
	Long: `starledger tracks the stars children earn by completing tasks and
spend on rewards. Every change is an immutable ledger event; the balance
is a cache that can be reconciled against the log at any time.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML config file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
