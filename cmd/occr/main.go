// Command occr scores wallets and talks to the OCCRScorer contract from the
// command line, using the same configuration as the server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Global flags
var (
	outputFormat string
	cmdTimeout   time.Duration
	logLevel     string
)

// rootCmd is the base command for the OCCR CLI
var rootCmd = &cobra.Command{
	Use:   "occr",
	Short: "On-chain credit risk scoring",
	Long: `occr computes OCCR credit risk scores for wallets, inspects the inputs the
service would collect, and reads or pushes scores on the OCCRScorer contract.

Configuration comes from the environment (and .env), exactly as for the server:
RPC_URL, CHAIN_ID, SCORER_ADDRESS, ORACLE_PRIVATE_KEY, LEDGER_DIR, REDIS_URL, ...`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table or json")
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 2*time.Minute, "Overall command timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level for diagnostics on stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
