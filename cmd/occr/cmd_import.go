package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mbd888/occr/internal/collector"
	"github.com/mbd888/occr/internal/snapshot"
	"github.com/mbd888/occr/internal/validation"
)

var (
	importFile    string
	importAddress string
)

// importCmd writes a wallet's history into the file ledger
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Store a wallet's loan, position and transfer history in the ledger",
	Long: `Store a snapshot JSON (the POST /v1/score body) as the wallet's ledger entry
in LEDGER_DIR, replacing any previous entry. The server, the rescoring worker and
"occr collect" read history from there.

The file is checked the same way the scorer checks it before anything is written.

Examples:
  occr import --file wallet.json
  occr import --file history.json --address 0xabc...`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVar(&importFile, "file", "", "Path to snapshot JSON")
	importCmd.Flags().StringVar(&importAddress, "address", "", "Wallet address (overrides the file's)")
	_ = importCmd.MarkFlagRequired("file")
}

func runImport(cmd *cobra.Command, _ []string) error {
	if errs := validation.Validate(validation.ValidAddress("address", importAddress)); len(errs) > 0 {
		return errs
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	in, err := snapshot.LoadFile(importFile)
	if err != nil {
		return err
	}
	if importAddress != "" {
		in.Address = validation.SanitizeAddress(importAddress)
	}
	snap, err := snapshot.NewBuilder(e.cfg.Defaults).Build(in)
	if err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	in.Address = snap.Address

	if err := collector.NewFileLedger(e.cfg.LedgerDir).Save(ctx, in); err != nil {
		return err
	}
	e.logger.Info("ledger entry stored", "address", snap.Address, "dir", e.cfg.LedgerDir)

	return printResult(cmd.OutOrStdout(), in, [][2]string{
		{"address", snap.Address},
		{"loans", strconv.Itoa(len(snap.Loans))},
		{"positions", strconv.Itoa(len(snap.Positions))},
		{"transactions", strconv.Itoa(len(snap.Transactions))},
		{"ledger_dir", e.cfg.LedgerDir},
	})
}
