package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/occr/internal/chain"
	"github.com/mbd888/occr/internal/collector"
	"github.com/mbd888/occr/internal/occr"
	"github.com/mbd888/occr/internal/scores"
	"github.com/mbd888/occr/internal/snapshot"
	"github.com/mbd888/occr/internal/validation"
)

var (
	collectAddress string
	collectScore   bool
)

// collectCmd shows the snapshot the service would score for a wallet
var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Assemble a wallet snapshot from the ledger, chain and price feeds",
	Long: `Assemble the snapshot the service would score for a wallet: ledger history
from LEDGER_DIR, holdings from RPC_URL (when set) and volatilities from Pyth.

Examples:
  occr collect --address 0xabc... --format json > wallet.json
  occr collect --address 0xabc... --score`,
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)
	collectCmd.Flags().StringVar(&collectAddress, "address", "", "Wallet address")
	collectCmd.Flags().BoolVar(&collectScore, "score", false, "Score the collected snapshot")
	_ = collectCmd.MarkFlagRequired("address")
}

func runCollect(cmd *cobra.Command, _ []string) error {
	if errs := validation.Validate(
		validation.Required("address", collectAddress),
		validation.ValidAddress("address", collectAddress),
	); len(errs) > 0 {
		return errs
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	oracle, sigmas, closePrices, err := e.priceStack(ctx)
	if err != nil {
		return err
	}
	defer closePrices()

	opts := []collector.Option{collector.WithVolatility(sigmas), collector.WithLogger(e.logger)}
	if e.cfg.ChainEnabled() {
		client, err := e.dial(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		var tokens []chain.Token
		if e.cfg.TokensFile != "" {
			if tokens, err = chain.LoadTokens(e.cfg.TokensFile); err != nil {
				return err
			}
		}
		opts = append(opts, collector.WithHoldings(chain.NewHoldingsReader(client, tokens, oracle, e.logger)))
	}

	builder := snapshot.NewBuilder(e.cfg.Defaults)
	c := collector.New(collector.NewFileLedger(e.cfg.LedgerDir), builder, opts...)
	snap, err := c.Collect(ctx, validation.SanitizeAddress(collectAddress))
	if err != nil {
		return err
	}

	if !collectScore {
		return printResult(cmd.OutOrStdout(), snap, [][2]string{
			{"address", snap.Address},
			{"as_of", snap.AsOf.Format(time.RFC3339)},
			{"loans", strconv.Itoa(len(snap.Loans))},
			{"positions", strconv.Itoa(len(snap.Positions))},
			{"transactions", strconv.Itoa(len(snap.Transactions))},
			{"holdings_usd", strconv.FormatFloat(snap.HoldingsUSD, 'f', 2, 64)},
		})
	}

	engine, err := occr.NewEngine(e.cfg.Engine)
	if err != nil {
		return err
	}
	res, err := engine.Score(ctx, snap)
	if err != nil {
		return err
	}
	rec := scores.NewRecord(snap, res, engine.Params(), time.Now())
	return printResult(cmd.OutOrStdout(), rec, recordRows(rec))
}
