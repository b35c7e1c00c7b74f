package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/occr/internal/occr"
	"github.com/mbd888/occr/internal/scores"
	"github.com/mbd888/occr/internal/snapshot"
)

var scoreFile string

// scoreCmd scores a snapshot file offline
var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a wallet snapshot file",
	Long: `Score a wallet snapshot stored as JSON (the POST /v1/score body). Nothing is
collected from the network and nothing is stored.

Examples:
  occr score --file wallet.json
  occr score --file wallet.json --format json`,
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreCmd.Flags().StringVar(&scoreFile, "file", "", "Path to snapshot JSON")
	_ = scoreCmd.MarkFlagRequired("file")
}

func runScore(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	in, err := snapshot.LoadFile(scoreFile)
	if err != nil {
		return err
	}
	snap, err := snapshot.NewBuilder(e.cfg.Defaults).Build(in)
	if err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
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

func recordRows(rec *scores.Record) [][2]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	return [][2]string{
		{"address", rec.Address},
		{"score", strconv.Itoa(rec.Score)},
		{"tier", string(rec.Tier)},
		{"probability", f(rec.Probability)},
		{"s_historical", f(rec.Subscores.Historical)},
		{"s_current", f(rec.Subscores.Current)},
		{"s_utilization", f(rec.Subscores.Utilization)},
		{"s_activity", f(rec.Subscores.Activity)},
		{"s_new_credit", f(rec.Subscores.NewCredit)},
		{"loans", strconv.Itoa(rec.Loans)},
		{"positions", strconv.Itoa(rec.Positions)},
		{"holdings_usd", strconv.FormatFloat(rec.HoldingsUSD, 'f', 2, 64)},
		{"as_of", rec.AsOf.Format(time.RFC3339)},
	}
}
