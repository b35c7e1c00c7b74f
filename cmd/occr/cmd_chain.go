package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/occr/internal/chain"
	"github.com/mbd888/occr/internal/occr"
	"github.com/mbd888/occr/internal/validation"
)

// Flags for push and read
var (
	chainAddress string
	pushScore    int
	pushTier     string
	pushWait     time.Duration
	readMin      int
)

// pushCmd writes a score to the OCCRScorer contract
var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Publish a score on the OCCRScorer contract",
	Long: `Send updateScore(address, score, tier) signed with ORACLE_PRIVATE_KEY. The
transaction is skipped when the contract already holds the same score and tier.

Examples:
  occr push --address 0xabc... --score 120 --tier A
  occr push --address 0xabc... --score 870 --tier D --wait 0`,
	RunE: runPush,
}

// readCmd reads a score from the OCCRScorer contract
var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a wallet's score from the OCCRScorer contract",
	Long: `Call calculateRiskScore(address). With --min, also call validateScore to
check that the stored score is fresh and at least min.

Examples:
  occr read --address 0xabc...
  occr read --address 0xabc... --min 300`,
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(readCmd)

	for _, c := range []*cobra.Command{pushCmd, readCmd} {
		c.Flags().StringVar(&chainAddress, "address", "", "Wallet address")
		_ = c.MarkFlagRequired("address")
	}

	pushCmd.Flags().IntVar(&pushScore, "score", -1, "Score, 0-1000")
	pushCmd.Flags().StringVar(&pushTier, "tier", "", "Tier: A, B, C or D")
	pushCmd.Flags().DurationVar(&pushWait, "wait", 60*time.Second, "Wait this long for the receipt (0 to return after sending)")
	_ = pushCmd.MarkFlagRequired("score")
	_ = pushCmd.MarkFlagRequired("tier")

	readCmd.Flags().IntVar(&readMin, "min", -1, "Also validate against this minimum score")
}

func runPush(cmd *cobra.Command, _ []string) error {
	if errs := validation.Validate(
		validation.ValidAddress("address", chainAddress),
		validation.IntRange("score", pushScore, 0, chain.MaxScore),
		validation.OneOf("tier", pushTier, "A", "B", "C", "D"),
	); len(errs) > 0 {
		return errs
	}
	tier := occr.Tier(strings.ToUpper(pushTier))

	e, err := loadEnv()
	if err != nil {
		return err
	}
	if !e.cfg.PublishEnabled() {
		return fmt.Errorf("publishing requires RPC_URL, SCORER_ADDRESS and ORACLE_PRIVATE_KEY")
	}
	ctx, cancel := commandContext()
	defer cancel()

	scorer, closeClient, err := e.scorer(ctx)
	if err != nil {
		return err
	}
	defer closeClient()

	addr := validation.SanitizeAddress(chainAddress)
	pub, err := scorer.Publish(ctx, addr, pushScore, tier.Index())
	if err != nil {
		return err
	}

	rows := [][2]string{
		{"address", addr},
		{"score", strconv.Itoa(pushScore)},
		{"tier", string(tier)},
		{"skipped", strconv.FormatBool(pub.Skipped)},
	}
	out := map[string]interface{}{"publish": pub}

	if pub.TxHash != "" {
		rows = append(rows, [2]string{"tx_hash", pub.TxHash})
		if pushWait > 0 {
			receipt, err := scorer.WaitForReceipt(ctx, pub.TxHash, pushWait)
			if err != nil {
				return fmt.Errorf("transaction %s sent: %w", pub.TxHash, err)
			}
			out["receipt"] = receipt
			rows = append(rows,
				[2]string{"block", strconv.FormatUint(receipt.BlockNumber, 10)},
				[2]string{"gas_used", strconv.FormatUint(receipt.GasUsed, 10)},
			)
		}
	}
	return printResult(cmd.OutOrStdout(), out, rows)
}

func runRead(cmd *cobra.Command, _ []string) error {
	if errs := validation.Validate(
		validation.ValidAddress("address", chainAddress),
	); len(errs) > 0 {
		return errs
	}
	if readMin > chain.MaxScore {
		return fmt.Errorf("min must be at most %d", chain.MaxScore)
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	scorer, closeClient, err := e.scorer(ctx)
	if err != nil {
		return err
	}
	defer closeClient()

	addr := validation.SanitizeAddress(chainAddress)
	onchain, err := scorer.Read(ctx, addr)
	if err != nil {
		return err
	}

	tier, err := occr.TierFromIndex(onchain.Tier)
	if err != nil {
		return err
	}
	rows := [][2]string{
		{"address", addr},
		{"score", strconv.Itoa(onchain.Score)},
		{"tier", string(tier)},
		{"last_updated", onchain.LastUpdated.Format(time.RFC3339)},
		{"algorithm", onchain.AlgorithmID},
	}
	out := map[string]interface{}{"address": addr, "onchain": onchain}

	if readMin >= 0 {
		ok, err := scorer.Validate(ctx, addr, readMin)
		if err != nil {
			return err
		}
		out["valid"] = ok
		rows = append(rows, [2]string{fmt.Sprintf("valid (min %d)", readMin), strconv.FormatBool(ok)})
	}
	return printResult(cmd.OutOrStdout(), out, rows)
}
