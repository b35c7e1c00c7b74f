package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/occr/internal/validation"
)

var (
	sigmaSymbols []string
	sigmaPrice   bool
)

// sigmaCmd prints the volatility the collector would assign to a symbol
var sigmaCmd = &cobra.Command{
	Use:   "sigma",
	Short: "Estimate annualized volatility for collateral symbols",
	Long: `Estimate annualized volatility from Pyth benchmark closes over
SIGMA_LOOKBACK_DAYS. Symbols without a feed or with too little history get
OCCR_DEFAULT_SIGMA.

Examples:
  occr sigma --symbol ETH
  occr sigma --symbol WBTC --symbol USDC --price`,
	RunE: runSigma,
}

func init() {
	rootCmd.AddCommand(sigmaCmd)
	sigmaCmd.Flags().StringSliceVar(&sigmaSymbols, "symbol", nil, "Symbol (repeatable)")
	sigmaCmd.Flags().BoolVar(&sigmaPrice, "price", false, "Also fetch the latest USD price")
	_ = sigmaCmd.MarkFlagRequired("symbol")
}

func runSigma(cmd *cobra.Command, _ []string) error {
	for _, sym := range sigmaSymbols {
		if errs := validation.Validate(validation.Required("symbol", sym)); len(errs) > 0 {
			return errs
		}
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

	type estimate struct {
		Symbol   string  `json:"symbol"`
		Feed     string  `json:"feed"`
		Sigma    float64 `json:"sigma"`
		PriceUSD string  `json:"priceUsd,omitempty"`
		Error    string  `json:"error,omitempty"`
	}

	var out []estimate
	var rows [][2]string
	for _, sym := range sigmaSymbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		est := estimate{
			Symbol: sym,
			Feed:   oracle.Feeds().Canonical(sym),
			Sigma:  sigmas.Sigma(ctx, sym),
		}
		row := strconv.FormatFloat(est.Sigma, 'f', 4, 64)
		if sigmaPrice {
			if price, err := oracle.PriceUSD(ctx, sym); err != nil {
				est.Error = err.Error()
				row += "  price unavailable: " + est.Error
			} else {
				est.PriceUSD = price.StringFixed(2)
				row += "  $" + est.PriceUSD
			}
		}
		out = append(out, est)
		rows = append(rows, [2]string{sym + " (" + est.Feed + ")", row})
	}
	return printResult(cmd.OutOrStdout(), out, rows)
}
