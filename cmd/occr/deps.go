package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mbd888/occr/internal/chain"
	"github.com/mbd888/occr/internal/config"
	"github.com/mbd888/occr/internal/logging"
	"github.com/mbd888/occr/internal/prices"
)

// env bundles what every subcommand needs.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &env{
		cfg:    cfg,
		logger: logging.NewWithWriter(os.Stderr, logLevel, "text"),
	}, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cmdTimeout)
}

// priceStack builds the oracle and sigma estimator over a shared cache.
// The returned close function releases the Redis connection, if any.
func (e *env) priceStack(ctx context.Context) (*prices.Oracle, *prices.SigmaEstimator, func(), error) {
	var cache prices.Cache = prices.NewMemoryCache()
	closeFn := func() {}
	if e.cfg.RedisURL != "" {
		rc, err := prices.NewRedisCache(ctx, e.cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		cache = rc
		closeFn = func() { _ = rc.Close() }
	}

	feeds := prices.DefaultFeedMap()
	if e.cfg.FeedsFile != "" {
		var err error
		if feeds, err = prices.LoadFeedMap(e.cfg.FeedsFile); err != nil {
			closeFn()
			return nil, nil, nil, err
		}
	}

	client := &http.Client{Timeout: 15 * time.Second}
	oracle := prices.NewOracle(feeds, prices.NewHermesClient(e.cfg.HermesURL, client),
		prices.WithCache(cache),
		prices.WithCacheTTL(e.cfg.PriceCacheTTL),
		prices.WithLogger(e.logger),
	)
	sigmas := prices.NewSigmaEstimator(feeds, prices.NewBenchmarksClient(e.cfg.BenchmarksURL, client),
		cache, e.cfg.SigmaLookbackDays, e.cfg.Defaults.Volatility, e.logger)
	return oracle, sigmas, closeFn, nil
}

// dial connects to RPC_URL and checks the chain id.
func (e *env) dial(ctx context.Context) (chain.EthClient, error) {
	if !e.cfg.ChainEnabled() {
		return nil, fmt.Errorf("RPC_URL is not set")
	}
	client, err := chain.Dial(ctx, e.cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	if err := chain.VerifyChainID(ctx, client, e.cfg.ChainID); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// scorer binds the OCCRScorer contract. Without ORACLE_PRIVATE_KEY it is
// read-only.
func (e *env) scorer(ctx context.Context) (*chain.Scorer, func(), error) {
	if e.cfg.ScorerAddress == "" {
		return nil, nil, fmt.Errorf("SCORER_ADDRESS is not set")
	}
	client, err := e.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	s, err := chain.NewScorer(client, chain.ScorerConfig{
		Contract:   e.cfg.ScorerAddress,
		PrivateKey: e.cfg.OraclePrivateKey,
		ChainID:    e.cfg.ChainID,
	})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return s, client.Close, nil
}

// printResult writes v as indented JSON, or as key/value rows for table
// output.
func printResult(w io.Writer, v interface{}, rows [][2]string) error {
	switch strings.ToLower(outputFormat) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, row := range rows {
			fmt.Fprintf(tw, "%s\t%s\n", row[0], row[1])
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (want table or json)", outputFormat)
	}
}
