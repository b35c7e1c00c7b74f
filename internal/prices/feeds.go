// Package prices resolves USD prices and volatility for collateral assets
// from Pyth price feeds.
//
// The package never holds global feed tables: a FeedMap is built once (from
// defaults or a YAML file) and handed to the Oracle and SigmaEstimator.
package prices

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrFeedNotFound = errors.New("prices: no price feed for symbol")
	ErrStalePrice   = errors.New("prices: price is stale")
	ErrNoPrice      = errors.New("prices: upstream returned no price")
)

// Well-known Pyth feed ids.
const (
	FeedETHUSD  = "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"
	FeedBTCUSD  = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"
	FeedUSDCUSD = "eaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a"
	FeedUSDTUSD = "2b89b9dc8fdf9f34709a5b106b472f0f39bb6ca9ce04b0fd7f2e971688e2e53b"
)

// FeedMap maps asset symbols to Pyth feed ids. Aliases point a wrapped or
// pegged symbol at the symbol whose feed prices it (WETH -> ETH).
type FeedMap struct {
	Feeds   map[string]string `yaml:"feeds"`
	Aliases map[string]string `yaml:"aliases"`
}

// DefaultFeedMap covers the assets most lending markets accept.
func DefaultFeedMap() *FeedMap {
	return &FeedMap{
		Feeds: map[string]string{
			"ETH":  FeedETHUSD,
			"BTC":  FeedBTCUSD,
			"USDC": FeedUSDCUSD,
			"USDT": FeedUSDTUSD,
		},
		Aliases: map[string]string{
			"WETH":  "ETH",
			"STETH": "ETH",
			"WBTC":  "BTC",
			"CBBTC": "BTC",
		},
	}
}

// LoadFeedMap reads a YAML feed map. Entries are merged over the defaults so a
// file only needs to list additions and overrides.
func LoadFeedMap(path string) (*FeedMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed map %s: %w", path, err)
	}
	var file FeedMap
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode feed map %s: %w", path, err)
	}

	m := DefaultFeedMap()
	for sym, id := range file.Feeds {
		m.Feeds[strings.ToUpper(sym)] = normalizeID(id)
	}
	for sym, target := range file.Aliases {
		m.Aliases[strings.ToUpper(sym)] = strings.ToUpper(target)
	}
	return m, nil
}

// Canonical returns the symbol whose feed prices sym.
func (m *FeedMap) Canonical(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if target, ok := m.Aliases[sym]; ok {
		return target
	}
	return sym
}

// Resolve returns the feed id for sym, following aliases.
func (m *FeedMap) Resolve(sym string) (string, error) {
	canonical := m.Canonical(sym)
	id, ok := m.Feeds[canonical]
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %s", ErrFeedNotFound, sym)
	}
	return normalizeID(id), nil
}

// normalizeID lowercases a feed id and strips any 0x prefix, matching the
// form Hermes returns.
func normalizeID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}
