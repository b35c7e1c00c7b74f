package prices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFeedMap_ResolveAliases(t *testing.T) {
	m := DefaultFeedMap()

	id, err := m.Resolve("weth")
	require.NoError(t, err)
	assert.Equal(t, FeedETHUSD, id)

	id, err = m.Resolve(" cbBTC ")
	require.NoError(t, err)
	assert.Equal(t, FeedBTCUSD, id)

	assert.Equal(t, "ETH", m.Canonical("stETH"))
	assert.Equal(t, "DAI", m.Canonical("dai"))
}

func TestDefaultFeedMap_UnknownSymbol(t *testing.T) {
	_, err := DefaultFeedMap().Resolve("PEPE")
	assert.ErrorIs(t, err, ErrFeedNotFound)
}

func TestLoadFeedMap_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	body := `feeds:
  dai: "0xB0948A5E5313200C632B51BB5CA32F6DE0D36E9950A942D19751E833F70DABFD"
  eth: "0xAAAA"
aliases:
  sdai: dai
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	m, err := LoadFeedMap(path)
	require.NoError(t, err)

	id, err := m.Resolve("SDAI")
	require.NoError(t, err)
	assert.Equal(t, "b0948a5e5313200c632b51bb5ca32f6de0d36e9950a942d19751e833f70dabfd", id)

	id, err = m.Resolve("ETH")
	require.NoError(t, err)
	assert.Equal(t, "aaaa", id, "file entries override defaults")

	id, err = m.Resolve("USDC")
	require.NoError(t, err)
	assert.Equal(t, FeedUSDCUSD, id)
}

func TestLoadFeedMap_Errors(t *testing.T) {
	_, err := LoadFeedMap(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feeds: [unterminated"), 0o600))
	_, err = LoadFeedMap(path)
	assert.Error(t, err)
}
