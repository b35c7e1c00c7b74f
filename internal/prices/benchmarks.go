package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/occr/internal/retry"
)

// BenchmarksClient reads historical bars from the Pyth Benchmarks
// TradingView shim.
type BenchmarksClient struct {
	baseURL    string
	resolution string
	client     *http.Client
}

// NewBenchmarksClient creates a client that fetches hourly bars.
func NewBenchmarksClient(baseURL string, client *http.Client) *BenchmarksClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &BenchmarksClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		resolution: "60",
		client:     client,
	}
}

type historyResponse struct {
	Status string    `json:"s"`
	Times  []int64   `json:"t"`
	Closes []float64 `json:"c"`
	Error  string    `json:"errmsg"`
}

// Closes returns closing prices for sym/USD between from and to, oldest first.
func (b *BenchmarksClient) Closes(ctx context.Context, sym string, from, to time.Time) ([]float64, error) {
	q := url.Values{}
	q.Set("symbol", "Crypto."+strings.ToUpper(sym)+"/USD")
	q.Set("resolution", b.resolution)
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))
	endpoint := b.baseURL + "/v1/shims/tradingview/history?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build history request: %w", err))
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("benchmarks returned status %d", resp.StatusCode)
		if !retry.RetryableStatus(resp.StatusCode) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	switch body.Status {
	case "ok":
		return body.Closes, nil
	case "no_data":
		return nil, nil
	default:
		return nil, retry.Permanent(fmt.Errorf("benchmarks error for %s: %s", sym, body.Error))
	}
}
