package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/occr/internal/retry"
)

// Quote is one parsed Pyth price.
type Quote struct {
	ID          string
	Price       decimal.Decimal
	Conf        decimal.Decimal
	PublishTime time.Time
}

// HermesClient reads latest prices from a Pyth Hermes endpoint.
type HermesClient struct {
	baseURL string
	client  *http.Client
}

// NewHermesClient creates a client for baseURL (e.g. https://hermes.pyth.network).
func NewHermesClient(baseURL string, client *http.Client) *HermesClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HermesClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type hermesResponse struct {
	Parsed []struct {
		ID    string      `json:"id"`
		Price hermesPrice `json:"price"`
	} `json:"parsed"`
}

// Latest fetches the newest price for each feed id. Ids missing from the
// response are absent from the result.
func (h *HermesClient) Latest(ctx context.Context, ids []string) (map[string]Quote, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("ids[]", normalizeID(id))
	}
	q.Set("parsed", "true")
	endpoint := h.baseURL + "/v2/updates/price/latest?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build hermes request: %w", err))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hermes request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("hermes returned status %d", resp.StatusCode)
		if !retry.RetryableStatus(resp.StatusCode) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var body hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode hermes response: %w", err)
	}

	out := make(map[string]Quote, len(body.Parsed))
	for _, row := range body.Parsed {
		quote, err := row.Price.quote(normalizeID(row.ID))
		if err != nil {
			continue
		}
		out[quote.ID] = quote
	}
	return out, nil
}

// quote scales the integer mantissa by 10^expo.
func (p hermesPrice) quote(id string) (Quote, error) {
	mantissa, err := decimal.NewFromString(p.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("parse price %q: %w", p.Price, err)
	}
	conf := decimal.Zero
	if p.Conf != "" {
		if conf, err = decimal.NewFromString(p.Conf); err != nil {
			return Quote{}, fmt.Errorf("parse conf %q: %w", p.Conf, err)
		}
	}
	return Quote{
		ID:          id,
		Price:       mantissa.Shift(p.Expo),
		Conf:        conf.Shift(p.Expo),
		PublishTime: time.Unix(p.PublishTime, 0).UTC(),
	}, nil
}
