package prices

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/occr/internal/circuitbreaker"
	"github.com/mbd888/occr/internal/metrics"
	"github.com/mbd888/occr/internal/retry"
	"github.com/mbd888/occr/internal/traces"
)

const breakerKey = "hermes"

// LatestFetcher returns the newest quotes for a set of feed ids.
type LatestFetcher interface {
	Latest(ctx context.Context, ids []string) (map[string]Quote, error)
}

// Oracle resolves symbols to USD prices through a FeedMap, a cache and an
// upstream feed guarded by retries and a circuit breaker.
type Oracle struct {
	feeds   *FeedMap
	source  LatestFetcher
	cache   Cache
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	ttl     time.Duration
	maxAge  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// OracleOption configures an Oracle.
type OracleOption func(*Oracle)

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) OracleOption {
	return func(o *Oracle) { o.cache = c }
}

// WithCacheTTL sets how long fetched prices are reused.
func WithCacheTTL(ttl time.Duration) OracleOption {
	return func(o *Oracle) { o.ttl = ttl }
}

// WithMaxAge rejects quotes published longer ago than d.
func WithMaxAge(d time.Duration) OracleOption {
	return func(o *Oracle) { o.maxAge = d }
}

// WithRetryPolicy overrides the upstream retry policy.
func WithRetryPolicy(p retry.Policy) OracleOption {
	return func(o *Oracle) { o.policy = p }
}

// WithBreaker shares a circuit breaker with other upstream clients.
func WithBreaker(b *circuitbreaker.Breaker) OracleOption {
	return func(o *Oracle) { o.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OracleOption {
	return func(o *Oracle) { o.logger = l }
}

// WithClock overrides the clock used for staleness checks.
func WithClock(now func() time.Time) OracleOption {
	return func(o *Oracle) { o.now = now }
}

// NewOracle creates an oracle over source.
func NewOracle(feeds *FeedMap, source LatestFetcher, opts ...OracleOption) *Oracle {
	o := &Oracle{
		feeds:   feeds,
		source:  source,
		cache:   NewMemoryCache(),
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.DefaultPolicy,
		ttl:     30 * time.Second,
		maxAge:  10 * time.Minute,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Feeds returns the feed map in use.
func (o *Oracle) Feeds() *FeedMap {
	return o.feeds
}

// PriceUSD returns the USD price of one unit of sym.
func (o *Oracle) PriceUSD(ctx context.Context, sym string) (decimal.Decimal, error) {
	if _, err := o.feeds.Resolve(sym); err != nil {
		return decimal.Zero, err
	}
	got, skipped, err := o.prices(ctx, []string{sym})
	if err != nil {
		return decimal.Zero, err
	}
	canonical := o.feeds.Canonical(sym)
	if err := skipped[canonical]; err != nil {
		return decimal.Zero, err
	}
	price, ok := got[canonical]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, sym)
	}
	return price, nil
}

// PricesUSD prices several symbols with at most one upstream call. The result
// is keyed by the requested symbol, upper-cased; symbols without a feed or a
// fresh quote are left out.
func (o *Oracle) PricesUSD(ctx context.Context, syms []string) (map[string]decimal.Decimal, error) {
	byCanonical, _, err := o.prices(ctx, syms)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(syms))
	for _, sym := range syms {
		if p, ok := byCanonical[o.feeds.Canonical(sym)]; ok {
			out[strings.ToUpper(strings.TrimSpace(sym))] = p
		}
	}
	return out, nil
}

// prices also reports why individual symbols were skipped.
func (o *Oracle) prices(ctx context.Context, syms []string) (map[string]decimal.Decimal, map[string]error, error) {
	skipped := make(map[string]error)
	out := make(map[string]decimal.Decimal, len(syms))
	idToSym := make(map[string]string)

	for _, sym := range syms {
		canonical := o.feeds.Canonical(sym)
		if _, done := out[canonical]; done {
			continue
		}
		id, err := o.feeds.Resolve(canonical)
		if err != nil {
			o.logger.Debug("no price feed", "symbol", sym)
			skipped[canonical] = err
			continue
		}
		if cached, ok := o.cached(ctx, canonical); ok {
			out[canonical] = cached
			continue
		}
		idToSym[id] = canonical
	}
	if len(idToSym) == 0 {
		return out, skipped, nil
	}

	ids := make([]string, 0, len(idToSym))
	for id := range idToSym {
		ids = append(ids, id)
	}

	ctx, span := traces.StartSpan(ctx, "prices.fetch_latest")
	defer span.End()

	var quotes map[string]Quote
	err := o.breaker.Do(breakerKey, func() error {
		return retry.Do(ctx, o.policy, func(ctx context.Context) error {
			var err error
			quotes, err = o.source.Latest(ctx, ids)
			return err
		})
	})
	if err != nil {
		metrics.PriceFetchesTotal.WithLabelValues("hermes", "error").Inc()
		traces.RecordError(span, err)
		return nil, nil, fmt.Errorf("fetch prices: %w", err)
	}
	metrics.PriceFetchesTotal.WithLabelValues("hermes", "ok").Inc()

	now := o.now()
	for id, sym := range idToSym {
		q, ok := quotes[id]
		if !ok || !q.Price.IsPositive() {
			o.logger.Warn("missing price in upstream response", "symbol", sym, "feed", id)
			skipped[sym] = fmt.Errorf("%w: %s", ErrNoPrice, sym)
			continue
		}
		if o.maxAge > 0 && now.Sub(q.PublishTime) > o.maxAge {
			o.logger.Warn("stale price ignored", "symbol", sym, "published", q.PublishTime)
			skipped[sym] = fmt.Errorf("%w: %s published %s", ErrStalePrice, sym, q.PublishTime.Format(time.RFC3339))
			continue
		}
		out[sym] = q.Price
		if err := o.cache.Set(ctx, priceKey(sym), q.Price.String(), o.ttl); err != nil {
			o.logger.Warn("price cache write failed", "symbol", sym, "error", err)
		}
	}
	return out, skipped, nil
}

func (o *Oracle) cached(ctx context.Context, sym string) (decimal.Decimal, bool) {
	raw, ok, err := o.cache.Get(ctx, priceKey(sym))
	if err != nil {
		o.logger.Warn("price cache read failed", "symbol", sym, "error", err)
	}
	if err != nil || !ok {
		metrics.PriceCacheTotal.WithLabelValues("miss").Inc()
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		metrics.PriceCacheTotal.WithLabelValues("miss").Inc()
		return decimal.Zero, false
	}
	metrics.PriceCacheTotal.WithLabelValues("hit").Inc()
	return d, true
}

func priceKey(sym string) string {
	return "price:" + sym
}
