package scores

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/occr/internal/chain"
	"github.com/mbd888/occr/internal/logging"
	"github.com/mbd888/occr/internal/metrics"
	"github.com/mbd888/occr/internal/occr"
	"github.com/mbd888/occr/internal/pagination"
	"github.com/mbd888/occr/internal/realtime"
	"github.com/mbd888/occr/internal/snapshot"
	"github.com/mbd888/occr/internal/syncutil"
	"github.com/mbd888/occr/internal/traces"
)

// ErrInvalidInput wraps snapshot validation failures.
var ErrInvalidInput = errors.New("scores: invalid snapshot input")

// Collector assembles a wallet snapshot from its sources.
type Collector interface {
	Collect(ctx context.Context, address string) (*snapshot.WalletSnapshot, error)
}

// Publisher talks to the on-chain scorer contract.
type Publisher interface {
	Publish(ctx context.Context, user string, score int, tier uint8) (*chain.PublishResult, error)
	Read(ctx context.Context, user string) (*chain.OnchainScore, error)
	Validate(ctx context.Context, user string, minScore int) (bool, error)
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*chain.Receipt, error)
}

// Broadcaster receives score events.
type Broadcaster interface {
	Broadcast(event *realtime.Event)
}

// RefreshResult is the outcome of one pipeline run.
type RefreshResult struct {
	Record  *Record              `json:"record"`
	Publish *chain.PublishResult `json:"publish,omitempty"`
	Receipt *chain.Receipt       `json:"receipt,omitempty"`
}

// Service runs the scoring pipeline.
type Service struct {
	store     Store
	collector Collector
	builder   *snapshot.Builder
	engine    *occr.Engine
	publisher Publisher
	events    Broadcaster
	confirm   time.Duration
	locks     *syncutil.WalletLocks
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher enables on-chain publishing and reads.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithBroadcaster sends score events to b.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.events = b }
}

// WithConfirmation waits up to d for each publish to be mined. Zero disables.
func WithConfirmation(d time.Duration) Option {
	return func(s *Service) { s.confirm = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a scoring service.
func NewService(store Store, collector Collector, builder *snapshot.Builder, engine *occr.Engine, opts ...Option) *Service {
	s := &Service{
		store:     store,
		collector: collector,
		builder:   builder,
		engine:    engine,
		locks:     syncutil.NewWalletLocks(),
		logger:    logging.Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChainEnabled reports whether a publisher is configured.
func (s *Service) ChainEnabled() bool {
	return s.publisher != nil
}

// Compute scores a caller-supplied input. Nothing is stored.
func (s *Service) Compute(ctx context.Context, in *snapshot.Input) (*Record, error) {
	snap, err := s.builder.Build(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	ctx, span := traces.StartSpan(ctx, "scores.compute", traces.Wallet(snap.Address))
	defer span.End()

	res, err := s.engine.Score(ctx, snap)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(traces.Score(res.Score), traces.Tier(string(res.Tier)))
	return NewRecord(snap, res, s.engine.Params(), s.now()), nil
}

// Refresh collects, scores and stores the wallet's score. With publish set
// the score is also pushed on chain. A failed publish still stores the
// record and returns it alongside an error wrapping ErrPublish. Refreshes of
// the same wallet run one at a time.
func (s *Service) Refresh(ctx context.Context, address string, publish bool) (*RefreshResult, error) {
	if publish && s.publisher == nil {
		return nil, ErrChainDisabled
	}

	unlock, err := s.locks.Lock(ctx, address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "scores.refresh", traces.Wallet(address))
	defer span.End()

	snap, err := s.collector.Collect(ctx, address)
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues("collect_error").Inc()
		traces.RecordError(span, err)
		s.notifyFailure(address, err)
		if errors.Is(err, snapshot.ErrInvalidAddress) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("collect: %w", err)
	}

	res, err := s.engine.Score(ctx, snap)
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues("score_error").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("score: %w", err)
	}
	span.SetAttributes(traces.Score(res.Score), traces.Tier(string(res.Tier)))

	out := &RefreshResult{Record: NewRecord(snap, res, s.engine.Params(), s.now())}

	var publishErr error
	if publish {
		out.Publish, out.Receipt, publishErr = s.publish(ctx, out.Record)
		if out.Publish != nil {
			out.Record.TxHash = out.Publish.TxHash
		}
	}

	if err := s.store.Save(ctx, out.Record); err != nil {
		metrics.RefreshesTotal.WithLabelValues("save_error").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("save score: %w", err)
	}
	s.broadcast(realtime.EventScoreUpdated, out.Record)

	if publishErr != nil {
		metrics.RefreshesTotal.WithLabelValues("publish_error").Inc()
		traces.RecordError(span, publishErr)
		s.notifyFailure(out.Record.Address, publishErr)
		return out, fmt.Errorf("%w: %w", ErrPublish, publishErr)
	}
	if out.Record.TxHash != "" {
		s.broadcast(realtime.EventScorePublished, out.Record)
	}

	metrics.RefreshesTotal.WithLabelValues("ok").Inc()
	s.logger.Info("wallet scored",
		"address", out.Record.Address,
		"score", out.Record.Score,
		"tier", out.Record.Tier,
		"txHash", out.Record.TxHash,
	)
	return out, nil
}

func (s *Service) publish(ctx context.Context, rec *Record) (*chain.PublishResult, *chain.Receipt, error) {
	pub, err := s.publisher.Publish(ctx, rec.Address, rec.Score, rec.Tier.Index())
	if err != nil {
		return nil, nil, err
	}
	if pub.Skipped || s.confirm <= 0 {
		return pub, nil, nil
	}
	receipt, err := s.publisher.WaitForReceipt(ctx, pub.TxHash, s.confirm)
	if err != nil {
		return pub, nil, err
	}
	return pub, receipt, nil
}

// Get returns the latest stored record for address.
func (s *Service) Get(ctx context.Context, address string) (*Record, error) {
	addr, err := snapshot.NormalizeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return s.store.Latest(ctx, addr)
}

// HistoryPage is one page of stored records, newest first.
type HistoryPage struct {
	Scores     []*Record `json:"scores"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// History returns up to limit stored records for address, newest first,
// starting after cursor (empty for the newest).
func (s *Service) History(ctx context.Context, address string, limit int, cursor string) (*HistoryPage, error) {
	addr, err := snapshot.NormalizeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	limit = min(clampLimit(limit), maxPageSize)

	recs, err := s.store.History(ctx, addr, limit+1, before)
	if err != nil {
		return nil, err
	}
	page := &HistoryPage{}
	page.Scores, page.NextCursor, page.HasMore = pagination.ComputePage(recs, limit,
		func(r *Record) (time.Time, string) { return r.CreatedAt, r.ID })
	if page.Scores == nil {
		page.Scores = []*Record{}
	}
	return page, nil
}

// Tracked lists every address with at least one stored record.
func (s *Service) Tracked(ctx context.Context) ([]string, error) {
	return s.store.Addresses(ctx)
}

// Onchain reads the score the contract currently holds for address.
func (s *Service) Onchain(ctx context.Context, address string) (*chain.OnchainScore, error) {
	if s.publisher == nil {
		return nil, ErrChainDisabled
	}
	addr, err := snapshot.NormalizeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return s.publisher.Read(ctx, addr)
}

// Validate asks the contract whether address holds a fresh score of at
// least minScore.
func (s *Service) Validate(ctx context.Context, address string, minScore int) (bool, error) {
	if s.publisher == nil {
		return false, ErrChainDisabled
	}
	addr, err := snapshot.NormalizeAddress(address)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return s.publisher.Validate(ctx, addr, minScore)
}

func (s *Service) broadcast(t realtime.EventType, rec *Record) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(&realtime.Event{
		Type: t,
		Data: realtime.ScorePayload{
			Address:     rec.Address,
			Score:       rec.Score,
			Tier:        string(rec.Tier),
			Probability: rec.Probability,
			TxHash:      rec.TxHash,
		},
	})
}

func (s *Service) notifyFailure(address string, err error) {
	s.logger.Warn("score refresh failed", "address", address, "error", err)
	if s.events == nil {
		return
	}
	s.events.Broadcast(&realtime.Event{
		Type: realtime.EventRefreshFailed,
		Data: realtime.ScorePayload{Address: address, Error: err.Error()},
	})
}
