package scores

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/occr/internal/metrics"
)

// maxConcurrentRefreshes bounds how many wallets one sweep scores at once.
const maxConcurrentRefreshes = 4

// Worker periodically rescores a watchlist of wallets.
type Worker struct {
	service   *Service
	watchlist []string
	publish   bool
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
}

// NewWorker creates a rescoring worker. With publish set every sweep also
// pushes scores on chain.
func NewWorker(service *Service, watchlist []string, publish bool, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		service:   service,
		watchlist: watchlist,
		publish:   publish,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start begins the rescoring loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

// targets is the watchlist, or every stored wallet when no watchlist is set.
func (w *Worker) targets(ctx context.Context) []string {
	if len(w.watchlist) > 0 {
		return w.watchlist
	}
	addrs, err := w.service.Tracked(ctx)
	if err != nil {
		w.logger.Warn("failed to list stored wallets", "error", err)
		return nil
	}
	return addrs
}

func (w *Worker) sweep(ctx context.Context) {
	targets := w.targets(ctx)
	if len(targets) == 0 {
		return
	}
	metrics.WorkerRunsTotal.Inc()
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(maxConcurrentRefreshes)
	for _, addr := range targets {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			// Refresh logs and broadcasts its own failures.
			_, _ = w.service.Refresh(ctx, addr, w.publish)
			return nil
		})
	}
	_ = g.Wait()

	w.logger.Info("rescoring sweep complete",
		"wallets", len(targets),
		"duration", time.Since(start).String(),
	)
}
