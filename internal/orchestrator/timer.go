package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tradewell/escrowd/internal/metrics"
	"github.com/tradewell/escrowd/internal/trade"
)

// Reconciler periodically sweeps open trades, mirrors on-chain status into
// the store, and warns about deadlines that have passed. It never advances a
// trade by itself; expiry consequences are enforced by the contract.
type Reconciler struct {
	orch     *Orchestrator
	store    trade.Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReconciler creates a reconciler sweeping at the given interval.
func NewReconciler(orch *Orchestrator, store trade.Store, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		orch:     orch,
		store:    store,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in reconciler sweep", "panic", fmt.Sprint(rec))
		}
	}()
	r.Sweep(ctx)
}

// Sweep runs one reconciliation pass over open trades.
func (r *Reconciler) Sweep(ctx context.Context) {
	open, err := r.store.ListOpen(ctx, r.batch)
	if err != nil {
		r.logger.Warn("failed to list open trades", "error", err)
		return
	}

	for _, t := range open {
		snap, err := r.orch.Status(ctx, t.ID)
		if err != nil {
			r.logger.Warn("reconcile status read failed", "trade", t.ID, "error", err)
			continue
		}

		if snap.Source == SourceChain && snap.Authoritative != t.Status {
			if _, err := r.orch.Resync(ctx, t.ID); err != nil {
				r.logger.Warn("reconcile resync failed", "trade", t.ID, "error", err)
				continue
			}
			metrics.ReconcileCorrections.Inc()
		}

		if d := snap.Deadline; d != nil && d.Expired {
			r.logger.Warn("trade deadline expired",
				"trade", t.ID,
				"op", d.Operation,
				"expiredAt", d.ExpiresAt,
				"bondAtRisk", d.Risk,
			)
		}
	}
}
