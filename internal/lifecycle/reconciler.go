package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/imrishuroy/go-course-purchase/internal/config"
	"github.com/imrishuroy/go-course-purchase/internal/metrics"
	"github.com/imrishuroy/go-course-purchase/internal/purchases"
)

const (
	reasonOrphaned = "orphaned: checkout session never attached"
	reasonExpired  = "expired: no terminal webhook received"
)

// Repropagator is implemented by Processor.
type Repropagator interface {
	Repropagate(ctx context.Context, purchaseID string) error
}

// CountEmitter publishes sweep counts. Implemented by aws.MetricsEmitter.
type CountEmitter interface {
	EmitCounts(ctx context.Context, counts map[string]int) error
}

// Report summarises one sweep.
type Report struct {
	Orphaned     int `json:"orphaned"`
	Expired      int `json:"expired"`
	Repropagated int `json:"repropagated"`
	Errors       int `json:"errors"`
}

// Reconciler closes purchases whose webhook never arrived and finishes propagation that
// was interrupted.
type Reconciler struct {
	ledger  Ledger
	repro   Repropagator
	emitter CountEmitter // optional
	conf    config.Reconciler
	log     *slog.Logger
	nowFunc func() time.Time
}

func NewReconciler(ledger Ledger, repro Repropagator, emitter CountEmitter, conf config.Reconciler, log *slog.Logger) *Reconciler {
	return &Reconciler{
		ledger:  ledger,
		repro:   repro,
		emitter: emitter,
		conf:    conf,
		log:     log,
		nowFunc: time.Now,
	}
}

// Run sweeps every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.conf.Interval)
	defer ticker.Stop()

	r.log.Info("reconciler started", slog.Duration("interval", r.conf.Interval))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("reconciliation failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce performs a single sweep. Per-purchase failures are counted in the report and
// retried on the next sweep; only listing failures are returned.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := r.nowFunc().UTC()

	// each category has its own query so a full batch of one never hides the others
	orphans, err := r.ledger.ListOrphaned(ctx, now.Add(-r.conf.OrphanGrace), r.conf.BatchSize)
	if err != nil {
		return rep, err
	}
	for _, p := range orphans {
		if r.failStale(ctx, &rep, p, reasonOrphaned) {
			rep.Orphaned++
		}
	}

	expired, err := r.ledger.ListByStatus(ctx, purchases.StatusPending, now.Add(-r.conf.PendingTTL), r.conf.BatchSize)
	if err != nil {
		return rep, err
	}
	for _, p := range expired {
		if r.failStale(ctx, &rep, p, reasonExpired) {
			rep.Expired++
		}
	}

	unpropagated, err := r.ledger.ListUnpropagated(ctx, now.Add(-r.conf.PropagationGrace), r.conf.BatchSize)
	if err != nil {
		return rep, err
	}
	for _, p := range unpropagated {
		if p.Status != purchases.StatusCompleted || p.Propagated() {
			continue
		}
		if err := r.repro.Repropagate(ctx, p.PurchaseID); err != nil {
			rep.Errors++
			r.log.Error("repropagate purchase", slog.String("purchase_id", p.PurchaseID), slog.Any("error", err))
			continue
		}
		rep.Repropagated++
	}

	metrics.ReconciledPurchases.WithLabelValues("orphaned").Add(float64(rep.Orphaned))
	metrics.ReconciledPurchases.WithLabelValues("expired").Add(float64(rep.Expired))
	metrics.ReconciledPurchases.WithLabelValues("repropagated").Add(float64(rep.Repropagated))

	if r.emitter != nil {
		err := r.emitter.EmitCounts(ctx, map[string]int{
			"OrphanedPurchases":     rep.Orphaned,
			"ExpiredPurchases":      rep.Expired,
			"RepropagatedPurchases": rep.Repropagated,
			"ReconcileErrors":       rep.Errors,
		})
		if err != nil {
			r.log.Warn("emit reconcile metrics", slog.Any("error", err))
		}
	}

	r.log.Info("reconciliation sweep finished",
		slog.Int("orphaned", rep.Orphaned),
		slog.Int("expired", rep.Expired),
		slog.Int("repropagated", rep.Repropagated),
		slog.Int("errors", rep.Errors))
	return rep, nil
}

// failStale moves a pending purchase to failed and reports whether this sweep did it.
func (r *Reconciler) failStale(ctx context.Context, rep *Report, p purchases.Purchase, reason string) bool {
	err := r.ledger.Fail(ctx, p.PurchaseID, reason, "")
	switch {
	case errors.Is(err, purchases.ErrStatusMismatch):
		// a webhook or an earlier query in this sweep got there first
		return false
	case err != nil:
		rep.Errors++
		r.log.Error("fail stale purchase", slog.String("purchase_id", p.PurchaseID), slog.Any("error", err))
		return false
	}
	r.log.Info("stale purchase failed", slog.String("purchase_id", p.PurchaseID), slog.String("reason", reason))
	return true
}
