// Package worker runs background maintenance jobs for the billing engine.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/nexusai/billing-engine/internal/ledger"
)

// Reconciler periodically sweeps for overdrawn accounts. Overdraft-eligible
// workflows may legally drive a balance negative; those accounts need manual
// follow-up, so the sweeper surfaces them until they are settled.
type Reconciler struct {
	store    ledger.Store
	interval time.Duration
}

func NewReconciler(store ledger.Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{store: store, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	overdrawn, err := r.store.ListOverdrawn(ctx)
	if err != nil {
		log.Printf("[Reconciler] sweep failed: %v", err)
		return
	}
	for _, o := range overdrawn {
		log.Printf("[Reconciler] account %s overdrawn by %d credits, needs reconciliation", o.AccountID, -o.Balance)
	}
	if len(overdrawn) > 0 {
		log.Printf("[Reconciler] %d account(s) pending reconciliation", len(overdrawn))
	}
}
