// internal/offline/flusher.go
package offline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
	"github.com/fieldlog/voice-pipeline/internal/common/metrics"
)

const (
	defaultBatchSize  = 50
	defaultMaxRetries = 5
)

// Flusher drains the offline queue once connectivity returns. Tenants flush
// in parallel; entries within a tenant flush strictly in enqueue order, and a
// transient failure stops that tenant's pass so ordering survives to the next
// attempt.
type Flusher struct {
	store        Store
	storage      collab.Storage
	connectivity collab.Connectivity
	logger       logger.Logger
	batchSize    int
	maxRetries   int
}

func NewFlusher(store Store, storage collab.Storage, conn collab.Connectivity, log logger.Logger) *Flusher {
	return &Flusher{
		store:        store,
		storage:      storage,
		connectivity: conn,
		logger:       log.With(map[string]interface{}{"component": "offline-flusher"}),
		batchSize:    defaultBatchSize,
		maxRetries:   defaultMaxRetries,
	}
}

// Run polls for connectivity and flushes until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !f.connectivity.IsNetworkAvailable() {
				continue
			}
			if err := f.Flush(ctx); err != nil {
				f.logger.WithError(err).Warn("offline flush pass failed", nil)
			}
		}
	}
}

// Flush performs one pass over every tenant with pending entries.
func (f *Flusher) Flush(ctx context.Context) error {
	tenants, err := f.store.Tenants(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, tenant := range tenants {
		tenant := tenant
		g.Go(func() error {
			return f.flushTenant(ctx, tenant)
		})
	}
	return g.Wait()
}

func (f *Flusher) flushTenant(ctx context.Context, tenant string) error {
	defer f.reportDepth(ctx, tenant)

	for {
		entries, err := f.store.OldestPending(ctx, tenant, f.batchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}

			_, execErr := f.storage.Execute(ctx, e.Intent, e.Context, "run-"+e.RunID)
			if execErr == nil {
				if err := f.store.Ack(ctx, e.ID); err != nil {
					return err
				}
				f.logger.Info("replayed offline entry", map[string]interface{}{
					"tenant": tenant,
					"runId":  e.RunID,
				})
				continue
			}

			deadLettered, failErr := f.store.Fail(ctx, e.ID, f.maxRetries)
			if failErr != nil {
				return failErr
			}
			if deadLettered {
				f.logger.WithError(execErr).Error("offline entry dead-lettered", map[string]interface{}{
					"tenant":  tenant,
					"runId":   e.RunID,
					"retries": e.RetryCount + 1,
				})
				// Dead-lettering unblocks the queue; continue with the
				// next entry.
				continue
			}

			// A retryable failure means the backend is still unhappy; stop
			// this tenant's pass so later entries keep their order.
			if pipeerrors.IsRetryable(execErr) {
				f.logger.WithError(execErr).Warn("offline replay hit transient failure, pausing tenant", map[string]interface{}{
					"tenant": tenant,
					"runId":  e.RunID,
				})
				return nil
			}

			f.logger.WithError(execErr).Warn("offline replay failed", map[string]interface{}{
				"tenant": tenant,
				"runId":  e.RunID,
			})
			return nil
		}

		if len(entries) < f.batchSize {
			return nil
		}
	}
}

func (f *Flusher) reportDepth(ctx context.Context, tenant string) {
	if n, err := f.store.PendingCount(ctx, tenant); err == nil {
		metrics.OfflineQueueDepth.WithLabelValues(tenant).Set(float64(n))
	}
}
