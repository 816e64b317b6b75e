package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically marks silent workers offline. It only touches the
// workers table; reclaiming the jobs of a dead worker is the lease sweeper's
// job, on the leases' own schedule.
type Reaper struct {
	registry  *Registry
	threshold time.Duration
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
}

// NewReaper creates a periodic reaper. Workers silent longer than threshold
// are marked offline on the next tick.
func NewReaper(ctx context.Context, registry *Registry, threshold, interval time.Duration, logger *zap.SugaredLogger) *Reaper {
	reapCtx, cancel := context.WithCancel(ctx)
	return &Reaper{
		registry:  registry,
		threshold: threshold,
		interval:  interval,
		ctx:       reapCtx,
		cancel:    cancel,
		logger:    logger.Named("reaper"),
	}
}

// Start begins the reap loop
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Infow("Reaper started", "threshold", r.threshold, "interval", r.interval)
}

// Stop gracefully stops the reap loop
func (r *Reaper) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Infow("Reaper stopped")
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			n, err := r.registry.Reap(r.ctx, r.threshold)
			if err != nil {
				if r.ctx.Err() != nil {
					return
				}
				r.logger.Warnw("Reap failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Infow("Marked silent workers offline", "count", n, "threshold", r.threshold)
			}
		}
	}
}
