package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/common/logger"
	"github.com/devtrail/devtrail/internal/store"
)

// Rescanner periodically re-enqueues sessions whose processing stalled,
// typically because the process crashed mid-parse or the queue dropped them
// under load.
type Rescanner struct {
	store     store.Store
	queue     *Queue
	logger    *logger.Logger
	threshold time.Duration
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRescanner builds a Rescanner. threshold is how long a session may sit in
// a non-terminal parse state before it counts as stuck.
func NewRescanner(st store.Store, queue *Queue, threshold, interval time.Duration, log *logger.Logger) *Rescanner {
	return &Rescanner{
		store:     st,
		queue:     queue,
		logger:    log,
		threshold: threshold,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Start runs the scan loop until Stop is called.
func (r *Rescanner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.scan(ctx)
			}
		}
	}()
}

// Stop halts the loop.
func (r *Rescanner) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Rescanner) scan(ctx context.Context) {
	stuck, err := r.store.FindStuckSessions(ctx, r.threshold)
	if err != nil {
		r.logger.Error("Stuck-session scan failed", zap.Error(err))
		return
	}
	if len(stuck) == 0 {
		return
	}
	r.logger.Info("Re-enqueueing stuck sessions", zap.Int("count", len(stuck)))
	for _, sess := range stuck {
		r.queue.Enqueue(sess.ID)
	}
}
