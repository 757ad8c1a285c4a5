package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/common/logger"
)

// Queue is a bounded work queue feeding session IDs to a Runner. Enqueue
// never blocks: when the queue is full the session is dropped with a warning
// and left for the stuck-session rescan to pick up later.
type Queue struct {
	runner *Runner
	logger *logger.Logger

	ch   chan string
	wg   sync.WaitGroup
	stop sync.Once

	mu      sync.Mutex
	stopped bool
}

// NewQueue builds a Queue with maxConcurrent workers and room for maxDepth
// queued sessions. maxConcurrent zero starts no workers; sessions then queue
// up to maxDepth, which tests use to exercise overflow.
func NewQueue(runner *Runner, maxConcurrent, maxDepth int, log *logger.Logger) *Queue {
	if maxConcurrent < 0 {
		maxConcurrent = 0
	}
	if maxDepth <= 0 {
		maxDepth = 50
	}
	q := &Queue{
		runner: runner,
		logger: log,
		ch:     make(chan string, maxDepth),
	}
	for i := 0; i < maxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for sessionID := range q.ch {
		q.mu.Lock()
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			// Stop discards queued sessions; the stuck-session rescan
			// reintroduces them after a restart.
			continue
		}
		// Runs use a fresh context so an HTTP shutdown does not cancel
		// in-flight parses; Stop waits for them to finish.
		if err := q.runner.Run(context.Background(), sessionID); err != nil {
			q.logger.Error("Pipeline run failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
}

// Enqueue schedules a session for processing. A full queue drops the session;
// enqueueing after Stop is a no-op.
func (q *Queue) Enqueue(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	select {
	case q.ch <- sessionID:
	default:
		q.logger.Warn("Pipeline queue full, dropping session",
			zap.String("session_id", sessionID),
		)
	}
}

// Depth reports how many sessions are waiting.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Stop discards queued sessions and blocks until in-flight runs finish.
func (q *Queue) Stop() {
	q.stop.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		close(q.ch)
		for range q.ch {
			// Discard entries no worker has claimed.
		}
		q.wg.Wait()
	})
}
