package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devtrail/devtrail/internal/common/logger"
	"github.com/devtrail/devtrail/internal/identity"
	"github.com/devtrail/devtrail/internal/ingest"
	"github.com/devtrail/devtrail/internal/store"
	"github.com/devtrail/devtrail/internal/stream"
)

// Enqueuer hands a session to the post-processing pipeline. Satisfied by
// pipeline.Queue.
type Enqueuer interface {
	Enqueue(sessionID string)
}

// Config tunes the consumer loop.
type Config struct {
	// Consumer is this instance's name within the consumer group.
	Consumer string
	// Concurrency bounds how many messages are handled at once.
	Concurrency int
	// MaxDeliveries is the delivery count at which a failing message is
	// dead-lettered instead of retried.
	MaxDeliveries int64
	// PollTimeout is how long one Fetch blocks on an empty stream.
	PollTimeout time.Duration
	// ReclaimInterval is how often pending entries of dead consumers are
	// scanned for.
	ReclaimInterval time.Duration
	// ReclaimMinIdle is how long an entry must sit unacked before it is
	// taken over.
	ReclaimMinIdle time.Duration
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = "consumer-1"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = time.Minute
	}
	return c
}

// Consumer drains the event stream and applies each event inside a
// transaction. One Consumer instance runs per process.
type Consumer struct {
	stream   stream.Stream
	store    store.Store
	registry map[string]Handler
	enqueuer Enqueuer
	logger   *logger.Logger
	cfg      Config

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewConsumer wires a Consumer. enqueuer may be nil when no pipeline is
// attached, session.end events are then applied without a follow-up run.
func NewConsumer(str stream.Stream, st store.Store, enqueuer Enqueuer, log *logger.Logger, cfg Config) *Consumer {
	return &Consumer{
		stream:   str,
		store:    st,
		registry: NewRegistry(),
		enqueuer: enqueuer,
		logger:   log,
		cfg:      cfg.withDefaults(),
		done:     make(chan struct{}),
	}
}

// Start runs the consume loop until Stop is called or ctx is canceled.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop cancels the loop and waits for in-flight handlers to finish.
func (c *Consumer) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
	})
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	lastReclaim := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		if time.Since(lastReclaim) >= c.cfg.ReclaimInterval {
			lastReclaim = time.Now()
			reclaimed, err := c.stream.Reclaim(ctx, c.cfg.Consumer, c.cfg.ReclaimMinIdle, 64)
			if err != nil {
				c.logger.Error("Failed to reclaim pending events", zap.Error(err))
			} else if len(reclaimed) > 0 {
				c.logger.Info("Reclaimed pending events", zap.Int("count", len(reclaimed)))
				c.processBatch(ctx, reclaimed)
			}
		}

		msgs, err := c.stream.Fetch(ctx, c.cfg.Consumer, 32, c.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to fetch from event stream", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		c.processBatch(ctx, msgs)
	}
}

func (c *Consumer) processBatch(ctx context.Context, msgs []*stream.Message) {
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			c.processMessage(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
}

// processMessage applies one stream entry. Failures leave the entry pending
// for redelivery until the delivery count reaches MaxDeliveries, at which
// point it is dead-lettered.
func (c *Consumer) processMessage(ctx context.Context, msg *stream.Message) {
	var env ingest.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		c.logger.Warn("Dropping undecodable stream entry", zap.String("stream_id", msg.ID), zap.Error(err))
		if err := c.stream.DeadLetter(ctx, msg, "undecodable payload: "+err.Error()); err != nil {
			c.logger.Error("Failed to dead-letter entry", zap.String("stream_id", msg.ID), zap.Error(err))
		}
		return
	}

	log := c.logger.WithEventID(env.ID)

	handler, ok := c.registry[env.Type]
	if !ok {
		// Forward-compatibility: newer producers may emit types this
		// build does not know. Ack so they do not clog the stream.
		log.Warn("Skipping event of unknown type", zap.String("type", env.Type))
		if err := c.stream.Ack(ctx, msg.ID); err != nil {
			log.Error("Failed to ack skipped event", zap.Error(err))
		}
		return
	}

	event := env.Event()

	var enqueue []string
	err := c.store.WithTx(ctx, func(tx store.Store) error {
		resolver := identity.NewResolver(tx)
		ws, err := resolver.ResolveWorkspace(ctx, env.WorkspaceID, identity.WorkspaceHints{})
		if err != nil {
			return fmt.Errorf("failed to resolve workspace: %w", err)
		}
		if err := resolver.ResolveDevice(ctx, env.DeviceID, identity.DeviceHints{}); err != nil {
			return fmt.Errorf("failed to resolve device: %w", err)
		}

		hc := &HandlerContext{
			Store:       tx,
			Event:       event,
			WorkspaceID: ws.ID,
			Logger:      log,
		}
		if err := handler(ctx, hc); err != nil {
			return err
		}
		enqueue = hc.enqueueAfterCommit
		return nil
	})
	if err != nil {
		if msg.Deliveries >= c.cfg.MaxDeliveries {
			log.Error("Dead-lettering event after repeated failures",
				zap.Int64("deliveries", msg.Deliveries),
				zap.Error(err),
			)
			if dlErr := c.stream.DeadLetter(ctx, msg, err.Error()); dlErr != nil {
				log.Error("Failed to dead-letter event", zap.Error(dlErr))
			}
			return
		}
		log.Warn("Event handler failed, leaving entry pending",
			zap.Int64("deliveries", msg.Deliveries),
			zap.Error(err),
		)
		return
	}

	if err := c.stream.Ack(ctx, msg.ID); err != nil {
		// The work committed; redelivery will hit the idempotent
		// handlers and no-op.
		log.Error("Failed to ack processed event", zap.Error(err))
		return
	}
	if c.enqueuer != nil {
		for _, sessionID := range enqueue {
			c.enqueuer.Enqueue(sessionID)
		}
	}
}
