package publisher

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/notifly/eventcore/internal/domain"
)

// intakeQueue is the bounded in-memory FIFO between the store's append
// notifications and the publish workers. When full it sheds the OLDEST
// pending entry rather than blocking the producer.
type intakeQueue struct {
	ch      chan domain.EventRecord
	dropped atomic.Int64
	logger  *slog.Logger
}

func newIntakeQueue(capacity int, logger *slog.Logger) *intakeQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &intakeQueue{
		ch:     make(chan domain.EventRecord, capacity),
		logger: logger,
	}
}

// enqueue adds an event, dropping the oldest pending entry when the
// queue is at capacity.
func (q *intakeQueue) enqueue(event domain.EventRecord) {
	for {
		select {
		case q.ch <- event:
			return
		default:
		}

		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			q.logger.Warn("publish queue full, dropping oldest event",
				"dropped_event_id", old.ID,
				"dropped_event_type", old.EventType,
			)
		default:
			// A worker drained the queue between the two selects; retry.
		}
	}
}

func (q *intakeQueue) depth() int { return len(q.ch) }

// Start launches the publish worker pool. Workers drain the intake queue
// until the context is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("publish workers started", "num_workers", p.cfg.NumWorkers)
}

// Stop waits for in-flight publishes to finish. Call after cancelling the
// context passed to Start.
func (p *Publisher) Stop() {
	p.wg.Wait()
	p.logger.Info("publish workers stopped")
}

func (p *Publisher) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.queue.ch:
			if _, err := p.Publish(ctx, event); err != nil {
				p.logger.Error("queued publish failed", "event_id", event.ID, "error", err)
			}
		}
	}
}

// EventStored is the store's fire-and-forget append hook.
func (p *Publisher) EventStored(event domain.EventRecord) {
	p.queue.enqueue(event)
}
