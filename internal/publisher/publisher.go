package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/notifly/eventcore/internal/domain"
)

// Failure strategies for publishes that exhaust their retry budget.
const (
	StrategyRetry      = "retry"
	StrategyDeadLetter = "dead_letter"
	StrategyIgnore     = "ignore"
)

// A subscription is auto-deactivated after this many consecutive
// delivery errors so one bad subscriber cannot degrade the rest.
const maxConsecutiveErrors = 5

// Config holds the publisher's tunables.
type Config struct {
	Enabled         bool
	Retries         int
	RetryDelay      time.Duration
	BatchSize       int
	QueueSize       int
	NumWorkers      int
	FailureStrategy string
}

// DeliveryFunc performs in-process delivery to a subscriber. Subscribers
// without an HTTP endpoint must register one.
type DeliveryFunc func(ctx context.Context, event domain.EventRecord) error

// EventStatusStore updates an event's soft status after publishing.
// Satisfied by *store.EventStore; nil disables status transitions.
type EventStatusStore interface {
	UpdateStatus(ctx context.Context, id string, status domain.EventStatus) error
}

// DeadLetterSink records publishes that exhausted retries under the
// dead_letter strategy. Satisfied by *store.Postgres.
type DeadLetterSink interface {
	InsertPublishDeadLetter(ctx context.Context, eventID, subscriberID, eventType string, attempts int, lastError string) error
}

// PublishResult is the structured outcome of one publish.
type PublishResult struct {
	Success         bool   `json:"success"`
	PublishID       string `json:"publish_id"`
	EventID         string `json:"event_id"`
	Acknowledgments int    `json:"acknowledgments"`
	Retries         int    `json:"retries"`
	Error           string `json:"error,omitempty"`
}

// Publisher fans stored events out to registered subscribers, tracks
// acknowledgments in Redis, and retries failed deliveries.
type Publisher struct {
	cfg        Config
	logger     *slog.Logger
	redis      *redis.Client
	store      EventStatusStore
	deadLetter DeadLetterSink
	notify     func(topic string, payload any)
	httpClient *http.Client

	mu         sync.RWMutex
	subs       map[string]map[string]*domain.Subscription
	deliverers map[string]DeliveryFunc
	secrets    map[string]string

	queue *intakeQueue
	wg    sync.WaitGroup

	statsMu         sync.Mutex
	totalPublishes  int64
	failedPublishes int64
	deliveries      int64
	acked           int64

	now   func() time.Time
	sleep func(time.Duration)
}

func New(cfg Config, redisClient *redis.Client, logger *slog.Logger) *Publisher {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 10
	}
	if cfg.FailureStrategy == "" {
		cfg.FailureStrategy = StrategyRetry
	}
	return &Publisher{
		cfg:        cfg,
		logger:     logger,
		redis:      redisClient,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		subs:       make(map[string]map[string]*domain.Subscription),
		deliverers: make(map[string]DeliveryFunc),
		secrets:    make(map[string]string),
		queue:      newIntakeQueue(cfg.QueueSize, logger),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// SetStatusStore wires the event store for post-publish status
// transitions.
func (p *Publisher) SetStatusStore(s EventStatusStore) { p.store = s }

// SetDeadLetterSink wires the sink used by the dead_letter strategy.
func (p *Publisher) SetDeadLetterSink(s DeadLetterSink) { p.deadLetter = s }

// OnNotify registers the lifecycle notification sink.
func (p *Publisher) OnNotify(fn func(topic string, payload any)) { p.notify = fn }

// RegisterDeliverer installs the in-process delivery callback for a
// subscriber. Used when the subscription carries no HTTP endpoint.
func (p *Publisher) RegisterDeliverer(subscriberID string, fn DeliveryFunc) {
	p.mu.Lock()
	p.deliverers[subscriberID] = fn
	p.mu.Unlock()
}

// SetSecret installs the HMAC signing secret for a subscriber's endpoint
// deliveries.
func (p *Publisher) SetSecret(subscriberID, secret string) {
	p.mu.Lock()
	p.secrets[subscriberID] = secret
	p.mu.Unlock()
}

// Subscribe registers interest in an event type. Idempotent per
// (eventType, subscriberID); re-subscribing an inactive or errored
// subscription reactivates it and resets its error count.
func (p *Publisher) Subscribe(eventType, subscriberID, subscriberName, endpoint string) *domain.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	byID := p.subs[eventType]
	if byID == nil {
		byID = make(map[string]*domain.Subscription)
		p.subs[eventType] = byID
	}

	if sub, ok := byID[subscriberID]; ok {
		sub.Status = domain.SubscriptionActive
		sub.ErrorCount = 0
		sub.SubscriberName = subscriberName
		if endpoint != "" {
			sub.Endpoint = endpoint
		}
		sub.UpdatedAt = p.now()
		return sub
	}

	sub := &domain.Subscription{
		EventType:      eventType,
		SubscriberID:   subscriberID,
		SubscriberName: subscriberName,
		Endpoint:       endpoint,
		Status:         domain.SubscriptionActive,
		CreatedAt:      p.now(),
		UpdatedAt:      p.now(),
	}
	byID[subscriberID] = sub

	p.logger.Info("subscriber registered",
		"event_type", eventType,
		"subscriber_id", subscriberID,
		"subscriber_name", subscriberName,
	)
	if p.notify != nil {
		p.notify("eventpublisher.subscribed", *sub)
	}

	return sub
}

// Unsubscribe marks the subscription inactive. History is kept; the
// subscription can be reactivated by subscribing again.
func (p *Publisher) Unsubscribe(eventType, subscriberID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.subs[eventType][subscriberID]
	if !ok {
		return false
	}
	sub.Status = domain.SubscriptionInactive
	sub.UpdatedAt = p.now()
	return true
}

// Subscriptions returns a snapshot of every subscription for an event
// type, or all subscriptions when eventType is empty.
func (p *Publisher) Subscriptions(eventType string) []domain.Subscription {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []domain.Subscription
	for et, byID := range p.subs {
		if eventType != "" && et != eventType {
			continue
		}
		for _, sub := range byID {
			out = append(out, *sub)
		}
	}
	if out == nil {
		out = []domain.Subscription{}
	}
	return out
}

// activeSubscribers returns a snapshot of active subscriptions for an
// event type.
func (p *Publisher) activeSubscribers(eventType string) []*domain.Subscription {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var active []*domain.Subscription
	for _, sub := range p.subs[eventType] {
		if sub.Status == domain.SubscriptionActive {
			active = append(active, sub)
		}
	}
	return active
}

// Publish fans one event out to every active subscriber for its type,
// concurrently. With no subscribers the publish trivially succeeds with
// zero acknowledgments.
func (p *Publisher) Publish(ctx context.Context, event domain.EventRecord) (*PublishResult, error) {
	if !p.cfg.Enabled {
		return nil, fmt.Errorf("event publisher is disabled")
	}
	if event.ID == "" || event.EventType == "" {
		return nil, &domain.ValidationError{Field: "event_type", Reason: "and id are required to publish"}
	}

	p.statsMu.Lock()
	p.totalPublishes++
	p.statsMu.Unlock()

	result := &PublishResult{
		PublishID: uuid.NewString(),
		EventID:   event.ID,
	}

	subscribers := p.activeSubscribers(event.EventType)
	if len(subscribers) == 0 {
		result.Success = true
		p.logger.Debug("no active subscribers", "event_id", event.ID, "event_type", event.EventType)
		return result, nil
	}

	if err := p.trackPending(ctx, result.PublishID, event, subscribers); err != nil {
		p.logger.Error("failed to track pending acknowledgments", "publish_id", result.PublishID, "error", err)
	}

	// Subscribers are isolated from each other: one subscriber
	// exhausting its retries must not cancel a sibling's in-flight
	// delivery, so every delivery gets the caller's ctx, never a
	// group-scoped one.
	var resultMu sync.Mutex
	var g errgroup.Group
	for _, sub := range subscribers {
		sub := sub
		g.Go(func() error {
			retries, err := p.deliverWithRetry(ctx, sub, event)

			resultMu.Lock()
			result.Retries += retries
			if err == nil {
				result.Acknowledgments++
			}
			resultMu.Unlock()

			if err != nil {
				p.recordDeliveryFailure(ctx, sub, event, retries+1, err)
				if p.cfg.FailureStrategy == StrategyIgnore {
					return nil
				}
				return fmt.Errorf("delivering to %s: %w", sub.SubscriberID, err)
			}

			p.resetErrorCount(sub)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		result.Error = err.Error()
		p.statsMu.Lock()
		p.failedPublishes++
		p.statsMu.Unlock()
		p.setEventStatus(ctx, event.ID, domain.StatusFailed)

		if p.notify != nil {
			p.notify("eventpublisher.publish_failed", *result)
		}
		return result, nil
	}

	result.Success = true
	p.setEventStatus(ctx, event.ID, domain.StatusProcessing)

	p.logger.Info("event published",
		"publish_id", result.PublishID,
		"event_id", event.ID,
		"event_type", event.EventType,
		"acknowledgments", result.Acknowledgments,
		"retries", result.Retries,
	)
	if p.notify != nil {
		p.notify("event."+event.EventType, event)
		p.notify("eventpublisher.published", *result)
	}

	return result, nil
}

// PublishBatch validates every event up front, then publishes in chunks
// of the configured batch size.
func (p *Publisher) PublishBatch(ctx context.Context, events []domain.EventRecord) ([]PublishResult, error) {
	if !p.cfg.Enabled {
		return nil, fmt.Errorf("event publisher is disabled")
	}

	for i, event := range events {
		if event.ID == "" || event.EventType == "" {
			return nil, &domain.ValidationError{
				Field:  "events",
				Reason: fmt.Sprintf("entry %d is missing id or event_type", i),
			}
		}
	}

	results := make([]PublishResult, 0, len(events))
	for start := 0; start < len(events); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(events) {
			end = len(events)
		}
		for _, event := range events[start:end] {
			res, err := p.Publish(ctx, event)
			if err != nil {
				return results, err
			}
			results = append(results, *res)
		}
	}

	return results, nil
}

// deliverWithRetry attempts delivery up to the retry budget with a fixed
// delay multiplied by the attempt number. Returns the number of retries
// performed (attempts beyond the first).
func (p *Publisher) deliverWithRetry(ctx context.Context, sub *domain.Subscription, event domain.EventRecord) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.Retries; attempt++ {
		if err := p.deliver(ctx, sub, event); err != nil {
			lastErr = err
			p.logger.Warn("delivery failed",
				"subscriber_id", sub.SubscriberID,
				"event_id", event.ID,
				"attempt", attempt,
				"error", err,
			)
			if attempt < p.cfg.Retries && ctx.Err() == nil {
				p.sleep(p.cfg.RetryDelay * time.Duration(attempt))
			}
			continue
		}

		p.statsMu.Lock()
		p.deliveries++
		p.statsMu.Unlock()
		return attempt - 1, nil
	}

	return p.cfg.Retries - 1, &domain.MaxRetriesError{Attempts: p.cfg.Retries, Last: lastErr}
}

// deliver routes one delivery: signed HTTP POST when the subscription has
// an endpoint, otherwise the registered in-process callback.
func (p *Publisher) deliver(ctx context.Context, sub *domain.Subscription, event domain.EventRecord) error {
	if sub.Endpoint != "" {
		return p.deliverHTTP(ctx, sub, event)
	}

	p.mu.RLock()
	fn := p.deliverers[sub.SubscriberID]
	p.mu.RUnlock()
	if fn == nil {
		return fmt.Errorf("subscriber %s has no endpoint and no registered deliverer", sub.SubscriberID)
	}
	return fn(ctx, event)
}

// recordDeliveryFailure bumps the subscription's consecutive error count,
// auto-deactivating it past the threshold, and applies the configured
// failure strategy.
func (p *Publisher) recordDeliveryFailure(ctx context.Context, sub *domain.Subscription, event domain.EventRecord, attempts int, err error) {
	p.mu.Lock()
	sub.ErrorCount++
	sub.UpdatedAt = p.now()
	deactivated := false
	if sub.ErrorCount >= maxConsecutiveErrors && sub.Status == domain.SubscriptionActive {
		sub.Status = domain.SubscriptionError
		deactivated = true
	}
	p.mu.Unlock()

	if deactivated {
		p.logger.Warn("subscription auto-deactivated after consecutive errors",
			"event_type", sub.EventType,
			"subscriber_id", sub.SubscriberID,
			"error_count", sub.ErrorCount,
		)
		if p.notify != nil {
			p.notify("eventpublisher.subscription_deactivated", *sub)
		}
	}

	switch p.cfg.FailureStrategy {
	case StrategyDeadLetter:
		if p.deadLetter != nil {
			if dlErr := p.deadLetter.InsertPublishDeadLetter(ctx, event.ID, sub.SubscriberID, event.EventType, attempts, err.Error()); dlErr != nil {
				p.logger.Error("failed to record dead letter", "event_id", event.ID, "error", dlErr)
			}
		}
	case StrategyIgnore:
		p.logger.Info("delivery failure ignored by strategy",
			"event_id", event.ID,
			"subscriber_id", sub.SubscriberID,
		)
	}
}

func (p *Publisher) resetErrorCount(sub *domain.Subscription) {
	p.mu.Lock()
	sub.ErrorCount = 0
	p.mu.Unlock()
}

func (p *Publisher) setEventStatus(ctx context.Context, eventID string, status domain.EventStatus) {
	if p.store == nil {
		return
	}
	if err := p.store.UpdateStatus(ctx, eventID, status); err != nil {
		p.logger.Error("failed to update event status", "event_id", eventID, "error", err)
	}
}

// Stats is the publisher's counter snapshot.
type Stats struct {
	TotalPublishes      int64 `json:"total_publishes"`
	FailedPublishes     int64 `json:"failed_publishes"`
	Deliveries          int64 `json:"deliveries"`
	Acknowledged        int64 `json:"acknowledged"`
	QueueDepth          int   `json:"queue_depth"`
	QueueDropped        int64 `json:"queue_dropped"`
	ActiveSubscriptions int   `json:"active_subscriptions"`
}

func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	active := 0
	for _, byID := range p.subs {
		for _, sub := range byID {
			if sub.Status == domain.SubscriptionActive {
				active++
			}
		}
	}
	p.mu.RUnlock()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return Stats{
		TotalPublishes:      p.totalPublishes,
		FailedPublishes:     p.failedPublishes,
		Deliveries:          p.deliveries,
		Acknowledged:        p.acked,
		QueueDepth:          p.queue.depth(),
		QueueDropped:        p.queue.dropped.Load(),
		ActiveSubscriptions: active,
	}
}

// Health reports the publisher's operational status.
type Health struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (p *Publisher) Health(ctx context.Context) Health {
	if !p.cfg.Enabled {
		return Health{Status: "disabled"}
	}
	if p.redis != nil {
		if err := p.redis.Ping(ctx).Err(); err != nil {
			return Health{Status: "unhealthy", Details: err.Error()}
		}
	}
	return Health{Status: "healthy"}
}
