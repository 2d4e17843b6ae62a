package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifly/eventcore/internal/domain"
)

// Ack bookkeeping lives in Redis: a hash describing the publish and a set
// of subscriber ids that have not acknowledged yet. Keys expire so
// abandoned publishes do not accumulate.
const ackTTL = 24 * time.Hour

func publishKey(publishID string) string { return "pub:" + publishID }
func pendingKey(publishID string) string { return "pub:" + publishID + ":pending" }

// trackPending records the publish and its pending acknowledgment set.
func (p *Publisher) trackPending(ctx context.Context, publishID string, event domain.EventRecord, subscribers []*domain.Subscription) error {
	if p.redis == nil {
		return nil
	}

	members := make([]any, len(subscribers))
	for i, sub := range subscribers {
		members[i] = sub.SubscriberID
	}

	pipe := p.redis.Pipeline()
	pipe.HSet(ctx, publishKey(publishID),
		"event_id", event.ID,
		"event_type", event.EventType,
	)
	pipe.SAdd(ctx, pendingKey(publishID), members...)
	pipe.Expire(ctx, publishKey(publishID), ackTTL)
	pipe.Expire(ctx, pendingKey(publishID), ackTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tracking pending acks: %w", err)
	}
	return nil
}

// Acknowledge records a subscriber's delivery acknowledgment. Once every
// currently-active subscriber for the event's type has acknowledged, the
// stored event transitions to its acknowledged terminal state.
func (p *Publisher) Acknowledge(ctx context.Context, publishID, subscriberID string) (bool, error) {
	if p.redis == nil {
		return false, fmt.Errorf("acknowledgment tracking is not configured")
	}

	removed, err := p.redis.SRem(ctx, pendingKey(publishID), subscriberID).Result()
	if err != nil {
		return false, fmt.Errorf("recording acknowledgment: %w", err)
	}
	if removed == 0 {
		return false, nil
	}

	p.statsMu.Lock()
	p.acked++
	p.statsMu.Unlock()

	meta, err := p.redis.HGetAll(ctx, publishKey(publishID)).Result()
	if err != nil {
		return true, fmt.Errorf("loading publish record: %w", err)
	}
	eventID := meta["event_id"]
	eventType := meta["event_type"]

	pending, err := p.redis.SMembers(ctx, pendingKey(publishID)).Result()
	if err != nil {
		return true, fmt.Errorf("loading pending acks: %w", err)
	}

	// Only acks from currently-active subscribers matter; a subscriber
	// deactivated mid-flight must not hold the event open forever.
	if p.pendingActive(eventType, pending) > 0 {
		return true, nil
	}

	p.setEventStatus(ctx, eventID, domain.StatusCompleted)
	p.redis.Del(ctx, publishKey(publishID), pendingKey(publishID))

	p.logger.Info("event fully acknowledged",
		"publish_id", publishID,
		"event_id", eventID,
		"event_type", eventType,
	)
	if p.notify != nil {
		p.notify("eventpublisher.acknowledged", map[string]any{
			"publish_id": publishID,
			"event_id":   eventID,
		})
	}

	return true, nil
}

// pendingActive counts pending subscriber ids that are still active for
// the event type.
func (p *Publisher) pendingActive(eventType string, pending []string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, id := range pending {
		if sub, ok := p.subs[eventType][id]; ok && sub.Status == domain.SubscriptionActive {
			count++
		}
	}
	return count
}

// PendingAcks returns the subscriber ids that have not yet acknowledged a
// publish.
func (p *Publisher) PendingAcks(ctx context.Context, publishID string) ([]string, error) {
	if p.redis == nil {
		return nil, fmt.Errorf("acknowledgment tracking is not configured")
	}
	members, err := p.redis.SMembers(ctx, pendingKey(publishID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("loading pending acks: %w", err)
	}
	return members, nil
}
