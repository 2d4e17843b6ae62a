package domain

import "time"

// SubscriptionStatus is the delivery state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionError    SubscriptionStatus = "error"
)

// Subscription registers a subscriber's interest in one event type. The
// (EventType, SubscriberID) pair is the compound key; re-subscribing an
// inactive subscription reactivates it rather than creating a duplicate.
type Subscription struct {
	EventType      string             `json:"event_type"`
	SubscriberID   string             `json:"subscriber_id"`
	SubscriberName string             `json:"subscriber_name"`
	Endpoint       string             `json:"endpoint,omitempty"`
	Status         SubscriptionStatus `json:"status"`
	ErrorCount     int                `json:"error_count"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}
