package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/notifly/eventcore/internal/domain"
)

func newTestPublisher(t *testing.T, cfg Config) *Publisher {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	p := New(cfg, client, logger)
	p.sleep = func(time.Duration) {} // no real delays in tests
	return p
}

// fakeStatusStore records event status transitions.
type fakeStatusStore struct {
	mu       sync.Mutex
	statuses map[string]domain.EventStatus
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{statuses: make(map[string]domain.EventStatus)}
}

func (f *fakeStatusStore) UpdateStatus(_ context.Context, id string, status domain.EventStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeStatusStore) get(id string) domain.EventStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func publishEvent(id, eventType string) domain.EventRecord {
	return domain.EventRecord{
		ID:            id,
		AggregateID:   "user-123",
		AggregateType: "user",
		EventType:     eventType,
		Version:       1,
		Status:        domain.StatusPending,
		Data:          json.RawMessage(`{"k":"v"}`),
		Timestamp:     time.Now(),
	}
}

func TestSubscribe_IdempotentAndReactivates(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true})

	first := p.Subscribe("user.created", "sub-1", "billing", "")
	if first.Status != domain.SubscriptionActive {
		t.Fatalf("status: got %q, want active", first.Status)
	}

	if !p.Unsubscribe("user.created", "sub-1") {
		t.Fatal("unsubscribe should succeed")
	}
	if got := p.Subscriptions("user.created")[0].Status; got != domain.SubscriptionInactive {
		t.Fatalf("status after unsubscribe: got %q", got)
	}

	again := p.Subscribe("user.created", "sub-1", "billing", "")
	if again.Status != domain.SubscriptionActive {
		t.Errorf("re-subscribe should reactivate, got %q", again.Status)
	}
	if len(p.Subscriptions("user.created")) != 1 {
		t.Error("re-subscribing must not create a duplicate")
	}
}

func TestPublish_NoSubscribersTriviallySucceeds(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true})

	result, err := p.Publish(context.Background(), publishEvent("evt-1", "user.created"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !result.Success {
		t.Error("publish with no subscribers should succeed")
	}
	if result.Acknowledgments != 0 {
		t.Errorf("acknowledgments: got %d, want 0", result.Acknowledgments)
	}
}

func TestPublish_DeliversToAllActiveSubscribers(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true})

	var delivered atomic.Int32
	for _, id := range []string{"sub-1", "sub-2", "sub-3"} {
		p.Subscribe("user.created", id, id, "")
		p.RegisterDeliverer(id, func(context.Context, domain.EventRecord) error {
			delivered.Add(1)
			return nil
		})
	}
	p.Unsubscribe("user.created", "sub-3")

	result, err := p.Publish(context.Background(), publishEvent("evt-1", "user.created"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if !result.Success {
		t.Fatalf("publish failed: %s", result.Error)
	}
	if result.Acknowledgments != 2 {
		t.Errorf("acknowledgments: got %d, want 2", result.Acknowledgments)
	}
	if delivered.Load() != 2 {
		t.Errorf("deliveries: got %d, want 2 (inactive subscriber must be skipped)", delivered.Load())
	}
}

func TestPublish_RetriesThenSucceeds(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true, Retries: 3, RetryDelay: time.Millisecond})

	var calls atomic.Int32
	p.Subscribe("user.created", "sub-1", "flaky", "")
	p.RegisterDeliverer("sub-1", func(context.Context, domain.EventRecord) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("transient")
		}
		return nil
	})

	result, err := p.Publish(context.Background(), publishEvent("evt-1", "user.created"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if !result.Success {
		t.Fatalf("publish failed: %s", result.Error)
	}
	if result.Retries != 1 {
		t.Errorf("retries: got %d, want 1", result.Retries)
	}
	if calls.Load() != 2 {
		t.Errorf("delivery calls: got %d, want 2", calls.Load())
	}
}

func TestPublish_AcknowledgeLifecycle(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true})
	statuses := newFakeStatusStore()
	p.SetStatusStore(statuses)
	ctx := context.Background()

	p.Subscribe("user.created", "subscriber-1", "audit", "")
	p.RegisterDeliverer("subscriber-1", func(context.Context, domain.EventRecord) error { return nil })

	result, err := p.Publish(ctx, publishEvent("evt-1", "user.created"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.Acknowledgments != 1 {
		t.Fatalf("acknowledgments: got %d, want 1", result.Acknowledgments)
	}

	pending, err := p.PendingAcks(ctx, result.PublishID)
	if err != nil {
		t.Fatalf("pending acks: %v", err)
	}
	if len(pending) != 1 || pending[0] != "subscriber-1" {
		t.Fatalf("pending: got %v, want [subscriber-1]", pending)
	}

	ok, err := p.Acknowledge(ctx, result.PublishID, "subscriber-1")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if !ok {
		t.Fatal("acknowledge should report true for a pending subscriber")
	}

	// Last active subscriber acknowledged: terminal state.
	if got := statuses.get("evt-1"); got != domain.StatusCompleted {
		t.Errorf("event status: got %q, want %q", got, domain.StatusCompleted)
	}

	// A second ack for the same subscriber is a no-op.
	ok, err = p.Acknowledge(ctx, result.PublishID, "subscriber-1")
	if err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}
	if ok {
		t.Error("duplicate acknowledge should report false")
	}
}

// fakeDeadLetterSink records dead letter insertions.
type fakeDeadLetterSink struct {
	mu      sync.Mutex
	entries []fakeDeadLetterEntry
}

type fakeDeadLetterEntry struct {
	eventID      string
	subscriberID string
	eventType    string
	attempts     int
	lastError    string
}

func (f *fakeDeadLetterSink) InsertPublishDeadLetter(_ context.Context, eventID, subscriberID, eventType string, attempts int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, fakeDeadLetterEntry{eventID, subscriberID, eventType, attempts, lastError})
	return nil
}

func (f *fakeDeadLetterSink) recorded() []fakeDeadLetterEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeDeadLetterEntry(nil), f.entries...)
}

func TestPublish_FailingSubscriberDoesNotAbortSiblings(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true, Retries: 1})

	p.Subscribe("user.created", "sub-bad", "bad", "")
	p.RegisterDeliverer("sub-bad", func(context.Context, domain.EventRecord) error {
		return fmt.Errorf("always down")
	})

	// The healthy subscriber takes a moment and bails out early if its
	// context is cancelled, which is what a real HTTP delivery would do.
	p.Subscribe("user.created", "sub-good", "good", "")
	p.RegisterDeliverer("sub-good", func(ctx context.Context, _ domain.EventRecord) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return nil
		}
	})

	result, err := p.Publish(context.Background(), publishEvent("evt-1", "user.created"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if result.Success {
		t.Error("publish with an exhausted subscriber should not report success")
	}
	if result.Acknowledgments != 1 {
		t.Errorf("acknowledgments: got %d, want 1 (healthy subscriber must still deliver)", result.Acknowledgments)
	}

	for _, sub := range p.Subscriptions("user.created") {
		if sub.SubscriberID != "sub-good" {
			continue
		}
		if sub.ErrorCount != 0 {
			t.Errorf("sub-good error count: got %d, want 0", sub.ErrorCount)
		}
		if sub.Status != domain.SubscriptionActive {
			t.Errorf("sub-good status: got %q, want active", sub.Status)
		}
	}
}

func TestPublish_DeadLetterStrategyRecordsExhaustedDelivery(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true, Retries: 2, FailureStrategy: StrategyDeadLetter})
	sink := &fakeDeadLetterSink{}
	p.SetDeadLetterSink(sink)

	p.Subscribe("user.created", "sub-1", "broken", "")
	p.RegisterDeliverer("sub-1", func(context.Context, domain.EventRecord) error {
		return fmt.Errorf("endpoint gone")
	})

	result, err := p.Publish(context.Background(), publishEvent("evt-1", "user.created"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.Success {
		t.Error("exhausted publish should not report success")
	}

	entries := sink.recorded()
	if len(entries) != 1 {
		t.Fatalf("dead letters: got %d, want 1", len(entries))
	}
	got := entries[0]
	if got.eventID != "evt-1" || got.subscriberID != "sub-1" || got.eventType != "user.created" {
		t.Errorf("dead letter identity: got %+v", got)
	}
	if got.attempts != 2 {
		t.Errorf("dead letter attempts: got %d, want 2", got.attempts)
	}
}

func TestPublish_IgnoreStrategySwallowsFailure(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true, Retries: 1, FailureStrategy: StrategyIgnore})

	p.Subscribe("user.created", "sub-bad", "bad", "")
	p.RegisterDeliverer("sub-bad", func(context.Context, domain.EventRecord) error {
		return fmt.Errorf("always down")
	})
	p.Subscribe("user.created", "sub-good", "good", "")
	p.RegisterDeliverer("sub-good", func(context.Context, domain.EventRecord) error { return nil })

	result, err := p.Publish(context.Background(), publishEvent("evt-1", "user.created"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if !result.Success {
		t.Errorf("ignore strategy should report success, got error %q", result.Error)
	}
	if result.Acknowledgments != 1 {
		t.Errorf("acknowledgments: got %d, want 1", result.Acknowledgments)
	}
}

func TestPublish_AutoDeactivatesAfterConsecutiveErrors(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true, Retries: 1})

	p.Subscribe("user.created", "sub-bad", "bad", "")
	p.RegisterDeliverer("sub-bad", func(context.Context, domain.EventRecord) error {
		return fmt.Errorf("always down")
	})

	for i := 0; i < maxConsecutiveErrors; i++ {
		result, err := p.Publish(context.Background(), publishEvent(fmt.Sprintf("evt-%d", i), "user.created"))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if result.Success {
			t.Fatalf("publish %d should have failed", i)
		}
	}

	subs := p.Subscriptions("user.created")
	if subs[0].Status != domain.SubscriptionError {
		t.Errorf("status: got %q, want %q", subs[0].Status, domain.SubscriptionError)
	}

	// Deactivated subscriber no longer blocks publishes.
	result, err := p.Publish(context.Background(), publishEvent("evt-after", "user.created"))
	if err != nil {
		t.Fatalf("publish after deactivation: %v", err)
	}
	if !result.Success || result.Acknowledgments != 0 {
		t.Error("publish should trivially succeed once the bad subscriber is deactivated")
	}
}

func TestPublish_ErrorCountResetsOnSuccess(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true, Retries: 1})

	fail := true
	p.Subscribe("user.created", "sub-1", "wobbly", "")
	p.RegisterDeliverer("sub-1", func(context.Context, domain.EventRecord) error {
		if fail {
			return fmt.Errorf("down")
		}
		return nil
	})

	for i := 0; i < maxConsecutiveErrors-1; i++ {
		p.Publish(context.Background(), publishEvent(fmt.Sprintf("evt-%d", i), "user.created"))
	}
	fail = false
	p.Publish(context.Background(), publishEvent("evt-ok", "user.created"))

	if got := p.Subscriptions("user.created")[0].ErrorCount; got != 0 {
		t.Errorf("error count after success: got %d, want 0", got)
	}
}

func TestPublishBatch_ValidatesBeforeDispatch(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true, BatchSize: 2})

	var delivered atomic.Int32
	p.Subscribe("user.created", "sub-1", "counter", "")
	p.RegisterDeliverer("sub-1", func(context.Context, domain.EventRecord) error {
		delivered.Add(1)
		return nil
	})

	events := []domain.EventRecord{
		publishEvent("evt-1", "user.created"),
		{}, // invalid: missing id and type
	}

	if _, err := p.PublishBatch(context.Background(), events); err == nil {
		t.Fatal("expected a validation error")
	}
	if delivered.Load() != 0 {
		t.Error("no event may be dispatched when any batch entry is invalid")
	}
}

func TestPublishBatch_ChunksAndPublishesAll(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: true, BatchSize: 2})

	var delivered atomic.Int32
	p.Subscribe("user.created", "sub-1", "counter", "")
	p.RegisterDeliverer("sub-1", func(context.Context, domain.EventRecord) error {
		delivered.Add(1)
		return nil
	})

	var events []domain.EventRecord
	for i := 0; i < 5; i++ {
		events = append(events, publishEvent(fmt.Sprintf("evt-%d", i), "user.created"))
	}

	results, err := p.PublishBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("publish batch: %v", err)
	}
	if len(results) != 5 {
		t.Errorf("results: got %d, want 5", len(results))
	}
	if delivered.Load() != 5 {
		t.Errorf("deliveries: got %d, want 5", delivered.Load())
	}
}

func TestHealth_Disabled(t *testing.T) {
	p := newTestPublisher(t, Config{Enabled: false})

	if got := p.Health(context.Background()).Status; got != "disabled" {
		t.Errorf("health: got %q, want %q", got, "disabled")
	}
}
