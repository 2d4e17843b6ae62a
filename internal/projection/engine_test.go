package projection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/notifly/eventcore/internal/domain"
	"github.com/notifly/eventcore/internal/store"
)

// fakeSource serves a fixed event history, honoring version ranges and
// version ordering the way the store does.
type fakeSource struct {
	events []domain.EventRecord
}

func (f *fakeSource) Query(_ context.Context, filter domain.EventFilter) ([]domain.EventRecord, error) {
	var out []domain.EventRecord
	for _, e := range f.events {
		if filter.AggregateID != "" && e.AggregateID != filter.AggregateID {
			continue
		}
		if filter.FromVersion > 0 && e.Version < filter.FromVersion {
			continue
		}
		if filter.ToVersion > 0 && e.Version > filter.ToVersion {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// fakeStateStore keeps materialized states in memory.
type fakeStateStore struct {
	mu     sync.Mutex
	states map[string]store.ProjectionState
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]store.ProjectionState)}
}

func (f *fakeStateStore) SaveProjectionState(_ context.Context, state store.ProjectionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.ProjectionType+"/"+state.ProjectionName] = state
	return nil
}

func (f *fakeStateStore) LoadProjectionState(_ context.Context, projectionType, projectionName string) (*store.ProjectionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[projectionType+"/"+projectionName]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// balanceState is the read model used in tests: a running total folded
// from {"amount": n} event payloads.
type balanceState struct {
	Total  int64 `json:"total"`
	Events int64 `json:"events"`
}

// balanceHandler folds amounts; apply can be overridden per test.
type balanceHandler struct {
	apply func(state *balanceState, event domain.EventRecord) error
}

func (h *balanceHandler) ProjectionType() string { return "account" }
func (h *balanceHandler) ProjectionName() string { return "balance" }
func (h *balanceHandler) Init() any              { return &balanceState{} }

func (h *balanceHandler) Apply(state any, event domain.EventRecord) (any, error) {
	s := state.(*balanceState)
	if h.apply != nil {
		if err := h.apply(s, event); err != nil {
			return nil, err
		}
		return s, nil
	}
	var payload struct {
		Amount int64 `json:"amount"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return nil, err
	}
	s.Total += payload.Amount
	s.Events++
	return s, nil
}

func (h *balanceHandler) Validate(state any) bool {
	return state.(*balanceState).Total >= 0
}

func (h *balanceHandler) Marshal(state any) ([]byte, error) { return json.Marshal(state) }

func (h *balanceHandler) Unmarshal(data []byte) (any, error) {
	var s balanceState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (h *balanceHandler) Query(state any, query map[string]any) (any, error) {
	s := state.(*balanceState)
	switch query["field"] {
	case "total":
		return s.Total, nil
	case "events":
		return s.Events, nil
	default:
		return nil, fmt.Errorf("unknown query field %v", query["field"])
	}
}

func depositHistory(n int) []domain.EventRecord {
	events := make([]domain.EventRecord, n)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := range events {
		events[i] = domain.EventRecord{
			ID:            fmt.Sprintf("evt-%d", i+1),
			AggregateID:   "acct-1",
			AggregateType: "account",
			EventType:     "account.deposited",
			Version:       int64(i + 1),
			Status:        domain.StatusCompleted,
			Data:          json.RawMessage(fmt.Sprintf(`{"amount":%d}`, (i+1)*10)),
			Timestamp:     base.Add(time.Duration(i) * time.Second),
		}
	}
	return events
}

func newTestEngine(t *testing.T, cfg Config, source EventSource) *Engine {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	var cache *ResultCache
	if cfg.EnableCache {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		cache = NewResultCache(client, cfg.CacheTTL, logger)
	}

	e := New(cfg, source, cache, logger)
	e.sleep = func(time.Duration) {}
	return e
}

func TestProject_FoldsHistory(t *testing.T) {
	source := &fakeSource{events: depositHistory(4)}
	e := newTestEngine(t, Config{Enabled: true}, source)
	e.RegisterHandler(&balanceHandler{})

	result, err := e.Project(context.Background(), Request{
		ProjectionType: "account",
		ProjectionName: "balance",
		AggregateID:    "acct-1",
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	if result.Status != StatusCompleted {
		t.Fatalf("status: got %q, want %q (error: %s)", result.Status, StatusCompleted, result.Error)
	}
	if result.EventsProcessed != 4 {
		t.Errorf("events processed: got %d, want 4", result.EventsProcessed)
	}

	var state balanceState
	if err := json.Unmarshal(result.Data, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.Total != 100 {
		t.Errorf("total: got %d, want 100", state.Total)
	}
}

func TestProject_ReplayIsIdempotent(t *testing.T) {
	source := &fakeSource{events: depositHistory(6)}
	e := newTestEngine(t, Config{Enabled: true}, source)
	e.RegisterHandler(&balanceHandler{})

	req := Request{ProjectionType: "account", ProjectionName: "balance", AggregateID: "acct-1"}

	first, err := e.Project(context.Background(), req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := e.Project(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if !bytes.Equal(first.Data, second.Data) {
		t.Errorf("replays diverged:\n  first:  %s\n  second: %s", first.Data, second.Data)
	}
}

func TestProject_StopStrategyAbortsOnError(t *testing.T) {
	source := &fakeSource{events: depositHistory(5)}
	e := newTestEngine(t, Config{Enabled: true}, source)
	e.RegisterHandler(&balanceHandler{
		apply: func(s *balanceState, event domain.EventRecord) error {
			if event.Version == 3 {
				return fmt.Errorf("poison event")
			}
			s.Events++
			return nil
		},
	})

	result, err := e.Project(context.Background(), Request{
		ProjectionType: "account",
		ProjectionName: "balance",
		AggregateID:    "acct-1",
		FromVersion:    1,
		ToVersion:      5,
		Options:        Options{ErrorStrategy: StrategyStop},
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	if result.Status != StatusFailed {
		t.Errorf("status: got %q, want %q", result.Status, StatusFailed)
	}
	if result.EventsProcessed != 2 {
		t.Errorf("events processed: got %d, want 2", result.EventsProcessed)
	}
}

func TestProject_SkipStrategyContinues(t *testing.T) {
	source := &fakeSource{events: depositHistory(5)}
	e := newTestEngine(t, Config{Enabled: true}, source)
	e.RegisterHandler(&balanceHandler{
		apply: func(s *balanceState, event domain.EventRecord) error {
			if event.Version == 3 {
				return fmt.Errorf("poison event")
			}
			s.Events++
			return nil
		},
	})

	result, err := e.Project(context.Background(), Request{
		ProjectionType: "account",
		ProjectionName: "balance",
		AggregateID:    "acct-1",
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	if result.Status != StatusCompleted {
		t.Errorf("status: got %q, want %q", result.Status, StatusCompleted)
	}
	if result.EventsProcessed != 4 {
		t.Errorf("events processed: got %d, want 4", result.EventsProcessed)
	}
	if result.Stats.EventsFailed != 1 {
		t.Errorf("events failed: got %d, want 1", result.Stats.EventsFailed)
	}
	if len(result.Stats.Errors) != 1 {
		t.Errorf("error details: got %d, want 1", len(result.Stats.Errors))
	}
}

func TestProject_RetryStrategyRecoversTransientFailures(t *testing.T) {
	source := &fakeSource{events: depositHistory(3)}
	e := newTestEngine(t, Config{Enabled: true, Retries: 3, RetryDelay: time.Millisecond}, source)

	attempts := make(map[int64]int)
	e.RegisterHandler(&balanceHandler{
		apply: func(s *balanceState, event domain.EventRecord) error {
			attempts[event.Version]++
			if event.Version == 2 && attempts[2] < 3 {
				return fmt.Errorf("transient")
			}
			s.Events++
			return nil
		},
	})

	result, err := e.Project(context.Background(), Request{
		ProjectionType: "account",
		ProjectionName: "balance",
		AggregateID:    "acct-1",
		Options:        Options{ErrorStrategy: StrategyRetry},
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	if result.Status != StatusCompleted {
		t.Fatalf("status: got %q, want %q", result.Status, StatusCompleted)
	}
	if result.EventsProcessed != 3 {
		t.Errorf("events processed: got %d, want 3", result.EventsProcessed)
	}
	if attempts[2] != 3 {
		t.Errorf("attempts on event 2: got %d, want 3", attempts[2])
	}
}

func TestProject_ValidationAborts(t *testing.T) {
	events := depositHistory(3)
	events[1].Data = json.RawMessage(`{"amount":-500}`) // drives total negative
	source := &fakeSource{events: events}

	e := newTestEngine(t, Config{Enabled: true}, source)
	e.RegisterHandler(&balanceHandler{})

	result, err := e.Project(context.Background(), Request{
		ProjectionType: "account",
		ProjectionName: "balance",
		AggregateID:    "acct-1",
		Options:        Options{Validate: true},
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	if result.Status != StatusFailed {
		t.Errorf("status: got %q, want %q", result.Status, StatusFailed)
	}
	if result.EventsProcessed != 2 {
		t.Errorf("events processed before abort: got %d, want 2", result.EventsProcessed)
	}
}

func TestProject_FilterAndTransform(t *testing.T) {
	source := &fakeSource{events: depositHistory(4)}
	e := newTestEngine(t, Config{Enabled: true}, source)
	e.RegisterHandler(&balanceHandler{})

	result, err := e.Project(context.Background(), Request{
		ProjectionType: "account",
		ProjectionName: "balance",
		AggregateID:    "acct-1",
		Options: Options{
			Filter: func(event domain.EventRecord) bool { return event.Version != 1 },
			Transform: func(event domain.EventRecord) domain.EventRecord {
				event.Data = json.RawMessage(`{"amount":1}`)
				return event
			},
		},
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	if result.Stats.EventsSkipped != 1 {
		t.Errorf("skipped: got %d, want 1", result.Stats.EventsSkipped)
	}

	var state balanceState
	if err := json.Unmarshal(result.Data, &state); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if state.Total != 3 {
		t.Errorf("total after transform: got %d, want 3", state.Total)
	}
}

func TestProject_CancelBetweenFolds(t *testing.T) {
	source := &fakeSource{events: depositHistory(10)}
	e := newTestEngine(t, Config{Enabled: true}, source)

	started := make(chan struct{})
	release := make(chan struct{})
	e.RegisterHandler(&balanceHandler{
		apply: func(s *balanceState, event domain.EventRecord) error {
			if event.Version == 1 {
				close(started)
				<-release
			}
			s.Events++
			return nil
		},
	})

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.Project(context.Background(), Request{
			ProjectionType: "account",
			ProjectionName: "balance",
			AggregateID:    "acct-1",
		})
		done <- outcome{result, err}
	}()

	// Cancel while the first fold is in flight; the run is already
	// registered by the time the handler runs.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("projection never started")
	}

	var projectionID string
	e.mu.RLock()
	for id := range e.cancels {
		projectionID = id
	}
	e.mu.RUnlock()
	if projectionID == "" {
		t.Fatal("active run not registered")
	}

	if !e.Cancel(projectionID) {
		t.Fatal("cancel should find the active run")
	}
	close(release)

	out := <-done
	if out.err != nil {
		t.Fatalf("project: %v", out.err)
	}
	if out.result.Status != StatusCancelled {
		t.Errorf("status: got %q, want %q", out.result.Status, StatusCancelled)
	}
	// The in-flight fold completed before the cancel took effect.
	if out.result.EventsProcessed != 1 {
		t.Errorf("events processed: got %d, want 1", out.result.EventsProcessed)
	}

	if e.Cancel(projectionID) {
		t.Error("cancelling a finished run should report false")
	}
}

func TestProject_CacheHitShortCircuits(t *testing.T) {
	source := &fakeSource{events: depositHistory(3)}
	e := newTestEngine(t, Config{Enabled: true, EnableCache: true, CacheTTL: time.Minute}, source)

	var folds int
	e.RegisterHandler(&balanceHandler{
		apply: func(s *balanceState, _ domain.EventRecord) error {
			folds++
			s.Events++
			return nil
		},
	})

	req := Request{
		ProjectionType: "account",
		ProjectionName: "balance",
		AggregateID:    "acct-1",
		Options:        Options{UseCache: true},
	}

	first, err := e.Project(context.Background(), req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Stats.CacheMisses != 1 {
		t.Errorf("first run cache misses: got %d, want 1", first.Stats.CacheMisses)
	}

	second, err := e.Project(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Stats.CacheHits != 1 {
		t.Errorf("second run cache hits: got %d, want 1", second.Stats.CacheHits)
	}
	if folds != 3 {
		t.Errorf("folds: got %d, want 3 (cache hit must not replay)", folds)
	}

	// ClearCache forces a fresh replay.
	if err := e.ClearCache(context.Background()); err != nil {
		t.Fatalf("clear cache: %v", err)
	}
	if _, err := e.Project(context.Background(), req); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if folds != 6 {
		t.Errorf("folds after clear: got %d, want 6", folds)
	}
}

func TestProject_ProgressReported(t *testing.T) {
	source := &fakeSource{events: depositHistory(5)}
	e := newTestEngine(t, Config{Enabled: true}, source)
	e.RegisterHandler(&balanceHandler{})

	var reports []Progress
	result, err := e.Project(context.Background(), Request{
		ProjectionType: "account",
		ProjectionName: "balance",
		AggregateID:    "acct-1",
		Options: Options{
			Progress:         func(p Progress) { reports = append(reports, p) },
			ProgressInterval: time.Nanosecond,
		},
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status: %q", result.Status)
	}

	if len(reports) == 0 {
		t.Fatal("expected at least one progress report")
	}
	final := reports[len(reports)-1]
	if final.Percent != 100 {
		t.Errorf("final percent: got %f, want 100", final.Percent)
	}
	if final.EventsTotal != 5 {
		t.Errorf("events total: got %d, want 5", final.EventsTotal)
	}
}

func TestProgress_SubSecondETA(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true}, &fakeSource{})

	start := time.Now()
	e.now = func() time.Time { return start.Add(2 * time.Second) }

	// 8 events folded in 2s is 4 events/s, so 2 remaining take 500ms.
	p := e.progress(&Result{ProjectionID: "proj-1", EventsProcessed: 8, StartedAt: start}, 10)

	if p.Rate != 4 {
		t.Errorf("rate: got %v, want 4", p.Rate)
	}
	if p.ETA != 500*time.Millisecond {
		t.Errorf("eta: got %v, want %v", p.ETA, 500*time.Millisecond)
	}
}

func TestProject_RequestValidation(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true}, &fakeSource{})
	e.RegisterHandler(&balanceHandler{})

	tests := []struct {
		name string
		req  Request
	}{
		{"missing type", Request{ProjectionName: "balance"}},
		{"missing name", Request{ProjectionType: "account"}},
		{"inverted versions", Request{ProjectionType: "account", ProjectionName: "balance", FromVersion: 5, ToVersion: 2}},
		{"inverted times", Request{
			ProjectionType: "account", ProjectionName: "balance",
			From: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			To:   time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Project(context.Background(), tt.req); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestQuery_UsesMaterializedState(t *testing.T) {
	source := &fakeSource{events: depositHistory(4)}
	e := newTestEngine(t, Config{Enabled: true}, source)
	e.RegisterHandler(&balanceHandler{})
	states := newFakeStateStore()
	e.SetStateStore(states)

	if _, err := e.Project(context.Background(), Request{
		ProjectionType: "account",
		ProjectionName: "balance",
		AggregateID:    "acct-1",
	}); err != nil {
		t.Fatalf("project: %v", err)
	}

	total, err := e.Query(context.Background(), "account", "balance", map[string]any{"field": "total"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total.(int64) != 100 {
		t.Errorf("total: got %v, want 100", total)
	}

	// Queries never replay: drain the source and ask again.
	source.events = nil
	total, err = e.Query(context.Background(), "account", "balance", map[string]any{"field": "total"})
	if err != nil {
		t.Fatalf("query after drain: %v", err)
	}
	if total.(int64) != 100 {
		t.Errorf("materialized total: got %v, want 100", total)
	}
}

func TestProject_UnknownHandler(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true}, &fakeSource{})

	if _, err := e.Project(context.Background(), Request{
		ProjectionType: "account",
		ProjectionName: "missing",
	}); err == nil {
		t.Error("expected an error for an unregistered projection")
	}
}
