package monitor

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMonitor_SnapshotCollectsAllSources(t *testing.T) {
	m := New(time.Minute, nil, testLogger())
	m.Register("event_store", func() any { return map[string]int{"stored": 12} })
	m.Register("publisher", func() any { return map[string]int{"published": 3} })

	snapshot := m.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snapshot))
	}
	if snapshot["event_store"].(map[string]int)["stored"] != 12 {
		t.Errorf("unexpected event_store snapshot: %v", snapshot["event_store"])
	}
}

func TestMonitor_LoopReportsUntilStopped(t *testing.T) {
	m := New(10*time.Millisecond, nil, testLogger())

	var polls atomic.Int64
	m.Register("counter", func() any {
		return polls.Add(1)
	})

	m.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for polls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("monitor never polled the stats source")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Stop()
	settled := polls.Load()
	time.Sleep(50 * time.Millisecond)
	if polls.Load() != settled {
		t.Error("monitor kept polling after Stop")
	}
}

func TestMonitor_StartIsIdempotent(t *testing.T) {
	m := New(time.Hour, nil, testLogger())
	m.Start(context.Background())
	m.Start(context.Background())
	m.Stop()
	m.Stop() // stopping twice is safe
}

func TestMonitor_StopWithoutStart(t *testing.T) {
	m := New(time.Minute, nil, testLogger())
	m.Stop()
}
