package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/types"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// publish stamps events with snowflakes the way the bus does.
func publish(t *testing.T, evs ...types.Event) []types.Event {
	t.Helper()
	bus, _ := events.New(len(evs) + 1)
	out := make([]types.Event, len(evs))
	for i, e := range evs {
		out[i] = bus.Send(e)
	}
	return out
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// migrations are idempotent
	store, err = Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestAppendAndListEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lobby := types.NewInstanceUUID()
	arena := types.NewInstanceUUID()
	evs := publish(t,
		types.NewStateTransitionEvent(lobby, "lobby", types.InstanceStateStarting, types.CausedByUser("u1", "alice")),
		types.NewInstanceOutputEvent(lobby, "lobby", "Done (1.2s)!"),
		types.NewStateTransitionEvent(arena, "arena", types.InstanceStateStarting, types.CausedBySystem()),
		types.NewMacroEvent(1, nil, types.MacroEventInner{Type: types.MacroEventStarted}, types.CausedBySystem()),
	)
	for _, e := range evs {
		rec, err := store.AppendEvent(ctx, e)
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if rec.Snowflake != e.Snowflake || rec.Kind != e.Inner.Type {
			t.Errorf("record = %+v", rec)
		}
	}
	// appending the same event again is ignored
	if _, err := store.AppendEvent(ctx, evs[0]); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	tests := []struct {
		name  string
		query EventQuery
		want  []types.Snowflake
	}{
		{name: "all newest first", query: EventQuery{}, want: []types.Snowflake{evs[3].Snowflake, evs[2].Snowflake, evs[1].Snowflake, evs[0].Snowflake}},
		{name: "by instance", query: EventQuery{Instance: &lobby}, want: []types.Snowflake{evs[1].Snowflake, evs[0].Snowflake}},
		{name: "by kind", query: EventQuery{Kind: types.EventKindMacro}, want: []types.Snowflake{evs[3].Snowflake}},
		{name: "after", query: EventQuery{After: evs[1].Snowflake}, want: []types.Snowflake{evs[3].Snowflake, evs[2].Snowflake}},
		{name: "limit offset", query: EventQuery{Limit: 1, Offset: 1}, want: []types.Snowflake{evs[2].Snowflake}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListEvents(ctx, tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Snowflake != tt.want[i] {
					t.Errorf("event %d = %s, want %s", i, got[i].Snowflake, tt.want[i])
				}
			}
		})
	}

	got, err := store.ListEvents(ctx, EventQuery{Instance: &lobby, Kind: types.EventKindInstance, Limit: 1})
	if err != nil || len(got) != 1 {
		t.Fatalf("ListEvents = %v, %v", got, err)
	}
	if got[0].Inner.Instance.Inner.Message != "Done (1.2s)!" || got[0].CausedBy != evs[1].CausedBy {
		t.Errorf("round trip lost fields: %+v", got[0])
	}
}

func TestMacroRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	lobby := types.NewInstanceUUID()

	stopped := func(pid types.MacroPID, status string) types.Event {
		return types.NewMacroEvent(pid, nil, types.MacroEventInner{
			Type:       types.MacroEventStopped,
			ExitStatus: &types.ExitStatus{Type: status, Time: time.Now()},
		}, types.CausedBySystem())
	}
	evs := publish(t,
		types.NewMacroEvent(1, &lobby, types.MacroEventInner{Type: types.MacroEventStarted}, types.CausedBySystem()),
		types.NewMacroEvent(2, nil, types.MacroEventInner{Type: types.MacroEventStarted}, types.CausedBySystem()),
		stopped(1, "success"),
		// pid 1 again after a daemon restart
		types.NewMacroEvent(1, nil, types.MacroEventInner{Type: types.MacroEventStarted}, types.CausedBySystem()),
		stopped(1, "killed"),
	)
	for _, e := range evs {
		if _, err := store.AppendEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListMacroRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}

	latest, running, first := runs[0], runs[1], runs[2]
	if latest.PID != 1 || latest.ExitStatus == nil || latest.ExitStatus.Type != "killed" {
		t.Errorf("latest run = %+v", latest)
	}
	if running.PID != 2 || running.Finished != nil || running.ExitStatus != nil {
		t.Errorf("running run = %+v", running)
	}
	if first.ExitStatus == nil || first.ExitStatus.Type != "success" || first.InstanceUUID == nil || *first.InstanceUUID != lobby {
		t.Errorf("first run = %+v", first)
	}
}

func TestPruneEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, e := range publish(t, types.NewInstanceOutputEvent(types.NewInstanceUUID(), "lobby", "hi")) {
		if _, err := store.AppendEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	n, err := store.PruneEvents(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("PruneEvents(old) = %d, %v", n, err)
	}
	n, err = store.PruneEvents(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneEvents(future) = %d, %v", n, err)
	}
}

type fakeStore struct {
	EventStore

	mu     sync.Mutex
	events []types.Event
	fail   bool
}

func (f *fakeStore) AppendEvent(_ context.Context, e types.Event) (*EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		f.fail = false
		return nil, errors.New("disk full")
	}
	f.events = append(f.events, e)
	return &EventRecord{Snowflake: e.Snowflake}, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestEventSink(t *testing.T) {
	store := &fakeStore{fail: true}
	bus, _ := events.New(16)
	sink := NewEventSink(store, bus, nil)

	done := make(chan error, 1)
	go func() { done <- sink.Run(context.Background()) }()

	uuid := types.NewInstanceUUID()
	for _, msg := range []string{"lost", "a", "b"} {
		bus.Send(types.NewInstanceOutputEvent(uuid, "lobby", msg))
	}
	bus.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not stop after bus close")
	}
	// the first write failed and was skipped
	if store.count() != 2 {
		t.Errorf("persisted %d events, want 2", store.count())
	}
}

func TestEventSink_ContextCancel(t *testing.T) {
	bus, _ := events.New(16)
	sink := NewEventSink(&fakeStore{}, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}
