package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vitalsync/server/pkg/bus"
	"github.com/vitalsync/server/pkg/conflict"
	"github.com/vitalsync/server/pkg/importer"
	"github.com/vitalsync/server/pkg/ratelimit"
	"github.com/vitalsync/server/pkg/storage"
	"github.com/vitalsync/server/pkg/testing/mocks"
	"github.com/vitalsync/server/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedUsers(t *testing.T, states map[string]types.ImportState) *storage.MemoryUserStore {
	t.Helper()
	store := storage.NewMemoryUserStore()
	for userID, state := range states {
		rec := &types.UserRecord{UserID: userID}
		rec.SetLink(&types.PlatformLink{
			PlatformName:   "googlefit",
			PlatformUserID: "ext-" + userID,
			State:          state,
		})
		if err := store.PutUser(context.Background(), rec); err != nil {
			t.Fatalf("seed %s: %v", userID, err)
		}
	}
	return store
}

func TestRunPassSkipsNonReadyLinks(t *testing.T) {
	store := seedUsers(t, map[string]types.ImportState{
		"ready-1":   types.StateReadyToImport,
		"ready-2":   types.StateReadyToImport,
		"revoked":   types.StateUnauthorized,
		"importing": types.StateImporting,
	})

	var mu sync.Mutex
	var ran []string
	fanout := NewFanOut(store, RunnerFunc(func(ctx context.Context, task types.ImportTask) error {
		mu.Lock()
		ran = append(ran, task.UserID)
		mu.Unlock()
		return nil
	}), 4, testLogger())

	summary, err := fanout.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if summary.Eligible != 2 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 2 eligible, 0 failed", summary)
	}
	if len(ran) != 2 {
		t.Fatalf("runner invoked for %v, want only the two ready links", ran)
	}
	for _, id := range ran {
		if id != "ready-1" && id != "ready-2" {
			t.Errorf("runner invoked for non-ready user %s", id)
		}
	}
}

func TestRunPassObservesConcurrencyCeiling(t *testing.T) {
	states := make(map[string]types.ImportState)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		states[id] = types.StateReadyToImport
	}
	store := seedUsers(t, states)

	const ceiling = 3
	var inFlight, peak atomic.Int64

	fanout := NewFanOut(store, RunnerFunc(func(ctx context.Context, task types.ImportTask) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}), ceiling, testLogger())

	summary, err := fanout.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if summary.Eligible != 8 {
		t.Errorf("eligible = %d, want 8", summary.Eligible)
	}
	if p := peak.Load(); p > ceiling {
		t.Errorf("peak concurrent runs = %d, want <= %d", p, ceiling)
	}
}

func TestRunPassFailuresDoNotAbort(t *testing.T) {
	store := seedUsers(t, map[string]types.ImportState{
		"a": types.StateReadyToImport,
		"b": types.StateReadyToImport,
		"c": types.StateReadyToImport,
	})

	var runs atomic.Int64
	fanout := NewFanOut(store, RunnerFunc(func(ctx context.Context, task types.ImportTask) error {
		runs.Add(1)
		if task.UserID == "b" {
			return errors.New("provider outage")
		}
		return nil
	}), 2, testLogger())

	summary, err := fanout.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if runs.Load() != 3 {
		t.Errorf("runner invoked %d times, want all 3 despite the failure", runs.Load())
	}
	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}
}

func TestRunPassListFailureAborts(t *testing.T) {
	store := &mocks.MockUserStore{
		ListUsersFunc: func(ctx context.Context) ([]*types.UserRecord, error) {
			return nil, errors.New("store unavailable")
		},
	}
	fanout := NewFanOut(store, RunnerFunc(func(ctx context.Context, task types.ImportTask) error {
		t.Error("runner invoked despite the enumeration failure")
		return nil
	}), 2, testLogger())

	if _, err := fanout.RunPass(context.Background()); err == nil {
		t.Error("RunPass succeeded without a user listing")
	}
}

// One full trigger: the pass enumerates ready links and each runner drives an
// orchestrator import against a fake provider.
func TestRunPassDrivesImports(t *testing.T) {
	store := seedUsers(t, map[string]types.ImportState{
		"u1": types.StateReadyToImport,
		"u2": types.StateReadyToImport,
	})

	var mu sync.Mutex
	emitted := 0
	cursors := make(map[string]types.ImportCursor)

	emitter := &mocks.MockEmitter{
		EmitBatchFunc: func(ctx context.Context, topic string, events []*bus.Event) error {
			mu.Lock()
			emitted += len(events)
			mu.Unlock()
			return nil
		},
	}
	cursorStore := &mocks.MockCursorStore{
		GetCursorFunc: func(ctx context.Context, userID, platform, streamID string) (types.ImportCursor, error) {
			mu.Lock()
			defer mu.Unlock()
			return cursors[userID+streamID], nil
		},
		PutCursorFunc: func(ctx context.Context, userID, platform, streamID string, c types.ImportCursor) error {
			mu.Lock()
			defer mu.Unlock()
			cursors[userID+streamID] = c
			return nil
		},
	}

	orch := importer.NewOrchestrator(store, cursorStore, emitter, ratelimit.New(0), conflict.NewRegistry(), "imported-records", testLogger())

	watermark := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	source := &mocks.MockSourceClient{
		ListStreamsFunc: func(ctx context.Context) ([]importer.Stream, error) {
			return []importer.Stream{{ID: "steps", Kind: "steps"}}, nil
		},
		FetchPageFunc: func(ctx context.Context, stream importer.Stream, cursor types.ImportCursor) (*importer.Page, error) {
			if !cursor.Watermark.Before(watermark) {
				return &importer.Page{}, nil
			}
			return &importer.Page{
				Records:   []importer.Record{{ID: "r1", Kind: "steps", Timestamp: watermark}},
				Watermark: watermark,
			}, nil
		},
	}

	fanout := NewFanOut(store, RunnerFunc(func(ctx context.Context, task types.ImportTask) error {
		_, err := orch.Run(ctx, task, source)
		return err
	}), 2, testLogger())

	summary, err := fanout.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if summary.Eligible != 2 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 2 clean runs", summary)
	}
	if emitted != 2 {
		t.Errorf("events emitted = %d, want one per user", emitted)
	}

	// Every link came back ready with its sync time advanced.
	users, _ := store.ListUsers(context.Background())
	for _, user := range users {
		link := user.Link("googlefit")
		if link.State != types.StateReadyToImport {
			t.Errorf("user %s state = %v, want %v", user.UserID, link.State, types.StateReadyToImport)
		}
		if link.LastSync.IsZero() {
			t.Errorf("user %s LastSync not advanced", user.UserID)
		}
	}
}

func TestRunPassStopsAdmissionOnCancellation(t *testing.T) {
	states := make(map[string]types.ImportState)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		states[id] = types.StateReadyToImport
	}
	store := seedUsers(t, states)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 8)

	fanout := NewFanOut(store, RunnerFunc(func(ctx context.Context, task types.ImportTask) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}), 1, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := fanout.RunPass(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunPass error = %v, want context.Canceled", err)
		}
	}()

	<-started // one run holds the only slot
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunPass did not return after cancellation")
	}
}
