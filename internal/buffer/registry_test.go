package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func events(timestamps ...int64) []domain.CapturedEvent {
	out := make([]domain.CapturedEvent, 0, len(timestamps))
	for _, ts := range timestamps {
		out = append(out, domain.CapturedEvent{Type: 3, Timestamp: ts, Data: json.RawMessage(`{"source":1}`)})
	}
	return out
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.InactivityTimeout == 0 {
		opts.InactivityTimeout = time.Hour
	}
	r := NewRegistry(opts)
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

func TestAppendReturnsBufferedCount(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{})

	n, err := r.Append(ctx, "s1", events(100, 200))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 buffered got %d", n)
	}

	n, err = r.Append(ctx, "s1", events(300))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 buffered got %d", n)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one resident actor got %d", r.Len())
	}
}

func TestAppendRejectsInvalidBatch(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{})

	if _, err := r.Append(ctx, "s1", nil); !errors.Is(err, domain.ErrInvalidBatch) {
		t.Fatalf("expected ErrInvalidBatch for empty batch got %v", err)
	}
	if _, err := r.Append(ctx, " ", events(1)); !errors.Is(err, domain.ErrInvalidBatch) {
		t.Fatalf("expected ErrInvalidBatch for missing session id got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected rejected batches not to start actors, got %d", r.Len())
	}
}

func TestFinalizeComputesMetadataAndClearsState(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_000_000)
	r := newTestRegistry(t, Options{Now: func() time.Time { return now }})

	if _, err := r.Append(ctx, "s1", events(100, 250)); err != nil {
		t.Fatalf("append: %v", err)
	}
	meta := domain.CapturedEvent{
		Type:      domain.PageMetadataEventType,
		Timestamp: 300,
		Data:      json.RawMessage(`{"href":"https://example.com/page","width":1280,"height":720}`),
	}
	if _, err := r.Append(ctx, "s1", []domain.CapturedEvent{meta, {Type: 3, Timestamp: 400}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := r.Finalize(ctx, "s1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if data.Metadata.Duration != 300 {
		t.Fatalf("expected duration 300 got %d", data.Metadata.Duration)
	}
	if data.Metadata.EventCount != 4 {
		t.Fatalf("expected event count 4 got %d", data.Metadata.EventCount)
	}
	if data.Metadata.URL != "https://example.com/page" {
		t.Fatalf("expected url from meta event got %q", data.Metadata.URL)
	}
	if data.Metadata.Timestamp != 100 {
		t.Fatalf("expected timestamp 100 got %d", data.Metadata.Timestamp)
	}
	if !data.Metadata.CreatedAt.Equal(now) || !data.Metadata.UpdatedAt.Equal(now) {
		t.Fatalf("expected createdAt/updatedAt = now")
	}

	wantOrder := []int64{100, 250, 300, 400}
	for i, ev := range data.Events {
		if ev.Timestamp != wantOrder[i] {
			t.Fatalf("event %d: expected ts %d got %d", i, wantOrder[i], ev.Timestamp)
		}
	}

	if r.Len() != 0 {
		t.Fatalf("expected actor to be released after finalize, got %d", r.Len())
	}
	if _, ok, _ := r.Peek(ctx, "s1"); ok {
		t.Fatal("expected no buffered events after finalize")
	}
}

func TestFinalizeWithoutEventsIsTotal(t *testing.T) {
	r := newTestRegistry(t, Options{})

	data, err := r.Finalize(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if data.Metadata.EventCount != 0 || data.Metadata.Duration != 0 {
		t.Fatalf("expected zero metadata got %+v", data.Metadata)
	}
	if data.Metadata.URL != domain.UnknownURL {
		t.Fatalf("expected url %q got %q", domain.UnknownURL, data.Metadata.URL)
	}
	if data.Events == nil {
		t.Fatal("expected empty, non-nil events")
	}
}

func TestURLKeepsFirstMatch(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{})

	first := domain.CapturedEvent{Type: domain.PageMetadataEventType, Timestamp: 1, Data: json.RawMessage(`{"href":"https://a.example"}`)}
	second := domain.CapturedEvent{Type: domain.PageMetadataEventType, Timestamp: 2, Data: json.RawMessage(`{"href":"https://b.example"}`)}

	if _, err := r.Append(ctx, "s1", []domain.CapturedEvent{first}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := r.Append(ctx, "s1", []domain.CapturedEvent{second}); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := r.Finalize(ctx, "s1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if data.Metadata.URL != "https://a.example" {
		t.Fatalf("expected first url got %q", data.Metadata.URL)
	}
}

func TestReusedSessionIDStartsNewLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{})

	if _, err := r.Append(ctx, "s1", events(10, 20)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := r.Finalize(ctx, "s1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	n, err := r.Append(ctx, "s1", events(500))
	if err != nil {
		t.Fatalf("append after finalize: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected fresh buffer with 1 event got %d", n)
	}

	data, err := r.Finalize(ctx, "s1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if data.Metadata.Timestamp != 500 || data.Metadata.Duration != 0 {
		t.Fatalf("expected fresh timestamps got %+v", data.Metadata)
	}
}

func TestInactivityFinalizesExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	got := make(chan domain.SessionData, 4)

	r := newTestRegistry(t, Options{
		InactivityTimeout: 40 * time.Millisecond,
		OnExpire: func(data domain.SessionData) {
			calls.Add(1)
			got <- data
		},
	})

	if _, err := r.Append(context.Background(), "idle", events(100, 200, 300)); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case data := <-got:
		if data.Metadata.SessionID != "idle" {
			t.Fatalf("expected session idle got %s", data.Metadata.SessionID)
		}
		if data.Metadata.EventCount != 3 {
			t.Fatalf("expected 3 events got %d", data.Metadata.EventCount)
		}
		if data.Metadata.Duration != 200 {
			t.Fatalf("expected duration 200 got %d", data.Metadata.Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected inactivity finalize")
	}

	time.Sleep(150 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected exactly one auto finalize got %d", n)
	}
	if r.Len() != 0 {
		t.Fatalf("expected actor released after auto finalize, got %d", r.Len())
	}
}

func TestAppendResetsInactivityTimer(t *testing.T) {
	var calls atomic.Int32
	r := newTestRegistry(t, Options{
		InactivityTimeout: 250 * time.Millisecond,
		OnExpire:          func(domain.SessionData) { calls.Add(1) },
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := r.Append(ctx, "busy", events(int64(i))); err != nil {
			t.Fatalf("append: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if n := calls.Load(); n != 0 {
		t.Fatalf("expected no auto finalize while appends keep arriving, got %d", n)
	}

	data, err := r.Finalize(ctx, "busy")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if data.Metadata.EventCount != 4 {
		t.Fatalf("expected 4 events got %d", data.Metadata.EventCount)
	}
}

func TestExplicitFinalizeDisarmsTimer(t *testing.T) {
	var calls atomic.Int32
	r := newTestRegistry(t, Options{
		InactivityTimeout: 30 * time.Millisecond,
		OnExpire:          func(domain.SessionData) { calls.Add(1) },
	})
	ctx := context.Background()

	if _, err := r.Append(ctx, "s1", events(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := r.Finalize(ctx, "s1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("expected no auto finalize after explicit finalize, got %d", n)
	}
}

func TestConcurrentAppendsPreserveCount(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{})

	const sessions = 8
	const batches = 25

	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		id := fmt.Sprintf("s%d", s)
		for b := 0; b < batches; b++ {
			wg.Add(1)
			go func(ts int64) {
				defer wg.Done()
				if _, err := r.Append(ctx, id, events(ts, ts+1)); err != nil {
					t.Errorf("append: %v", err)
				}
			}(int64(b * 10))
		}
	}
	wg.Wait()

	for s := 0; s < sessions; s++ {
		data, err := r.Finalize(ctx, fmt.Sprintf("s%d", s))
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if data.Metadata.EventCount != batches*2 {
			t.Fatalf("session s%d: expected %d events got %d", s, batches*2, data.Metadata.EventCount)
		}
	}
}

func TestPeekReturnsCopy(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{})

	if _, err := r.Append(ctx, "s1", events(1, 2)); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, ok, err := r.Peek(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("peek: ok=%v err=%v", ok, err)
	}
	got[0].Timestamp = 999

	again, _, _ := r.Peek(ctx, "s1")
	if again[0].Timestamp != 1 {
		t.Fatalf("expected peek to return a copy, buffer now has ts %d", again[0].Timestamp)
	}
}

func TestShutdownDrainsResidentActors(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Options{InactivityTimeout: time.Hour, Logger: discardLogger()})

	if _, err := r.Append(ctx, "a", events(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := r.Append(ctx, "b", events(1, 2)); err != nil {
		t.Fatalf("append: %v", err)
	}

	drained := r.Shutdown(ctx)
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained sessions got %d", len(drained))
	}
	total := 0
	for _, d := range drained {
		total += d.Metadata.EventCount
	}
	if total != 3 {
		t.Fatalf("expected 3 drained events got %d", total)
	}
	if r.Len() != 0 {
		t.Fatalf("expected no resident actors got %d", r.Len())
	}
}

func TestStateString(t *testing.T) {
	if StateIdle.String() != "idle" || StateActive.String() != "active" || StateFinalizing.String() != "finalizing" {
		t.Fatal("unexpected state names")
	}
}

func TestActorWithoutEventsIsReaped(t *testing.T) {
	var calls atomic.Int32
	r := newTestRegistry(t, Options{
		InactivityTimeout: 30 * time.Millisecond,
		OnExpire:          func(domain.SessionData) { calls.Add(1) },
	})

	// Registered but the first append never reached it, e.g. a canceled request.
	r.actorFor("ghost")
	if r.Len() != 1 {
		t.Fatalf("expected one resident actor got %d", r.Len())
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected empty actor to be released")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("expected no expire callback for empty actor, got %d", n)
	}

	if _, err := r.Append(context.Background(), "ghost", events(1)); err != nil {
		t.Fatalf("append after reap: %v", err)
	}
}

func TestExpiryAfterShutdownStillDelivered(t *testing.T) {
	got := make(chan domain.SessionData, 1)
	r := NewRegistry(Options{
		InactivityTimeout: 30 * time.Millisecond,
		OnExpire:          func(data domain.SessionData) { got <- data },
		Logger:            discardLogger(),
	})
	ctx := context.Background()

	if drained := r.Shutdown(ctx); len(drained) != 0 {
		t.Fatalf("expected nothing drained got %d", len(drained))
	}

	if _, err := r.Append(ctx, "late", events(1, 2)); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case data := <-got:
		if data.Metadata.SessionID != "late" || data.Metadata.EventCount != 2 {
			t.Fatalf("unexpected expired data %#v", data.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected late session to expire")
	}
}
