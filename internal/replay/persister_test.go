package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
	"github.com/adiadia/session-replay/internal/persistence/memory"
	"github.com/adiadia/session-replay/internal/repository"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRepo(maxEntries int) *repository.SessionRepository {
	return repository.NewSessionRepository(memory.NewKVStore(), maxEntries, discardLogger())
}

func newTestPersister(store Store) *Persister {
	p := NewPersister(store, discardLogger())
	p.now = func() time.Time { return fixedNow }
	return p
}

func batch(timestamps ...int64) []domain.CapturedEvent {
	out := make([]domain.CapturedEvent, 0, len(timestamps))
	for _, ts := range timestamps {
		out = append(out, domain.CapturedEvent{Type: 3, Timestamp: ts})
	}
	return out
}

func pageEvent(ts int64, href string) domain.CapturedEvent {
	return domain.CapturedEvent{
		Type:      domain.PageMetadataEventType,
		Timestamp: ts,
		Data:      []byte(fmt.Sprintf(`{"href":%q}`, href)),
	}
}

func TestExecuteCreatesSession(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(10)
	p := newTestPersister(repo)

	events := append([]domain.CapturedEvent{pageEvent(100, "https://example.com/page")}, batch(250, 400)...)
	res, err := p.Execute(ctx, "s1", events, true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Created || !res.Persisted {
		t.Fatalf("expected create, got %#v", res)
	}
	if res.Metadata.Duration != 300 || res.Metadata.EventCount != 3 {
		t.Fatalf("unexpected metadata %#v", res.Metadata)
	}
	if res.Metadata.URL != "https://example.com/page" {
		t.Fatalf("expected url to be extracted got %q", res.Metadata.URL)
	}

	rec, ok, err := repo.LoadRecord(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("load record ok=%v err=%v", ok, err)
	}
	if rec.EventBlobRef != repository.EventsKey("s1") {
		t.Fatalf("unexpected blob ref %q", rec.EventBlobRef)
	}

	entries, err := repo.ListIndex(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != "s1" || entries[0].EventCount != 3 {
		t.Fatalf("unexpected index %#v", entries)
	}
}

func TestExecuteMergesIntoExistingSession(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(10)
	p := newTestPersister(repo)

	if _, err := p.Execute(ctx, "s1", batch(100, 200), true); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	created := fixedNow
	p.now = func() time.Time { return fixedNow.Add(time.Minute) }

	res, err := p.Execute(ctx, "s1", batch(900, 1000), true)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if res.Created {
		t.Fatal("expected append path on second execute")
	}
	if res.Metadata.EventCount != 4 {
		t.Fatalf("expected count over merged list got %d", res.Metadata.EventCount)
	}
	if res.Metadata.Duration != 900 {
		t.Fatalf("expected duration over merged list got %d", res.Metadata.Duration)
	}
	if res.Metadata.Timestamp != 100 {
		t.Fatalf("expected timestamp of first stored event got %d", res.Metadata.Timestamp)
	}
	if !res.Metadata.CreatedAt.Equal(created) {
		t.Fatalf("expected createdAt preserved got %v", res.Metadata.CreatedAt)
	}
	if !res.Metadata.UpdatedAt.Equal(fixedNow.Add(time.Minute)) {
		t.Fatalf("expected updatedAt advanced got %v", res.Metadata.UpdatedAt)
	}

	entries, _ := repo.ListIndex(ctx, 10, 0)
	if len(entries) != 1 || entries[0].EventCount != 4 {
		t.Fatalf("expected index updated in place got %#v", entries)
	}
}

func TestExecutePreservesOrderAndCount(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(10)
	p := newTestPersister(repo)

	batches := [][]domain.CapturedEvent{batch(1, 2, 3), batch(4), batch(5, 6)}
	total := 0
	for i, b := range batches {
		if _, err := p.Execute(ctx, "s1", b, i == len(batches)-1); err != nil {
			t.Fatalf("execute batch %d: %v", i, err)
		}
		total += len(b)
	}

	events, err := repo.LoadEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != total {
		t.Fatalf("expected %d events got %d", total, len(events))
	}
	for i, e := range events {
		if e.Timestamp != int64(i+1) {
			t.Fatalf("event[%d]: expected timestamp %d got %d", i, i+1, e.Timestamp)
		}
	}

	rec, _, _ := repo.LoadRecord(ctx, "s1")
	if rec.Metadata.EventCount != total {
		t.Fatalf("expected record count %d got %d", total, rec.Metadata.EventCount)
	}
}

func TestExecuteAppendKeepsCreationOrder(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(10)
	p := newTestPersister(repo)

	for _, id := range []string{"a", "b"} {
		if _, err := p.Execute(ctx, id, batch(1), true); err != nil {
			t.Fatalf("execute %s: %v", id, err)
		}
	}
	if _, err := p.Execute(ctx, "a", batch(2), true); err != nil {
		t.Fatalf("append a: %v", err)
	}

	entries, _ := repo.ListIndex(ctx, 10, 0)
	if len(entries) != 2 || entries[0].SessionID != "b" || entries[1].SessionID != "a" {
		t.Fatalf("expected [b a] got %#v", entries)
	}
}

func TestExecuteEmptyFinalize(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(10)
	p := newTestPersister(repo)

	res, err := p.Execute(ctx, "empty", nil, true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Persisted || res.Metadata.EventCount != 0 || res.Metadata.Duration != 0 {
		t.Fatalf("expected zero metadata without write got %#v", res)
	}
	if res.Metadata.URL != domain.UnknownURL {
		t.Fatalf("expected unknown url got %q", res.Metadata.URL)
	}
	if _, ok, _ := repo.LoadRecord(ctx, "empty"); ok {
		t.Fatal("expected no record to be written")
	}

	if _, err := p.Execute(ctx, "s1", batch(10, 20), true); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err = p.Execute(ctx, "s1", []domain.CapturedEvent{}, true)
	if err != nil {
		t.Fatalf("empty finalize on existing: %v", err)
	}
	if res.Persisted || res.Metadata.EventCount != 2 {
		t.Fatalf("expected existing metadata unchanged got %#v", res)
	}
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	p := newTestPersister(newRepo(10))

	tests := []struct {
		name     string
		id       string
		events   []domain.CapturedEvent
		finalize bool
	}{
		{name: "missing id", id: " ", events: batch(1), finalize: true},
		{name: "empty append", id: "s1", events: nil, finalize: false},
		{name: "negative timestamp", id: "s1", events: batch(-1), finalize: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Execute(context.Background(), tt.id, tt.events, tt.finalize)
			if !errors.Is(err, domain.ErrInvalidBatch) {
				t.Fatalf("expected ErrInvalidBatch got %v", err)
			}
		})
	}
}

func TestExecuteIndexCapacity(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(domain.MaxIndexEntries)
	p := newTestPersister(repo)

	for i := 0; i < domain.MaxIndexEntries+1; i++ {
		if _, err := p.Execute(ctx, fmt.Sprintf("s-%04d", i), batch(1), true); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}

	entries, err := repo.ListIndex(ctx, domain.MaxIndexEntries*2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != domain.MaxIndexEntries {
		t.Fatalf("expected %d entries got %d", domain.MaxIndexEntries, len(entries))
	}
	if entries[len(entries)-1].SessionID != "s-0001" {
		t.Fatalf("expected s-0000 evicted, tail is %s", entries[len(entries)-1].SessionID)
	}
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) SaveEvents(context.Context, string, []domain.CapturedEvent) (string, error) {
	return "", f.err
}

func TestExecuteWrapsStorageFailure(t *testing.T) {
	cause := errors.New("disk full")
	p := newTestPersister(failingStore{Store: newRepo(10), err: cause})

	_, err := p.Execute(context.Background(), "s1", batch(1), true)
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be wrapped got %v", err)
	}
}

// flakyStore fails the next N record or index writes, then passes through.
type flakyStore struct {
	Store
	recordFailures int
	indexFailures  int
}

var errTransient = errors.New("transient write failure")

func (f *flakyStore) SaveRecord(ctx context.Context, rec domain.SessionRecord) error {
	if f.recordFailures > 0 {
		f.recordFailures--
		return errTransient
	}
	return f.Store.SaveRecord(ctx, rec)
}

func (f *flakyStore) PushIndex(ctx context.Context, entry domain.SessionIndexEntry) (int, error) {
	if f.indexFailures > 0 {
		f.indexFailures--
		return 0, errTransient
	}
	return f.Store.PushIndex(ctx, entry)
}

func (f *flakyStore) UpdateIndex(ctx context.Context, entry domain.SessionIndexEntry) (bool, error) {
	if f.indexFailures > 0 {
		f.indexFailures--
		return false, errTransient
	}
	return f.Store.UpdateIndex(ctx, entry)
}

func TestExecuteRetryAfterFailedWriteDoesNotDuplicate(t *testing.T) {
	tests := []struct {
		name           string
		recordFailures int
		indexFailures  int
	}{
		{name: "record write fails", recordFailures: 1},
		{name: "index write fails", indexFailures: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(10)
			store := &flakyStore{Store: repo}
			p := newTestPersister(store)

			if _, err := p.Execute(ctx, "s1", batch(100), true); err != nil {
				t.Fatalf("seed: %v", err)
			}

			store.recordFailures = tt.recordFailures
			store.indexFailures = tt.indexFailures
			_, err := p.Execute(ctx, "s1", batch(200), true)
			if !errors.Is(err, domain.ErrPersistence) || !errors.Is(err, errTransient) {
				t.Fatalf("expected wrapped transient failure got %v", err)
			}

			res, err := p.Execute(ctx, "s1", batch(200), true)
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if res.Metadata.EventCount != 2 || res.Metadata.Duration != 100 {
				t.Fatalf("expected count 2 duration 100 got %#v", res.Metadata)
			}

			events, err := repo.LoadEvents(ctx, "s1")
			if err != nil {
				t.Fatalf("load events: %v", err)
			}
			if len(events) != 2 || events[0].Timestamp != 100 || events[1].Timestamp != 200 {
				t.Fatalf("expected [100 200] got %#v", events)
			}

			entries, _ := repo.ListIndex(ctx, 10, 0)
			if len(entries) != 1 || entries[0].EventCount != 2 {
				t.Fatalf("expected one index entry with count 2 got %#v", entries)
			}
		})
	}
}

func TestExecuteCreateRetryAfterFailedRecordWrite(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(10)
	store := &flakyStore{Store: repo, recordFailures: 1}
	p := newTestPersister(store)

	if _, err := p.Execute(ctx, "s1", batch(1, 2), true); !errors.Is(err, errTransient) {
		t.Fatalf("expected transient failure got %v", err)
	}
	if _, ok, _ := repo.LoadRecord(ctx, "s1"); ok {
		t.Fatal("expected no record after failed create")
	}

	res, err := p.Execute(ctx, "s1", batch(1, 2), true)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.Created || res.Metadata.EventCount != 2 {
		t.Fatalf("expected create with 2 events got %#v", res)
	}

	entries, _ := repo.ListIndex(ctx, 10, 0)
	if len(entries) != 1 || entries[0].SessionID != "s1" {
		t.Fatalf("expected single index entry got %#v", entries)
	}
}
