package recorder

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamCaptureEmitsInOrderAndSkipsBadLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":4,"timestamp":100,"data":{"href":"https://example.com"}}`,
		``,
		`not json`,
		`{"type":3,"timestamp":-1}`,
		`{"type":3,"timestamp":250,"data":{"source":2,"x":10}}`,
	}, "\n")

	var (
		mu  sync.Mutex
		got []domain.CapturedEvent
	)
	c := NewStreamCapture(strings.NewReader(input), discardLogger())
	stop, err := c.Start(context.Background(), func(ev domain.CapturedEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not finish")
	}
	if c.Err() != nil {
		t.Fatalf("unexpected capture error: %v", c.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 events got %d", len(got))
	}
	if got[0].Timestamp != 100 || got[1].Timestamp != 250 {
		t.Fatalf("unexpected order %#v", got)
	}
	if url, ok := got[0].PageURL(); !ok || url != "https://example.com" {
		t.Fatalf("expected page url preserved got %q", url)
	}
	if string(got[1].Data) != `{"source":2,"x":10}` {
		t.Fatalf("expected opaque payload preserved got %s", got[1].Data)
	}
}

func TestStreamCaptureStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	c := NewStreamCapture(pr, discardLogger())
	emitted := make(chan struct{}, 4)
	stop, err := c.Start(context.Background(), func(domain.CapturedEvent) { emitted <- struct{}{} })
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := pw.Write([]byte(`{"type":3,"timestamp":1}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-emitted

	stop()
	_, _ = pw.Write([]byte(`{"type":3,"timestamp":2}` + "\n"))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not stop")
	}
	if len(emitted) != 0 {
		t.Fatal("expected no events after stop")
	}
}

func TestStreamCaptureRejectsNilSource(t *testing.T) {
	if _, err := NewStreamCapture(nil, nil).Start(context.Background(), func(domain.CapturedEvent) {}); err == nil {
		t.Fatal("expected error for nil source")
	}
}
