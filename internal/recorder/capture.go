package recorder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/adiadia/session-replay/internal/domain"
)

const maxCaptureLine = 4 << 20

// CaptureLibrary is the boundary to the component that produces raw
// interaction events. Start emits events in order until stop is called or
// the source is exhausted.
type CaptureLibrary interface {
	Start(ctx context.Context, emit func(domain.CapturedEvent)) (stop func(), err error)
}

// StreamCapture replays events encoded as JSON lines. Lines that do not
// decode are logged and skipped; event payloads are not inspected.
type StreamCapture struct {
	r      io.Reader
	logger *slog.Logger

	done chan struct{}
	err  error
}

func NewStreamCapture(r io.Reader, logger *slog.Logger) *StreamCapture {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamCapture{r: r, logger: logger, done: make(chan struct{})}
}

func (s *StreamCapture) Start(ctx context.Context, emit func(domain.CapturedEvent)) (func(), error) {
	if s.r == nil {
		return nil, errors.New("capture source is nil")
	}

	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() { once.Do(cancel) }

	go func() {
		defer close(s.done)
		defer stop()

		sc := bufio.NewScanner(s.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxCaptureLine)

		line := 0
		for sc.Scan() {
			if ctx.Err() != nil {
				return
			}
			line++

			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}

			var ev domain.CapturedEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				s.logger.Warn("skipping undecodable capture line", "line", line, "error", err)
				continue
			}
			if err := ev.Validate(); err != nil {
				s.logger.Warn("skipping invalid captured event", "line", line, "error", err)
				continue
			}
			emit(ev)
		}
		if err := sc.Err(); err != nil {
			s.err = err
			s.logger.Error("capture source failed", "error", err)
		}
	}()

	return stop, nil
}

// Done is closed once the source is exhausted or capture is stopped.
func (s *StreamCapture) Done() <-chan struct{} { return s.done }

// Err reports a read failure. Valid after Done is closed.
func (s *StreamCapture) Err() error { return s.err }
