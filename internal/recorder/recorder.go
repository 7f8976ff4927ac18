package recorder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
	"github.com/adiadia/session-replay/internal/queue"
	"github.com/google/uuid"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

// Sender delivers batches to the ingest endpoint.
type Sender interface {
	Send(ctx context.Context, sessionID string, batch domain.EventBatch, finalize bool) (IngestResponse, error)
}

type Options struct {
	FlushDelay time.Duration
	Policy     queue.FailurePolicy

	// SendTimeout bounds each timer-driven flush.
	SendTimeout time.Duration

	Logger *slog.Logger
}

// Recorder owns one recording: a capture source feeding a batching queue
// that flushes to a Sender. Instances share nothing.
type Recorder struct {
	capture CaptureLibrary
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration

	queue *queue.Queue[domain.CapturedEvent]

	mu        sync.Mutex
	sessionID string
	stop      func()
}

func New(capture CaptureLibrary, sender Sender, opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	r := &Recorder{
		capture: capture,
		sender:  sender,
		logger:  logger,
		timeout: timeout,
	}
	r.queue = queue.New(queue.Options[domain.CapturedEvent]{
		FlushDelay: opts.FlushDelay,
		OnFlush:    r.send,
		Policy:     opts.Policy,
		Logger:     logger,
	})
	return r
}

// Start begins a recording under sessionID, or a generated id when empty.
func (r *Recorder) Start(ctx context.Context, sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessionID != "" {
		return "", ErrAlreadyRecording
	}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	r.sessionID = sessionID

	stop, err := r.capture.Start(ctx, r.Record)
	if err != nil {
		r.sessionID = ""
		return "", err
	}
	r.stop = stop

	r.logger.Info("recording started", "session_id", sessionID)
	return sessionID, nil
}

func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Record queues one captured event.
func (r *Recorder) Record(ev domain.CapturedEvent) {
	r.queue.Enqueue(ev)
}

// Flush sends whatever is queued now instead of waiting for the debounce.
func (r *Recorder) Flush(ctx context.Context) {
	r.queue.Flush(ctx)
}

// Stop ends capture, flushes pending events and finalizes the session.
// Events still queued after the flush ride along with the finalize request.
func (r *Recorder) Stop(ctx context.Context) (domain.SessionMetadata, error) {
	sessionID, err := r.stopCapture()
	if err != nil {
		return domain.SessionMetadata{}, err
	}
	defer r.reset()

	r.queue.Flush(ctx)

	leftover := r.queue.Drain()
	batch := domain.EventBatch{Events: values(leftover)}
	if len(leftover) > 0 {
		batch.Order = leftover[0].Seq
	}

	resp, err := r.sender.Send(ctx, sessionID, batch, true)
	if err != nil {
		r.logger.Error("finalize failed",
			"session_id", sessionID,
			"event_count", len(batch.Events),
			"error", err,
		)
		return domain.SessionMetadata{}, err
	}

	r.logger.Info("recording stopped", "session_id", sessionID)
	if resp.Metadata != nil {
		return *resp.Metadata, nil
	}
	return domain.SessionMetadata{SessionID: sessionID}, nil
}

// Clear ends capture and discards queued events without sending them.
func (r *Recorder) Clear() {
	if _, err := r.stopCapture(); err != nil {
		return
	}
	r.queue.Clear()
	r.reset()
}

// stopCapture halts the capture source but keeps the session id so pending
// batches can still be addressed.
func (r *Recorder) stopCapture() (string, error) {
	r.mu.Lock()
	sessionID, stop := r.sessionID, r.stop
	r.stop = nil
	r.mu.Unlock()

	if sessionID == "" {
		return "", ErrNotRecording
	}
	if stop != nil {
		stop()
	}
	return sessionID, nil
}

func (r *Recorder) reset() {
	r.mu.Lock()
	r.sessionID = ""
	r.mu.Unlock()
}

func (r *Recorder) send(ctx context.Context, batch []queue.Item[domain.CapturedEvent]) error {
	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()

	if sessionID == "" {
		return ErrNotRecording
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.sender.Send(ctx, sessionID, domain.EventBatch{
		Order:  batch[0].Seq,
		Events: values(batch),
	}, false)
	if err == nil {
		r.logger.Debug("batch sent",
			"session_id", sessionID,
			"first_seq", batch[0].Seq,
			"batch_size", len(batch),
		)
	}
	return err
}

func values(items []queue.Item[domain.CapturedEvent]) []domain.CapturedEvent {
	out := make([]domain.CapturedEvent, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out
}
