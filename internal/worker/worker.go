package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
	"github.com/adiadia/session-replay/internal/metrics"
	"github.com/adiadia/session-replay/internal/replay"
)

var ErrStopped = errors.New("worker stopped")

type Persister interface {
	Execute(ctx context.Context, sessionID string, events []domain.CapturedEvent, isFinalize bool) (replay.Result, error)
}

type Notifier interface {
	Notify(ctx context.Context, meta domain.SessionMetadata, trigger string)
}

// Job is one finalized session waiting to be persisted.
type Job struct {
	Data    domain.SessionData
	Trigger string
}

type Deps struct {
	Persister      Persister
	Notifier       Notifier
	Logger         *slog.Logger
	MaxAttempts    int
	RetryBaseDelay time.Duration
	QueueSize      int
	DrainTimeout   time.Duration
}

// Worker persists sessions that were finalized without a caller waiting on
// the result: inactivity expiry and shutdown drain.
type Worker struct {
	persister      Persister
	notifier       Notifier
	logger         *slog.Logger
	maxAttempts    int
	retryBaseDelay time.Duration
	drainTimeout   time.Duration

	jobs    chan Job
	stopped chan struct{}
}

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	maxAtt := deps.MaxAttempts
	if maxAtt <= 0 {
		maxAtt = 3
	}

	base := deps.RetryBaseDelay
	if base <= 0 {
		base = 300 * time.Millisecond
	}

	size := deps.QueueSize
	if size <= 0 {
		size = 256
	}

	drain := deps.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}

	return &Worker{
		persister:      deps.Persister,
		notifier:       deps.Notifier,
		logger:         l,
		maxAttempts:    maxAtt,
		retryBaseDelay: base,
		drainTimeout:   drain,
		jobs:           make(chan Job, size),
		stopped:        make(chan struct{}),
	}
}

// Submit queues a job, blocking while the queue is full.
func (w *Worker) Submit(ctx context.Context, job Job) error {
	select {
	case <-w.stopped:
		return ErrStopped
	default:
	}

	select {
	case w.jobs <- job:
		return nil
	case <-w.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Expired is the buffer registry's OnExpire hook.
func (w *Worker) Expired(data domain.SessionData) {
	if err := w.Submit(context.Background(), Job{Data: data, Trigger: metrics.TriggerInactivity}); err != nil {
		w.logger.Error("inactivity finalized session dropped",
			"session_id", data.Metadata.SessionID,
			"event_count", len(data.Events),
			"error", err,
		)
	}
}

// Run processes jobs until ctx is canceled, then drains whatever is already
// queued under a fresh deadline.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("persistence worker started", "max_attempts", w.maxAttempts)

	for {
		select {
		case job := <-w.jobs:
			_ = w.ProcessOnce(ctx, job)
		case <-ctx.Done():
			close(w.stopped)
			w.drain(context.WithoutCancel(ctx))
			w.logger.Info("persistence worker stopped")
			return nil
		}
	}
}

func (w *Worker) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, w.drainTimeout)
	defer cancel()

	for {
		select {
		case job := <-w.jobs:
			_ = w.ProcessOnce(ctx, job)
		default:
			return
		}
	}
}

// ProcessOnce persists one job, retrying with exponential backoff. A final
// failure is logged and the session's events are lost.
func (w *Worker) ProcessOnce(ctx context.Context, job Job) error {
	sessionID := job.Data.Metadata.SessionID

	var lastErr error
retry:
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		res, err := w.persister.Execute(ctx, sessionID, job.Data.Events, true)
		if err == nil {
			w.logger.Info("finalized session persisted",
				"session_id", sessionID,
				"trigger", job.Trigger,
				"event_count", res.Metadata.EventCount,
				"attempt", attempt,
			)
			if res.Persisted && w.notifier != nil {
				w.notifier.Notify(ctx, res.Metadata, job.Trigger)
			}
			return nil
		}

		lastErr = err
		if errors.Is(err, domain.ErrInvalidBatch) {
			break retry
		}

		if attempt < w.maxAttempts {
			metrics.IncPersistRetries()
			w.logger.Warn("persist failed - retrying",
				"session_id", sessionID,
				"attempt", attempt,
				"max_attempts", w.maxAttempts,
				"error", err,
			)

			wait := w.retryBaseDelay * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				break retry
			case <-timer.C:
			}
		}
	}

	w.logger.Error("finalized session lost",
		"session_id", sessionID,
		"trigger", job.Trigger,
		"event_count", len(job.Data.Events),
		"error", lastErr,
	)
	return lastErr
}
