// Package buffer holds the per-session in-memory accumulators. Each session id
// maps to exactly one Actor; an actor processes its mailbox on a single
// goroutine, so the state of one session is never mutated concurrently while
// different sessions proceed independently.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
	"github.com/adiadia/session-replay/internal/metrics"
)

type Options struct {
	// InactivityTimeout is how long an actor waits after its last append
	// before finalizing itself. Defaults to domain.InactivityTimeout.
	InactivityTimeout time.Duration

	// OnExpire receives the data of sessions finalized by the inactivity
	// timer. It runs on its own goroutine. Without it the data is discarded.
	OnExpire func(domain.SessionData)

	Now    func() time.Time
	Logger *slog.Logger
}

type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor

	timeout  time.Duration
	onExpire func(domain.SessionData)
	now      func() time.Time
	logger   *slog.Logger

	// closing is set by Shutdown; guarded by mu together with pending.Add.
	closing bool
	pending sync.WaitGroup
}

func NewRegistry(opts Options) *Registry {
	timeout := opts.InactivityTimeout
	if timeout <= 0 {
		timeout = domain.InactivityTimeout
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		actors:   make(map[string]*Actor, 64),
		timeout:  timeout,
		onExpire: opts.OnExpire,
		now:      now,
		logger:   logger,
	}
}

// Append routes events to the session's actor, starting one if needed, and
// returns the number of events now buffered for the session.
func (r *Registry) Append(ctx context.Context, sessionID string, events []domain.CapturedEvent) (int, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, fmt.Errorf("%w: missing session id", domain.ErrInvalidBatch)
	}
	if err := domain.ValidateEvents(events); err != nil {
		return 0, err
	}

	for {
		a := r.actorFor(sessionID)
		count, err := a.Append(ctx, events)
		if errors.Is(err, errRetired) {
			// Lost a race with finalize; the next actor starts a new lifecycle.
			continue
		}
		return count, err
	}
}

// Finalize drains the session's buffer. A session without a resident actor
// yields empty data rather than an error.
func (r *Registry) Finalize(ctx context.Context, sessionID string) (domain.SessionData, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.SessionData{}, fmt.Errorf("%w: missing session id", domain.ErrInvalidBatch)
	}

	if a, ok := r.lookup(sessionID); ok {
		data, err := a.Finalize(ctx)
		if err == nil {
			metrics.IncSessionFinalized(metrics.TriggerExplicit)
			r.logger.Info("session buffer finalized",
				"session_id", sessionID,
				"event_count", data.Metadata.EventCount,
				"trigger", metrics.TriggerExplicit,
			)
			return data, nil
		}
		if !errors.Is(err, errRetired) {
			return domain.SessionData{}, err
		}
	}

	return r.emptySession(sessionID), nil
}

// Peek returns a copy of the events buffered for sessionID, if any.
func (r *Registry) Peek(ctx context.Context, sessionID string) ([]domain.CapturedEvent, bool, error) {
	a, ok := r.lookup(sessionID)
	if !ok {
		return nil, false, nil
	}

	events, ok, err := a.Peek(ctx)
	if errors.Is(err, errRetired) {
		return nil, false, nil
	}
	return events, ok, err
}

// Shutdown finalizes every resident actor and returns the non-empty results,
// then waits for in-flight OnExpire callbacks. Sessions that expire afterwards
// are handed to OnExpire synchronously.
func (r *Registry) Shutdown(ctx context.Context) []domain.SessionData {
	r.mu.Lock()
	r.closing = true
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	out := make([]domain.SessionData, 0, len(actors))
	for _, a := range actors {
		data, err := a.Finalize(ctx)
		if err != nil {
			if !errors.Is(err, errRetired) {
				r.logger.Error("shutdown finalize failed", "session_id", a.ID(), "error", err)
			}
			continue
		}
		metrics.IncSessionFinalized(metrics.TriggerShutdown)
		if data.Metadata.EventCount > 0 {
			out = append(out, data)
		}
	}

	r.pending.Wait()
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

func (r *Registry) lookup(sessionID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[sessionID]
	return a, ok
}

func (r *Registry) actorFor(sessionID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[sessionID]; ok {
		return a
	}

	a := newActor(sessionID, r)
	r.actors[sessionID] = a
	metrics.SetBufferedSessions(len(r.actors))
	r.logger.Debug("session buffer started", "session_id", sessionID)
	return a
}

// release is called from the actor goroutine once it has finalized.
func (r *Registry) release(a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.actors[a.id]; ok && current == a {
		delete(r.actors, a.id)
	}
	metrics.SetBufferedSessions(len(r.actors))
}

func (r *Registry) expired(data domain.SessionData) {
	metrics.IncSessionFinalized(metrics.TriggerInactivity)
	r.logger.Info("session buffer finalized",
		"session_id", data.Metadata.SessionID,
		"event_count", data.Metadata.EventCount,
		"trigger", metrics.TriggerInactivity,
	)

	if r.onExpire == nil {
		return
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		r.onExpire(data)
		return
	}
	r.pending.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.pending.Done()
		r.onExpire(data)
	}()
}

func (r *Registry) emptySession(sessionID string) domain.SessionData {
	return domain.SessionData{
		Events:   []domain.CapturedEvent{},
		Metadata: domain.ComputeMetadata(sessionID, nil, r.now()),
	}
}
