package buffer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
)

type State int32

const (
	StateIdle State = iota
	StateActive
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// errRetired is returned to senders that reach an actor after it finalized.
var errRetired = errors.New("actor retired")

type messageKind int

const (
	msgAppend messageKind = iota
	msgFinalize
	msgPeek
	msgExpire
)

type message struct {
	kind   messageKind
	events []domain.CapturedEvent
	gen    uint64
	reply  chan result
}

type result struct {
	count int
	data  domain.SessionData
	ok    bool
	err   error
}

// Actor owns the in-memory buffer of one session. All state below the
// mailbox is touched only by the run goroutine.
type Actor struct {
	id       string
	registry *Registry
	mailbox  chan message
	done     chan struct{}
	state    atomic.Int32

	events   []domain.CapturedEvent
	first    int64
	last     int64
	hasFirst bool
	url      string
	timer    *time.Timer
	gen      uint64
}

func newActor(id string, r *Registry) *Actor {
	a := &Actor{
		id:       id,
		registry: r,
		mailbox:  make(chan message),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Actor) ID() string { return a.id }

func (a *Actor) State() State { return State(a.state.Load()) }

// Append buffers events and returns the buffered event count.
func (a *Actor) Append(ctx context.Context, events []domain.CapturedEvent) (int, error) {
	res, err := a.send(ctx, message{kind: msgAppend, events: events})
	return res.count, err
}

// Finalize drains the buffer. Once accepted by the actor it runs to
// completion regardless of ctx.
func (a *Actor) Finalize(ctx context.Context) (domain.SessionData, error) {
	res, err := a.send(ctx, message{kind: msgFinalize})
	return res.data, err
}

// Peek returns a copy of the buffered events without changing state.
func (a *Actor) Peek(ctx context.Context) ([]domain.CapturedEvent, bool, error) {
	res, err := a.send(ctx, message{kind: msgPeek})
	return res.data.Events, res.ok, err
}

func (a *Actor) send(ctx context.Context, msg message) (result, error) {
	msg.reply = make(chan result, 1)

	select {
	case a.mailbox <- msg:
	case <-a.done:
		return result{}, errRetired
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	res := <-msg.reply
	return res, res.err
}

func (a *Actor) run() {
	defer close(a.done)

	// An actor whose first append never lands is reaped after one timeout.
	a.armTimer()

	for msg := range a.mailbox {
		switch msg.kind {
		case msgAppend:
			msg.reply <- a.handleAppend(msg.events)

		case msgPeek:
			events := append([]domain.CapturedEvent(nil), a.events...)
			msg.reply <- result{data: domain.SessionData{Events: events}, ok: len(events) > 0}

		case msgFinalize:
			data := a.finalize()
			a.registry.release(a)
			msg.reply <- result{data: data, count: data.Metadata.EventCount}
			return

		case msgExpire:
			if msg.gen != a.gen {
				msg.reply <- result{}
				continue
			}
			if a.State() != StateActive {
				a.timer = nil
				a.registry.release(a)
				msg.reply <- result{}
				return
			}
			data := a.finalize()
			a.registry.release(a)
			a.registry.expired(data)
			msg.reply <- result{}
			return
		}
	}
}

func (a *Actor) handleAppend(events []domain.CapturedEvent) result {
	if err := domain.ValidateEvents(events); err != nil {
		return result{count: len(a.events), err: err}
	}

	if !a.hasFirst {
		a.first = events[0].Timestamp
		a.hasFirst = true
	}
	a.last = events[len(events)-1].Timestamp

	if a.url == "" {
		if url, ok := domain.FindPageURL(events); ok {
			a.url = url
		}
	}

	a.events = append(a.events, events...)
	a.state.Store(int32(StateActive))
	a.armTimer()

	return result{count: len(a.events)}
}

func (a *Actor) armTimer() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.registry.timeout, func() {
		// A stale generation is ignored by the run loop.
		_, _ = a.send(context.Background(), message{kind: msgExpire, gen: gen})
	})
}

func (a *Actor) finalize() domain.SessionData {
	a.state.Store(int32(StateFinalizing))
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	now := a.registry.now()
	duration := int64(0)
	timestamp := now.UnixMilli()
	if a.hasFirst {
		duration = domain.Duration(a.first, a.last)
		timestamp = a.first
	}
	url := a.url
	if url == "" {
		url = domain.UnknownURL
	}

	data := domain.SessionData{
		Events: a.events,
		Metadata: domain.SessionMetadata{
			SessionID:  a.id,
			Timestamp:  timestamp,
			Duration:   duration,
			EventCount: len(a.events),
			URL:        url,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
	if data.Events == nil {
		data.Events = []domain.CapturedEvent{}
	}

	a.events = nil
	a.first, a.last, a.hasFirst = 0, 0, false
	a.url = ""
	a.state.Store(int32(StateIdle))

	return data
}
