package replay

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
	"github.com/adiadia/session-replay/internal/metrics"
)

const (
	modeCreate = "create"
	modeAppend = "append"
	modeNoop   = "noop"

	lockStripes = 64
)

// Store is the session storage the persister writes through.
type Store interface {
	LoadRecord(ctx context.Context, sessionID string) (domain.SessionRecord, bool, error)
	LoadEvents(ctx context.Context, sessionID string) ([]domain.CapturedEvent, error)
	SaveEvents(ctx context.Context, sessionID string, events []domain.CapturedEvent) (string, error)
	SaveRecord(ctx context.Context, rec domain.SessionRecord) error
	PushIndex(ctx context.Context, entry domain.SessionIndexEntry) (int, error)
	UpdateIndex(ctx context.Context, entry domain.SessionIndexEntry) (bool, error)
}

type Result struct {
	Metadata domain.SessionMetadata

	// Created is true when this call wrote the session's first record.
	Created bool

	// Persisted is false when there was nothing to write.
	Persisted bool
}

// Persister merges event batches into durable session storage. Calls for the
// same session id are serialized within one process.
type Persister struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger

	locks [lockStripes]sync.Mutex
}

func NewPersister(store Store, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}

	return &Persister{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
}

// Execute creates the session on first sight or merges events into the
// stored list, recomputing metadata over the whole session.
func (p *Persister) Execute(ctx context.Context, sessionID string, events []domain.CapturedEvent, isFinalize bool) (Result, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Result{}, fmt.Errorf("%w: missing session id", domain.ErrInvalidBatch)
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return Result{}, err
		}
	}
	if !isFinalize && len(events) == 0 {
		return Result{}, fmt.Errorf("%w: events must not be empty", domain.ErrInvalidBatch)
	}

	mu := p.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	rec, exists, err := p.store.LoadRecord(ctx, sessionID)
	if err != nil {
		return Result{}, p.fail("lookup", "load record", err)
	}

	var res Result
	switch {
	case len(events) == 0 && exists:
		res = Result{Metadata: rec.Metadata}
	case len(events) == 0:
		res = Result{Metadata: domain.ComputeMetadata(sessionID, nil, p.now().UTC())}
	case exists:
		res, err = p.appendEvents(ctx, rec, events)
	default:
		res, err = p.create(ctx, sessionID, events)
	}
	if err != nil {
		return Result{}, err
	}

	mode := modeNoop
	if res.Persisted {
		mode = modeAppend
		if res.Created {
			mode = modeCreate
		}
		metrics.ObservePersistDuration(time.Since(start))
	}
	metrics.IncPersist(mode, "ok")

	p.logger.Debug("session persisted",
		"session_id", sessionID,
		"mode", mode,
		"finalize", isFinalize,
		"batch_size", len(events),
		"event_count", res.Metadata.EventCount,
	)
	return res, nil
}

// Writes go blob, index, record. The record is the commit point: a retry after
// a failed write rewrites the same state instead of duplicating events.
func (p *Persister) create(ctx context.Context, sessionID string, events []domain.CapturedEvent) (Result, error) {
	meta := domain.ComputeMetadata(sessionID, events, p.now().UTC())

	ref, err := p.store.SaveEvents(ctx, sessionID, events)
	if err != nil {
		return Result{}, p.fail(modeCreate, "save events", err)
	}

	evicted, err := p.store.PushIndex(ctx, domain.SessionIndexEntry(meta))
	if err != nil {
		return Result{}, p.fail(modeCreate, "push index", err)
	}
	metrics.AddIndexEvictions(evicted)

	if err := p.store.SaveRecord(ctx, domain.SessionRecord{SessionID: sessionID, EventBlobRef: ref, Metadata: meta}); err != nil {
		return Result{}, p.fail(modeCreate, "save record", err)
	}

	return Result{Metadata: meta, Created: true, Persisted: true}, nil
}

func (p *Persister) appendEvents(ctx context.Context, rec domain.SessionRecord, events []domain.CapturedEvent) (Result, error) {
	stored, err := p.store.LoadEvents(ctx, rec.SessionID)
	if err != nil {
		return Result{}, p.fail(modeAppend, "load events", err)
	}
	existing := committed(stored, rec)
	if len(existing) < len(stored) {
		p.logger.Warn("discarding uncommitted events",
			"session_id", rec.SessionID,
			"committed", len(existing),
			"stored", len(stored),
		)
	}

	all := make([]domain.CapturedEvent, 0, len(existing)+len(events))
	all = append(all, existing...)
	all = append(all, events...)

	meta := domain.ComputeMetadata(rec.SessionID, all, p.now().UTC())
	if !rec.Metadata.CreatedAt.IsZero() {
		meta.CreatedAt = rec.Metadata.CreatedAt
	}

	ref, err := p.store.SaveEvents(ctx, rec.SessionID, all)
	if err != nil {
		return Result{}, p.fail(modeAppend, "save events", err)
	}

	found, err := p.store.UpdateIndex(ctx, domain.SessionIndexEntry(meta))
	if err != nil {
		return Result{}, p.fail(modeAppend, "update index", err)
	}
	if !found {
		p.logger.Debug("session no longer indexed", "session_id", rec.SessionID)
	}

	if err := p.store.SaveRecord(ctx, domain.SessionRecord{SessionID: rec.SessionID, EventBlobRef: ref, Metadata: meta}); err != nil {
		return Result{}, p.fail(modeAppend, "save record", err)
	}

	return Result{Metadata: meta, Persisted: true}, nil
}

// committed trims a stored event list to the count its record vouches for.
// Anything past it was written by an append whose record never landed.
func committed(events []domain.CapturedEvent, rec domain.SessionRecord) []domain.CapturedEvent {
	if n := rec.Metadata.EventCount; n >= 0 && n < len(events) {
		return events[:n]
	}
	return events
}

func (p *Persister) fail(mode, op string, err error) error {
	metrics.IncPersist(mode, "error")
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
}

func (p *Persister) lockFor(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &p.locks[h.Sum32()%lockStripes]
}
