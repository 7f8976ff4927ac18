package replay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
)

const DefaultListLimit = 50

type IndexReader interface {
	ListIndex(ctx context.Context, limit, offset int) ([]domain.SessionIndexEntry, error)
	LoadRecord(ctx context.Context, sessionID string) (domain.SessionRecord, bool, error)
	LoadEvents(ctx context.Context, sessionID string) ([]domain.CapturedEvent, error)
}

// BufferReader exposes events that are buffered but not yet persisted.
type BufferReader interface {
	Peek(ctx context.Context, sessionID string) ([]domain.CapturedEvent, bool, error)
}

type Catalog struct {
	store    IndexReader
	buffer   BufferReader
	maxLimit int
	now      func() time.Time
	logger   *slog.Logger
}

// NewCatalog builds the read side. buffer may be nil when no actors run
// in this process.
func NewCatalog(store IndexReader, buffer BufferReader, maxLimit int, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if maxLimit <= 0 {
		maxLimit = domain.MaxIndexEntries
	}

	return &Catalog{
		store:    store,
		buffer:   buffer,
		maxLimit: maxLimit,
		now:      time.Now,
		logger:   logger,
	}
}

// List returns one page of the most-recent-first index. A non-positive limit
// selects DefaultListLimit.
func (c *Catalog) List(ctx context.Context, limit, offset int) ([]domain.SessionIndexEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, c.maxLimit)
	offset = max(offset, 0)

	entries, err := c.store.ListIndex(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list index: %w", domain.ErrPersistence, err)
	}
	return entries, nil
}

// Get returns persisted events followed by still-buffered ones. Metadata
// covers both and keeps the stored creation time.
func (c *Catalog) Get(ctx context.Context, sessionID string) (domain.SessionData, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.SessionData{}, domain.ErrNotFound
	}

	rec, persisted, err := c.store.LoadRecord(ctx, sessionID)
	if err != nil {
		return domain.SessionData{}, fmt.Errorf("%w: load record: %w", domain.ErrPersistence, err)
	}

	var events []domain.CapturedEvent
	if persisted {
		events, err = c.store.LoadEvents(ctx, sessionID)
		if err != nil {
			return domain.SessionData{}, fmt.Errorf("%w: load events: %w", domain.ErrPersistence, err)
		}
		events = committed(events, rec)
	}

	var buffered []domain.CapturedEvent
	if c.buffer != nil {
		var ok bool
		buffered, ok, err = c.buffer.Peek(ctx, sessionID)
		if err != nil {
			c.logger.Warn("peek buffered session failed", "session_id", sessionID, "error", err)
		} else if !ok {
			buffered = nil
		}
	}

	if !persisted && len(buffered) == 0 {
		return domain.SessionData{}, domain.ErrNotFound
	}

	if len(buffered) == 0 {
		return domain.SessionData{Events: events, Metadata: rec.Metadata}, nil
	}

	all := make([]domain.CapturedEvent, 0, len(events)+len(buffered))
	all = append(all, events...)
	all = append(all, buffered...)

	meta := domain.ComputeMetadata(sessionID, all, c.now().UTC())
	if persisted {
		meta.CreatedAt = rec.Metadata.CreatedAt
	}
	return domain.SessionData{Events: all, Metadata: meta}, nil
}
