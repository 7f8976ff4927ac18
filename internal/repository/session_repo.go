package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/adiadia/session-replay/internal/domain"
)

const indexKey = "sessions:index"

// KV is the storage primitive every backend provides. Update must run fn
// atomically with respect to other updates of the same key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Update(ctx context.Context, key string, fn func(current []byte, exists bool) ([]byte, error)) error
	Ping(ctx context.Context) error
}

func EventsKey(sessionID string) string {
	return "session:" + sessionID + ":events"
}

func MetadataKey(sessionID string) string {
	return "session:" + sessionID + ":metadata"
}

// SessionRepository lays sessions out over a KV: the raw event list under
// EventsKey, the record under MetadataKey, and one bounded most-recent-first
// index list under a well-known key.
type SessionRepository struct {
	kv         KV
	maxEntries int
	logger     *slog.Logger
}

func NewSessionRepository(kv KV, maxEntries int, logger *slog.Logger) *SessionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = domain.MaxIndexEntries
	}

	return &SessionRepository{
		kv:         kv,
		maxEntries: maxEntries,
		logger:     logger,
	}
}

func (r *SessionRepository) MaxEntries() int { return r.maxEntries }

func (r *SessionRepository) LoadRecord(ctx context.Context, sessionID string) (domain.SessionRecord, bool, error) {
	raw, ok, err := r.kv.Get(ctx, MetadataKey(sessionID))
	if err != nil {
		r.logger.Error("load session record failed", "session_id", sessionID, "error", err)
		return domain.SessionRecord{}, false, err
	}
	if !ok {
		return domain.SessionRecord{}, false, nil
	}

	var rec domain.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.logger.Error("decode session record failed", "session_id", sessionID, "error", err)
		return domain.SessionRecord{}, false, fmt.Errorf("decode record %s: %w", sessionID, err)
	}
	return rec, true, nil
}

func (r *SessionRepository) SaveRecord(ctx context.Context, rec domain.SessionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.SessionID, err)
	}
	if err := r.kv.Put(ctx, MetadataKey(rec.SessionID), raw); err != nil {
		r.logger.Error("save session record failed", "session_id", rec.SessionID, "error", err)
		return err
	}
	return nil
}

// LoadEvents returns the stored event list, or an empty list when none exists.
func (r *SessionRepository) LoadEvents(ctx context.Context, sessionID string) ([]domain.CapturedEvent, error) {
	raw, ok, err := r.kv.Get(ctx, EventsKey(sessionID))
	if err != nil {
		r.logger.Error("load session events failed", "session_id", sessionID, "error", err)
		return nil, err
	}
	if !ok || len(raw) == 0 {
		return []domain.CapturedEvent{}, nil
	}

	var events []domain.CapturedEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		r.logger.Error("decode session events failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("decode events %s: %w", sessionID, err)
	}
	if events == nil {
		events = []domain.CapturedEvent{}
	}
	return events, nil
}

// SaveEvents overwrites the event blob and returns its key.
func (r *SessionRepository) SaveEvents(ctx context.Context, sessionID string, events []domain.CapturedEvent) (string, error) {
	if events == nil {
		events = []domain.CapturedEvent{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("encode events %s: %w", sessionID, err)
	}

	key := EventsKey(sessionID)
	if err := r.kv.Put(ctx, key, raw); err != nil {
		r.logger.Error("save session events failed",
			"session_id", sessionID,
			"event_count", len(events),
			"error", err,
		)
		return "", err
	}
	return key, nil
}

// PushIndex inserts entry at the head of the index, dropping the oldest
// entries past the cap. It returns how many entries were evicted.
func (r *SessionRepository) PushIndex(ctx context.Context, entry domain.SessionIndexEntry) (int, error) {
	evicted := 0
	err := r.kv.Update(ctx, indexKey, func(current []byte, exists bool) ([]byte, error) {
		entries, err := decodeIndex(current, exists)
		if err != nil {
			return nil, err
		}

		next := make([]domain.SessionIndexEntry, 0, min(len(entries)+1, r.maxEntries))
		next = append(next, entry)
		for _, e := range entries {
			if e.SessionID == entry.SessionID {
				continue
			}
			next = append(next, e)
		}
		if len(next) > r.maxEntries {
			evicted = len(next) - r.maxEntries
			next = next[:r.maxEntries]
		}

		return json.Marshal(next)
	})
	if err != nil {
		r.logger.Error("push index entry failed", "session_id", entry.SessionID, "error", err)
		return 0, err
	}

	if evicted > 0 {
		r.logger.Debug("index entries evicted", "count", evicted)
	}
	return evicted, nil
}

// UpdateIndex rewrites the entry for entry.SessionID in place, keeping its
// position. It reports false when the session is no longer indexed.
func (r *SessionRepository) UpdateIndex(ctx context.Context, entry domain.SessionIndexEntry) (bool, error) {
	found := false
	err := r.kv.Update(ctx, indexKey, func(current []byte, exists bool) ([]byte, error) {
		entries, err := decodeIndex(current, exists)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			if entries[i].SessionID == entry.SessionID {
				entries[i] = entry
				found = true
				break
			}
		}
		return json.Marshal(entries)
	})
	if err != nil {
		r.logger.Error("update index entry failed", "session_id", entry.SessionID, "error", err)
		return false, err
	}
	return found, nil
}

// ListIndex returns up to limit entries starting at offset, most recent
// first. Offsets past the end yield an empty slice.
func (r *SessionRepository) ListIndex(ctx context.Context, limit, offset int) ([]domain.SessionIndexEntry, error) {
	raw, ok, err := r.kv.Get(ctx, indexKey)
	if err != nil {
		r.logger.Error("load index failed", "error", err)
		return nil, err
	}

	entries, err := decodeIndex(raw, ok)
	if err != nil {
		return nil, err
	}

	return page(entries, limit, offset), nil
}

func decodeIndex(raw []byte, exists bool) ([]domain.SessionIndexEntry, error) {
	if !exists || len(raw) == 0 {
		return []domain.SessionIndexEntry{}, nil
	}

	var entries []domain.SessionIndexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if entries == nil {
		entries = []domain.SessionIndexEntry{}
	}
	return entries, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
