package domain

import "time"

const (
	MaxIndexEntries   = 1000
	InactivityTimeout = 5 * time.Minute
	UnknownURL        = "Unknown"
)

type SessionMetadata struct {
	SessionID  string    `json:"sessionId"`
	Timestamp  int64     `json:"timestamp"`
	Duration   int64     `json:"duration"`
	EventCount int       `json:"eventCount"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SessionIndexEntry is the metadata-only projection kept in the bounded index.
type SessionIndexEntry SessionMetadata

type SessionData struct {
	Events   []CapturedEvent `json:"events"`
	Metadata SessionMetadata `json:"metadata"`
}

// SessionRecord is the durable form of a finalized session.
type SessionRecord struct {
	SessionID    string          `json:"sessionId"`
	EventBlobRef string          `json:"eventBlobRef"`
	Metadata     SessionMetadata `json:"metadata"`
}

// Duration returns last-first in milliseconds, clamped at zero.
func Duration(first, last int64) int64 {
	if last < first {
		return 0
	}
	return last - first
}

// ComputeMetadata derives metadata over the full event list.
// Timestamp falls back to now when there are no events.
func ComputeMetadata(sessionID string, events []CapturedEvent, now time.Time) SessionMetadata {
	meta := SessionMetadata{
		SessionID:  sessionID,
		Timestamp:  now.UnixMilli(),
		EventCount: len(events),
		URL:        UnknownURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if len(events) > 0 {
		meta.Timestamp = events[0].Timestamp
		meta.Duration = Duration(events[0].Timestamp, events[len(events)-1].Timestamp)
	}
	if url, ok := FindPageURL(events); ok {
		meta.URL = url
	}

	return meta
}
