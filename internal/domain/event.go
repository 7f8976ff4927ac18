package domain

import (
	"encoding/json"
	"fmt"
)

// PageMetadataEventType tags the capture library's page "meta" event.
// Its data carries the page href and is the only payload this service inspects.
const PageMetadataEventType = 4

// CapturedEvent is one interaction record as emitted by the capture library.
// Data is kept verbatim.
type CapturedEvent struct {
	Type      int             `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventBatch is a flushed group of events. Order is the client-local flush
// counter and is only used for diagnostics.
type EventBatch struct {
	Order  uint64          `json:"order"`
	Events []CapturedEvent `json:"events"`
}

func (e CapturedEvent) Validate() error {
	if e.Timestamp < 0 {
		return fmt.Errorf("%w: negative timestamp %d", ErrInvalidBatch, e.Timestamp)
	}
	return nil
}

// ValidateEvents rejects empty batches and malformed events.
func ValidateEvents(events []CapturedEvent) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: no events", ErrInvalidBatch)
	}
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

// PageURL returns data.href when the event is a page metadata event.
func (e CapturedEvent) PageURL() (string, bool) {
	if e.Type != PageMetadataEventType || len(e.Data) == 0 {
		return "", false
	}

	var meta struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(e.Data, &meta); err != nil || meta.Href == "" {
		return "", false
	}
	return meta.Href, true
}

// FindPageURL returns the href of the first page metadata event.
func FindPageURL(events []CapturedEvent) (string, bool) {
	for _, ev := range events {
		if url, ok := ev.PageURL(); ok {
			return url, true
		}
	}
	return "", false
}
