package models

import "time"

// EventKind classifies a detected change on a tracked title.
type EventKind string

const (
	EventPriceDrop          EventKind = "price_drop"
	EventPriceRise          EventKind = "price_rise"
	EventReleaseDateChanged EventKind = "release_date_changed"
	EventPreOrderOpened     EventKind = "pre_order_opened"
	EventReleased           EventKind = "released"
	EventAnnouncement       EventKind = "announcement"
	EventRemoved            EventKind = "removed"
)

// AllEventKinds returns every kind the detector can produce, in rule order.
func AllEventKinds() []EventKind {
	return []EventKind{
		EventPriceDrop,
		EventPriceRise,
		EventReleaseDateChanged,
		EventPreOrderOpened,
		EventReleased,
		EventAnnouncement,
		EventRemoved,
	}
}

var eventKindBits = map[EventKind]EventMask{
	EventPriceDrop:          1 << 0,
	EventPriceRise:          1 << 1,
	EventReleaseDateChanged: 1 << 2,
	EventPreOrderOpened:     1 << 3,
	EventReleased:           1 << 4,
	EventAnnouncement:       1 << 5,
	EventRemoved:            1 << 6,
}

// EventMask is a bitmask of event kinds a subscription wants delivered.
type EventMask int64

// DefaultEventMask enables every kind; new subscriptions start with it.
func DefaultEventMask() EventMask {
	var m EventMask
	for _, bit := range eventKindBits {
		m |= bit
	}
	return m
}

// Has reports whether the mask enables the given kind.
func (m EventMask) Has(kind EventKind) bool {
	bit, ok := eventKindBits[kind]
	if !ok {
		return false
	}
	return m&bit != 0
}

// With returns a copy of the mask with the given kind enabled.
func (m EventMask) With(kind EventKind) EventMask {
	return m | eventKindBits[kind]
}

// Without returns a copy of the mask with the given kind disabled.
func (m EventMask) Without(kind EventKind) EventMask {
	return m &^ eventKindBits[kind]
}

// Event is an ephemeral record of one classified change. Events are produced
// by the change detector after the snapshot update commits and consumed
// exactly once by the dispatcher; they are never persisted.
type Event struct {
	TitleID    string    `json:"title_id"`
	TitleName  string    `json:"title_name"`
	Kind       EventKind `json:"kind"`
	Before     string    `json:"before"`
	After      string    `json:"after"`
	Currency   string    `json:"currency,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}
