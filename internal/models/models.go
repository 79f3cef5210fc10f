package models

import (
	"time"
)

// Availability describes where a title sits in its release lifecycle.
type Availability string

const (
	AvailabilityPreOrder   Availability = "pre_order"
	AvailabilityReleased   Availability = "released"
	AvailabilityUnreleased Availability = "unreleased"
	AvailabilityRemoved    Availability = "removed"
)

// ReleaseDateTBA is stored when the catalog has no concrete date for a title.
const ReleaseDateTBA = "TBA"

// Title represents a catalog identity. Rows are created the first time a user
// successfully tracks the title and removed with its last subscription.
// QuarantinedAt is set when a sweep hits an internal invariant violation for
// the title; quarantined titles are skipped until an operator clears them.
type Title struct {
	ID               string     `json:"id" gorm:"primaryKey"`
	Name             string     `json:"name" gorm:"not null"`
	QuarantinedAt    *time.Time `json:"quarantined_at,omitempty"`
	QuarantineReason string     `json:"quarantine_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Subscription represents one user's interest in one title. The composite
// primary key enforces that at most one subscription exists per (user, title).
type Subscription struct {
	UserID    string    `json:"user_id" gorm:"primaryKey"`
	TitleID   string    `json:"title_id" gorm:"primaryKey;index"`
	ChannelID string    `json:"channel_id" gorm:"not null"`
	Options   EventMask `json:"options"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot represents the last-observed facts for a tracked title.
// Price is in minor units (cents); nil means the catalog lists no price.
type Snapshot struct {
	TitleID            string       `json:"title_id" gorm:"primaryKey"`
	Price              *int64       `json:"price"`
	Currency           string       `json:"currency"`
	ReleaseDate        string       `json:"release_date"`
	Availability       Availability `json:"availability" gorm:"index"`
	LastAnnouncementID string       `json:"last_announcement_id"`
	PlayersCurrent     int          `json:"players_current"`
	PlayersPeak24h     int          `json:"players_peak_24h"`
	PlayersPeakAll     int          `json:"players_peak_all_time"`
	ObservedAt         time.Time    `json:"observed_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// PlayerSample stores one player-count observation. Samples older than the
// trailing 24h window are pruned; the window backs PlayersPeak24h.
type PlayerSample struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	TitleID    string    `json:"title_id" gorm:"index"`
	Players    int       `json:"players"`
	ObservedAt time.Time `json:"observed_at" gorm:"index"`
}

// Meta stores schema-level key/value state, e.g. the schema version.
type Meta struct {
	Key   string `json:"key" gorm:"primaryKey"`
	Value string `json:"value"`
}
