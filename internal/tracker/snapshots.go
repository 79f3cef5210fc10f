package tracker

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"steam-tracker/internal/models"
)

// playerSampleWindow is how far back player samples count toward the 24 h peak.
const playerSampleWindow = 24 * time.Hour

// ErrInvariant is returned when an update would corrupt a snapshot. Callers
// quarantine the title instead of writing.
var ErrInvariant = errors.New("snapshot invariant violated")

// SnapshotStore owns per-title snapshots and the bounded sample window behind
// the 24 h player peak. Updates happen in one transaction so readers never see
// a half-written snapshot.
type SnapshotStore struct {
	db *gorm.DB
}

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Get returns the stored snapshot, nil when the title has never been swept.
func (s *SnapshotStore) Get(titleID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.db.First(&snap, "title_id = ?", titleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", titleID, err)
	}
	return &snap, nil
}

// Update stores the next snapshot for a title. Inside one transaction it
// records the player sample (skipped for removed titles, which have no fresh
// observation), prunes samples outside the 24 h window, recomputes both peaks
// and upserts the row. The returned snapshot carries the computed peaks.
//
// Invariants enforced here: players_current is never negative and observed_at
// never moves backwards. Violations return ErrInvariant and write nothing.
func (s *SnapshotStore) Update(next models.Snapshot) (*models.Snapshot, error) {
	if next.PlayersCurrent < 0 {
		return nil, fmt.Errorf("%w: negative player count %d for %s",
			ErrInvariant, next.PlayersCurrent, next.TitleID)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var prev models.Snapshot
		err := tx.First(&prev, "title_id = ?", next.TitleID).Error
		hasPrev := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load previous snapshot %s: %w", next.TitleID, err)
		}
		if hasPrev && next.ObservedAt.Before(prev.ObservedAt) {
			return fmt.Errorf("%w: observed_at moved backwards for %s (%s -> %s)",
				ErrInvariant, next.TitleID,
				prev.ObservedAt.Format(time.RFC3339), next.ObservedAt.Format(time.RFC3339))
		}

		if next.Availability != models.AvailabilityRemoved {
			sample := models.PlayerSample{
				TitleID:    next.TitleID,
				Players:    next.PlayersCurrent,
				ObservedAt: next.ObservedAt,
			}
			if err := tx.Create(&sample).Error; err != nil {
				return fmt.Errorf("record player sample %s: %w", next.TitleID, err)
			}
		}

		cutoff := next.ObservedAt.Add(-playerSampleWindow)
		err = tx.Where("title_id = ? AND observed_at < ?", next.TitleID, cutoff).
			Delete(&models.PlayerSample{}).Error
		if err != nil {
			return fmt.Errorf("prune player samples %s: %w", next.TitleID, err)
		}

		var peak24 int
		err = tx.Model(&models.PlayerSample{}).
			Where("title_id = ?", next.TitleID).
			Select("COALESCE(MAX(players), 0)").Scan(&peak24).Error
		if err != nil {
			return fmt.Errorf("compute 24h peak %s: %w", next.TitleID, err)
		}
		if next.PlayersCurrent > peak24 {
			peak24 = next.PlayersCurrent
		}
		next.PlayersPeak24h = peak24
		next.PlayersPeakAll = peak24
		if hasPrev && prev.PlayersPeakAll > peak24 {
			next.PlayersPeakAll = prev.PlayersPeakAll
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "title_id"}},
			UpdateAll: true,
		}).Create(&next).Error
		if err != nil {
			return fmt.Errorf("upsert snapshot %s: %w", next.TitleID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Delete removes the snapshot and its samples when a title stops being
// tracked.
func (s *SnapshotStore) Delete(titleID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.PlayerSample{}, "title_id = ?", titleID).Error; err != nil {
			return fmt.Errorf("delete player samples %s: %w", titleID, err)
		}
		if err := tx.Delete(&models.Snapshot{}, "title_id = ?", titleID).Error; err != nil {
			return fmt.Errorf("delete snapshot %s: %w", titleID, err)
		}
		return nil
	})
}

// All returns every stored snapshot keyed by title id.
func (s *SnapshotStore) All() (map[string]models.Snapshot, error) {
	var snaps []models.Snapshot
	if err := s.db.Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	byID := make(map[string]models.Snapshot, len(snaps))
	for _, snap := range snaps {
		byID[snap.TitleID] = snap
	}
	return byID, nil
}
