package tracker

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"steam-tracker/internal/models"
)

// SubscriptionStore owns subscription rows and the title rows they point at.
// It is the only writer of both tables.
type SubscriptionStore struct {
	db *gorm.DB
}

func NewSubscriptionStore(db *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// Add subscribes a user to a title, creating the title row when it is new.
// Re-adding an existing pair updates the channel and options in place, so the
// operation is idempotent.
func (s *SubscriptionStore) Add(userID, titleID, titleName, channelID string, options models.EventMask) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Create(&models.Title{ID: titleID, Name: titleName}).Error
		if err != nil {
			return fmt.Errorf("upsert title %s: %w", titleID, err)
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "title_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"channel_id", "options", "updated_at"}),
		}).Create(&models.Subscription{
			UserID:    userID,
			TitleID:   titleID,
			ChannelID: channelID,
			Options:   options,
		}).Error
		if err != nil {
			return fmt.Errorf("upsert subscription %s/%s: %w", userID, titleID, err)
		}
		return nil
	})
}

// Remove deletes the (user, title) subscription and reports how many rows
// went away (0 or 1).
func (s *SubscriptionStore) Remove(userID, titleID string) (int64, error) {
	result := s.db.Where("user_id = ? AND title_id = ?", userID, titleID).
		Delete(&models.Subscription{})
	if result.Error != nil {
		return 0, fmt.Errorf("remove subscription %s/%s: %w", userID, titleID, result.Error)
	}
	return result.RowsAffected, nil
}

// ListByUser returns the user's subscriptions ordered by creation time.
func (s *SubscriptionStore) ListByUser(userID string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.Where("user_id = ?", userID).Order("created_at").Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", userID, err)
	}
	return subs, nil
}

// ListByTitle returns every subscription pointing at the title.
func (s *SubscriptionStore) ListByTitle(titleID string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.Where("title_id = ?", titleID).Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for title %s: %w", titleID, err)
	}
	return subs, nil
}

// AllTitleIDs returns the distinct set of subscribed title ids.
func (s *SubscriptionStore) AllTitleIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&models.Subscription{}).Distinct("title_id").Pluck("title_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list tracked title ids: %w", err)
	}
	return ids, nil
}

// CountByTitle reports how many subscriptions the title still has.
func (s *SubscriptionStore) CountByTitle(titleID string) (int64, error) {
	var count int64
	err := s.db.Model(&models.Subscription{}).Where("title_id = ?", titleID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count subscriptions for title %s: %w", titleID, err)
	}
	return count, nil
}

// GetTitle loads one title row, nil when it does not exist.
func (s *SubscriptionStore) GetTitle(titleID string) (*models.Title, error) {
	var title models.Title
	err := s.db.First(&title, "id = ?", titleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get title %s: %w", titleID, err)
	}
	return &title, nil
}

// TitlesByIDs loads the named title rows keyed by id.
func (s *SubscriptionStore) TitlesByIDs(ids []string) (map[string]models.Title, error) {
	if len(ids) == 0 {
		return map[string]models.Title{}, nil
	}
	var titles []models.Title
	if err := s.db.Where("id IN ?", ids).Find(&titles).Error; err != nil {
		return nil, fmt.Errorf("load titles: %w", err)
	}
	byID := make(map[string]models.Title, len(titles))
	for _, t := range titles {
		byID[t.ID] = t
	}
	return byID, nil
}

// DeleteTitle removes a title row once its last subscription is gone.
func (s *SubscriptionStore) DeleteTitle(titleID string) error {
	if err := s.db.Delete(&models.Title{}, "id = ?", titleID).Error; err != nil {
		return fmt.Errorf("delete title %s: %w", titleID, err)
	}
	return nil
}

// Quarantine flags a title so sweeps skip it until an operator clears it.
func (s *SubscriptionStore) Quarantine(titleID, reason string) error {
	now := time.Now().UTC()
	err := s.db.Model(&models.Title{}).Where("id = ?", titleID).Updates(map[string]any{
		"quarantined_at":    &now,
		"quarantine_reason": reason,
	}).Error
	if err != nil {
		return fmt.Errorf("quarantine title %s: %w", titleID, err)
	}
	return nil
}

// ClearQuarantine lifts the flag; it reports whether the title was flagged.
func (s *SubscriptionStore) ClearQuarantine(titleID string) (bool, error) {
	result := s.db.Model(&models.Title{}).
		Where("id = ? AND quarantined_at IS NOT NULL", titleID).
		Updates(map[string]any{"quarantined_at": nil, "quarantine_reason": ""})
	if result.Error != nil {
		return false, fmt.Errorf("clear quarantine for %s: %w", titleID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// QuarantinedTitles lists flagged titles for the status surface.
func (s *SubscriptionStore) QuarantinedTitles() ([]models.Title, error) {
	var titles []models.Title
	err := s.db.Where("quarantined_at IS NOT NULL").Order("quarantined_at").Find(&titles).Error
	if err != nil {
		return nil, fmt.Errorf("list quarantined titles: %w", err)
	}
	return titles, nil
}

// QuarantinedIDs returns the flagged title ids as a set.
func (s *SubscriptionStore) QuarantinedIDs() (map[string]struct{}, error) {
	var ids []string
	err := s.db.Model(&models.Title{}).Where("quarantined_at IS NOT NULL").Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list quarantined ids: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}
