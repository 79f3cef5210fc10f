package tracker

import (
	"fmt"
	"strconv"
	"time"

	"steam-tracker/internal/models"
)

// Facts is what one sweep learned about a title. For a removed title only
// TitleID, Name, Availability and ObservedAt are meaningful; the catalog had
// nothing else to say.
type Facts struct {
	TitleID        string
	Name           string
	Price          *int64
	Currency       string
	ReleaseDate    string
	Availability   models.Availability
	AnnouncementID string
	Players        int
	ObservedAt     time.Time
}

// Detect diffs the stored snapshot against fresh facts and classifies every
// change. A nil old snapshot seeds silently and emits nothing. Rules are
// evaluated in a fixed order and fire independently of each other, except
// that a currency change replaces the plain price comparison and a removed
// title short-circuits everything but the removal notice.
func Detect(old *models.Snapshot, f Facts) []models.Event {
	if old == nil {
		return nil
	}

	var events []models.Event
	emit := func(kind models.EventKind, before, after, currency string) {
		events = append(events, models.Event{
			TitleID:    f.TitleID,
			TitleName:  f.Name,
			Kind:       kind,
			Before:     before,
			After:      after,
			Currency:   currency,
			DetectedAt: f.ObservedAt,
		})
	}

	if f.Availability == models.AvailabilityRemoved {
		// Emitted once; while the title stays removed nothing new is learned.
		if old.Availability != models.AvailabilityRemoved {
			emit(models.EventRemoved, string(old.Availability), string(models.AvailabilityRemoved), "")
		}
		return events
	}

	if old.Price != nil && f.Price != nil {
		switch {
		case old.Currency != f.Currency:
			// A storefront currency flip makes the raw numbers incomparable;
			// surface it as a single informational price event.
			emit(models.EventPriceRise,
				fmt.Sprintf("%d %s", *old.Price, old.Currency),
				fmt.Sprintf("%d %s", *f.Price, f.Currency),
				f.Currency)
		case *old.Price > *f.Price:
			emit(models.EventPriceDrop, formatMinor(*old.Price), formatMinor(*f.Price), f.Currency)
		case *old.Price < *f.Price:
			emit(models.EventPriceRise, formatMinor(*old.Price), formatMinor(*f.Price), f.Currency)
		}
	}

	if old.ReleaseDate != f.ReleaseDate &&
		(old.ReleaseDate != models.ReleaseDateTBA || f.ReleaseDate != models.ReleaseDateTBA) {
		emit(models.EventReleaseDateChanged, old.ReleaseDate, f.ReleaseDate, "")
	}

	if (old.Availability == models.AvailabilityUnreleased || old.Availability == models.AvailabilityReleased) &&
		f.Availability == models.AvailabilityPreOrder {
		emit(models.EventPreOrderOpened, string(old.Availability), string(f.Availability), "")
	}

	if old.Availability != models.AvailabilityReleased && f.Availability == models.AvailabilityReleased {
		emit(models.EventReleased, string(old.Availability), string(f.Availability), "")
	}

	if old.LastAnnouncementID != "" && f.AnnouncementID != "" &&
		old.LastAnnouncementID != f.AnnouncementID {
		emit(models.EventAnnouncement, old.LastAnnouncementID, f.AnnouncementID, "")
	}

	return events
}

// NextSnapshot builds the snapshot the store should persist after this sweep.
// Removed titles keep their last-known storefront fields so a later relisting
// diffs against something real; their player count drops to zero because
// nobody is in a delisted game.
func NextSnapshot(old *models.Snapshot, f Facts) models.Snapshot {
	if f.Availability == models.AvailabilityRemoved {
		next := models.Snapshot{
			TitleID:      f.TitleID,
			Availability: models.AvailabilityRemoved,
			ReleaseDate:  models.ReleaseDateTBA,
			ObservedAt:   f.ObservedAt,
		}
		if old != nil {
			next.Price = old.Price
			next.Currency = old.Currency
			next.ReleaseDate = old.ReleaseDate
			next.LastAnnouncementID = old.LastAnnouncementID
		}
		return next
	}

	next := models.Snapshot{
		TitleID:            f.TitleID,
		Price:              f.Price,
		Currency:           f.Currency,
		ReleaseDate:        f.ReleaseDate,
		Availability:       f.Availability,
		LastAnnouncementID: f.AnnouncementID,
		PlayersCurrent:     f.Players,
		ObservedAt:         f.ObservedAt,
	}
	// A news feed that answers nothing this sweep must not erase the last
	// seen announcement id.
	if next.LastAnnouncementID == "" && old != nil {
		next.LastAnnouncementID = old.LastAnnouncementID
	}
	return next
}

func formatMinor(price int64) string {
	return strconv.FormatInt(price, 10)
}
