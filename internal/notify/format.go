package notify

import (
	"fmt"
	"strconv"
	"strings"

	"steam-tracker/internal/models"
)

// FormatEvent renders the notification body for one event. Price amounts
// arrive as minor currency units and are shown as "29.99 USD".
func FormatEvent(ev models.Event) string {
	switch ev.Kind {
	case models.EventPriceDrop, models.EventPriceRise:
		return fmt.Sprintf("💰 Price Update: %s\nPrevious: %s\nNew: %s",
			ev.TitleName, renderPrice(ev.Before, ev.Currency), renderPrice(ev.After, ev.Currency))
	case models.EventReleaseDateChanged:
		return fmt.Sprintf("📅 Release Date Changed: %s\nPrevious: %s\nNew: %s",
			ev.TitleName, ev.Before, ev.After)
	case models.EventPreOrderOpened:
		return fmt.Sprintf("🎮 Pre-order Status Update: %s\nNow available for pre-order!",
			ev.TitleName)
	case models.EventReleased:
		return fmt.Sprintf("🎮 Release Update: %s\nOut now on the store!", ev.TitleName)
	case models.EventAnnouncement:
		return fmt.Sprintf("📢 News Update: %s\nA new announcement was posted on the store page.",
			ev.TitleName)
	case models.EventRemoved:
		return fmt.Sprintf("❌ Store Listing Removed: %s\nThe title is no longer listed on the store.",
			ev.TitleName)
	default:
		return fmt.Sprintf("Update for %s", ev.TitleName)
	}
}

// FormatAmount renders minor currency units as "29.99 USD".
func FormatAmount(minor int64, currency string) string {
	out := fmt.Sprintf("%d.%02d", minor/100, minor%100)
	if currency != "" {
		out += " " + currency
	}
	return out
}

// renderPrice turns minor units into a human amount. Currency-flip events
// embed a currency in the raw value itself; each side then renders with its
// own suffix instead of the event-level one.
func renderPrice(raw, currency string) string {
	value := raw
	suffix := currency
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		value = raw[:i]
		suffix = raw[i+1:]
	}
	minor, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return raw
	}
	return FormatAmount(minor, suffix)
}
