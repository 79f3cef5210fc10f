package steam

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"

	"steam-tracker/internal/models"
)

const (
	resolveCacheSize = 256
	resolveCacheTTL  = 15 * time.Minute
)

// ScoredResult is a search hit scored against the query in [0, 1].
type ScoredResult struct {
	AppID string  `json:"app_id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Detail is the merged catalog state for one app: storefront record plus the
// id of its newest announcement. ReleaseDate is "TBA" when the storefront has
// no concrete date.
type Detail struct {
	AppID          string
	Name           string
	Price          *int64
	Currency       string
	ReleaseDate    string
	Availability   models.Availability
	AnnouncementID string
}

// TopEntry is one row of the top-by-players view.
type TopEntry struct {
	AppID   string `json:"app_id"`
	Name    string `json:"name"`
	Players int    `json:"players"`
}

// IsTransient reports whether err is worth retrying later. Everything except
// the permanent sentinels counts: timeouts, network failures, 429s and 5xx
// responses that survived the client's own retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnauthorized)
}

// NormalizeTitle lowercases, collapses runs of whitespace and strips
// punctuation except digits and colons. Both user queries and catalog names
// go through it before comparison.
func NormalizeTitle(s string) string {
	var b strings.Builder
	pendingSpace := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':':
			if pendingSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			pendingSpace = true
		}
	}
	return b.String()
}

// Resolve searches the storefront and scores every hit against the query with
// normalized Levenshtein similarity. Results are ordered score descending,
// ties broken by shorter name then alphabetically. Responses are cached for a
// quarter hour per query.
func (s *SteamService) Resolve(ctx context.Context, query string) ([]ScoredResult, error) {
	normalized := NormalizeTitle(query)
	if cached, ok := s.searchCache.Get(normalized); ok {
		return cached, nil
	}

	hits, err := s.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, ScoredResult{
			AppID: hit.AppID,
			Name:  hit.Name,
			Score: similarity(normalized, NormalizeTitle(hit.Name)),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if len(results[i].Name) != len(results[j].Name) {
			return len(results[i].Name) < len(results[j].Name)
		}
		return results[i].Name < results[j].Name
	})

	s.searchCache.Add(normalized, results)
	return results, nil
}

// similarity maps two normalized strings to [0, 1], 1 meaning equal.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(longest)
}

// GetDetail fetches the storefront record and the newest announcement id for
// one app and derives its availability. Apps without a news hub simply have
// no announcement id.
func (s *SteamService) GetDetail(ctx context.Context, appID string) (*Detail, error) {
	app, err := s.AppDetails(ctx, appID)
	if err != nil {
		return nil, err
	}

	detail := &Detail{
		AppID:        appID,
		Name:         app.Name,
		Price:        app.Price,
		Currency:     app.Currency,
		ReleaseDate:  normalizeReleaseDate(app.ReleaseDate),
		Availability: deriveAvailability(app),
	}

	news, err := s.LatestNews(ctx, appID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if news != nil {
		detail.AnnouncementID = news.ID
	}
	return detail, nil
}

// GetPlayers returns the current in-game player count for an app.
func (s *SteamService) GetPlayers(ctx context.Context, appID string) (int, error) {
	count, err := s.CurrentPlayers(ctx, appID)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// TopByPlayers ranks the curated popular apps by current players and returns
// the top n. Apps whose count cannot be fetched are skipped; the call only
// fails when every fetch does.
func (s *SteamService) TopByPlayers(ctx context.Context, n int) ([]TopEntry, error) {
	entries := make([]TopEntry, 0, len(PopularApps))
	var lastErr error
	for _, app := range PopularApps {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		players, err := s.GetPlayers(ctx, app.AppID)
		if err != nil {
			lastErr = err
			continue
		}
		entries = append(entries, TopEntry{AppID: app.AppID, Name: app.Name, Players: players})
	}
	if len(entries) == 0 && lastErr != nil {
		return nil, lastErr
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Players > entries[j].Players })
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// deriveAvailability maps storefront flags onto the lifecycle enum. A missing
// record never reaches here; AppDetails already turned it into ErrNotFound.
func deriveAvailability(app *AppDetails) models.Availability {
	switch {
	case app.ComingSoon && app.Price != nil:
		return models.AvailabilityPreOrder
	case app.ComingSoon:
		return models.AvailabilityUnreleased
	default:
		return models.AvailabilityReleased
	}
}

// normalizeReleaseDate folds the storefront's "no date yet" spellings into the
// single TBA marker so snapshot diffs compare cleanly.
func normalizeReleaseDate(date string) string {
	trimmed := strings.TrimSpace(date)
	if trimmed == "" {
		return models.ReleaseDateTBA
	}
	switch strings.ToLower(trimmed) {
	case "tba", "to be announced", "coming soon":
		return models.ReleaseDateTBA
	}
	return trimmed
}
