package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultStoreBaseURL = "https://store.steampowered.com"
	defaultAPIBaseURL   = "https://api.steampowered.com"

	retryCount       = 3
	retryBaseWait    = 1 * time.Second
	retryMaxWait     = 30 * time.Second
	validationUserID = "76561197960435530"
)

// ErrNotFound marks an app the catalog no longer knows about. It is permanent;
// callers must not retry it.
var ErrNotFound = errors.New("steam: app not found")

// ErrUnauthorized marks a rejected API key.
var ErrUnauthorized = errors.New("steam: api key rejected")

// SteamService talks to the Steam storefront and Web API. Transient failures
// (network errors, 429, 5xx) are retried with exponential backoff before an
// error is returned; ErrNotFound and ErrUnauthorized are returned immediately.
type SteamService struct {
	apiKey string
	client *resty.Client

	storeBaseURL string
	apiBaseURL   string

	searchCache *expirable.LRU[string, []ScoredResult]
}

// SearchResult is one row of a storefront search.
type SearchResult struct {
	AppID string
	Name  string
}

// AppDetails is the catalog state of a single app. Price is in minor currency
// units (cents) and nil when the app has no price. ReleaseDate is the raw
// storefront string and empty when the storefront omits it.
type AppDetails struct {
	AppID       string
	Name        string
	IsFree      bool
	Price       *int64
	Currency    string
	ReleaseDate string
	ComingSoon  bool
}

// NewsItem is the most recent announcement for an app.
type NewsItem struct {
	ID          string
	Title       string
	URL         string
	PublishedAt time.Time
}

// PopularApp pairs a well-known appid with its display name so the top-games
// view does not need a storefront round trip per row.
type PopularApp struct {
	AppID string
	Name  string
}

// PopularApps is the curated list backing the no-argument player count view.
var PopularApps = []PopularApp{
	{AppID: "730", Name: "Counter-Strike 2"},
	{AppID: "570", Name: "Dota 2"},
	{AppID: "578080", Name: "PUBG: BATTLEGROUNDS"},
	{AppID: "1172470", Name: "Apex Legends"},
	{AppID: "271590", Name: "Grand Theft Auto V"},
	{AppID: "440", Name: "Team Fortress 2"},
	{AppID: "252490", Name: "Rust"},
	{AppID: "1086940", Name: "Baldur's Gate 3"},
	{AppID: "359550", Name: "Tom Clancy's Rainbow Six Siege"},
	{AppID: "1245620", Name: "ELDEN RING"},
	{AppID: "292030", Name: "The Witcher 3: Wild Hunt"},
	{AppID: "105600", Name: "Terraria"},
}

func NewSteamService(apiKey string, timeout time.Duration) *SteamService {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(retryCount)
	client.SetRetryWaitTime(retryBaseWait)
	client.SetRetryMaxWaitTime(retryMaxWait)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		code := r.StatusCode()
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	})

	return &SteamService{
		apiKey:       apiKey,
		client:       client,
		storeBaseURL: defaultStoreBaseURL,
		apiBaseURL:   defaultAPIBaseURL,
		searchCache:  expirable.NewLRU[string, []ScoredResult](resolveCacheSize, nil, resolveCacheTTL),
	}
}

type searchResponse struct {
	Total int `json:"total"`
	Items []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"items"`
}

// Search queries the storefront for apps matching term. Results keep the
// storefront's relevance order.
func (s *SteamService) Search(ctx context.Context, term string) ([]SearchResult, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"term": term,
			"l":    "english",
			"cc":   "US",
		}).
		Get(s.storeBaseURL + "/api/storesearch/")
	if err != nil {
		return nil, fmt.Errorf("steam: search %q: %w", term, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var body searchResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("steam: decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(body.Items))
	for _, item := range body.Items {
		results = append(results, SearchResult{
			AppID: strconv.FormatInt(item.ID, 10),
			Name:  item.Name,
		})
	}
	return results, nil
}

type appDetailsEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		Name          string `json:"name"`
		IsFree        bool   `json:"is_free"`
		PriceOverview *struct {
			Currency        string `json:"currency"`
			Initial         int64  `json:"initial"`
			Final           int64  `json:"final"`
			DiscountPercent int    `json:"discount_percent"`
		} `json:"price_overview"`
		ReleaseDate struct {
			ComingSoon bool   `json:"coming_soon"`
			Date       string `json:"date"`
		} `json:"release_date"`
	} `json:"data"`
}

// AppDetails fetches the storefront record for one app. A success=false
// envelope means the storefront dropped the app and maps to ErrNotFound.
func (s *SteamService) AppDetails(ctx context.Context, appID string) (*AppDetails, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"appids": appID,
			"l":      "english",
			"cc":     "US",
		}).
		Get(s.storeBaseURL + "/api/appdetails")
	if err != nil {
		return nil, fmt.Errorf("steam: app details %s: %w", appID, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var body map[string]appDetailsEnvelope
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("steam: decode app details: %w", err)
	}

	envelope, ok := body[appID]
	if !ok || !envelope.Success {
		return nil, fmt.Errorf("%w: app %s", ErrNotFound, appID)
	}

	details := &AppDetails{
		AppID:       appID,
		Name:        envelope.Data.Name,
		IsFree:      envelope.Data.IsFree,
		ReleaseDate: envelope.Data.ReleaseDate.Date,
		ComingSoon:  envelope.Data.ReleaseDate.ComingSoon,
	}
	if po := envelope.Data.PriceOverview; po != nil {
		price := po.Final
		details.Price = &price
		details.Currency = po.Currency
	}
	return details, nil
}

type playersResponse struct {
	Response struct {
		PlayerCount int64 `json:"player_count"`
		Result      int   `json:"result"`
	} `json:"response"`
}

// CurrentPlayers returns the number of players in-game right now.
func (s *SteamService) CurrentPlayers(ctx context.Context, appID string) (int64, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("appid", appID).
		Get(s.apiBaseURL + "/ISteamUserStats/GetNumberOfCurrentPlayers/v1/")
	if err != nil {
		return 0, fmt.Errorf("steam: player count %s: %w", appID, err)
	}
	// This endpoint answers 404 for unknown appids.
	if resp.StatusCode() == http.StatusNotFound {
		return 0, fmt.Errorf("%w: app %s", ErrNotFound, appID)
	}
	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	var body playersResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return 0, fmt.Errorf("steam: decode player count: %w", err)
	}
	if body.Response.Result != 1 {
		return 0, fmt.Errorf("%w: app %s", ErrNotFound, appID)
	}
	return body.Response.PlayerCount, nil
}

type newsResponse struct {
	AppNews struct {
		NewsItems []struct {
			GID   string `json:"gid"`
			Title string `json:"title"`
			URL   string `json:"url"`
			Date  int64  `json:"date"`
		} `json:"newsitems"`
	} `json:"appnews"`
}

// LatestNews returns the newest announcement for an app, or nil when the feed
// is empty.
func (s *SteamService) LatestNews(ctx context.Context, appID string) (*NewsItem, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"appid":     appID,
			"count":     "1",
			"maxlength": "300",
		}).
		Get(s.apiBaseURL + "/ISteamNews/GetNewsForApp/v2/")
	if err != nil {
		return nil, fmt.Errorf("steam: news %s: %w", appID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: app %s", ErrNotFound, appID)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var body newsResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("steam: decode news: %w", err)
	}
	if len(body.AppNews.NewsItems) == 0 {
		return nil, nil
	}

	item := body.AppNews.NewsItems[0]
	return &NewsItem{
		ID:          item.GID,
		Title:       item.Title,
		URL:         item.URL,
		PublishedAt: time.Unix(item.Date, 0).UTC(),
	}, nil
}

// ValidateAPIKey performs a throwaway Web API call so a bad key fails the
// process at startup instead of on the first sweep.
func (s *SteamService) ValidateAPIKey(ctx context.Context) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":      s.apiKey,
			"steamids": validationUserID,
		}).
		Get(s.apiBaseURL + "/ISteamUser/GetPlayerSummaries/v2/")
	if err != nil {
		return fmt.Errorf("steam: validate api key: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("steam: validate api key: status %d", resp.StatusCode())
	}
	return nil
}

func checkStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return ErrUnauthorized
	}
	if code != http.StatusOK {
		return fmt.Errorf("steam: %s returned status %d", resp.Request.URL, code)
	}
	return nil
}
