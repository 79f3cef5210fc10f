package tracker

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"steam-tracker/internal/models"
	"steam-tracker/internal/services/steam"
)

// defaultTopN is how many rows the bare playercount view shows.
const defaultTopN = 10

// Tracker is the command surface consumed by the chat adapter. Every
// operation takes the calling user so subscriptions stay per-user.
type Tracker struct {
	resolver *Resolver
	catalog  Catalog
	subs     *SubscriptionStore
	snaps    *SnapshotStore
	poller   *Poller
	logger   *zap.Logger
}

func New(catalog Catalog, subs *SubscriptionStore, snaps *SnapshotStore,
	poller *Poller, logger *zap.Logger) *Tracker {
	return &Tracker{
		resolver: NewResolver(catalog),
		catalog:  catalog,
		subs:     subs,
		snaps:    snaps,
		poller:   poller,
		logger:   logger,
	}
}

// TrackResult reports what Track did. Title and Snapshot are set on
// ResolveOK; Candidates carries the shortlist on ResolveAmbiguous.
type TrackResult struct {
	Status     ResolveStatus
	Title      *models.Title
	Snapshot   *models.Snapshot
	Candidates []steam.ScoredResult
}

// WatchlistEntry is one row of a user's tracked-titles view.
type WatchlistEntry struct {
	Title        models.Title
	Subscription models.Subscription
	Snapshot     *models.Snapshot
}

// PlayerCountResult answers the playercount command. With a query it carries
// the resolved title and its live count; without one it carries the top list.
type PlayerCountResult struct {
	Top        []steam.TopEntry
	Status     ResolveStatus
	AppID      string
	Name       string
	Players    int
	Candidates []steam.ScoredResult
}

// Track resolves the query, subscribes the user and seeds the first snapshot
// with an immediate out-of-cycle fetch. Seeding emits no notifications.
func (t *Tracker) Track(ctx context.Context, userID, channelID, query string) (*TrackResult, error) {
	res, err := t.resolveWithRetry(ctx, query)
	if err != nil {
		return nil, err
	}
	if res.Status != ResolveOK {
		return &TrackResult{Status: res.Status, Candidates: res.Candidates}, nil
	}

	match := res.Match
	err = t.subs.Add(userID, match.AppID, match.Name, channelID, models.DefaultEventMask())
	if err != nil {
		return nil, err
	}

	if err := t.poller.SweepOne(ctx, match.AppID); err != nil {
		// The subscription is durable; the snapshot will seed on the next
		// sweep instead.
		t.logger.Warn("seed fetch failed",
			zap.String("user", userID),
			zap.String("title_id", match.AppID),
			zap.Error(err))
	}

	title, err := t.subs.GetTitle(match.AppID)
	if err != nil {
		return nil, err
	}
	snap, err := t.snaps.Get(match.AppID)
	if err != nil {
		return nil, err
	}

	t.logger.Info("title tracked",
		zap.String("user", userID),
		zap.String("title_id", match.AppID),
		zap.String("title", match.Name))
	return &TrackResult{Status: ResolveOK, Title: title, Snapshot: snap}, nil
}

// Untrack removes the user's subscription for the given argument, which may
// be a title id, the exact name of a tracked title, or free text to resolve.
// It returns how many subscriptions were removed (0 or 1). When the last
// subscription to a title goes, its snapshot, samples and title row go too.
func (t *Tracker) Untrack(ctx context.Context, userID, arg string) (int64, error) {
	arg = strings.TrimSpace(arg)
	subs, err := t.subs.ListByUser(userID)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	titleID := t.matchSubscribed(subs, arg)
	if titleID == "" {
		res, err := t.resolveWithRetry(ctx, arg)
		if err != nil {
			return 0, err
		}
		if res.Status != ResolveOK {
			return 0, nil
		}
		titleID = res.Match.AppID
	}

	removed, err := t.subs.Remove(userID, titleID)
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	remaining, err := t.subs.CountByTitle(titleID)
	if err != nil {
		return removed, err
	}
	if remaining == 0 {
		if err := t.snaps.Delete(titleID); err != nil {
			return removed, err
		}
		if err := t.subs.DeleteTitle(titleID); err != nil {
			return removed, err
		}
	}

	t.logger.Info("title untracked",
		zap.String("user", userID),
		zap.String("title_id", titleID))
	return removed, nil
}

// matchSubscribed looks for the argument among the user's own subscriptions,
// first as a title id, then as an exact normalized name.
func (t *Tracker) matchSubscribed(subs []models.Subscription, arg string) string {
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.TitleID == arg {
			return sub.TitleID
		}
		ids = append(ids, sub.TitleID)
	}

	titles, err := t.subs.TitlesByIDs(ids)
	if err != nil {
		return ""
	}
	normalized := steam.NormalizeTitle(arg)
	if normalized == "" {
		return ""
	}
	for _, title := range titles {
		if steam.NormalizeTitle(title.Name) == normalized {
			return title.ID
		}
	}
	return ""
}

// List enumerates the user's tracked titles with their latest snapshots.
func (t *Tracker) List(ctx context.Context, userID string) ([]WatchlistEntry, error) {
	subs, err := t.subs.ListByUser(userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.TitleID)
	}
	titles, err := t.subs.TitlesByIDs(ids)
	if err != nil {
		return nil, err
	}

	entries := make([]WatchlistEntry, 0, len(subs))
	for _, sub := range subs {
		title, ok := titles[sub.TitleID]
		if !ok {
			continue
		}
		snap, err := t.snaps.Get(sub.TitleID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, WatchlistEntry{Title: title, Subscription: sub, Snapshot: snap})
	}
	return entries, nil
}

// PlayerCount answers `playercount`: with a query it resolves the title and
// fetches a live count, without one it ranks the popular apps.
func (t *Tracker) PlayerCount(ctx context.Context, query string) (*PlayerCountResult, error) {
	if strings.TrimSpace(query) == "" {
		top, err := t.catalog.TopByPlayers(ctx, defaultTopN)
		if err != nil {
			return nil, err
		}
		return &PlayerCountResult{Top: top, Status: ResolveOK}, nil
	}

	res, err := t.resolveWithRetry(ctx, query)
	if err != nil {
		return nil, err
	}
	if res.Status != ResolveOK {
		return &PlayerCountResult{Status: res.Status, Candidates: res.Candidates}, nil
	}

	players, err := t.catalog.GetPlayers(ctx, res.Match.AppID)
	if err != nil {
		return nil, err
	}
	return &PlayerCountResult{
		Status:  ResolveOK,
		AppID:   res.Match.AppID,
		Name:    res.Match.Name,
		Players: players,
	}, nil
}

// resolveWithRetry retries a transient resolve failure once before giving up.
func (t *Tracker) resolveWithRetry(ctx context.Context, query string) (*Resolution, error) {
	res, err := t.resolver.Resolve(ctx, query)
	if err == nil {
		return res, nil
	}
	if !steam.IsTransient(err) || ctx.Err() != nil {
		return nil, err
	}
	time.Sleep(200 * time.Millisecond)
	return t.resolver.Resolve(ctx, query)
}
