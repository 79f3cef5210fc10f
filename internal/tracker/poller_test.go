package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"steam-tracker/internal/models"
	"steam-tracker/internal/services/steam"
)

// fakeCatalog scripts the adapter per app id. Errors are one-shot when queued
// via failDetailOnce; detailErr/playersErr persist until cleared.
type fakeCatalog struct {
	mu sync.Mutex

	resolveResults []steam.ScoredResult
	resolveErrs    []error

	details    map[string]*steam.Detail
	detailErr  map[string]error
	players    map[string]int
	playersErr map[string]error
	top        []steam.TopEntry

	detailCalls  map[string]int
	resolveCalls int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		details:     map[string]*steam.Detail{},
		detailErr:   map[string]error{},
		players:     map[string]int{},
		playersErr:  map[string]error{},
		detailCalls: map[string]int{},
	}
}

func (f *fakeCatalog) Resolve(ctx context.Context, query string) ([]steam.ScoredResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	if len(f.resolveErrs) > 0 {
		err := f.resolveErrs[0]
		f.resolveErrs = f.resolveErrs[1:]
		return nil, err
	}
	return f.resolveResults, nil
}

func (f *fakeCatalog) GetDetail(ctx context.Context, appID string) (*steam.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls[appID]++
	if err := f.detailErr[appID]; err != nil {
		return nil, err
	}
	detail, ok := f.details[appID]
	if !ok {
		return nil, steam.ErrNotFound
	}
	d := *detail
	return &d, nil
}

func (f *fakeCatalog) GetPlayers(ctx context.Context, appID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.playersErr[appID]; err != nil {
		return 0, err
	}
	return f.players[appID], nil
}

func (f *fakeCatalog) TopByPlayers(ctx context.Context, n int) ([]steam.TopEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > 0 && len(f.top) > n {
		return f.top[:n], nil
	}
	return f.top, nil
}

func (f *fakeCatalog) setDetail(appID string, d *steam.Detail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[appID] = d
}

func (f *fakeCatalog) setDetailErr(appID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.detailErr, appID)
		return
	}
	f.detailErr[appID] = err
}

func (f *fakeCatalog) calls(appID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls[appID]
}

// captureSink records dispatched events in order.
type captureSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureSink) Dispatch(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) list() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *captureSink) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func releasedDetail(appID, name string, cents int64) *steam.Detail {
	p := cents
	return &steam.Detail{
		AppID:        appID,
		Name:         name,
		Price:        &p,
		Currency:     "USD",
		ReleaseDate:  "2025-10-01",
		Availability: models.AvailabilityReleased,
	}
}

type pollerFixture struct {
	catalog *fakeCatalog
	subs    *SubscriptionStore
	snaps   *SnapshotStore
	sink    *captureSink
	poller  *Poller
}

func newPollerFixture(t *testing.T, interval time.Duration) *pollerFixture {
	t.Helper()
	db := newTestDB(t)
	catalog := newFakeCatalog()
	sink := &captureSink{}
	subs := NewSubscriptionStore(db)
	snaps := NewSnapshotStore(db)
	return &pollerFixture{
		catalog: catalog,
		subs:    subs,
		snaps:   snaps,
		sink:    sink,
		poller:  NewPoller(catalog, subs, snaps, sink, zap.NewNop(), interval, 2),
	}
}

func TestSweepOneSeedsWithoutEvents(t *testing.T) {
	fx := newPollerFixture(t, time.Hour)
	require.NoError(t, fx.subs.Add("u1", "620", "Portal 2", "c1", models.DefaultEventMask()))
	fx.catalog.setDetail("620", releasedDetail("620", "Portal 2", 2999))
	fx.catalog.players["620"] = 1200

	require.NoError(t, fx.poller.SweepOne(context.Background(), "620"))

	snap, err := fx.snaps.Get("620")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(2999), *snap.Price)
	assert.Equal(t, 1200, snap.PlayersCurrent)
	assert.False(t, snap.ObservedAt.IsZero())
	assert.Empty(t, fx.sink.list())
}

func TestSweepDetectsPriceDrop(t *testing.T) {
	fx := newPollerFixture(t, time.Hour)
	require.NoError(t, fx.subs.Add("u1", "620", "Portal 2", "c1", models.DefaultEventMask()))
	fx.catalog.setDetail("620", releasedDetail("620", "Portal 2", 2999))
	require.NoError(t, fx.poller.SweepOne(context.Background(), "620"))

	fx.catalog.setDetail("620", releasedDetail("620", "Portal 2", 1499))
	stats := fx.poller.Sweep(context.Background())

	assert.Equal(t, 1, stats.Succeeded)
	events := fx.sink.list()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventPriceDrop, events[0].Kind)
	assert.Equal(t, "2999", events[0].Before)
	assert.Equal(t, "1499", events[0].After)
	assert.Equal(t, "Portal 2", events[0].TitleName)
}

func TestSweepNoChangeNoEvents(t *testing.T) {
	fx := newPollerFixture(t, time.Hour)
	require.NoError(t, fx.subs.Add("u1", "620", "Portal 2", "c1", models.DefaultEventMask()))
	fx.catalog.setDetail("620", releasedDetail("620", "Portal 2", 2999))
	require.NoError(t, fx.poller.SweepOne(context.Background(), "620"))

	for i := 0; i < 3; i++ {
		fx.poller.Sweep(context.Background())
	}
	assert.Empty(t, fx.sink.list())
}

func TestSweepTransientFailureCooldown(t *testing.T) {
	fx := newPollerFixture(t, time.Hour)
	require.NoError(t, fx.subs.Add("u1", "620", "Portal 2", "c1", models.DefaultEventMask()))
	fx.catalog.setDetail("620", releasedDetail("620", "Portal 2", 2999))
	require.NoError(t, fx.poller.SweepOne(context.Background(), "620"))

	fx.catalog.setDetailErr("620", errors.New("503 from catalog"))
	stats := fx.poller.Sweep(context.Background())
	assert.Equal(t, 1, stats.Transient)
	assert.Empty(t, fx.sink.list())

	// One failure puts the title on cooldown, so the next sweep skips it.
	fetches := fx.catalog.calls("620")
	stats = fx.poller.Sweep(context.Background())
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, fetches, fx.catalog.calls("620"))
}

func TestCooldownScheduleDoublesToCap(t *testing.T) {
	fx := newPollerFixture(t, time.Hour)

	for i, wantMultiplier := range []int{2, 4, 8, 8, 8} {
		before := time.Now()
		streak := fx.poller.recordFailure("620")
		assert.Equal(t, i+1, streak)

		fx.poller.mu.Lock()
		until := fx.poller.cooldowns["620"].until
		fx.poller.mu.Unlock()
		want := before.Add(time.Duration(wantMultiplier) * time.Hour)
		assert.WithinDuration(t, want, until, time.Minute)
	}

	fx.poller.resetCooldown("620")
	assert.False(t, fx.poller.coolingDown("620", time.Now()))
}

func TestSweepSuccessResetsCooldown(t *testing.T) {
	// Zero interval keeps failed titles eligible so the streak can build.
	fx := newPollerFixture(t, 0)
	require.NoError(t, fx.subs.Add("u1", "620", "Portal 2", "c1", models.DefaultEventMask()))
	fx.catalog.setDetail("620", releasedDetail("620", "Portal 2", 2999))
	require.NoError(t, fx.poller.SweepOne(context.Background(), "620"))

	fx.catalog.setDetailErr("620", errors.New("503 from catalog"))
	for i := 0; i < 3; i++ {
		fx.poller.Sweep(context.Background())
	}
	fx.poller.mu.Lock()
	streak := fx.poller.cooldowns["620"].streak
	fx.poller.mu.Unlock()
	assert.Equal(t, 3, streak)

	// Recovery with unchanged data: no events, streak gone.
	fx.catalog.setDetailErr("620", nil)
	stats := fx.poller.Sweep(context.Background())
	assert.Equal(t, 1, stats.Succeeded)
	assert.Empty(t, fx.sink.list())

	fx.poller.mu.Lock()
	_, stillCooling := fx.poller.cooldowns["620"]
	fx.poller.mu.Unlock()
	assert.False(t, stillCooling)
}

func TestSweepRemovalEmitsOnce(t *testing.T) {
	fx := newPollerFixture(t, 0)
	require.NoError(t, fx.subs.Add("u1", "620", "Portal 2", "c1", models.DefaultEventMask()))
	fx.catalog.setDetail("620", releasedDetail("620", "Portal 2", 2999))
	require.NoError(t, fx.poller.SweepOne(context.Background(), "620"))

	// The storefront forgets the app.
	fx.catalog.mu.Lock()
	delete(fx.catalog.details, "620")
	fx.catalog.mu.Unlock()

	stats := fx.poller.Sweep(context.Background())
	assert.Equal(t, 1, stats.Permanent)
	events := fx.sink.list()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventRemoved, events[0].Kind)

	fx.sink.reset()
	for i := 0; i < 2; i++ {
		stats = fx.poller.Sweep(context.Background())
		assert.Equal(t, 1, stats.Permanent)
	}
	assert.Empty(t, fx.sink.list())
}

func TestSweepQuarantinesOnInvariantViolation(t *testing.T) {
	fx := newPollerFixture(t, 0)
	require.NoError(t, fx.subs.Add("u1", "620", "Portal 2", "c1", models.DefaultEventMask()))
	fx.catalog.setDetail("620", releasedDetail("620", "Portal 2", 2999))
	fx.catalog.players["620"] = -7

	stats := fx.poller.Sweep(context.Background())
	assert.Equal(t, 1, stats.Quarantined)

	ids, err := fx.subs.QuarantinedIDs()
	require.NoError(t, err)
	assert.Contains(t, ids, "620")

	// Quarantined titles are skipped, not fetched.
	fetches := fx.catalog.calls("620")
	stats = fx.poller.Sweep(context.Background())
	assert.Equal(t, 1, stats.Quarantined)
	assert.Equal(t, fetches, fx.catalog.calls("620"))

	// Operator intervention puts it back in rotation.
	cleared, err := fx.subs.ClearQuarantine("620")
	require.NoError(t, err)
	assert.True(t, cleared)
	fx.catalog.players["620"] = 10

	stats = fx.poller.Sweep(context.Background())
	assert.Equal(t, 1, stats.Succeeded)
}

func TestSweepNonOverlap(t *testing.T) {
	fx := newPollerFixture(t, time.Hour)
	fx.poller.sweeping.Store(true)

	stats := fx.poller.Sweep(context.Background())
	assert.Zero(t, stats.Total)
	assert.True(t, fx.poller.sweeping.Load())
}

func TestSweepSkipsUntrackedMidSweep(t *testing.T) {
	fx := newPollerFixture(t, 0)
	// A title id with no title row, as if untracked between listing and fetch.
	require.NoError(t, fx.subs.db.Create(&models.Subscription{
		UserID: "u1", TitleID: "999", ChannelID: "c1", Options: models.DefaultEventMask(),
	}).Error)

	stats := fx.poller.Sweep(context.Background())
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, fx.catalog.calls("999"))
}

func TestJitterStaysUnderTenthOfInterval(t *testing.T) {
	fx := newPollerFixture(t, time.Hour)
	for i := 0; i < 200; i++ {
		j := fx.poller.jitter()
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 6*time.Minute)
	}
}

func TestPerTitleEventOrder(t *testing.T) {
	fx := newPollerFixture(t, 0)
	require.NoError(t, fx.subs.Add("u1", "620", "Portal 2", "c1", models.DefaultEventMask()))
	detail := releasedDetail("620", "Portal 2", 2999)
	detail.AnnouncementID = "a1"
	fx.catalog.setDetail("620", detail)
	require.NoError(t, fx.poller.SweepOne(context.Background(), "620"))

	changed := releasedDetail("620", "Portal 2", 999)
	changed.ReleaseDate = "2026-01-01"
	changed.AnnouncementID = "a2"
	fx.catalog.setDetail("620", changed)
	fx.poller.Sweep(context.Background())

	events := fx.sink.list()
	require.Len(t, events, 3)
	assert.Equal(t, models.EventPriceDrop, events[0].Kind)
	assert.Equal(t, models.EventReleaseDateChanged, events[1].Kind)
	assert.Equal(t, models.EventAnnouncement, events[2].Kind)
}
