package discord

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"steam-tracker/internal/models"
	"steam-tracker/internal/notify"
	"steam-tracker/internal/services/steam"
	"steam-tracker/internal/tracker"
)

type catalogStub struct {
	mu      sync.Mutex
	results []steam.ScoredResult
	details map[string]*steam.Detail
	players map[string]int
	top     []steam.TopEntry
}

func (c *catalogStub) Resolve(ctx context.Context, query string) ([]steam.ScoredResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results, nil
}

func (c *catalogStub) GetDetail(ctx context.Context, appID string) (*steam.Detail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.details[appID]
	if !ok {
		return nil, steam.ErrNotFound
	}
	out := *d
	return &out, nil
}

func (c *catalogStub) GetPlayers(ctx context.Context, appID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.players[appID], nil
}

func (c *catalogStub) TopByPlayers(ctx context.Context, n int) ([]steam.TopEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.top, nil
}

type nopSink struct{}

func (nopSink) Dispatch(models.Event) {}

type reply struct {
	channelID string
	embed     *discordgo.MessageEmbed
}

type replyRecorder struct {
	mu      sync.Mutex
	replies []reply
}

func (r *replyRecorder) record(channelID string, embed *discordgo.MessageEmbed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply{channelID: channelID, embed: embed})
	return nil
}

func (r *replyRecorder) list() []reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]reply, len(r.replies))
	copy(out, r.replies)
	return out
}

func (r *replyRecorder) last(t *testing.T) reply {
	t.Helper()
	all := r.list()
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func newBotFixture(t *testing.T) (*Bot, *catalogStub, *replyRecorder) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "bot_test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Title{}, &models.Subscription{}, &models.Snapshot{},
		&models.PlayerSample{}, &models.Meta{},
	))

	catalog := &catalogStub{
		details: map[string]*steam.Detail{},
		players: map[string]int{},
	}
	subs := tracker.NewSubscriptionStore(db)
	snaps := tracker.NewSnapshotStore(db)
	poller := tracker.NewPoller(catalog, subs, snaps, nopSink{}, zap.NewNop(), time.Hour, 1)
	tr := tracker.New(catalog, subs, snaps, poller, zap.NewNop())

	recorder := &replyRecorder{}
	b := &Bot{
		tracker: tr,
		logger:  zap.NewNop(),
		prefix:  "!",
		cmds:    make(chan Command, commandQueueCap),
	}
	b.reply = recorder.record
	return b, catalog, recorder
}

func stubPortal(catalog *catalogStub) {
	price := int64(2999)
	catalog.results = []steam.ScoredResult{{AppID: "620", Name: "Portal 2", Score: 0.95}}
	catalog.details["620"] = &steam.Detail{
		AppID:        "620",
		Name:         "Portal 2",
		Price:        &price,
		Currency:     "USD",
		ReleaseDate:  "2025-10-01",
		Availability: models.AvailabilityReleased,
	}
	catalog.players["620"] = 1200
}

func TestExecuteTrack(t *testing.T) {
	b, catalog, recorder := newBotFixture(t)
	stubPortal(catalog)

	b.execute(Command{Kind: CommandTrack, Arg: "portal 2", UserID: "u1", ChannelID: "c1"})

	got := recorder.last(t)
	assert.Equal(t, "c1", got.channelID)
	assert.Equal(t, "✅ Game Tracked", got.embed.Title)
	assert.Contains(t, got.embed.Description, "Portal 2")
	assert.Equal(t, colorGreen, got.embed.Color)
}

func TestExecuteTrackNotFound(t *testing.T) {
	b, _, recorder := newBotFixture(t)

	b.execute(Command{Kind: CommandTrack, Arg: "qwzzt", UserID: "u1", ChannelID: "c1"})

	got := recorder.last(t)
	assert.Equal(t, "❌ Game Not Found", got.embed.Title)
	assert.Contains(t, got.embed.Description, "qwzzt")
	assert.Equal(t, colorRed, got.embed.Color)
}

func TestExecuteTrackAmbiguous(t *testing.T) {
	b, catalog, recorder := newBotFixture(t)
	catalog.results = []steam.ScoredResult{
		{AppID: "1", Name: "Dark Souls", Score: 0.6},
		{AppID: "2", Name: "Dark Souls II", Score: 0.5},
	}

	b.execute(Command{Kind: CommandTrack, Arg: "dark soils", UserID: "u1", ChannelID: "c1"})

	got := recorder.last(t)
	assert.Equal(t, "🔎 Did You Mean?", got.embed.Title)
	assert.Contains(t, got.embed.Description, "1. **Dark Souls**")
	assert.Contains(t, got.embed.Description, "2. **Dark Souls II**")
	assert.Contains(t, got.embed.Description, "!track")
}

func TestExecuteBareTrackShowsWatchlist(t *testing.T) {
	b, catalog, recorder := newBotFixture(t)
	stubPortal(catalog)
	b.execute(Command{Kind: CommandTrack, Arg: "portal 2", UserID: "u1", ChannelID: "c1"})

	b.execute(Command{Kind: CommandTrack, UserID: "u1", ChannelID: "c1"})

	got := recorder.last(t)
	assert.Equal(t, "🎮 Your Tracked Games", got.embed.Title)
	require.Len(t, got.embed.Fields, 1)
	assert.Equal(t, "Portal 2", got.embed.Fields[0].Name)
	assert.Contains(t, got.embed.Fields[0].Value, "💰 Price: 29.99 USD")
	assert.Contains(t, got.embed.Fields[0].Value, "📅 Release: 2025-10-01")
	assert.Contains(t, got.embed.Fields[0].Value, "👥 Players: 1,200")
}

func TestExecuteListEmpty(t *testing.T) {
	b, _, recorder := newBotFixture(t)

	b.execute(Command{Kind: CommandList, UserID: "u1", ChannelID: "c1"})

	got := recorder.last(t)
	assert.Equal(t, "🎮 Your Tracked Games", got.embed.Title)
	assert.Contains(t, got.embed.Description, "not tracking any games")
}

func TestExecuteUntrack(t *testing.T) {
	b, catalog, recorder := newBotFixture(t)
	stubPortal(catalog)
	b.execute(Command{Kind: CommandTrack, Arg: "portal 2", UserID: "u1", ChannelID: "c1"})

	b.execute(Command{Kind: CommandUntrack, Arg: "620", UserID: "u1", ChannelID: "c1"})
	got := recorder.last(t)
	assert.Equal(t, "✅ Tracking Stopped", got.embed.Title)

	b.execute(Command{Kind: CommandUntrack, Arg: "620", UserID: "u1", ChannelID: "c1"})
	got = recorder.last(t)
	assert.Equal(t, "❌ Not Tracked", got.embed.Title)
}

func TestExecuteUntrackWithoutArgument(t *testing.T) {
	b, _, recorder := newBotFixture(t)

	b.execute(Command{Kind: CommandUntrack, UserID: "u1", ChannelID: "c1"})

	got := recorder.last(t)
	assert.Equal(t, "❌ Error", got.embed.Title)
	assert.Contains(t, got.embed.Description, "!untrack")
}

func TestExecutePlayerCountTop(t *testing.T) {
	b, catalog, recorder := newBotFixture(t)
	catalog.top = []steam.TopEntry{
		{AppID: "730", Name: "Counter-Strike 2", Players: 912345},
		{AppID: "570", Name: "Dota 2", Players: 501234},
	}

	b.execute(Command{Kind: CommandPlayerCount, UserID: "u1", ChannelID: "c1"})

	got := recorder.last(t)
	assert.Equal(t, "🎮 Top Steam Games", got.embed.Title)
	require.Len(t, got.embed.Fields, 2)
	assert.Equal(t, "1. Counter-Strike 2", got.embed.Fields[0].Name)
	assert.Contains(t, got.embed.Fields[0].Value, "912,345")
	assert.Equal(t, "Data from Steam • Updated in real-time", got.embed.Footer.Text)
}

func TestExecutePlayerCountForTitle(t *testing.T) {
	b, catalog, recorder := newBotFixture(t)
	stubPortal(catalog)

	b.execute(Command{Kind: CommandPlayerCount, Arg: "portal 2", UserID: "u1", ChannelID: "c1"})

	got := recorder.last(t)
	assert.Equal(t, "🎮 Game Player Counts", got.embed.Title)
	require.Len(t, got.embed.Fields, 1)
	assert.Equal(t, "Portal 2", got.embed.Fields[0].Name)
	assert.Contains(t, got.embed.Fields[0].Value, "1,200")
}

func TestExecuteHelp(t *testing.T) {
	b, _, recorder := newBotFixture(t)

	b.execute(Command{Kind: CommandHelp, UserID: "u1", ChannelID: "c1"})

	got := recorder.last(t)
	assert.Equal(t, "🎮 Steam Bot Commands", got.embed.Title)
	require.NotEmpty(t, got.embed.Fields)
	assert.Equal(t, "`!track <game name>`", got.embed.Fields[0].Name)
	names := make([]string, 0, len(got.embed.Fields))
	for _, f := range got.embed.Fields {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "`!playercount [game name]`")
}

func TestSendRendersGameUpdateEmbed(t *testing.T) {
	b, _, recorder := newBotFixture(t)

	detected := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	err := b.Send(notify.Message{
		ChannelID: "c9",
		Body:      "💰 Price Update: Portal 2\nPrevious: 29.99 USD\nNew: 14.99 USD",
		Event: models.Event{
			TitleID:    "620",
			TitleName:  "Portal 2",
			Kind:       models.EventPriceDrop,
			DetectedAt: detected,
		},
	})
	require.NoError(t, err)

	got := recorder.last(t)
	assert.Equal(t, "c9", got.channelID)
	assert.Equal(t, "Game Update: Portal 2", got.embed.Title)
	assert.Contains(t, got.embed.Description, "14.99 USD")
	assert.Equal(t, "2025-10-01T12:00:00Z", got.embed.Timestamp)
}

func TestExecutorPreservesReceiptOrder(t *testing.T) {
	b, _, recorder := newBotFixture(t)

	b.wg.Add(1)
	go b.runExecutor()

	for _, channel := range []string{"c1", "c2", "c3"} {
		require.True(t, b.enqueue(Command{Kind: CommandHelp, UserID: "u1", ChannelID: channel}))
	}
	close(b.cmds)
	b.wg.Wait()

	replies := recorder.list()
	require.Len(t, replies, 3)
	assert.Equal(t, "c1", replies[0].channelID)
	assert.Equal(t, "c2", replies[1].channelID)
	assert.Equal(t, "c3", replies[2].channelID)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	b, _, _ := newBotFixture(t)
	b.cmds = make(chan Command, 1)

	assert.True(t, b.enqueue(Command{Kind: CommandHelp}))
	assert.False(t, b.enqueue(Command{Kind: CommandHelp}))
}

func TestEnqueueAfterCloseRejected(t *testing.T) {
	b, _, _ := newBotFixture(t)
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	assert.False(t, b.enqueue(Command{Kind: CommandHelp}))
}
