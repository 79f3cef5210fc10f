package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"steam-tracker/internal/notify"
	"steam-tracker/internal/tracker"
)

const (
	// commandQueueCap bounds buffered, not-yet-executed commands.
	commandQueueCap = 64
	// commandTimeout caps one command's catalog and store work.
	commandTimeout = 60 * time.Second
)

// Bot bridges Discord to the tracker. Commands are parsed on the gateway
// read loop and executed strictly in receipt order by a single executor
// goroutine. The bot also implements notify.Sender, so detected events reach
// their channels as embeds.
type Bot struct {
	session *discordgo.Session
	tracker *tracker.Tracker
	logger  *zap.Logger
	prefix  string

	reply func(channelID string, embed *discordgo.MessageEmbed) error

	ctx  context.Context
	cmds chan Command
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(token, prefix string, logger *zap.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	// Handlers run on the gateway read loop so messages keep their arrival
	// order all the way into the command queue.
	session.SyncEvents = true

	b := &Bot{
		session: session,
		logger:  logger,
		prefix:  prefix,
		cmds:    make(chan Command, commandQueueCap),
	}
	b.reply = b.sendEmbed
	session.AddHandler(b.onMessage)
	return b, nil
}

// SetTracker wires the command facade. Must be called before Open; the bot
// sends event embeds on its own, so the dispatcher can be built against the
// bot before the tracker exists.
func (b *Bot) SetTracker(tr *tracker.Tracker) {
	b.tracker = tr
}

// Open connects to the gateway and starts the command executor. An auth
// rejection surfaces here.
func (b *Bot) Open(ctx context.Context) error {
	b.ctx = ctx
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	b.wg.Add(1)
	go b.runExecutor()
	b.logger.Info("discord session open", zap.String("prefix", b.prefix))
	return nil
}

// Close stops command intake, lets the executor finish what is queued and
// closes the gateway session.
func (b *Bot) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.cmds)
	b.wg.Wait()
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// Send delivers one dispatcher message as a Game Update embed.
func (b *Bot) Send(msg notify.Message) error {
	embed := &discordgo.MessageEmbed{
		Title:       "Game Update: " + msg.Event.TitleName,
		Description: msg.Body,
		Color:       colorBlue,
		Timestamp:   msg.Event.DetectedAt.UTC().Format(time.RFC3339),
	}
	return b.reply(msg.ChannelID, embed)
}

func (b *Bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	cmd, ok := ParseCommand(b.prefix, m.Content, m.Author.ID, m.ChannelID)
	if !ok {
		return
	}
	if !b.enqueue(cmd) {
		b.logger.Warn("command queue full, command dropped",
			zap.String("user", cmd.UserID),
			zap.String("channel", cmd.ChannelID))
	}
}

func (b *Bot) enqueue(cmd Command) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	select {
	case b.cmds <- cmd:
		return true
	default:
		return false
	}
}

func (b *Bot) runExecutor() {
	defer b.wg.Done()
	for cmd := range b.cmds {
		b.execute(cmd)
	}
}

func (b *Bot) execute(cmd Command) {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var embed *discordgo.MessageEmbed
	switch cmd.Kind {
	case CommandTrack:
		embed = b.handleTrack(ctx, cmd)
	case CommandUntrack:
		embed = b.handleUntrack(ctx, cmd)
	case CommandList:
		embed = b.handleList(ctx, cmd)
	case CommandPlayerCount:
		embed = b.handlePlayerCount(ctx, cmd)
	case CommandHelp:
		embed = embedHelp(b.prefix)
	}
	if embed == nil {
		return
	}
	if err := b.reply(cmd.ChannelID, embed); err != nil {
		b.logger.Warn("command reply failed",
			zap.String("channel", cmd.ChannelID), zap.Error(err))
	}
}

func (b *Bot) handleTrack(ctx context.Context, cmd Command) *discordgo.MessageEmbed {
	if cmd.Arg == "" {
		// Bare track shows the watchlist.
		return b.handleList(ctx, cmd)
	}
	res, err := b.tracker.Track(ctx, cmd.UserID, cmd.ChannelID, cmd.Arg)
	if err != nil {
		b.logger.Error("track command failed",
			zap.String("user", cmd.UserID),
			zap.String("query", cmd.Arg),
			zap.Error(err))
		return embedError("An error occurred while trying to track the game. Please try again later.")
	}
	switch res.Status {
	case tracker.ResolveNotFound:
		return embedNotFound(cmd.Arg)
	case tracker.ResolveAmbiguous:
		return embedAmbiguous(b.prefix, cmd.Arg, res.Candidates)
	}
	return embedTracked(res.Title.Name)
}

func (b *Bot) handleUntrack(ctx context.Context, cmd Command) *discordgo.MessageEmbed {
	if cmd.Arg == "" {
		return embedError(fmt.Sprintf("Usage: `%suntrack <game name>`", b.prefix))
	}
	removed, err := b.tracker.Untrack(ctx, cmd.UserID, cmd.Arg)
	if err != nil {
		b.logger.Error("untrack command failed",
			zap.String("user", cmd.UserID),
			zap.String("query", cmd.Arg),
			zap.Error(err))
		return embedError("An error occurred while trying to untrack the game. Please try again later.")
	}
	return embedUntracked(cmd.Arg, removed)
}

func (b *Bot) handleList(ctx context.Context, cmd Command) *discordgo.MessageEmbed {
	entries, err := b.tracker.List(ctx, cmd.UserID)
	if err != nil {
		b.logger.Error("list command failed",
			zap.String("user", cmd.UserID), zap.Error(err))
		return embedError("An error occurred while loading your tracked games. Please try again later.")
	}
	return embedWatchlist(b.prefix, entries)
}

func (b *Bot) handlePlayerCount(ctx context.Context, cmd Command) *discordgo.MessageEmbed {
	res, err := b.tracker.PlayerCount(ctx, cmd.Arg)
	if err != nil {
		b.logger.Error("playercount command failed",
			zap.String("user", cmd.UserID),
			zap.String("query", cmd.Arg),
			zap.Error(err))
		return embedError("An error occurred while fetching player counts. Please try again later.")
	}
	if strings.TrimSpace(cmd.Arg) == "" {
		return embedTopGames(res.Top)
	}
	switch res.Status {
	case tracker.ResolveNotFound:
		return embedNotFound(cmd.Arg)
	case tracker.ResolveAmbiguous:
		return embedAmbiguous(b.prefix, cmd.Arg, res.Candidates)
	}
	return embedPlayerCount(res.Name, res.Players)
}

func (b *Bot) sendEmbed(channelID string, embed *discordgo.MessageEmbed) error {
	_, err := b.session.ChannelMessageSendEmbed(channelID, embed)
	return err
}
