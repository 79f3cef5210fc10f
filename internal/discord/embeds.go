package discord

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"steam-tracker/internal/models"
	"steam-tracker/internal/notify"
	"steam-tracker/internal/services/steam"
	"steam-tracker/internal/tracker"
)

const (
	colorBlue  = 0x3498db
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c
)

var countPrinter = message.NewPrinter(language.English)

func formatCount(n int) string {
	return countPrinter.Sprintf("%d", n)
}

func embedTracked(name string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "✅ Game Tracked",
		Description: fmt.Sprintf("Now tracking **%s**!\n\n"+
			"You'll be notified in this channel about:\n"+
			"📅 Release date changes\n"+
			"💰 Price updates\n"+
			"🎮 Pre-order availability\n"+
			"📢 Major updates", name),
		Color: colorGreen,
	}
}

func embedNotFound(query string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "❌ Game Not Found",
		Description: fmt.Sprintf("Could not find any games matching: **%s**\n"+
			"Please check the spelling and try again.", query),
		Color: colorRed,
	}
}

func embedAmbiguous(prefix, query string, candidates []steam.ScoredResult) *discordgo.MessageEmbed {
	var b strings.Builder
	fmt.Fprintf(&b, "Several games match **%s**:\n\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. **%s**\n", i+1, c.Name)
	}
	fmt.Fprintf(&b, "\nTry `%strack <exact name>` with one of them.", prefix)
	return &discordgo.MessageEmbed{
		Title:       "🔎 Did You Mean?",
		Description: b.String(),
		Color:       colorBlue,
	}
}

func embedWatchlist(prefix string, entries []tracker.WatchlistEntry) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "🎮 Your Tracked Games",
		Color: colorBlue,
	}
	if len(entries) == 0 {
		embed.Description = fmt.Sprintf("You're not tracking any games.\n"+
			"Use `%strack <game name>` to start tracking!", prefix)
		return embed
	}
	for _, entry := range entries {
		var lines []string
		if snap := entry.Snapshot; snap != nil {
			if snap.Price != nil {
				lines = append(lines, "💰 Price: "+notify.FormatAmount(*snap.Price, snap.Currency))
			}
			if snap.ReleaseDate != "" {
				lines = append(lines, "📅 Release: "+snap.ReleaseDate)
			}
			if snap.Availability == models.AvailabilityPreOrder {
				lines = append(lines, "🎮 Pre-order available")
			}
			lines = append(lines, "👥 Players: "+formatCount(snap.PlayersCurrent))
		}
		value := strings.Join(lines, "\n")
		if value == "" {
			value = "No current data"
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  entry.Title.Name,
			Value: value,
		})
	}
	return embed
}

func embedUntracked(arg string, removed int64) *discordgo.MessageEmbed {
	if removed == 0 {
		return &discordgo.MessageEmbed{
			Title:       "❌ Not Tracked",
			Description: fmt.Sprintf("You are not tracking any game matching: **%s**", arg),
			Color:       colorRed,
		}
	}
	return &discordgo.MessageEmbed{
		Title:       "✅ Tracking Stopped",
		Description: fmt.Sprintf("No longer tracking **%s**.", arg),
		Color:       colorGreen,
	}
}

func embedTopGames(entries []steam.TopEntry) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "🎮 Top Steam Games",
		Description: "Current most played games on Steam",
		Color:       colorBlue,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Data from Steam • Updated in real-time"},
	}
	for i, entry := range entries {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("%d. %s", i+1, entry.Name),
			Value: fmt.Sprintf("Current Players: **%s**", formatCount(entry.Players)),
		})
	}
	return embed
}

func embedPlayerCount(name string, players int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:  "🎮 Game Player Counts",
		Color:  colorBlue,
		Footer: &discordgo.MessageEmbedFooter{Text: "Data from Steam • Updated in real-time"},
		Fields: []*discordgo.MessageEmbedField{{
			Name:  name,
			Value: fmt.Sprintf("Current Players: **%s**", formatCount(players)),
		}},
	}
}

func embedHelp(prefix string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "🎮 Steam Bot Commands",
		Description: "Monitor and get notified about Steam game releases!",
		Color:       colorBlue,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: fmt.Sprintf("`%strack <game name>`", prefix),
				Value: "🎮 Track a game for updates\n" +
					"You'll be notified about:\n" +
					"📅 Release date changes\n" +
					"💰 Price updates\n" +
					"🎮 Pre-order availability\n" +
					"📢 Major updates and announcements",
			},
			{
				Name:  fmt.Sprintf("`%strack`", prefix),
				Value: "Show your currently tracked games",
			},
			{
				Name:  fmt.Sprintf("`%suntrack <game name>`", prefix),
				Value: "Stop tracking a game",
			},
			{
				Name:  fmt.Sprintf("`%slist`", prefix),
				Value: "Show your currently tracked games",
			},
			{
				Name: fmt.Sprintf("`%splayercount [game name]`", prefix),
				Value: "👥 Show current player counts\n" +
					"Without a name: top 10 most played games",
			},
		},
	}
}

func embedError(text string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "❌ Error",
		Description: text,
		Color:       colorRed,
	}
}
