package discord

import "strings"

// CommandKind enumerates the chat commands the bot understands.
type CommandKind int

const (
	CommandTrack CommandKind = iota
	CommandUntrack
	CommandList
	CommandPlayerCount
	CommandHelp
)

// Command is one parsed chat command, tagged with who issued it and where.
type Command struct {
	Kind      CommandKind
	Arg       string
	UserID    string
	ChannelID string
}

// ParseCommand extracts a command from raw message content. The verb is
// case-insensitive; everything after it is the argument. Content without the
// prefix, or with an unknown verb, is not a command.
func ParseCommand(prefix, content, userID, channelID string) (Command, bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return Command{}, false
	}
	rest := strings.TrimSpace(content[len(prefix):])
	if rest == "" {
		return Command{}, false
	}

	verb := rest
	arg := ""
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		verb = rest[:i]
		arg = strings.TrimSpace(rest[i+1:])
	}

	var kind CommandKind
	switch strings.ToLower(verb) {
	case "track":
		kind = CommandTrack
	case "untrack":
		kind = CommandUntrack
	case "list", "tracked":
		kind = CommandList
	case "playercount", "players":
		kind = CommandPlayerCount
	case "help":
		kind = CommandHelp
	default:
		return Command{}, false
	}
	return Command{Kind: kind, Arg: arg, UserID: userID, ChannelID: channelID}, true
}
