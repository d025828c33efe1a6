// Package commands implements the command processor (spec.md §4.G): it
// parses direct-message bodies into a tagged variant of command kinds
// (spec.md §9 Design Note) and executes each against the persistence and
// remote API layers, aggregating per-command replies into one message
// sent back to the sender.
package commands

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/andrewmoise/rssbot/internal/config"
	"github.com/andrewmoise/rssbot/internal/lemmyapi"
	"github.com/andrewmoise/rssbot/internal/obsmetrics"
	"github.com/andrewmoise/rssbot/internal/store"
)

// Kind identifies which command-processor branch handles a parsed
// command (spec.md §9: "maps cleanly to a tagged-variant of command
// kinds with a per-variant executor").
type Kind string

const (
	KindAdd     Kind = "add"
	KindDelete  Kind = "delete"
	KindList    Kind = "list"
	KindHelp    Kind = "help"
	KindUnknown Kind = "unknown"
)

// Command is one parsed `/word arg arg...` span from a message line.
type Command struct {
	Kind Kind
	Name string // the raw word, for Unknown's echo text
	Args []string
}

var commandWordRe = regexp.MustCompile(`(?:^|\s)/(\w+)`)

// ParseMessage splits a direct-message body into lines and, within each
// line, scans for `/word` tokens at the start of the line or after
// whitespace (so slashes inside a URL argument are not commands); the text between one token and the
// next (or end of line) becomes that command's whitespace-split argument
// list (spec.md §6 command grammar).
func ParseMessage(body string) []ParsedLine {
	lines := strings.Split(body, "\n")
	parsed := make([]ParsedLine, 0, len(lines))
	for _, line := range lines {
		cmds := parseLine(line)
		if len(cmds) == 0 {
			continue
		}
		parsed = append(parsed, ParsedLine{Raw: line, Commands: cmds})
	}
	return parsed
}

// ParsedLine pairs a raw source line with the commands found on it, so
// the response can echo back `> <raw line>` per spec.md §6.
type ParsedLine struct {
	Raw      string
	Commands []Command
}

func parseLine(line string) []Command {
	matches := commandWordRe.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return nil
	}
	var cmds []Command
	for i, m := range matches {
		wordStart, wordEnd := m[2], m[3]
		argStart := wordEnd
		argEnd := len(line)
		if i+1 < len(matches) {
			argEnd = matches[i+1][0]
		}
		word := line[wordStart:wordEnd]
		args := strings.Fields(line[argStart:argEnd])
		cmds = append(cmds, Command{Kind: kindOf(word), Name: word, Args: args})
	}
	return cmds
}

func kindOf(word string) Kind {
	switch strings.ToLower(word) {
	case "add":
		return KindAdd
	case "delete":
		return KindDelete
	case "list":
		return KindList
	case "help":
		return KindHelp
	default:
		return KindUnknown
	}
}

const helpText = `Commands:
/add <rss_url> <community>[@<instance>] - start following a feed into a community
/delete <rss_url> <community>[@<instance>] - stop following a feed
/list <community>[@<instance>] - list feeds active for a community
/help - show this message

You must be a moderator of the target community to add or delete feeds.`

// Processor runs the command-processor logic against one identity's
// mailbox (spec.md §4.G).
type Processor struct {
	store         *store.Store
	clients       map[config.BotIdentity]*lemmyapi.Client
	defaultServer string
	log           *logrus.Logger
	metrics       *obsmetrics.Metrics
}

// New constructs a Processor. defaultServer is appended to community
// identifiers that omit an `@instance` suffix.
func New(st *store.Store, clients map[config.BotIdentity]*lemmyapi.Client, defaultServer string, logger *logrus.Logger, metrics *obsmetrics.Metrics) *Processor {
	return &Processor{store: st, clients: clients, defaultServer: defaultServer, log: logger, metrics: metrics}
}

// PollIdentity fetches one identity's unread direct messages, processes
// each, marks it read, and replies with the aggregated response
// (spec.md §4.G). Runs opportunistically during the scheduler's sleep
// phase, once per bot identity.
func (p *Processor) PollIdentity(ctx context.Context, identity config.BotIdentity) error {
	client, ok := p.clients[identity]
	if !ok {
		return fmt.Errorf("commands: no client configured for identity %q", identity)
	}

	msgs, err := client.ListPrivateMessagesPage(ctx, true, 1, 20)
	if err != nil {
		return fmt.Errorf("commands: list private messages: %w", err)
	}

	for _, msg := range msgs {
		response := p.processMessageBody(ctx, client, msg.CreatorActorID, msg.Content)

		if err := client.MarkPrivateMessageRead(ctx, msg.ID); err != nil && p.log != nil {
			p.log.WithError(err).WithField("message_id", msg.ID).Warn("commands: failed to mark message read")
		}
		if err := client.SendPrivateMessage(ctx, msg.CreatorID, response); err != nil && p.log != nil {
			p.log.WithError(err).WithField("recipient_id", msg.CreatorID).Warn("commands: failed to send reply")
		}
	}
	return nil
}

// processMessageBody parses and executes every command in a message
// body and returns the aggregated reply, or the help text if nothing
// parsed as a command at all.
func (p *Processor) processMessageBody(ctx context.Context, client *lemmyapi.Client, senderActorID, body string) string {
	lines := ParseMessage(body)
	if len(lines) == 0 {
		return helpText
	}

	var blocks []string
	for _, line := range lines {
		for _, cmd := range line.Commands {
			result := p.executeSafely(ctx, client, senderActorID, cmd)
			blocks = append(blocks, fmt.Sprintf("> %s\n%s", strings.TrimSpace(line.Raw), result))
		}
	}
	return strings.Join(blocks, "\n\n")
}

// executeSafely runs one command's executor, converting a panic into a
// generic "the command failed" note so one bad command never aborts the
// batch (spec.md §4.G point 6). Executor errors are not converted: they
// come back as the executor's own "error: ..." reply.
func (p *Processor) executeSafely(ctx context.Context, client *lemmyapi.Client, senderActorID string, cmd Command) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = "the command failed"
			if p.metrics != nil {
				p.metrics.RecordCommand(string(cmd.Kind), "panic")
			}
		}
	}()

	outcome := "ok"
	switch cmd.Kind {
	case KindAdd:
		result = p.executeAdd(ctx, client, senderActorID, cmd.Args)
	case KindDelete:
		result = p.executeDelete(ctx, client, senderActorID, cmd.Args)
	case KindList:
		result = p.executeList(ctx, cmd.Args)
	case KindHelp:
		result = helpText
	default:
		result = fmt.Sprintf("Unknown command: /%s", cmd.Name)
		outcome = "unknown"
	}
	if strings.HasPrefix(result, "the command failed") || strings.HasPrefix(result, "error:") {
		outcome = "error"
	}
	if p.metrics != nil {
		p.metrics.RecordCommand(string(cmd.Kind), outcome)
	}
	return result
}

func (p *Processor) executeAdd(ctx context.Context, client *lemmyapi.Client, senderActorID string, args []string) string {
	if len(args) < 2 {
		return "usage: /add <rss_url> <community>[@<instance>]"
	}
	feedURL, communityKey := args[0], p.normalizeCommunityKey(args[1])

	if err := p.requireModerator(ctx, client, senderActorID, communityKey); err != nil {
		return "error: " + err.Error()
	}

	community, err := client.ResolveCommunity(ctx, communityKey)
	if err != nil {
		return "error: could not resolve community " + communityKey
	}
	if community == nil {
		return "error: community not found: " + communityKey
	}

	identity := identityForNewFeed(communityKey)
	if _, err := p.store.AddFeed(feedURL, communityKey, community.ID, string(identity)); err != nil {
		return "error: " + err.Error()
	}
	return fmt.Sprintf("Added %s to !%s", feedURL, communityKey)
}

func (p *Processor) executeDelete(ctx context.Context, client *lemmyapi.Client, senderActorID string, args []string) string {
	if len(args) < 2 {
		return "usage: /delete <rss_url> <community>[@<instance>]"
	}
	feedURL, communityKey := args[0], p.normalizeCommunityKey(args[1])

	if err := p.requireModerator(ctx, client, senderActorID, communityKey); err != nil {
		return "error: " + err.Error()
	}

	n, err := p.store.RemoveFeed(&communityKey, &feedURL)
	if err != nil {
		return "error: " + err.Error()
	}
	return fmt.Sprintf("Removed %d feed(s) matching %s from !%s", n, feedURL, communityKey)
}

func (p *Processor) executeList(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "usage: /list <community>[@<instance>]"
	}
	communityKey := p.normalizeCommunityKey(args[0])

	feeds, err := p.store.ListFeeds()
	if err != nil {
		return "error: " + err.Error()
	}

	var lines []string
	for _, f := range feeds {
		if f.CommunityKey == communityKey {
			lines = append(lines, "* "+f.FeedURL)
		}
	}
	if len(lines) == 0 {
		return fmt.Sprintf("No feeds active for !%s", communityKey)
	}
	return fmt.Sprintf("Feeds active for !%s:\n%s", communityKey, strings.Join(lines, "\n"))
}

func (p *Processor) normalizeCommunityKey(key string) string {
	if strings.Contains(key, "@") {
		return key
	}
	return key + "@" + p.defaultServer
}

// requireModerator rejects the command unless senderActorID currently
// moderates communityKey (spec.md §4.G points 3-4).
func (p *Processor) requireModerator(ctx context.Context, client *lemmyapi.Client, senderActorID, communityKey string) error {
	name := strings.SplitN(communityKey, "@", 2)[0]
	mods, err := client.FetchCommunityModerators(ctx, name)
	if err != nil {
		return fmt.Errorf("could not verify moderators of %s", communityKey)
	}
	for _, m := range mods {
		if m.ActorID == senderActorID {
			return nil
		}
	}
	return fmt.Errorf("you are not a moderator of %s", communityKey)
}

// identityForNewFeed picks the bot identity newly added feeds publish
// as. The source grammar carries no per-feed identity argument, so every
// feed added through the command processor uses the free identity; an
// operator wanting paywall/bot identities uses the administrative CLI.
func identityForNewFeed(_ string) config.BotIdentity {
	return config.BotFree
}
