package wikibot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	replyScanWindow = 10

	msgTopicNotFound    = "We don't have anything for **%s**"
	msgReplyFallback    = "Couldn't find message to reply. Normally sending content."
	msgReplyConfirm     = "Replied to <@%s>"
	legacyParamSep      = ":"
	legacyWikiCommand   = wikiCommandName
	legacyMinWikiTokens = 3
)

// TopicRequest is a request for a topic, from either a `/wiki`
// interaction or a legacy text command. Alias is only set for
// legacy alias commands, in which case Group and Key are empty.
type TopicRequest struct {
	GuildID string
	Group   string
	Key     string
	Alias   string

	// ReplyTo is the ID of a user whose most recent message
	// should be replied to with the topic content
	ReplyTo string

	// Public makes the response visible to everyone
	Public bool
}

func (r TopicRequest) Name() string {
	if r.Alias != "" {
		return r.Alias
	}
	return topicName(normalizeName(r.Group), normalizeName(r.Key))
}

func (r TopicRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", r.GuildID),
		slog.String("name", r.Name()),
		slog.String("reply_to", r.ReplyTo),
		slog.Bool("public", r.Public),
	)
}

// DispatchResult describes how a TopicRequest was resolved
type DispatchResult struct {
	Found bool
	Topic Topic

	// Replied is true when the content was sent as a reply to the
	// ReplyTo user's message
	Replied bool

	// FellBack is true when ReplyTo was set, but the content had to be
	// sent normally
	FellBack bool
}

// TopicDispatcher resolves topic requests and sends their content
type TopicDispatcher struct {
	topics  *TopicStore
	counter ViewCounter
	logger  *slog.Logger
}

func NewTopicDispatcher(topics *TopicStore, counter ViewCounter, logger *slog.Logger) *TopicDispatcher {
	if counter == nil {
		counter = noopViewCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicDispatcher{topics: topics, counter: counter, logger: logger}
}

// Dispatch resolves the request to a topic and responds with its
// content. A missing topic isn't an error: for group/key requests the
// invoker is told nothing was found, and unknown aliases are ignored,
// since the legacy prefix is shared with other bots.
//
// Views are counted for every resolved topic, after responding.
// Counting never fails the dispatch.
func (d *TopicDispatcher) Dispatch(
	ctx context.Context,
	inv Invocation,
	req TopicRequest,
) (DispatchResult, error) {
	var result DispatchResult
	logger := contextLoggerOr(ctx, inv.Logger()).With("request", req)
	hidden := !req.Public

	var topic Topic
	var found bool
	var err error
	if req.Alias != "" {
		topic, found, err = d.topics.FindByAlias(ctx, req.GuildID, req.Alias)
	} else {
		topic, found, err = d.topics.FindByGroupKey(ctx, req.GuildID, req.Group, req.Key)
	}
	if err != nil {
		return result, err
	}
	if !found {
		logger.InfoContext(ctx, "topic not found")
		if req.Alias != "" {
			return result, nil
		}
		return result, inv.Respond(ctx, fmt.Sprintf(msgTopicNotFound, req.Name()), hidden)
	}
	result.Found = true
	result.Topic = topic
	defer d.counter.Increment(context.WithoutCancel(ctx), req.GuildID, topic.Name())

	if req.ReplyTo == "" {
		return result, inv.Respond(ctx, topic.Content, hidden)
	}

	// the history scan can outlast the interaction response window.
	// The deferred response ends up holding the confirmation or the
	// fallback note, so it's always hidden.
	if err = inv.Defer(ctx, true); err != nil {
		logger.WarnContext(ctx, "error deferring response", tint.Err(err))
	}

	target, err := findRecentMessage(ctx, inv, req.ReplyTo, replyScanWindow)
	if err != nil {
		logger.WarnContext(ctx, "error scanning channel history", tint.Err(err))
	}
	if target != nil {
		replyErr := inv.Reply(ctx, target, topic.Content)
		if replyErr == nil {
			result.Replied = true
			if inv.Kind() == InvocationLegacy {
				return result, nil
			}
			return result, inv.Respond(ctx, fmt.Sprintf(msgReplyConfirm, req.ReplyTo), true)
		}
		logger.WarnContext(
			ctx,
			"error replying to message",
			tint.Err(replyErr),
			"message_id", target.ID,
		)
	}

	result.FellBack = true
	if inv.Kind() == InvocationLegacy {
		if err = inv.Respond(ctx, topic.Content, hidden); err != nil {
			return result, err
		}
		return result, inv.Respond(ctx, msgReplyFallback, true)
	}
	if err = inv.Respond(ctx, msgReplyFallback, true); err != nil {
		return result, err
	}
	return result, inv.Respond(ctx, topic.Content, hidden)
}

// findRecentMessage returns the most recent message by userID among
// the channel's last `window` messages, or nil if there isn't one
func findRecentMessage(
	ctx context.Context,
	inv Invocation,
	userID string,
	window int,
) (*discordgo.Message, error) {
	msgs, err := inv.ChannelHistory(ctx, window)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m == nil || m.Author == nil || m.ID == inv.ID() {
			continue
		}
		if m.Author.ID == userID {
			return m, nil
		}
	}
	return nil, nil
}

// topicRequestFromInteraction reads a `/wiki <group> <key>` interaction.
// ok is false if the interaction isn't a well-formed `/wiki` command.
func topicRequestFromInteraction(i *discordgo.InteractionCreate) (req TopicRequest, ok bool) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return req, false
	}
	data := i.ApplicationCommandData()
	if data.Name != wikiCommandName || len(data.Options) == 0 {
		return req, false
	}
	group := data.Options[0]
	if group.Type != discordgo.ApplicationCommandOptionSubCommandGroup ||
		len(group.Options) == 0 {
		return req, false
	}
	leaf := group.Options[0]
	if leaf.Type != discordgo.ApplicationCommandOptionSubCommand {
		return req, false
	}
	req.GuildID = i.GuildID
	req.Group = group.Name
	req.Key = leaf.Name

	opts := optionMap(leaf.Options)
	if opt, exists := opts[optionReplyTo]; exists {
		if u := opt.UserValue(nil); u != nil {
			req.ReplyTo = u.ID
		}
	}
	if opt, exists := opts[optionPublic]; exists {
		req.Public = opt.BoolValue()
	}
	return req, true
}

// parseLegacyCommand parses a text command. Two forms are accepted:
//
//	!wiki <group> <key> [reply_to:<@user>] [public:true]
//	!<alias> [reply_to:<@user>]
//
// Parameters are `name:value` tokens, and unknown parameters are
// ignored. ok is false if content isn't a command.
func parseLegacyCommand(content string, prefix string) (req TopicRequest, ok bool) {
	if prefix == "" {
		return req, false
	}
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, prefix) {
		return req, false
	}
	tokens := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(tokens) == 0 {
		return req, false
	}

	var params []string
	if strings.ToLower(tokens[0]) == legacyWikiCommand {
		if len(tokens) < legacyMinWikiTokens {
			return req, false
		}
		req.Group = normalizeName(tokens[1])
		req.Key = normalizeName(tokens[2])
		params = tokens[3:]
	} else {
		if strings.Contains(tokens[0], legacyParamSep) {
			return req, false
		}
		req.Alias = normalizeName(tokens[0])
		params = tokens[1:]
	}

	for name, value := range legacyParams(params) {
		switch name {
		case optionReplyTo:
			req.ReplyTo = parseUserMention(value)
		case optionPublic:
			if b, err := strconv.ParseBool(value); err == nil {
				req.Public = b
			}
		}
	}
	return req, true
}

// legacyParams collects `name:value` tokens. `name: value` (with the
// value in the next token) is accepted too.
func legacyParams(tokens []string) map[string]string {
	params := map[string]string{}
	for idx := 0; idx < len(tokens); idx++ {
		name, value, found := strings.Cut(tokens[idx], legacyParamSep)
		if !found {
			continue
		}
		if value == "" && idx+1 < len(tokens) &&
			!strings.Contains(tokens[idx+1], legacyParamSep) {
			idx++
			value = tokens[idx]
		}
		params[strings.ToLower(name)] = value
	}
	return params
}

// parseUserMention returns the user ID from `<@id>`, `<@!id>` or a
// bare ID. An empty string is returned for anything else.
func parseUserMention(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<@") && strings.HasSuffix(s, ">") {
		s = strings.TrimSuffix(strings.TrimPrefix(s, "<@"), ">")
		s = strings.TrimPrefix(s, "!")
	}
	if s == "" {
		return ""
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return s
}
