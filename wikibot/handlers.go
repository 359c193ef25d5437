package wikibot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgGuildOnly        = "This command can only be used in a server."
	msgQuotaExceeded    = "Too many commands in this group or too many groups. Use another group or delete some commands."
	msgInvalidTopic     = "Invalid topic: %s"
	msgTopicCreated     = "Created **%s**"
	msgTopicUpdated     = "Updated **%s**"
	msgTopicDeleted     = "Deleted **%s**"
	msgGuildDisabled    = "Commands aren't currently published to this server. Run `/wiki-mgmt sync` to publish them again."
	msgSyncDone         = "Published commands for %d topics."
	msgSyncNoPermission = "I don't have permission to register commands in this server. " +
		"Re-invite me with the `applications.commands` scope, then run `/wiki-mgmt sync` again."
	msgRoleAdded        = "<@&%s> can now manage topics."
	msgRoleExists       = "<@&%s> can already manage topics."
	msgRoleRemoved      = "<@&%s> can no longer manage topics."
	msgRoleMissing      = "<@&%s> isn't a management role."
	msgRoleList         = "Management roles: %s"
	msgRoleListEmpty    = "No management roles are set. Only the server owner and members with Manage Roles and Manage Channels can manage topics."
	msgExportDone       = "Exported %d topics."
	msgImportNoFile     = "Couldn't import: %s. See `/wiki-mgmt bulk help`."
	msgImportIncomplete = "\nThe import stopped early because of an error. Rows after the last one counted weren't imported."
	msgHelpEmpty        = "No topics have been added yet."
	msgFeedbackInvalid  = "Feedback must be between 1 and 2000 characters."

	helpTitle        = "Wiki topics"
	analyticsTopN    = 25
	legacyAliasLabel = "alias"
)

// reportedError is a handler error the invoker has already been told
// about, which still needs to be logged
type reportedError struct {
	err error
}

func (e *reportedError) Error() string {
	return e.err.Error()
}

func (e *reportedError) Unwrap() error {
	return e.err
}

// handleInteraction handles a slash command interaction from the
// gateway, recording it as an InteractionLog
func (w *WikiBot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := getDiscordUser(i)
	if user == nil {
		w.logger.ErrorContext(ctx, "no user found in interaction", interactionLogAttrs(*i)...)
		return
	}
	if user.Bot {
		w.logger.WarnContext(ctx, "user is bot, ignoring", "user_id", user.ID)
		return
	}

	w.discord.metricMessagesHandled.Add(1)
	inv := newSlashInvocation(w.discord.session, i, w.logger)
	logger := inv.Logger()
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received interaction", "user_id", user.ID)

	started := time.Now()
	entry := newInteractionLog(inv, invocationCommand(i), i.ApplicationCommandData())

	err := w.routeInteraction(ctx, inv, i)
	if err != nil {
		w.handleCommandError(ctx, inv, err)
	}
	if logErr := entry.finish(ctx, w.writeDB, started, err); logErr != nil {
		logger.ErrorContext(ctx, "error logging interaction", tint.Err(logErr))
	}
}

// handleCommandError logs err, and sends the generic error message
// unless the invoker was already told what went wrong
func (w *WikiBot) handleCommandError(ctx context.Context, inv Invocation, err error) {
	logger := contextLoggerOr(ctx, inv.Logger())
	logger.ErrorContext(ctx, "error handling command", tint.Err(err))

	var reported *reportedError
	if errors.As(err, &reported) {
		return
	}
	if respErr := inv.Respond(ctx, w.RuntimeConfig().DiscordErrorMessage, true); respErr != nil {
		logger.ErrorContext(ctx, "error sending error response", tint.Err(respErr))
	}
}

func (w *WikiBot) routeInteraction(
	ctx context.Context,
	inv Invocation,
	i *discordgo.InteractionCreate,
) error {
	if inv.GuildID() == "" {
		return inv.Respond(ctx, msgGuildOnly, true)
	}
	guild, err := w.guilds.GetOrCreate(ctx, inv.GuildID())
	if err != nil {
		return err
	}

	data := i.ApplicationCommandData()
	switch data.Name {
	case wikiCommandName:
		req, ok := topicRequestFromInteraction(i)
		if !ok {
			return fmt.Errorf("malformed %q interaction", data.Name)
		}
		_, err = w.dispatcher.Dispatch(ctx, inv, req)
		return err
	case commandHelp:
		return w.handleHelp(ctx, inv)
	case commandFeedback:
		return w.handleFeedback(ctx, inv, guild, optionMap(data.Options))
	case commandMgmt:
		return w.handleMgmt(ctx, inv, guild, data)
	default:
		contextLoggerOr(ctx, w.logger).WarnContext(ctx, "unknown command", "command", data.Name)
		return nil
	}
}

// handleHelp lists the guild's topics, one embed field per group
func (w *WikiBot) handleHelp(ctx context.Context, inv Invocation) error {
	topics, err := w.topics.ListByGuild(ctx, inv.GuildID())
	if err != nil {
		return err
	}
	if len(topics) == 0 {
		return inv.Respond(ctx, msgHelpEmpty, true)
	}
	return inv.RespondEmbeds(ctx, paginateEmbeds(helpTitle, helpFields(topics)), true)
}

// helpFields renders topics, sorted by group and key, as one field per
// group with a `key` - description line per topic
func helpFields(topics []Topic) []*discordgo.MessageEmbedField {
	var fields []*discordgo.MessageEmbedField
	var current *discordgo.MessageEmbedField
	var lines []string
	for _, t := range topics {
		if current == nil || current.Name != t.Group {
			if current != nil {
				current.Value = strings.Join(lines, "\n")
			}
			current = &discordgo.MessageEmbedField{Name: t.Group}
			fields = append(fields, current)
			lines = nil
		}
		lines = append(lines, fmt.Sprintf("`%s` - %s", t.Key, t.Description))
	}
	if current != nil {
		current.Value = strings.Join(lines, "\n")
	}
	return fields
}

func (w *WikiBot) handleFeedback(
	ctx context.Context,
	inv Invocation,
	guild Guild,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	in := FeedbackInput{GuildID: guild.ID, GuildName: guild.Name}
	if u := inv.Author(); u != nil {
		in.UserID = u.ID
		in.Username = u.String()
	}
	if opt, ok := opts[optionMessage]; ok {
		in.Message = opt.StringValue()
	}
	if _, err := w.feedback.Submit(ctx, in); err != nil {
		if errors.Is(err, ErrStorage) {
			return err
		}
		return inv.Respond(ctx, msgFeedbackInvalid, true)
	}
	return inv.Respond(ctx, msgFeedbackThanks, true)
}

// handleMgmt runs a `/wiki-mgmt` subcommand, after checking the
// invoker is allowed to
func (w *WikiBot) handleMgmt(
	ctx context.Context,
	inv Invocation,
	guild Guild,
	data discordgo.ApplicationCommandInteractionData,
) error {
	logger := contextLoggerOr(ctx, inv.Logger())
	if len(data.Options) == 0 {
		return fmt.Errorf("%s: missing subcommand", commandMgmt)
	}

	level := authorize(ctx, inv, guild)
	if level < authManager {
		logger.WarnContext(
			ctx,
			"unauthorized management command",
			"user_id", inv.Author().ID,
			"auth", level.String(),
		)
		return inv.Respond(ctx, msgNotAllowed, true)
	}

	sub := data.Options[0]
	switch sub.Type {
	case discordgo.ApplicationCommandOptionSubCommandGroup:
		if len(sub.Options) == 0 {
			return fmt.Errorf("%s %s: missing subcommand", commandMgmt, sub.Name)
		}
		leaf := sub.Options[0]
		opts := optionMap(leaf.Options)
		switch sub.Name {
		case subcommandGroupRole:
			return w.handleRoles(ctx, inv, guild, level, leaf.Name, opts)
		case subcommandGroupBulk:
			return w.handleBulk(ctx, inv, leaf.Name, opts, data.Resolved)
		}
	case discordgo.ApplicationCommandOptionSubCommand:
		opts := optionMap(sub.Options)
		switch sub.Name {
		case subcommandUpsert:
			return w.handleUpsert(ctx, inv, guild, opts)
		case subcommandDelete:
			return w.handleDelete(ctx, inv, opts)
		case subcommandAnalytics:
			return w.handleAnalytics(ctx, inv)
		case subcommandSync:
			return w.handleSync(ctx, inv)
		}
	}
	return fmt.Errorf("%s: unknown subcommand %q", commandMgmt, sub.Name)
}

func stringOption(
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	if opt, ok := opts[name]; ok {
		return opt.StringValue()
	}
	return ""
}

func (w *WikiBot) handleUpsert(
	ctx context.Context,
	inv Invocation,
	guild Guild,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	in := TopicInput{
		GuildID:     inv.GuildID(),
		Group:       stringOption(opts, optionGroup),
		Key:         stringOption(opts, optionKey),
		Description: stringOption(opts, optionDescription),
		Content:     stringOption(opts, optionContent),
		Alias:       stringOption(opts, optionAlias),
	}.Normalize()
	if err := in.Validate(); err != nil {
		return inv.Respond(ctx, fmt.Sprintf(msgInvalidTopic, validationMessage(err)), true)
	}

	if err := w.sync.CheckCapacity(ctx, in); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			return inv.Respond(ctx, msgQuotaExceeded, true)
		}
		return err
	}

	_, created, err := w.topics.Upsert(ctx, in)
	if err != nil {
		return err
	}
	w.sync.Trigger(ctx, in.GuildID)

	msg := fmt.Sprintf(msgTopicUpdated, in.Name())
	if created {
		msg = fmt.Sprintf(msgTopicCreated, in.Name())
	}
	if guild.Disabled {
		msg += "\n" + msgGuildDisabled
	}
	return inv.Respond(ctx, msg, true)
}

func (w *WikiBot) handleDelete(
	ctx context.Context,
	inv Invocation,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	group := normalizeName(stringOption(opts, optionGroup))
	key := normalizeName(stringOption(opts, optionKey))
	name := topicName(group, key)

	found, err := w.topics.Delete(ctx, inv.GuildID(), group, key)
	if err != nil {
		return err
	}
	if !found {
		return inv.Respond(ctx, fmt.Sprintf(msgTopicNotFound, name), true)
	}
	w.sync.Trigger(ctx, inv.GuildID())
	return inv.Respond(ctx, fmt.Sprintf(msgTopicDeleted, name), true)
}

func (w *WikiBot) handleAnalytics(ctx context.Context, inv Invocation) error {
	if err := inv.Defer(ctx, true); err != nil {
		return err
	}
	counts, err := w.views.TopN(ctx, inv.GuildID(), analyticsTopN)
	if err != nil {
		return err
	}
	return inv.RespondEmbeds(ctx, analyticsEmbeds(counts), true)
}

// handleSync re-enables the guild if needed, and publishes its
// commands before responding
func (w *WikiBot) handleSync(ctx context.Context, inv Invocation) error {
	if err := inv.Defer(ctx, true); err != nil {
		return err
	}
	guildID := inv.GuildID()
	if _, err := w.guilds.Enable(ctx, guildID); err != nil {
		return err
	}
	err := w.sync.Publish(ctx, guildID)
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return inv.Respond(ctx, msgSyncNoPermission, true)
	case errors.Is(err, ErrQuotaExceeded):
		return inv.Respond(ctx, msgQuotaExceeded, true)
	case err != nil:
		return err
	}
	topics, err := w.topics.ListByGuild(ctx, guildID)
	if err != nil {
		return err
	}
	return inv.Respond(ctx, fmt.Sprintf(msgSyncDone, len(topics)), true)
}

func (w *WikiBot) handleRoles(
	ctx context.Context,
	inv Invocation,
	guild Guild,
	level authLevel,
	action string,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	if action == subcommandRoleList {
		if len(guild.ManagementRoles) == 0 {
			return inv.Respond(ctx, msgRoleListEmpty, true)
		}
		mentions := make([]string, 0, len(guild.ManagementRoles))
		for _, roleID := range guild.ManagementRoles {
			mentions = append(mentions, "<@&"+roleID+">")
		}
		return inv.Respond(ctx, fmt.Sprintf(msgRoleList, strings.Join(mentions, ", ")), true)
	}

	if level < authAdmin {
		contextLoggerOr(ctx, inv.Logger()).WarnContext(
			ctx,
			"unauthorized role change",
			"user_id", inv.Author().ID,
			"auth", level.String(),
		)
		return inv.Respond(ctx, msgNotAllowed, true)
	}

	opt, ok := opts[optionRole]
	if !ok {
		return fmt.Errorf("roles %s: missing role", action)
	}
	role := opt.RoleValue(nil, guild.ID)
	if role == nil || role.ID == "" {
		return fmt.Errorf("roles %s: missing role", action)
	}

	switch action {
	case subcommandRoleAdd:
		_, changed, err := w.guilds.AddManagementRole(ctx, guild.ID, role.ID)
		if err != nil {
			return err
		}
		if !changed {
			return inv.Respond(ctx, fmt.Sprintf(msgRoleExists, role.ID), true)
		}
		return inv.Respond(ctx, fmt.Sprintf(msgRoleAdded, role.ID), true)
	case subcommandRoleDel:
		_, changed, err := w.guilds.RemoveManagementRole(ctx, guild.ID, role.ID)
		if err != nil {
			return err
		}
		if !changed {
			return inv.Respond(ctx, fmt.Sprintf(msgRoleMissing, role.ID), true)
		}
		return inv.Respond(ctx, fmt.Sprintf(msgRoleRemoved, role.ID), true)
	default:
		return fmt.Errorf("roles: unknown subcommand %q", action)
	}
}

func (w *WikiBot) handleBulk(
	ctx context.Context,
	inv Invocation,
	action string,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
	resolved *discordgo.ApplicationCommandInteractionDataResolved,
) error {
	switch action {
	case subcommandBulkHelp:
		return inv.Respond(ctx, bulkHelpText, true)
	case subcommandBulkExp:
		if err := inv.Defer(ctx, true); err != nil {
			return err
		}
		file, count, err := w.bulk.Export(ctx, inv.GuildID())
		if err != nil {
			return err
		}
		return inv.RespondFile(ctx, fmt.Sprintf(msgExportDone, count), file, true)
	case subcommandBulkImp:
		if err := inv.Defer(ctx, true); err != nil {
			return err
		}
		var attachment *discordgo.MessageAttachment
		if opt, ok := opts[optionFile]; ok && resolved != nil {
			if id, isString := opt.Value.(string); isString {
				attachment = resolved.Attachments[id]
			}
		}
		result, err := w.bulk.Import(ctx, inv, attachment)
		if errors.Is(err, ErrNoAttachment) {
			return inv.Respond(ctx, fmt.Sprintf(msgImportNoFile, err.Error()), true)
		}
		if err != nil && result.Filename == "" {
			return err
		}
		summary := result.Summary()
		if err != nil {
			summary = truncate(summary+msgImportIncomplete, discordMaxMessageLength)
		}
		if respErr := inv.Respond(ctx, summary, true); respErr != nil {
			return errors.Join(err, respErr)
		}
		if err != nil {
			return &reportedError{err: err}
		}
		return nil
	default:
		return fmt.Errorf("bulk: unknown subcommand %q", action)
	}
}

// handleMessage handles legacy text commands. Messages that aren't
// commands, or name an unknown alias, are ignored without a log entry.
func (w *WikiBot) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if !w.config.Discord.LegacyCommands || !w.RuntimeConfig().LegacyCommandsEnabled {
		return
	}
	if m.Message == nil || m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	req, ok := parseLegacyCommand(m.Content, w.config.Discord.LegacyPrefix)
	if !ok {
		return
	}
	req.GuildID = m.GuildID
	// text commands can't be hidden
	req.Public = true

	w.discord.metricMessagesHandled.Add(1)
	inv := newLegacyInvocation(w.discord.session, m, w.logger)
	logger := inv.Logger()
	ctx = WithLogger(ctx, logger)
	logger.DebugContext(ctx, "received legacy command", "request", req)

	started := time.Now()
	command := legacyWikiCommand
	if req.Alias != "" {
		command = legacyAliasLabel
	}
	entry := newInteractionLog(inv, command, req)

	var result DispatchResult
	_, err := w.guilds.GetOrCreate(ctx, m.GuildID)
	if err == nil {
		result, err = w.dispatcher.Dispatch(ctx, inv, req)
	}
	if err != nil {
		w.handleCommandError(ctx, inv, err)
	}
	if !result.Found && req.Alias != "" && err == nil {
		return
	}
	if logErr := entry.finish(ctx, w.writeDB, started, err); logErr != nil {
		logger.ErrorContext(ctx, "error logging legacy command", tint.Err(logErr))
	}
}

// handleGuildCreate records the guild, and publishes its commands if
// it's new or was re-enabled by rejoining
func (w *WikiBot) handleGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()
	if g.Guild == nil || g.Unavailable {
		return
	}
	logger := w.logger.With("guild_id", g.ID)
	_, created, reenabled, err := w.guilds.Ensure(
		ctx,
		GuildInfo{
			ID:       g.ID,
			Name:     g.Name,
			OwnerID:  g.OwnerID,
			JoinedAt: g.JoinedAt,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error saving guild", tint.Err(err))
		return
	}
	if created || reenabled {
		logger.InfoContext(ctx, "publishing commands for joined guild", "created", created)
		w.sync.Trigger(ctx, g.ID)
	}
}

// handleGuildDelete disables the guild when the bot was removed from
// it. Outages are also reported as GuildDelete, with Unavailable set.
func (w *WikiBot) handleGuildDelete(ctx context.Context, g *discordgo.GuildDelete) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()
	if g.Guild == nil {
		return
	}
	logger := w.logger.With("guild_id", g.ID)
	if g.Unavailable {
		logger.WarnContext(ctx, "guild unavailable")
		return
	}
	if err := w.guilds.Disable(ctx, g.ID, GuildDisabledReasonRemoved); err != nil {
		logger.ErrorContext(ctx, "error disabling removed guild", tint.Err(err))
	}
}
