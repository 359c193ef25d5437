package wikibot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InvocationKind identifies where an Invocation came from
type InvocationKind string

const (
	InvocationSlash  InvocationKind = "slash"
	InvocationLegacy InvocationKind = "legacy"
)

// Invocation is a single command invocation, either a slash command
// interaction or a legacy text command. Handlers respond through it
// without caring which one they got.
type Invocation interface {
	Kind() InvocationKind

	// ID is the interaction ID, or the message ID for legacy commands
	ID() string
	GuildID() string
	ChannelID() string
	Author() *discordgo.User

	// MemberRoles are the role IDs the author holds in the guild
	MemberRoles() []string

	// Permissions returns the author's guild permission bitfield
	Permissions(ctx context.Context) (int64, error)

	// Defer acknowledges the invocation ahead of a slow response.
	// hidden applies to the eventual first response.
	Defer(ctx context.Context, hidden bool) error

	Respond(ctx context.Context, content string, hidden bool) error

	// RespondEmbeds sends embeds, split across as many messages as needed
	RespondEmbeds(ctx context.Context, embeds []*discordgo.MessageEmbed, hidden bool) error

	RespondFile(ctx context.Context, content string, file *discordgo.File, hidden bool) error

	// ChannelHistory returns up to limit of the channel's most recent
	// messages, newest first
	ChannelHistory(ctx context.Context, limit int) ([]*discordgo.Message, error)

	// Reply sends content to the channel as a reply to msg
	Reply(ctx context.Context, msg *discordgo.Message, content string) error

	Logger() *slog.Logger
}

// outgoing is a single response message
type outgoing struct {
	content string
	embeds  []*discordgo.MessageEmbed
	files   []*discordgo.File
	hidden  bool
}

type responseState int

const (
	responseNone responseState = iota
	responseDeferred
	responseSent
)

// slashInvocation implements Invocation for interactions received
// via the gateway. The first response goes through the interaction
// response endpoint (or edits the deferred response). Later ones are
// sent as followups.
type slashInvocation struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	mu    sync.Mutex
	state responseState
}

func newSlashInvocation(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) *slashInvocation {
	return &slashInvocation{
		session:     session,
		interaction: i,
		logger: logger.With(
			slog.Group("interaction", interactionLogAttrs(*i)...),
		),
	}
}

func (*slashInvocation) Kind() InvocationKind {
	return InvocationSlash
}

func (s *slashInvocation) ID() string {
	return s.interaction.ID
}

func (s *slashInvocation) GuildID() string {
	return s.interaction.GuildID
}

func (s *slashInvocation) ChannelID() string {
	return s.interaction.ChannelID
}

func (s *slashInvocation) Author() *discordgo.User {
	return getDiscordUser(s.interaction)
}

func (s *slashInvocation) MemberRoles() []string {
	if s.interaction.Member == nil {
		return nil
	}
	return s.interaction.Member.Roles
}

// Permissions returns the permissions Discord computed for the member
// in the invoking channel
func (s *slashInvocation) Permissions(context.Context) (int64, error) {
	if s.interaction.Member == nil {
		return 0, nil
	}
	return s.interaction.Member.Permissions, nil
}

func (s *slashInvocation) Logger() *slog.Logger {
	return s.logger
}

func (s *slashInvocation) Defer(ctx context.Context, hidden bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != responseNone {
		return nil
	}
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
	if hidden {
		resp.Data = &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		}
	}
	err := s.session.InteractionRespond(
		s.interaction.Interaction,
		resp,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error deferring interaction response: %w", err)
	}
	s.state = responseDeferred
	return nil
}

func (s *slashInvocation) Respond(ctx context.Context, content string, hidden bool) error {
	return s.send(ctx, outgoing{content: content, hidden: hidden})
}

func (s *slashInvocation) RespondEmbeds(
	ctx context.Context,
	embeds []*discordgo.MessageEmbed,
	hidden bool,
) error {
	for _, chunk := range chunkItems(discordMaxEmbedsPerMessage, embeds...) {
		if err := s.send(ctx, outgoing{embeds: chunk, hidden: hidden}); err != nil {
			return err
		}
	}
	return nil
}

func (s *slashInvocation) RespondFile(
	ctx context.Context,
	content string,
	file *discordgo.File,
	hidden bool,
) error {
	return s.send(
		ctx,
		outgoing{content: content, files: []*discordgo.File{file}, hidden: hidden},
	)
}

func (s *slashInvocation) send(ctx context.Context, msg outgoing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flags discordgo.MessageFlags
	if msg.hidden {
		flags = discordgo.MessageFlagsEphemeral
	}

	var err error
	switch s.state {
	case responseNone:
		err = s.session.InteractionRespond(
			s.interaction.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: msg.content,
					Embeds:  msg.embeds,
					Files:   msg.files,
					Flags:   flags,
				},
			},
			discordgo.WithContext(ctx),
		)
	case responseDeferred:
		edit := &discordgo.WebhookEdit{Files: msg.files}
		if msg.content != "" {
			edit.Content = &msg.content
		}
		if len(msg.embeds) > 0 {
			edit.Embeds = &msg.embeds
		}
		_, err = s.session.InteractionResponseEdit(
			s.interaction.Interaction,
			edit,
			discordgo.WithContext(ctx),
		)
	default:
		_, err = s.session.FollowupMessageCreate(
			s.interaction.Interaction,
			true,
			&discordgo.WebhookParams{
				Content: msg.content,
				Embeds:  msg.embeds,
				Files:   msg.files,
				Flags:   flags,
			},
			discordgo.WithContext(ctx),
		)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	s.state = responseSent
	return nil
}

func (s *slashInvocation) ChannelHistory(ctx context.Context, limit int) (
	[]*discordgo.Message,
	error,
) {
	return s.session.ChannelMessages(
		s.interaction.ChannelID,
		limit,
		"", "", "",
		discordgo.WithContext(ctx),
	)
}

func (s *slashInvocation) Reply(
	ctx context.Context,
	msg *discordgo.Message,
	content string,
) error {
	return sendReply(ctx, s.session, s.interaction.ChannelID, msg, content)
}

// legacyInvocation implements Invocation for text commands. Discord
// has no hidden messages or deferred responses outside interactions,
// so every response is a plain channel message.
type legacyInvocation struct {
	session DiscordSessionHandler
	message *discordgo.MessageCreate
	logger  *slog.Logger
}

func newLegacyInvocation(
	session DiscordSessionHandler,
	m *discordgo.MessageCreate,
	logger *slog.Logger,
) *legacyInvocation {
	return &legacyInvocation{
		session: session,
		message: m,
		logger: logger.With(
			slog.Group("message", messageLogAttrs(m.Message)...),
		),
	}
}

func (*legacyInvocation) Kind() InvocationKind {
	return InvocationLegacy
}

func (l *legacyInvocation) ID() string {
	return l.message.ID
}

func (l *legacyInvocation) GuildID() string {
	return l.message.GuildID
}

func (l *legacyInvocation) ChannelID() string {
	return l.message.ChannelID
}

func (l *legacyInvocation) Author() *discordgo.User {
	return l.message.Author
}

func (l *legacyInvocation) MemberRoles() []string {
	if l.message.Member == nil {
		return nil
	}
	return l.message.Member.Roles
}

// Permissions computes the author's guild-level permissions from the
// guild's roles. Channel overwrites aren't considered.
func (l *legacyInvocation) Permissions(ctx context.Context) (int64, error) {
	guild, err := l.session.Guild(l.message.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("error fetching guild: %w", err)
	}
	var userID string
	if l.message.Author != nil {
		userID = l.message.Author.ID
	}
	return memberPermissions(guild, userID, l.MemberRoles()), nil
}

func (l *legacyInvocation) Logger() *slog.Logger {
	return l.logger
}

func (*legacyInvocation) Defer(context.Context, bool) error {
	return nil
}

func (l *legacyInvocation) Respond(ctx context.Context, content string, _ bool) error {
	return l.send(ctx, &discordgo.MessageSend{Content: content})
}

func (l *legacyInvocation) RespondEmbeds(
	ctx context.Context,
	embeds []*discordgo.MessageEmbed,
	_ bool,
) error {
	for _, chunk := range chunkItems(discordMaxEmbedsPerMessage, embeds...) {
		if err := l.send(ctx, &discordgo.MessageSend{Embeds: chunk}); err != nil {
			return err
		}
	}
	return nil
}

func (l *legacyInvocation) RespondFile(
	ctx context.Context,
	content string,
	file *discordgo.File,
	_ bool,
) error {
	return l.send(
		ctx,
		&discordgo.MessageSend{Content: content, Files: []*discordgo.File{file}},
	)
}

func (l *legacyInvocation) send(ctx context.Context, data *discordgo.MessageSend) error {
	_, err := l.session.ChannelMessageSendComplex(
		l.message.ChannelID,
		data,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		l.logger.ErrorContext(ctx, "error sending response", tint.Err(err))
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (l *legacyInvocation) ChannelHistory(ctx context.Context, limit int) (
	[]*discordgo.Message,
	error,
) {
	// the command message itself would otherwise take up the window
	msgs, err := l.session.ChannelMessages(
		l.message.ChannelID,
		limit,
		l.message.ID, "", "",
		discordgo.WithContext(ctx),
	)
	return msgs, err
}

func (l *legacyInvocation) Reply(
	ctx context.Context,
	msg *discordgo.Message,
	content string,
) error {
	return sendReply(ctx, l.session, l.message.ChannelID, msg, content)
}

func sendReply(
	ctx context.Context,
	session DiscordSessionHandler,
	channelID string,
	msg *discordgo.Message,
	content string,
) error {
	_, err := session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content:   content,
			Reference: msg.Reference(),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// memberPermissions ORs together the permissions of the guild's
// @everyone role and each of the member's roles. The guild owner
// gets every permission.
func memberPermissions(guild *discordgo.Guild, userID string, roles []string) int64 {
	if guild == nil {
		return 0
	}
	if userID != "" && guild.OwnerID == userID {
		return discordgo.PermissionAll
	}
	held := make(map[string]struct{}, len(roles)+1)
	held[guild.ID] = struct{}{}
	for _, r := range roles {
		held[r] = struct{}{}
	}
	var perms int64
	for _, role := range guild.Roles {
		if role == nil {
			continue
		}
		if _, ok := held[role.ID]; ok {
			perms |= role.Permissions
		}
	}
	if perms&discordgo.PermissionAdministrator != 0 {
		return discordgo.PermissionAll
	}
	return perms
}
