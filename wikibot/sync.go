package wikibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	wikiCommandName    = "wiki"
	optionReplyTo      = "reply_to"
	optionPublic       = "public"
	optionReplyToDesc  = "user whose last message to reply to"
	optionPublicDesc   = "show the response to everyone"
	groupDescriptionFn = "%s topics"

	discordMaxSubcommandGroups = 25
	discordMaxSubcommands      = 25

	// combined characters of names and descriptions across a command
	// and all of its options
	discordMaxCommandSize = 8000
)

// commandPublisher is the part of a Discord session needed to
// replace a guild's commands
type commandPublisher interface {
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
}

// CommandSynchronizer publishes each guild's `/wiki` command, built
// from the guild's topics. Each publish replaces the guild's entire
// command list in one call.
type CommandSynchronizer struct {
	topics      *TopicStore
	guilds      *GuildStore
	session     commandPublisher
	appID       string
	limiter     *rate.Limiter
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger

	// serializes publishes per guild, so an older tree can't
	// overwrite a newer one
	guildLocks sync.Map
	wg         sync.WaitGroup

	// stopped is set by Stop, after which Trigger won't start publishes
	mu      sync.Mutex
	stopped bool

	// staticCommands are published along with `/wiki` to
	// staticGuildID, when the application's own commands are
	// registered to a single guild instead of globally
	staticGuildID  string
	staticCommands []*discordgo.ApplicationCommand
}

func NewCommandSynchronizer(
	topics *TopicStore,
	guilds *GuildStore,
	session commandPublisher,
	appID string,
	cfg SyncConfig,
	logger *slog.Logger,
) *CommandSynchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultSyncRequestsPerSecond
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	return &CommandSynchronizer{
		topics:      topics,
		guilds:      guilds,
		session:     session,
		appID:       appID,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger.With(loggerNameKey, "sync"),
	}
}

// WithGuildCommands includes cmds in every publish to guildID. Bulk
// overwrites replace every command in the guild, which would otherwise
// remove them.
func (s *CommandSynchronizer) WithGuildCommands(
	guildID string,
	cmds []*discordgo.ApplicationCommand,
) *CommandSynchronizer {
	s.staticGuildID = guildID
	s.staticCommands = cmds
	return s
}

func (s *CommandSynchronizer) guildLock(guildID string) *sync.Mutex {
	mu, _ := s.guildLocks.LoadOrStore(guildID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Publish replaces the guild's registered commands with the `/wiki`
// command built from its current topics. A guild with no topics has
// its commands cleared.
//
// If Discord reports the bot lacks access to the guild, the guild is
// disabled. Disabled guilds are skipped, returning ErrGuildDisabled.
func (s *CommandSynchronizer) Publish(ctx context.Context, guildID string) error {
	logger := s.logger.With("guild_id", guildID)

	guild, err := s.guilds.GetOrCreate(ctx, guildID)
	if err != nil {
		return err
	}
	if guild.Disabled {
		logger.DebugContext(ctx, "guild disabled, skipping publish")
		return ErrGuildDisabled
	}

	mu := s.guildLock(guildID)
	mu.Lock()
	defer mu.Unlock()

	topics, err := s.topics.ListByGuild(ctx, guildID)
	if err != nil {
		return err
	}
	commands := guildCommands(topics)
	if guildID != "" && guildID == s.staticGuildID {
		commands = append(commands, s.staticCommands...)
	}

	if err = s.limiter.Wait(ctx); err != nil {
		return err
	}

	started := time.Now()
	_, err = s.session.ApplicationCommandBulkOverwrite(
		s.appID,
		guildID,
		commands,
		discordgo.WithContext(ctx),
	)
	err = classifyDiscordError(err)

	switch {
	case err == nil:
		logger.InfoContext(
			ctx,
			"published guild commands",
			"topics", len(topics),
			"elapsed", time.Since(started),
		)
		return nil
	case errors.Is(err, ErrPermissionDenied):
		logger.WarnContext(ctx, "no permission to publish commands, disabling guild", tint.Err(err))
		if disableErr := s.guilds.Disable(
			ctx,
			guildID,
			GuildDisabledReasonPermission,
		); disableErr != nil {
			logger.ErrorContext(ctx, "error disabling guild", tint.Err(disableErr))
		}
	case errors.Is(err, ErrQuotaExceeded):
		logger.ErrorContext(
			ctx,
			"guild command tree exceeds discord limits",
			tint.Err(err),
			"topics", len(topics),
		)
	default:
		logger.ErrorContext(ctx, "error publishing guild commands", tint.Err(err))
	}
	return err
}

// SyncAll publishes commands for every enabled guild, with at most
// concurrency publishes in flight. A failed guild doesn't stop the
// others. Returns the errors for each guild that failed.
func (s *CommandSynchronizer) SyncAll(ctx context.Context) (map[string]error, error) {
	guilds, err := s.guilds.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "publishing guild commands", "guilds", len(guilds))

	var mu sync.Mutex
	failed := map[string]error{}

	g := &errgroup.Group{}
	g.SetLimit(s.concurrency)
	for _, guild := range guilds {
		guildID := guild.ID
		g.Go(
			func() error {
				defer func() {
					if rc := recover(); rc != nil {
						handleRecover(ctx, rc)
						mu.Lock()
						failed[guildID] = fmt.Errorf("panic: %v", rc)
						mu.Unlock()
					}
				}()
				gctx, cancel := context.WithTimeout(ctx, s.timeout)
				defer cancel()
				if e := s.Publish(gctx, guildID); e != nil {
					mu.Lock()
					failed[guildID] = e
					mu.Unlock()
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	s.logger.InfoContext(
		ctx,
		"finished publishing guild commands",
		"guilds", len(guilds),
		"failed", len(failed),
	)
	return failed, nil
}

// Trigger publishes the guild's commands in the background. The
// publish isn't canceled along with ctx, but is bounded by the
// configured timeout. Use Wait to block until triggered publishes
// finish. Once Stop has been called, Trigger does nothing.
func (s *CommandSynchronizer) Trigger(ctx context.Context, guildID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.WarnContext(
			ctx,
			"synchronizer stopped, not publishing",
			"guild_id", guildID,
		)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.Publish(pctx, guildID); err != nil && !errors.Is(err, ErrGuildDisabled) {
			s.logger.WarnContext(
				pctx,
				"background publish failed",
				tint.Err(err),
				"guild_id", guildID,
			)
		}
	}()
}

// Wait blocks until all publishes started by Trigger have finished
func (s *CommandSynchronizer) Wait() {
	s.wg.Wait()
}

// Stop refuses further triggers, then waits for running publishes
func (s *CommandSynchronizer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}

// CheckCapacity returns ErrQuotaExceeded if upserting in would make
// the guild's `/wiki` command exceed Discord's limits
func (s *CommandSynchronizer) CheckCapacity(ctx context.Context, in TopicInput) error {
	topics, err := s.topics.ListByGuild(ctx, in.GuildID)
	if err != nil {
		return err
	}
	plan := newCommandPlan(topics)
	return plan.Add(in.Normalize())
}

// commandPlan tracks the topics that would be published for a guild,
// to check additions against Discord's limits before storing them
type commandPlan struct {
	topics []Topic
}

func newCommandPlan(topics []Topic) *commandPlan {
	return &commandPlan{topics: append([]Topic(nil), topics...)}
}

// Add adds or replaces the topic in the plan. If the resulting command
// would exceed Discord's limits, the plan is left unchanged and the
// error wraps ErrQuotaExceeded.
func (p *commandPlan) Add(in TopicInput) error {
	next := make([]Topic, 0, len(p.topics)+1)
	replaced := false
	for _, t := range p.topics {
		if t.Group == in.Group && t.Key == in.Key {
			t.Description = in.Description
			replaced = true
		}
		next = append(next, t)
	}
	if !replaced {
		next = append(
			next,
			Topic{
				GuildID:     in.GuildID,
				Group:       in.Group,
				Key:         in.Key,
				Description: in.Description,
			},
		)
		sortTopics(next)
	}
	if err := checkCommandLimits(wikiCommand(next)); err != nil {
		return err
	}
	p.topics = next
	return nil
}

func sortTopics(topics []Topic) {
	sort.SliceStable(
		topics, func(i, j int) bool {
			if topics[i].Group != topics[j].Group {
				return topics[i].Group < topics[j].Group
			}
			return topics[i].Key < topics[j].Key
		},
	)
}

// guildCommands returns the commands to publish for a guild with the
// given topics, which must be ordered by group and key
func guildCommands(topics []Topic) []*discordgo.ApplicationCommand {
	if len(topics) == 0 {
		return []*discordgo.ApplicationCommand{}
	}
	return []*discordgo.ApplicationCommand{wikiCommand(topics)}
}

// wikiCommand builds `/wiki` with a subcommand group per topic group,
// and a subcommand per key
func wikiCommand(topics []Topic) *discordgo.ApplicationCommand {
	dmPermission := false
	cmd := &discordgo.ApplicationCommand{
		Name:         wikiCommandName,
		Description:  "Get a wiki topic",
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: &dmPermission,
	}

	var group *discordgo.ApplicationCommandOption
	for _, t := range topics {
		if group == nil || group.Name != t.Group {
			group = &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        t.Group,
				Description: truncate(fmt.Sprintf(groupDescriptionFn, t.Group), topicMaxDescriptionLength),
			}
			cmd.Options = append(cmd.Options, group)
		}
		group.Options = append(
			group.Options,
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        t.Key,
				Description: t.Description,
				Options:     topicLeafOptions(),
			},
		)
	}
	return cmd
}

func topicLeafOptions() []*discordgo.ApplicationCommandOption {
	return []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        optionReplyTo,
			Description: optionReplyToDesc,
		},
		{
			Type:        discordgo.ApplicationCommandOptionBoolean,
			Name:        optionPublic,
			Description: optionPublicDesc,
		},
	}
}

func checkCommandLimits(cmd *discordgo.ApplicationCommand) error {
	if len(cmd.Options) > discordMaxSubcommandGroups {
		return fmt.Errorf(
			"%w: %d groups (max %d)",
			ErrQuotaExceeded,
			len(cmd.Options),
			discordMaxSubcommandGroups,
		)
	}
	for _, group := range cmd.Options {
		if len(group.Options) > discordMaxSubcommands {
			return fmt.Errorf(
				"%w: %d keys in group %q (max %d)",
				ErrQuotaExceeded,
				len(group.Options),
				group.Name,
				discordMaxSubcommands,
			)
		}
	}
	if size := commandSize(cmd); size > discordMaxCommandSize {
		return fmt.Errorf(
			"%w: command size %d (max %d)",
			ErrQuotaExceeded,
			size,
			discordMaxCommandSize,
		)
	}
	return nil
}

func commandSize(cmd *discordgo.ApplicationCommand) int {
	size := utf8.RuneCountInString(cmd.Name) + utf8.RuneCountInString(cmd.Description)
	for _, opt := range cmd.Options {
		size += optionSize(opt)
	}
	return size
}

func optionSize(opt *discordgo.ApplicationCommandOption) int {
	size := utf8.RuneCountInString(opt.Name) + utf8.RuneCountInString(opt.Description)
	for _, o := range opt.Options {
		size += optionSize(o)
	}
	return size
}
