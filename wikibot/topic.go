package wikibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	columnTopicGuildID     = "guild_id"
	columnTopicGroup       = "topic_group"
	columnTopicKey         = "topic_key"
	columnTopicDescription = "description"
	columnTopicContent     = "content"
	columnTopicAlias       = "alias"

	topicMaxDescriptionLength = 100
	topicMaxContentLength     = discordMaxMessageLength
	discordMaxMessageLength   = 2000
)

// slash command and subcommand names: lowercase, up to 32 characters
var slashNamePattern = regexp.MustCompile(`^[-_\p{Ll}\p{Lo}\p{N}]{1,32}$`)

func validateSlashName(fl validator.FieldLevel) bool {
	return slashNamePattern.MatchString(fl.Field().String())
}

// Topic is a help entry, published as `/wiki <group> <key>`.
// (guild, group, key) is unique.
type Topic struct {
	ModelUintID
	ModelUnixTime
	GuildID     string `json:"guild_id" gorm:"not null;uniqueIndex:idx_topic_guild_group_key,priority:1"`
	Group       string `json:"group" gorm:"column:topic_group;not null;uniqueIndex:idx_topic_guild_group_key,priority:2"`
	Key         string `json:"key" gorm:"column:topic_key;not null;uniqueIndex:idx_topic_guild_group_key,priority:3"`
	Description string `json:"description" gorm:"not null"`
	Content     string `json:"content" gorm:"not null"`

	// Alias is a single word legacy trigger (ex: `!dial`)
	Alias string `json:"alias,omitempty" gorm:"index"`
}

// Name returns the topic's "group/key" name, as used for view counters
func (t Topic) Name() string {
	return topicName(t.Group, t.Key)
}

func topicName(group, key string) string {
	return group + "/" + key
}

func (t Topic) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(t.ID)),
		slog.String("guild_id", t.GuildID),
		slog.String("group", t.Group),
		slog.String("key", t.Key),
	)
}

// TopicInput is the set of fields for creating or updating a Topic
//
//nolint:lll // struct tags can't be split
type TopicInput struct {
	GuildID     string `json:"-" binding:"required"`
	Group       string `json:"group" binding:"required,slashname"`
	Key         string `json:"key" binding:"required,slashname"`
	Description string `json:"description" binding:"required,max=100"`
	Content     string `json:"content" binding:"required,max=2000"`
	Alias       string `json:"alias" binding:"omitempty,slashname"`
}

// Normalize lowercases group, key and alias and trims whitespace
// from every field
func (in TopicInput) Normalize() TopicInput {
	in.GuildID = strings.TrimSpace(in.GuildID)
	in.Group = normalizeName(in.Group)
	in.Key = normalizeName(in.Key)
	in.Alias = normalizeName(in.Alias)
	in.Description = strings.TrimSpace(in.Description)
	in.Content = strings.TrimSpace(in.Content)
	return in
}

func (in TopicInput) Name() string {
	return topicName(in.Group, in.Key)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Validate checks the normalized input against Discord's naming and
// length rules
func (in TopicInput) Validate() error {
	if err := structValidator.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	return nil
}

// TopicStore reads and writes Topic records
type TopicStore struct {
	db     DBI
	logger *slog.Logger
}

func NewTopicStore(db DBI, logger *slog.Logger) *TopicStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicStore{db: db, logger: logger.With(loggerNameKey, "topic_store")}
}

// Upsert creates the topic identified by (guild, group, key), or
// overwrites the description, content and alias of the existing one.
// group and key are lowercased. created is true if a new topic was
// inserted.
func (s *TopicStore) Upsert(ctx context.Context, in TopicInput) (
	topic Topic,
	created bool,
	err error,
) {
	in = in.Normalize()
	if err = in.Validate(); err != nil {
		return topic, false, err
	}

	upsert := func(tx *gorm.DB) error {
		created = false
		rv := tx.Where(
			"guild_id = ? AND topic_group = ? AND topic_key = ?",
			in.GuildID, in.Group, in.Key,
		).Limit(1).Find(&topic)
		if rv.Error != nil {
			return rv.Error
		}
		if rv.RowsAffected == 0 {
			topic = Topic{
				GuildID:     in.GuildID,
				Group:       in.Group,
				Key:         in.Key,
				Description: in.Description,
				Content:     in.Content,
				Alias:       in.Alias,
			}
			created = true
			return tx.Create(&topic).Error
		}
		topic.Description = in.Description
		topic.Content = in.Content
		topic.Alias = in.Alias
		return tx.Model(&topic).Updates(
			map[string]any{
				columnTopicDescription: in.Description,
				columnTopicContent:     in.Content,
				columnTopicAlias:       in.Alias,
			},
		).Error
	}

	// two concurrent inserts of the same topic: one wins the unique
	// index, the other retries and updates it
	for attempt := 0; attempt < 2; attempt++ {
		err = s.db.Transaction(ctx, upsert)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if err != nil {
		return Topic{}, false, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	s.logger.InfoContext(ctx, "upserted topic", "topic", topic, "created", created)
	return topic, created, nil
}

// Delete removes the topic, returning whether it existed
func (s *TopicStore) Delete(ctx context.Context, guildID, group, key string) (bool, error) {
	rows, err := s.db.Delete(
		ctx,
		&Topic{},
		"guild_id = ? AND topic_group = ? AND topic_key = ?",
		guildID, normalizeName(group), normalizeName(key),
	)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if rows > 0 {
		s.logger.InfoContext(
			ctx,
			"deleted topic",
			"guild_id", guildID,
			"group", group,
			"key", key,
		)
	}
	return rows > 0, nil
}

// ListByGuild returns every topic in the guild, ordered by group, then key
func (s *TopicStore) ListByGuild(ctx context.Context, guildID string) ([]Topic, error) {
	var topics []Topic
	if err := s.db.DB().WithContext(ctx).Where(
		"guild_id = ?",
		guildID,
	).Order("topic_group ASC, topic_key ASC").Find(&topics).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return topics, nil
}

// FindByGroupKey looks up a single topic. found is false if
// there's no match.
func (s *TopicStore) FindByGroupKey(
	ctx context.Context,
	guildID, group, key string,
) (topic Topic, found bool, err error) {
	rv := s.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND topic_group = ? AND topic_key = ?",
		guildID, normalizeName(group), normalizeName(key),
	).Limit(1).Find(&topic)
	if rv.Error != nil {
		return topic, false, fmt.Errorf("%w: %w", ErrStorage, rv.Error)
	}
	return topic, rv.RowsAffected > 0, nil
}

// FindByAlias looks up a topic by its legacy alias. If more than one
// topic has the alias, the oldest wins.
func (s *TopicStore) FindByAlias(
	ctx context.Context,
	guildID, alias string,
) (topic Topic, found bool, err error) {
	alias = normalizeName(alias)
	if alias == "" {
		return topic, false, nil
	}
	rv := s.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND alias = ?",
		guildID, alias,
	).Order("id ASC").Limit(1).Find(&topic)
	if rv.Error != nil {
		return topic, false, fmt.Errorf("%w: %w", ErrStorage, rv.Error)
	}
	return topic, rv.RowsAffected > 0, nil
}

var validationFieldMessages = map[string]string{
	"required":  "is required",
	"slashname": "must be 1-32 lowercase letters, digits, '-' or '_'",
	"max":       "is too long (max %s)",
}

// validationMessage renders validator errors for users, as
// `field: problem` pairs
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := validationFieldMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		if strings.Contains(msg, "%s") {
			msg = fmt.Sprintf(msg, fe.Param())
		}
		msgs = append(msgs, strings.ToLower(fe.Field())+" "+msg)
	}
	return strings.Join(msgs, "; ")
}
