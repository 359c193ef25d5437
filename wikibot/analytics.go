package wikibot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	redis "github.com/redis/go-redis/v9"
)

const viewCounterIncrementTimeout = 2 * time.Second

// ViewCount is the number of times a topic was resolved in a guild
type ViewCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// ViewCounter counts topic views per guild
type ViewCounter interface {
	// Increment adds one view for the named topic. Failures are logged,
	// never returned.
	Increment(ctx context.Context, guildID string, name string)

	// TopN returns up to n counts for the guild, highest first. If
	// n <= 0, all counts are returned.
	TopN(ctx context.Context, guildID string, n int) ([]ViewCount, error)
}

// redisViewCounter keeps one hash per guild, with a field per topic
type redisViewCounter struct {
	client    redis.Cmdable
	keyPrefix string
	logger    *slog.Logger
}

func NewRedisViewCounter(client redis.Cmdable, keyPrefix string, logger *slog.Logger) ViewCounter {
	if logger == nil {
		logger = slog.Default()
	}
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &redisViewCounter{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(loggerNameKey, "view_counter"),
	}
}

func (r *redisViewCounter) key(guildID string) string {
	return fmt.Sprintf("%s:views:%s", r.keyPrefix, guildID)
}

func (r *redisViewCounter) Increment(ctx context.Context, guildID string, name string) {
	ctx, cancel := context.WithTimeout(ctx, viewCounterIncrementTimeout)
	defer cancel()
	if err := r.client.HIncrBy(ctx, r.key(guildID), name, 1).Err(); err != nil {
		r.logger.WarnContext(
			ctx,
			"error incrementing view counter",
			tint.Err(err),
			"guild_id", guildID,
			"name", name,
		)
	}
}

func (r *redisViewCounter) TopN(ctx context.Context, guildID string, n int) ([]ViewCount, error) {
	values, err := r.client.HGetAll(ctx, r.key(guildID)).Result()
	if err != nil {
		return nil, fmt.Errorf("error getting view counts: %w", err)
	}
	counts := make([]ViewCount, 0, len(values))
	for name, v := range values {
		count, parseErr := strconv.ParseInt(v, 10, 64)
		if parseErr != nil || count < 0 {
			r.logger.WarnContext(
				ctx,
				"ignoring invalid view count",
				"guild_id", guildID,
				"name", name,
				"value", v,
			)
			continue
		}
		counts = append(counts, ViewCount{Name: name, Count: count})
	}
	return topViewCounts(counts, n), nil
}

// topViewCounts sorts by count descending, then name, and keeps the
// first n (all, if n <= 0)
func topViewCounts(counts []ViewCount, n int) []ViewCount {
	sort.Slice(
		counts, func(i, j int) bool {
			if counts[i].Count != counts[j].Count {
				return counts[i].Count > counts[j].Count
			}
			return counts[i].Name < counts[j].Name
		},
	)
	if n > 0 && len(counts) > n {
		counts = counts[:n]
	}
	return counts
}

// noopViewCounter is used when redis isn't configured
type noopViewCounter struct{}

func (noopViewCounter) Increment(context.Context, string, string) {}

func (noopViewCounter) TopN(context.Context, string, int) ([]ViewCount, error) {
	return []ViewCount{}, nil
}

// analyticsEmbeds renders view counts as paginated embeds
func analyticsEmbeds(counts []ViewCount) []*discordgo.MessageEmbed {
	if len(counts) == 0 {
		return []*discordgo.MessageEmbed{
			{
				Title:       "Analytics",
				Description: "No topics have been viewed yet.",
				Color:       embedColor,
			},
		}
	}
	fields := make([]*discordgo.MessageEmbedField, 0, len(counts))
	for _, c := range counts {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:   c.Name,
				Value:  strconv.FormatInt(c.Count, 10),
				Inline: true,
			},
		)
	}
	return paginateEmbeds("Analytics", fields)
}
