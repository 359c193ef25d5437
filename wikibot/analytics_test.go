package wikibot

import (
	"context"
	"fmt"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisViewCounter(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestRedis(t)
	counter := NewRedisViewCounter(client, "test", testLogger(t))

	for i := 0; i < 3; i++ {
		counter.Increment(ctx, testGuildID, "workflow/dial")
	}
	counter.Increment(ctx, testGuildID, "workflow/hold")
	counter.Increment(ctx, testGuildID, "phones/reset")
	counter.Increment(ctx, "other_guild", "workflow/dial")

	assert.Equal(t, "3", mr.HGet("test:views:"+testGuildID, "workflow/dial"))

	top, err := counter.TopN(ctx, testGuildID, 0)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]ViewCount{
			{Name: "workflow/dial", Count: 3},
			{Name: "phones/reset", Count: 1},
			{Name: "workflow/hold", Count: 1},
		},
		top,
	)

	top, err = counter.TopN(ctx, testGuildID, 1)
	require.NoError(t, err)
	assert.Equal(t, []ViewCount{{Name: "workflow/dial", Count: 3}}, top)

	top, err = counter.TopN(ctx, "other_guild", 10)
	require.NoError(t, err)
	assert.Equal(t, []ViewCount{{Name: "workflow/dial", Count: 1}}, top)

	top, err = counter.TopN(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestRedisViewCounter_InvalidValues(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestRedis(t)
	counter := NewRedisViewCounter(client, "", testLogger(t))

	key := fmt.Sprintf("%s:views:%s", DefaultRedisKeyPrefix, testGuildID)
	mr.HSet(key, "workflow/dial", "7", "broken/value", "seven", "negative/value", "-2")

	top, err := counter.TopN(ctx, testGuildID, 0)
	require.NoError(t, err)
	assert.Equal(t, []ViewCount{{Name: "workflow/dial", Count: 7}}, top)
}

func TestRedisViewCounter_Unavailable(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestRedis(t)
	counter := NewRedisViewCounter(client, "test", testLogger(t))
	mr.Close()

	assert.NotPanics(t, func() { counter.Increment(ctx, testGuildID, "workflow/dial") })

	_, err := counter.TopN(ctx, testGuildID, 5)
	assert.Error(t, err)
}

func TestNoopViewCounter(t *testing.T) {
	ctx := context.Background()
	var counter noopViewCounter
	counter.Increment(ctx, testGuildID, "workflow/dial")
	top, err := counter.TopN(ctx, testGuildID, 5)
	require.NoError(t, err)
	assert.NotNil(t, top)
	assert.Empty(t, top)
}

func TestTopViewCounts(t *testing.T) {
	counts := []ViewCount{
		{Name: "b", Count: 2},
		{Name: "c", Count: 5},
		{Name: "a", Count: 2},
		{Name: "d", Count: 1},
	}
	assert.Equal(
		t,
		[]ViewCount{{Name: "c", Count: 5}, {Name: "a", Count: 2}, {Name: "b", Count: 2}},
		topViewCounts(counts, 3),
	)
	assert.Len(t, topViewCounts(counts, 0), 4)
	assert.Len(t, topViewCounts(counts, 10), 4)
	assert.Empty(t, topViewCounts(nil, 3))
}

func TestAnalyticsEmbeds(t *testing.T) {
	empty := analyticsEmbeds(nil)
	require.Len(t, empty, 1)
	assert.Equal(t, "Analytics", empty[0].Title)
	assert.Equal(t, "No topics have been viewed yet.", empty[0].Description)

	embeds := analyticsEmbeds(
		[]ViewCount{{Name: "workflow/dial", Count: 3}, {Name: "phones/reset", Count: 1}},
	)
	require.Len(t, embeds, 1)
	assert.Equal(t, "Analytics", embeds[0].Title)
	require.Len(t, embeds[0].Fields, 2)
	assert.Equal(t, "workflow/dial", embeds[0].Fields[0].Name)
	assert.Equal(t, "3", embeds[0].Fields[0].Value)
	assert.True(t, embeds[0].Fields[0].Inline)

	var many []ViewCount
	for i := 0; i < 60; i++ {
		many = append(many, ViewCount{Name: fmt.Sprintf("group%02d/key", i), Count: int64(100 - i)})
	}
	pages := analyticsEmbeds(many)
	require.Greater(t, len(pages), 1)
	assert.Equal(t, fmt.Sprintf("Analytics 1/%d", len(pages)), pages[0].Title)
	total := 0
	for _, p := range pages {
		assert.LessOrEqual(t, len(p.Fields), discordMaxEmbedFields)
		total += len(p.Fields)
	}
	assert.Equal(t, 60, total)
}
