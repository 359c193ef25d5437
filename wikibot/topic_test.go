package wikibot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testTopicInput(group, key string) TopicInput {
	return TopicInput{
		GuildID:     testGuildID,
		Group:       group,
		Key:         key,
		Description: "how to " + key,
		Content:     "content for " + group + " " + key,
	}
}

func TestTopicStore_Upsert(t *testing.T) {
	ctx := context.Background()
	topics, _, _, _ := newTestStores(t)

	in := testTopicInput(" Workflow ", "DIAL")
	in.Alias = "Dial"
	topic, created, err := topics.Upsert(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, topic.ID)
	assert.Equal(t, "workflow", topic.Group)
	assert.Equal(t, "dial", topic.Key)
	assert.Equal(t, "dial", topic.Alias)
	assert.Equal(t, "workflow/dial", topic.Name())

	// same group/key, different case: updated in place
	update := testTopicInput("workflow", "Dial")
	update.Content = "new content"
	update.Description = "new description"
	updated, created, err := topics.Upsert(ctx, update)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, topic.ID, updated.ID)
	assert.Equal(t, "new content", updated.Content)
	assert.Equal(t, "", updated.Alias, "alias should be cleared")

	found, ok, err := topics.FindByGroupKey(ctx, testGuildID, "WORKFLOW", "dial")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new content", found.Content)
	assert.Equal(t, "new description", found.Description)

	all, err := topics.ListByGuild(ctx, testGuildID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTopicStore_UpsertInvalid(t *testing.T) {
	ctx := context.Background()
	topics, _, _, _ := newTestStores(t)

	tests := []struct {
		name  string
		input TopicInput
		field string
	}{
		{name: "empty group", input: testTopicInput("", "dial"), field: "group"},
		{name: "space in key", input: testTopicInput("workflow", "dial tone"), field: "key"},
		{name: "long key", input: testTopicInput("workflow", strings.Repeat("k", 33)), field: "key"},
		{
			name: "long description",
			input: func() TopicInput {
				in := testTopicInput("workflow", "dial")
				in.Description = strings.Repeat("d", 101)
				return in
			}(),
			field: "description",
		},
		{
			name: "long content",
			input: func() TopicInput {
				in := testTopicInput("workflow", "dial")
				in.Content = strings.Repeat("c", 2001)
				return in
			}(),
			field: "content",
		},
		{
			name: "empty content",
			input: func() TopicInput {
				in := testTopicInput("workflow", "dial")
				in.Content = "   "
				return in
			}(),
			field: "content",
		},
		{
			name: "bad alias",
			input: func() TopicInput {
				in := testTopicInput("workflow", "dial")
				in.Alias = "two words"
				return in
			}(),
			field: "alias",
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				_, _, err := topics.Upsert(ctx, tc.input)
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTopic)
				assert.Contains(t, validationMessage(err), tc.field)
			},
		)
	}

	all, err := topics.ListByGuild(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTopicStore_Delete(t *testing.T) {
	ctx := context.Background()
	topics, _, _, _ := newTestStores(t)

	_, _, err := topics.Upsert(ctx, testTopicInput("workflow", "dial"))
	require.NoError(t, err)

	deleted, err := topics.Delete(ctx, testGuildID, "Workflow", "DIAL")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = topics.Delete(ctx, testGuildID, "workflow", "dial")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, found, err := topics.FindByGroupKey(ctx, testGuildID, "workflow", "dial")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTopicStore_ListByGuild(t *testing.T) {
	ctx := context.Background()
	topics, _, _, _ := newTestStores(t)

	for _, gk := range [][2]string{
		{"zeta", "b"},
		{"alpha", "z"},
		{"alpha", "a"},
		{"zeta", "a"},
	} {
		_, _, err := topics.Upsert(ctx, testTopicInput(gk[0], gk[1]))
		require.NoError(t, err)
	}
	other := testTopicInput("alpha", "a")
	other.GuildID = "other_guild"
	_, _, err := topics.Upsert(ctx, other)
	require.NoError(t, err)

	all, err := topics.ListByGuild(ctx, testGuildID)
	require.NoError(t, err)
	var names []string
	for _, topic := range all {
		names = append(names, topic.Name())
	}
	assert.Equal(t, []string{"alpha/a", "alpha/z", "zeta/a", "zeta/b"}, names)

	empty, err := topics.ListByGuild(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTopicStore_FindByAlias(t *testing.T) {
	ctx := context.Background()
	topics, _, _, _ := newTestStores(t)

	first := testTopicInput("workflow", "dial")
	first.Alias = "dial"
	firstTopic, _, err := topics.Upsert(ctx, first)
	require.NoError(t, err)

	second := testTopicInput("phones", "dial")
	second.Alias = "dial"
	_, _, err = topics.Upsert(ctx, second)
	require.NoError(t, err)

	found, ok, err := topics.FindByAlias(ctx, testGuildID, "DIAL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, firstTopic.ID, found.ID, "oldest topic should win")

	_, ok, err = topics.FindByAlias(ctx, testGuildID, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = topics.FindByAlias(ctx, testGuildID, "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = topics.FindByAlias(ctx, "other_guild", "dial")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTopicStore_StorageError(t *testing.T) {
	ctx := context.Background()
	db, writeDB := setupTestDB(t)
	topics := NewTopicStore(writeDB, testLogger(t))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, _, err = topics.Upsert(ctx, testTopicInput("workflow", "dial"))
	assert.ErrorIs(t, err, ErrStorage)

	_, err = topics.ListByGuild(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrStorage)

	_, _, err = topics.FindByGroupKey(ctx, testGuildID, "workflow", "dial")
	assert.ErrorIs(t, err, ErrStorage)

	_, err = topics.Delete(ctx, testGuildID, "workflow", "dial")
	assert.ErrorIs(t, err, ErrStorage)
	assert.False(t, errors.Is(err, ErrInvalidTopic))
}

func TestTopicInput_ValidNames(t *testing.T) {
	rapid.Check(
		t, func(t *rapid.T) {
			group := rapid.StringMatching(`[a-z0-9_-]{1,32}`).Draw(t, "group")
			key := rapid.StringMatching(`[A-Z0-9_-]{1,32}`).Draw(t, "key")
			in := testTopicInput(group, key).Normalize()
			if err := in.Validate(); err != nil {
				t.Fatalf("expected %q/%q to be valid: %v", group, key, err)
			}
			if in.Key != strings.ToLower(key) {
				t.Fatalf("key not lowercased: %q", in.Key)
			}
		},
	)
}

func TestTopicInput_InvalidNames(t *testing.T) {
	rapid.Check(
		t, func(t *rapid.T) {
			key := rapid.OneOf(
				rapid.StringMatching(`[a-z]{33,40}`),
				rapid.StringMatching(`[a-z]{1,10} [a-z]{1,10}`),
				rapid.StringMatching(`[a-z]{0,5}[!?.,@#]{1,3}`),
			).Draw(t, "key")
			in := testTopicInput("group", key).Normalize()
			if err := in.Validate(); !errors.Is(err, ErrInvalidTopic) {
				t.Fatalf("expected %q to be invalid, got %v", key, err)
			}
		},
	)
}
