package wikibot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// recordingCounter is a ViewCounter that keeps counts in memory
type recordingCounter struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

func newRecordingCounter() *recordingCounter {
	return &recordingCounter{counts: map[string]map[string]int64{}}
}

func (r *recordingCounter) Increment(_ context.Context, guildID string, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[guildID] == nil {
		r.counts[guildID] = map[string]int64{}
	}
	r.counts[guildID][name]++
}

func (r *recordingCounter) TopN(_ context.Context, guildID string, n int) ([]ViewCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var counts []ViewCount
	for name, c := range r.counts[guildID] {
		counts = append(counts, ViewCount{Name: name, Count: c})
	}
	return topViewCounts(counts, n), nil
}

func (r *recordingCounter) get(guildID, name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[guildID][name]
}

func newTestDispatcher(t *testing.T) (*TopicDispatcher, *TopicStore, *recordingCounter) {
	t.Helper()
	topics, _, _, _ := newTestStores(t)
	counter := newRecordingCounter()

	in := testTopicInput("workflow", "dial")
	in.Content = "Dial the number"
	in.Alias = "dial"
	_, _, err := topics.Upsert(context.Background(), in)
	require.NoError(t, err)
	return NewTopicDispatcher(topics, counter, testLogger(t)), topics, counter
}

func TestDispatch_Found(t *testing.T) {
	ctx := context.Background()
	dispatcher, _, counter := newTestDispatcher(t)
	inv := newStubInvocation(t, testUserID)

	result, err := dispatcher.Dispatch(
		ctx,
		inv,
		TopicRequest{GuildID: testGuildID, Group: "Workflow", Key: "dial"},
	)
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.False(t, result.Replied)
	assert.False(t, result.FellBack)

	resp := inv.lastResponse(t)
	assert.Equal(t, "Dial the number", resp.content)
	assert.True(t, resp.hidden)
	assert.Equal(t, int64(1), counter.get(testGuildID, "workflow/dial"))

	_, err = dispatcher.Dispatch(
		ctx,
		inv,
		TopicRequest{GuildID: testGuildID, Group: "workflow", Key: "dial", Public: true},
	)
	require.NoError(t, err)
	assert.False(t, inv.lastResponse(t).hidden)
	assert.Equal(t, int64(2), counter.get(testGuildID, "workflow/dial"))
}

func TestDispatch_NotFound(t *testing.T) {
	ctx := context.Background()
	dispatcher, _, counter := newTestDispatcher(t)
	inv := newStubInvocation(t, testUserID)

	result, err := dispatcher.Dispatch(
		ctx,
		inv,
		TopicRequest{GuildID: testGuildID, Group: "workflow", Key: "missing"},
	)
	require.NoError(t, err)
	assert.False(t, result.Found)
	assert.Equal(t, fmt.Sprintf(msgTopicNotFound, "workflow/missing"), inv.lastResponse(t).content)
	assert.Zero(t, counter.get(testGuildID, "workflow/missing"))

	// topics are per-guild
	other := newStubInvocation(t, testUserID)
	result, err = dispatcher.Dispatch(
		ctx,
		other,
		TopicRequest{GuildID: "other_guild", Group: "workflow", Key: "dial"},
	)
	require.NoError(t, err)
	assert.False(t, result.Found)
}

func TestDispatch_Alias(t *testing.T) {
	ctx := context.Background()
	dispatcher, _, counter := newTestDispatcher(t)

	inv := newStubInvocation(t, testUserID)
	inv.kind = InvocationLegacy
	result, err := dispatcher.Dispatch(
		ctx,
		inv,
		TopicRequest{GuildID: testGuildID, Alias: "dial", Public: true},
	)
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, "Dial the number", inv.lastResponse(t).content)
	assert.Equal(t, int64(1), counter.get(testGuildID, "workflow/dial"))

	// unknown aliases are ignored
	unknown := newStubInvocation(t, testUserID)
	unknown.kind = InvocationLegacy
	result, err = dispatcher.Dispatch(
		ctx,
		unknown,
		TopicRequest{GuildID: testGuildID, Alias: "nope", Public: true},
	)
	require.NoError(t, err)
	assert.False(t, result.Found)
	assert.Empty(t, unknown.responses)
}

func TestDispatch_ReplyTo(t *testing.T) {
	ctx := context.Background()
	dispatcher, _, counter := newTestDispatcher(t)

	const target = "2222"
	inv := newStubInvocation(t, testUserID)
	inv.history = []*discordgo.Message{
		{ID: "m3", Author: &discordgo.User{ID: testUserID}},
		{ID: "m2", Author: &discordgo.User{ID: target}},
		{ID: "m1", Author: &discordgo.User{ID: target}},
	}

	result, err := dispatcher.Dispatch(
		ctx,
		inv,
		TopicRequest{GuildID: testGuildID, Group: "workflow", Key: "dial", ReplyTo: target},
	)
	require.NoError(t, err)
	assert.True(t, result.Replied)
	assert.False(t, result.FellBack)
	assert.True(t, inv.deferred)

	require.Len(t, inv.replies, 1)
	assert.Equal(t, "m2", inv.replies[0].messageID, "most recent message should be replied to")
	assert.Equal(t, "Dial the number", inv.replies[0].content)

	resp := inv.lastResponse(t)
	assert.Equal(t, fmt.Sprintf(msgReplyConfirm, target), resp.content)
	assert.True(t, resp.hidden)
	assert.Equal(t, int64(1), counter.get(testGuildID, "workflow/dial"))
}

func TestDispatch_ReplyToPublicSlash(t *testing.T) {
	ctx := context.Background()
	dispatcher, _, _ := newTestDispatcher(t)
	req := TopicRequest{
		GuildID: testGuildID,
		Group:   "workflow",
		Key:     "dial",
		ReplyTo: "2222",
		Public:  true,
	}
	newInvocation := func(session *mockDiscordSession) *slashInvocation {
		return newSlashInvocation(
			session,
			newTestInteraction(
				t,
				newTestMember(testUserID, 0),
				wikiCommandName,
				subcommandGroup("workflow", subcommand("dial")),
			),
			testLogger(t),
		)
	}

	t.Run(
		"confirmation stays hidden", func(t *testing.T) {
			session := newMockDiscordSession()
			session.history = []*discordgo.Message{{ID: "m1", Author: &discordgo.User{ID: "2222"}}}

			result, err := dispatcher.Dispatch(ctx, newInvocation(session), req)
			require.NoError(t, err)
			assert.True(t, result.Replied)

			require.Len(t, session.responses, 1)
			deferred := session.responses[0]
			assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, deferred.Type)
			require.NotNil(t, deferred.Data)
			assert.Equal(t, discordgo.MessageFlagsEphemeral, deferred.Data.Flags)

			require.Len(t, session.edits, 1)
			require.NotNil(t, session.edits[0].Content)
			assert.Equal(t, fmt.Sprintf(msgReplyConfirm, "2222"), *session.edits[0].Content)
			assert.Empty(t, session.followups)
			require.Len(t, session.sent, 1)
			assert.Equal(t, "Dial the number", session.sent[0].data.Content)
		},
	)

	t.Run(
		"fallback content is public", func(t *testing.T) {
			session := newMockDiscordSession()

			result, err := dispatcher.Dispatch(ctx, newInvocation(session), req)
			require.NoError(t, err)
			assert.True(t, result.FellBack)

			require.Len(t, session.responses, 1)
			assert.Equal(t, discordgo.MessageFlagsEphemeral, session.responses[0].Data.Flags)
			require.Len(t, session.edits, 1)
			assert.Equal(t, msgReplyFallback, *session.edits[0].Content)
			require.Len(t, session.followups, 1)
			assert.Equal(t, "Dial the number", session.followups[0].Content)
			assert.Zero(t, session.followups[0].Flags)
		},
	)
}

func TestDispatch_ReplyToLegacy(t *testing.T) {
	ctx := context.Background()
	dispatcher, _, _ := newTestDispatcher(t)

	const target = "2222"
	inv := newStubInvocation(t, testUserID)
	inv.kind = InvocationLegacy
	inv.history = []*discordgo.Message{{ID: "m1", Author: &discordgo.User{ID: target}}}

	result, err := dispatcher.Dispatch(
		ctx,
		inv,
		TopicRequest{GuildID: testGuildID, Alias: "dial", ReplyTo: target, Public: true},
	)
	require.NoError(t, err)
	assert.True(t, result.Replied)
	require.Len(t, inv.replies, 1)
	assert.Empty(t, inv.responses, "legacy replies aren't confirmed")
}

func TestDispatch_ReplyToFallback(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare func(inv *stubInvocation)
	}{
		{
			name: "no message from user",
			prepare: func(inv *stubInvocation) {
				inv.history = []*discordgo.Message{
					{ID: "m1", Author: &discordgo.User{ID: "3333"}},
					{ID: "m0"},
				}
			},
		},
		{
			name: "only the invoking message",
			prepare: func(inv *stubInvocation) {
				inv.history = []*discordgo.Message{{ID: inv.id, Author: &discordgo.User{ID: "2222"}}}
			},
		},
		{
			name: "history error",
			prepare: func(inv *stubInvocation) {
				inv.historyErr = errors.New("missing access")
			},
		},
		{
			name: "reply error",
			prepare: func(inv *stubInvocation) {
				inv.history = []*discordgo.Message{{ID: "m1", Author: &discordgo.User{ID: "2222"}}}
				inv.replyErr = errors.New("cannot reply")
			},
		},
		{
			name: "message outside the window",
			prepare: func(inv *stubInvocation) {
				for i := 0; i < replyScanWindow; i++ {
					inv.history = append(
						inv.history,
						&discordgo.Message{ID: fmt.Sprintf("x%d", i), Author: &discordgo.User{ID: "3333"}},
					)
				}
				inv.history = append(
					inv.history,
					&discordgo.Message{ID: "old", Author: &discordgo.User{ID: "2222"}},
				)
			},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				dispatcher, _, _ := newTestDispatcher(t)
				inv := newStubInvocation(t, testUserID)
				tc.prepare(inv)

				result, err := dispatcher.Dispatch(
					ctx,
					inv,
					TopicRequest{
						GuildID: testGuildID,
						Group:   "workflow",
						Key:     "dial",
						ReplyTo: "2222",
						Public:  true,
					},
				)
				require.NoError(t, err)
				assert.True(t, result.Found)
				assert.False(t, result.Replied)
				assert.True(t, result.FellBack)
				assert.Empty(t, inv.replies)

				assert.True(t, inv.deferredHidden)
				require.Len(t, inv.responses, 2)
				assert.Equal(t, msgReplyFallback, inv.responses[0].content)
				assert.True(t, inv.responses[0].hidden)
				assert.Equal(t, "Dial the number", inv.responses[1].content)
				assert.False(t, inv.responses[1].hidden)
			},
		)
	}
}

func TestDispatch_StorageError(t *testing.T) {
	ctx := context.Background()
	db, writeDB := setupTestDB(t)
	counter := newRecordingCounter()
	dispatcher := NewTopicDispatcher(NewTopicStore(writeDB, nil), counter, nil)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	inv := newStubInvocation(t, testUserID)
	_, err = dispatcher.Dispatch(ctx, inv, TopicRequest{GuildID: testGuildID, Group: "a", Key: "b"})
	assert.ErrorIs(t, err, ErrStorage)
	assert.Empty(t, inv.responses)
}

func TestTopicRequestFromInteraction(t *testing.T) {
	i := newTestInteraction(
		t,
		newTestMember(testUserID, 0),
		wikiCommandName,
		subcommandGroup(
			"workflow",
			subcommand(
				"dial",
				&discordgo.ApplicationCommandInteractionDataOption{
					Name:  optionReplyTo,
					Type:  discordgo.ApplicationCommandOptionUser,
					Value: "2222",
				},
				&discordgo.ApplicationCommandInteractionDataOption{
					Name:  optionPublic,
					Type:  discordgo.ApplicationCommandOptionBoolean,
					Value: true,
				},
			),
		),
	)
	req, ok := topicRequestFromInteraction(i)
	require.True(t, ok)
	assert.Equal(
		t,
		TopicRequest{
			GuildID: testGuildID,
			Group:   "workflow",
			Key:     "dial",
			ReplyTo: "2222",
			Public:  true,
		},
		req,
	)

	plain := newTestInteraction(
		t,
		newTestMember(testUserID, 0),
		wikiCommandName,
		subcommandGroup("workflow", subcommand("dial")),
	)
	req, ok = topicRequestFromInteraction(plain)
	require.True(t, ok)
	assert.Empty(t, req.ReplyTo)
	assert.False(t, req.Public)

	_, ok = topicRequestFromInteraction(newTestInteraction(t, newTestMember(testUserID, 0), wikiCommandName))
	assert.False(t, ok)

	_, ok = topicRequestFromInteraction(
		newTestInteraction(t, newTestMember(testUserID, 0), commandHelp),
	)
	assert.False(t, ok)

	_, ok = topicRequestFromInteraction(
		newTestInteraction(t, newTestMember(testUserID, 0), wikiCommandName, subcommand("dial")),
	)
	assert.False(t, ok)
}

func TestParseLegacyCommand(t *testing.T) {
	tests := []struct {
		content  string
		expected TopicRequest
		ok       bool
	}{
		{content: "!wiki workflow dial", expected: TopicRequest{Group: "workflow", Key: "dial"}, ok: true},
		{content: "  !WIKI Workflow DIAL  ", expected: TopicRequest{Group: "workflow", Key: "dial"}, ok: true},
		{
			content:  "!wiki workflow dial reply_to:<@2222>",
			expected: TopicRequest{Group: "workflow", Key: "dial", ReplyTo: "2222"},
			ok:       true,
		},
		{
			content:  "!wiki workflow dial reply_to: <@!2222> public:true",
			expected: TopicRequest{Group: "workflow", Key: "dial", ReplyTo: "2222", Public: true},
			ok:       true,
		},
		{
			content:  "!wiki workflow dial public:maybe unknown:1",
			expected: TopicRequest{Group: "workflow", Key: "dial"},
			ok:       true,
		},
		{content: "!dial", expected: TopicRequest{Alias: "dial"}, ok: true},
		{
			content:  "!Dial reply_to:2222",
			expected: TopicRequest{Alias: "dial", ReplyTo: "2222"},
			ok:       true,
		},
		{content: "!wiki workflow", ok: false},
		{content: "!", ok: false},
		{content: "!   ", ok: false},
		{content: "hello !wiki a b", ok: false},
		{content: "?wiki a b", ok: false},
		{content: "!reply_to:2222", ok: false},
		{content: "", ok: false},
	}
	for _, tc := range tests {
		t.Run(
			tc.content, func(t *testing.T) {
				req, ok := parseLegacyCommand(tc.content, "!")
				assert.Equal(t, tc.ok, ok)
				if tc.ok {
					assert.Equal(t, tc.expected, req)
				}
			},
		)
	}

	_, ok := parseLegacyCommand("!wiki a b", "")
	assert.False(t, ok)

	req, ok := parseLegacyCommand("wb! wiki a b", "wb!")
	require.True(t, ok)
	assert.Equal(t, "a/b", req.Name())
}

func TestParseLegacyCommand_Arbitrary(t *testing.T) {
	rapid.Check(
		t, func(t *rapid.T) {
			content := rapid.String().Draw(t, "content")
			req, ok := parseLegacyCommand(content, "!")
			if !ok {
				return
			}
			if !strings.HasPrefix(strings.TrimSpace(content), "!") {
				t.Fatalf("parsed %q without the prefix", content)
			}
			if (req.Alias == "") == (req.Group == "") {
				t.Fatalf("expected exactly one of alias or group: %#v", req)
			}
			if req.ReplyTo != "" && parseUserMention(req.ReplyTo) != req.ReplyTo {
				t.Fatalf("reply_to isn't a user ID: %q", req.ReplyTo)
			}
		},
	)
}

func TestParseUserMention(t *testing.T) {
	rapid.Check(
		t, func(t *rapid.T) {
			id := rapid.StringMatching(`[0-9]{1,20}`).Draw(t, "id")
			for _, s := range []string{id, "<@" + id + ">", "<@!" + id + ">", " <@" + id + "> "} {
				if got := parseUserMention(s); got != id {
					t.Fatalf("parseUserMention(%q) = %q, want %q", s, got, id)
				}
			}
			junk := rapid.StringMatching(`[0-9]{0,5}[a-z@#&<>]{1,5}[0-9]{0,5}`).Draw(t, "junk")
			if got := parseUserMention("<@" + junk + ">x"); got != "" {
				t.Fatalf("expected no ID from %q, got %q", junk, got)
			}
		},
	)

	assert.Equal(t, "", parseUserMention(""))
	assert.Equal(t, "", parseUserMention("<@>"))
	assert.Equal(t, "", parseUserMention("<@&1234>"))
	assert.Equal(t, "", parseUserMention("@someone"))
}
