package wikibot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCommandSynchronizer_Publish(t *testing.T) {
	ctx := context.Background()
	topics, _, synchronizer, session := newTestStores(t)

	for _, gk := range [][2]string{{"workflow", "dial"}, {"workflow", "attach"}, {"setup", "install"}} {
		_, _, err := topics.Upsert(ctx, testTopicInput(gk[0], gk[1]))
		require.NoError(t, err)
	}

	require.NoError(t, synchronizer.Publish(ctx, testGuildID))
	assert.Equal(
		t,
		[]string{"setup/install", "workflow/attach", "workflow/dial"},
		session.publishedTopics(testGuildID),
	)

	cmds := session.commands[testGuildID]
	require.Len(t, cmds, 1)
	wiki := cmds[0]
	assert.Equal(t, wikiCommandName, wiki.Name)
	require.NotNil(t, wiki.DMPermission)
	assert.False(t, *wiki.DMPermission)
	require.Len(t, wiki.Options, 2)
	assert.Equal(t, "setup", wiki.Options[0].Name)
	assert.Equal(t, discordgo.ApplicationCommandOptionSubCommandGroup, wiki.Options[0].Type)

	leaf := wiki.Options[1].Options[0]
	assert.Equal(t, "attach", leaf.Name)
	assert.Equal(t, "how to attach", leaf.Description)
	require.Len(t, leaf.Options, 2)
	assert.Equal(t, optionReplyTo, leaf.Options[0].Name)
	assert.Equal(t, discordgo.ApplicationCommandOptionUser, leaf.Options[0].Type)
	assert.Equal(t, optionPublic, leaf.Options[1].Name)
	assert.Equal(t, discordgo.ApplicationCommandOptionBoolean, leaf.Options[1].Type)

	// removing every topic clears the guild's commands
	for _, gk := range [][2]string{{"workflow", "dial"}, {"workflow", "attach"}, {"setup", "install"}} {
		_, err := topics.Delete(ctx, testGuildID, gk[0], gk[1])
		require.NoError(t, err)
	}
	require.NoError(t, synchronizer.Publish(ctx, testGuildID))
	assert.Equal(t, 2, session.overwriteCount(testGuildID))
	assert.NotNil(t, session.commands[testGuildID])
	assert.Empty(t, session.commands[testGuildID])
}

func TestCommandSynchronizer_PublishDisabled(t *testing.T) {
	ctx := context.Background()
	_, guilds, synchronizer, session := newTestStores(t)

	require.NoError(t, guilds.Disable(ctx, testGuildID, GuildDisabledReasonRemoved))
	err := synchronizer.Publish(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrGuildDisabled)
	assert.Zero(t, session.overwriteCount(testGuildID))
}

func TestCommandSynchronizer_PublishPermissionDenied(t *testing.T) {
	ctx := context.Background()
	topics, guilds, synchronizer, session := newTestStores(t)
	_, _, err := topics.Upsert(ctx, testTopicInput("workflow", "dial"))
	require.NoError(t, err)

	session.overwriteErr = func(string) error {
		return newRESTError(403, discordCodeMissingAccess, `{"message": "Missing Access", "code": 50001}`)
	}

	err = synchronizer.Publish(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	guild, found, err := guilds.Get(ctx, testGuildID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, guild.Disabled)
	assert.Equal(t, GuildDisabledReasonPermission, guild.DisabledReason)

	// later publishes skip the guild without calling discord
	err = synchronizer.Publish(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrGuildDisabled)
	assert.Equal(t, 1, session.overwriteCount(testGuildID))
}

func TestCommandSynchronizer_PublishQuota(t *testing.T) {
	ctx := context.Background()
	_, guilds, synchronizer, session := newTestStores(t)

	session.overwriteErr = func(string) error {
		return newRESTError(
			400,
			discordCodeInvalidFormBody,
			`{"code": 50035, "errors": {"options": {"_errors": [{"message": "Must be 25 or fewer in length."}]}}}`,
		)
	}
	err := synchronizer.Publish(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	guild, _, err := guilds.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.False(t, guild.Disabled, "quota errors shouldn't disable the guild")
}

func TestCommandSynchronizer_SyncAll(t *testing.T) {
	ctx := context.Background()
	topics, guilds, synchronizer, session := newTestStores(t)

	guildIDs := []string{"g1", "g2", "g3", "g4", "g5", "g6"}
	for _, id := range guildIDs {
		_, _, _, err := guilds.Ensure(ctx, GuildInfo{ID: id})
		require.NoError(t, err)
		in := testTopicInput("topics", "for-"+id)
		in.GuildID = id
		_, _, err = topics.Upsert(ctx, in)
		require.NoError(t, err)
	}
	require.NoError(t, guilds.Disable(ctx, "g6", GuildDisabledReasonRemoved))

	session.overwriteErr = func(guildID string) error {
		if guildID == "g3" {
			return newRESTError(403, discordCodeMissingPermissions, "Missing Permissions")
		}
		return nil
	}

	failed, err := synchronizer.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed["g3"], ErrPermissionDenied)

	for _, id := range []string{"g1", "g2", "g4", "g5"} {
		assert.Equal(t, []string{"topics/for-" + id}, session.publishedTopics(id), id)
	}
	assert.Zero(t, session.overwriteCount("g6"), "disabled guilds are skipped")

	g3, _, err := guilds.Get(ctx, "g3")
	require.NoError(t, err)
	assert.True(t, g3.Disabled)
}

func TestCommandSynchronizer_Trigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	topics, guilds, synchronizer, session := newTestStores(t)

	_, _, err := topics.Upsert(ctx, testTopicInput("workflow", "dial"))
	require.NoError(t, err)

	// the publish outlives the triggering request
	synchronizer.Trigger(ctx, testGuildID)
	cancel()
	synchronizer.Wait()
	assert.Equal(t, []string{"workflow/dial"}, session.publishedTopics(testGuildID))

	require.NoError(t, guilds.Disable(context.Background(), testGuildID, GuildDisabledReasonRemoved))
	synchronizer.Trigger(context.Background(), testGuildID)
	synchronizer.Wait()
	assert.Equal(t, 1, session.overwriteCount(testGuildID))
}

func TestCommandSynchronizer_Stop(t *testing.T) {
	ctx := context.Background()
	topics, _, synchronizer, session := newTestStores(t)
	_, _, err := topics.Upsert(ctx, testTopicInput("workflow", "dial"))
	require.NoError(t, err)

	synchronizer.Trigger(ctx, testGuildID)

	// triggers racing the drain are either run or refused
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			synchronizer.Trigger(ctx, testGuildID)
		}()
	}
	synchronizer.Stop()
	wg.Wait()
	synchronizer.Wait()

	published := session.overwriteCount(testGuildID)
	assert.GreaterOrEqual(t, published, 1)

	synchronizer.Trigger(ctx, testGuildID)
	synchronizer.Wait()
	assert.Equal(t, published, session.overwriteCount(testGuildID), "no publishes after stop")
}

func TestCommandSynchronizer_WithGuildCommands(t *testing.T) {
	ctx := context.Background()
	topics, _, synchronizer, session := newTestStores(t)
	synchronizer.WithGuildCommands(testGuildID, staticCommands())

	require.NoError(t, synchronizer.Publish(ctx, testGuildID))
	var names []string
	for _, cmd := range session.commands[testGuildID] {
		names = append(names, cmd.Name)
	}
	assert.ElementsMatch(t, []string{commandMgmt, commandFeedback, commandHelp}, names)

	_, _, err := topics.Upsert(ctx, testTopicInput("workflow", "dial"))
	require.NoError(t, err)
	require.NoError(t, synchronizer.Publish(ctx, testGuildID))
	names = nil
	for _, cmd := range session.commands[testGuildID] {
		names = append(names, cmd.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{wikiCommandName, commandMgmt, commandFeedback, commandHelp},
		names,
	)

	// other guilds only get /wiki
	other := testTopicInput("workflow", "dial")
	other.GuildID = "other"
	_, _, err = topics.Upsert(ctx, other)
	require.NoError(t, err)
	require.NoError(t, synchronizer.Publish(ctx, "other"))
	require.Len(t, session.commands["other"], 1)
}

func TestCommandSynchronizer_CheckCapacity(t *testing.T) {
	ctx := context.Background()
	topics, _, synchronizer, _ := newTestStores(t)

	for i := 0; i < discordMaxSubcommandGroups; i++ {
		_, _, err := topics.Upsert(ctx, testTopicInput(fmt.Sprintf("group%02d", i), "key"))
		require.NoError(t, err)
	}

	err := synchronizer.CheckCapacity(ctx, testTopicInput("onemore", "key"))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// existing groups still have room
	require.NoError(t, synchronizer.CheckCapacity(ctx, testTopicInput("group00", "another")))

	// replacing an existing topic never adds to the tree
	require.NoError(t, synchronizer.CheckCapacity(ctx, testTopicInput("GROUP01", "key")))
}

func TestCommandPlan_SubcommandLimit(t *testing.T) {
	var existing []Topic
	for i := 0; i < discordMaxSubcommands; i++ {
		existing = append(
			existing,
			Topic{GuildID: testGuildID, Group: "full", Key: fmt.Sprintf("key%02d", i), Description: "d"},
		)
	}
	plan := newCommandPlan(existing)
	err := plan.Add(testTopicInput("full", "key99"))
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Len(t, plan.topics, discordMaxSubcommands, "plan is unchanged after a failed add")

	require.NoError(t, plan.Add(testTopicInput("other", "key99")))
	assert.Len(t, plan.topics, discordMaxSubcommands+1)
}

func TestCommandPlan_SizeLimit(t *testing.T) {
	plan := newCommandPlan(nil)
	longDescription := strings.Repeat("d", topicMaxDescriptionLength)

	var sizeErr error
	added := 0
	for g := 0; g < discordMaxSubcommandGroups && sizeErr == nil; g++ {
		for k := 0; k < discordMaxSubcommands; k++ {
			in := testTopicInput(fmt.Sprintf("g%02d", g), fmt.Sprintf("k%02d", k))
			in.Description = longDescription
			if sizeErr = plan.Add(in); sizeErr != nil {
				break
			}
			added++
		}
	}
	require.ErrorIs(t, sizeErr, ErrQuotaExceeded)
	assert.Contains(t, sizeErr.Error(), "command size")
	assert.Less(t, added, 2*discordMaxSubcommands)
	assert.LessOrEqual(t, commandSize(wikiCommand(plan.topics)), discordMaxCommandSize)
}

// whatever is added, a plan's command always stays within limits, and
// a rejected add means the tree really would have exceeded them
func TestCommandPlan_StaysWithinLimits(t *testing.T) {
	rapid.Check(
		t, func(t *rapid.T) {
			plan := newCommandPlan(nil)
			n := rapid.IntRange(1, 120).Draw(t, "n")
			for i := 0; i < n; i++ {
				in := TopicInput{
					GuildID:     testGuildID,
					Group:       rapid.StringMatching(`g[0-9]{1,2}`).Draw(t, "group"),
					Key:         rapid.StringMatching(`k[0-9]{1,2}`).Draw(t, "key"),
					Description: rapid.StringMatching(`[a-z ]{1,100}`).Draw(t, "description"),
				}
				before := len(plan.topics)
				err := plan.Add(in)
				if err == nil {
					continue
				}
				if len(plan.topics) != before {
					t.Fatalf("plan changed after rejected add")
				}
				candidate := newCommandPlan(plan.topics)
				candidate.topics = append(candidate.topics, Topic{Group: in.Group, Key: in.Key, Description: in.Description})
				sortTopics(candidate.topics)
				if checkCommandLimits(wikiCommand(candidate.topics)) == nil {
					t.Fatalf("add of %s rejected, but tree is within limits", in.Name())
				}
			}
			if err := checkCommandLimits(wikiCommand(plan.topics)); err != nil {
				t.Fatalf("plan exceeds limits: %v", err)
			}
		},
	)
}

func TestGuildCommands_Empty(t *testing.T) {
	cmds := guildCommands(nil)
	assert.NotNil(t, cmds)
	assert.Empty(t, cmds)
}
