package wikibot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notifyRecorder struct {
	guilds  []string
	reloads int
	stops   int
}

func (r *notifyRecorder) handlers() notifyHandlers {
	return notifyHandlers{
		guildUpdated:  func(guildID string) { r.guilds = append(r.guilds, guildID) },
		runtimeConfig: func() { r.reloads++ },
		stop:          func() { r.stops++ },
	}
}

func TestGuildUpdatedNotificationMessage(t *testing.T) {
	msg := newGuildUpdatedNotificationMessage("notifier", testGuildID)
	notifierID, guildID := parseGuildUpdatedNotification(msg)
	assert.Equal(t, "notifier", notifierID)
	assert.Equal(t, testGuildID, guildID)

	notifierID, guildID = parseGuildUpdatedNotification("garbage")
	assert.Equal(t, "garbage", notifierID)
	assert.Empty(t, guildID)
}

func TestNewDBNotifier(t *testing.T) {
	_, writeDB := setupTestDB(t)

	_, err := newDBNotifier("mysql", "", writeDB, nil, notifyHandlers{})
	assert.Error(t, err)

	sqlite, err := newDBNotifier(dbTypeSQLite, "", writeDB, nil, notifyHandlers{})
	require.NoError(t, err)
	assert.IsType(t, &sqliteNotifier{}, sqlite)
	assert.Len(t, sqlite.ID(), 16)

	pg, err := newDBNotifier(dbTypePostgres, "postgres://localhost/wiki", writeDB, nil, notifyHandlers{})
	require.NoError(t, err)
	assert.IsType(t, &postgresNotifier{}, pg)
	assert.NotEqual(t, sqlite.ID(), pg.ID())
	assert.Equal(t, postgresNotifyChannelGuildUpdated, pg.GuildUpdatedChannelName())
	assert.Equal(t, postgresNotifyChannelRuntimeConfigUpdated, pg.RuntimeConfigChannelName())
	assert.Equal(t, postgresNotifyChannelStop, pg.StopChannelName())
}

func TestSQLiteNotifier(t *testing.T) {
	ctx := context.Background()
	_, writeDB := setupTestDB(t)
	rec := &notifyRecorder{}
	notifier, err := newDBNotifier(dbTypeSQLite, "", writeDB, testLogger(t), rec.handlers())
	require.NoError(t, err)

	assert.Empty(t, notifier.GuildUpdatedChannelName())
	assert.Empty(t, notifier.RuntimeConfigChannelName())
	assert.Empty(t, notifier.StopChannelName())

	assert.True(t, notifier.GuildUpdated(ctx, testGuildID))
	assert.Empty(t, rec.guilds, "the only instance already has the change")

	assert.True(t, notifier.ReloadRuntimeConfig(ctx))
	assert.True(t, notifier.Stop(ctx))
	assert.Equal(t, 1, rec.reloads)
	assert.Equal(t, 1, rec.stops)

	require.NoError(t, notifier.Listen(ctx, "anything"))
}

func TestPostgresNotifier_HandleNotification(t *testing.T) {
	ctx := context.Background()
	_, writeDB := setupTestDB(t)
	rec := &notifyRecorder{}
	notifier, err := newDBNotifier(dbTypePostgres, "", writeDB, testLogger(t), rec.handlers())
	require.NoError(t, err)
	pg := notifier.(*postgresNotifier)
	logger := testLogger(t)

	// from ourselves
	pg.handleNotification(ctx, logger, pg.GuildUpdatedChannelName(), newGuildUpdatedNotificationMessage(pg.ID(), "g1"))
	pg.handleNotification(ctx, logger, pg.RuntimeConfigChannelName(), pg.ID())
	pg.handleNotification(ctx, logger, pg.StopChannelName(), pg.ID())
	assert.Empty(t, rec.guilds)
	assert.Zero(t, rec.reloads)
	assert.Zero(t, rec.stops)

	// from another instance
	pg.handleNotification(ctx, logger, pg.GuildUpdatedChannelName(), newGuildUpdatedNotificationMessage("other", "g1"))
	pg.handleNotification(ctx, logger, pg.GuildUpdatedChannelName(), newGuildUpdatedNotificationMessage("other", ""))
	pg.handleNotification(ctx, logger, pg.RuntimeConfigChannelName(), "other")
	pg.handleNotification(ctx, logger, pg.StopChannelName(), "other")
	pg.handleNotification(ctx, logger, "unknown_channel", "other")
	assert.Equal(t, []string{"g1"}, rec.guilds)
	assert.Equal(t, 1, rec.reloads)
	assert.Equal(t, 1, rec.stops)
}

func TestPostgresNotifier_NotifyError(t *testing.T) {
	// pg_notify doesn't exist in sqlite
	ctx := context.Background()
	_, writeDB := setupTestDB(t)
	rec := &notifyRecorder{}
	notifier, err := newDBNotifier(dbTypePostgres, "", writeDB, testLogger(t), rec.handlers())
	require.NoError(t, err)

	assert.False(t, notifier.GuildUpdated(ctx, testGuildID))
	assert.False(t, notifier.ReloadRuntimeConfig(ctx))
	assert.False(t, notifier.Stop(ctx))
	assert.Equal(t, 1, rec.stops, "the local instance is stopped regardless")
}

func TestDatabase_Migrate(t *testing.T) {
	db, _ := setupTestDB(t)
	for _, model := range dbModels() {
		assert.True(t, db.Migrator().HasTable(model), "%T", model)
	}
}

func TestCreateDB_InvalidType(t *testing.T) {
	_, err := CreateDB(context.Background(), "mysql", "whatever")
	assert.Error(t, err)
}
