package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mike1808/discord-wiki-bot/wikibot"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, lvl any) {
	t.Helper()
	switch v := lvl.(type) {
	case *slog.LevelVar:
		assert.Equal(t, expected, v.Level())
	case slog.Level:
		assert.Equal(t, expected, v)
	case string:
		assert.Equal(t, expected.String(), strings.ToUpper(v))
	default:
		t.Fatalf("unexpected log level type: %T", lvl)
	}
}

func TestGetLogLevel(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	} {
		t.Run(
			tc.input, func(t *testing.T) {
				lvl, err := getLogLevel(tc.input)
				require.NoError(t, err)
				assert.Equal(t, tc.expected, lvl)
			},
		)
	}

	_, err := getLogLevel("verbose")
	assert.Error(t, err)
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

WIKIBOT_DATABASE=/home/foo/wikibot.sqlite3
WIKIBOT_DATABASE_TYPE=sqlite
WIKIBOT_DATABASE_LOG_LEVEL=INFO
WIKIBOT_DATABASE_SLOW_THRESHOLD=250ms
WIKIBOT_LOG_LEVEL=INFO
WIKIBOT_STARTUP_TIMEOUT=30s
WIKIBOT_SHUTDOWN_TIMEOUT=60s
WIKIBOT_DEVELOPMENT=true
WIKIBOT_GUILD_CACHE_TTL=5m

# Discord bot config

WIKIBOT_DISCORD_TOKEN=your-discord-bot-token
WIKIBOT_DISCORD_APPLICATION_ID=your-discord-bot-app-id
WIKIBOT_DISCORD_GUILD_ID=
WIKIBOT_DISCORD_LOG_LEVEL=WARN
WIKIBOT_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
WIKIBOT_DISCORD_GATEWAY_INTENTS=33281
WIKIBOT_DISCORD_LEGACY_COMMANDS=false
WIKIBOT_DISCORD_LEGACY_PREFIX=?

# Command publishing

WIKIBOT_SYNC_CONCURRENCY=8
WIKIBOT_SYNC_REQUESTS_PER_SECOND=1.5
WIKIBOT_SYNC_TIMEOUT=45s

# View counter

WIKIBOT_REDIS_ADDR=127.0.0.1:6379
WIKIBOT_REDIS_PASSWORD=hunter2
WIKIBOT_REDIS_DB=3
WIKIBOT_REDIS_KEY_PREFIX=wiki-test

# Feedback email

WIKIBOT_FEEDBACK_SMTP_HOST=smtp.example.com
WIKIBOT_FEEDBACK_SMTP_PORT=2525
WIKIBOT_FEEDBACK_USERNAME=mailer
WIKIBOT_FEEDBACK_PASSWORD=mailpass
WIKIBOT_FEEDBACK_FROM=bot@example.com
WIKIBOT_FEEDBACK_TO=owner@example.com
WIKIBOT_FEEDBACK_TIMEOUT=20s

# API server

WIKIBOT_API_ENABLED=true
WIKIBOT_API_LISTEN=127.0.0.1:5050
WIKIBOT_API_LISTEN_NETWORK=tcp4
WIKIBOT_API_SSL_CERT=/etc/ssl/cert.pem
WIKIBOT_API_SSL_KEY=/etc/ssl/key.pem
WIKIBOT_API_SSL_TLS_MIN_VERSION=771
WIKIBOT_API_SECRET=your-api-secret
WIKIBOT_API_LOG_LEVEL=DEBUG
WIKIBOT_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
WIKIBOT_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
WIKIBOT_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
WIKIBOT_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
WIKIBOT_API_CORS_ALLOW_CREDENTIALS=true
WIKIBOT_API_CORS_MAX_AGE=12h
WIKIBOT_API_READ_TIMEOUT=5s
WIKIBOT_API_READ_HEADER_TIMEOUT=5s
WIKIBOT_API_WRITE_TIMEOUT=10s
WIKIBOT_API_IDLE_TIMEOUT=30s
WIKIBOT_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/wikibot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assert.Equal(t, 250*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.True(t, viper.GetBool("development"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, 33281, viper.GetInt("discord.gateway_intents"))
	assert.False(t, viper.GetBool("discord.legacy_commands"))
	assert.Equal(t, "?", viper.GetString("discord.legacy_prefix"))

	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	// The persistent pre-run hook should have populated the package config
	var config *wikibot.Config = cfg

	assert.Equal(t, "/home/foo/wikibot.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 5*time.Minute, config.GuildCacheTTL)
	assert.True(t, config.Development)

	require.NotNil(t, config.Discord)
	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(33281), config.Discord.GatewayIntents)
	assert.False(t, config.Discord.LegacyCommands)
	assert.Equal(t, "?", config.Discord.LegacyPrefix)

	require.NotNil(t, config.Sync)
	assert.Equal(t, 8, config.Sync.Concurrency)
	assert.InDelta(t, 1.5, config.Sync.RequestsPerSecond, 0.0001)
	assert.Equal(t, 45*time.Second, config.Sync.Timeout)

	require.NotNil(t, config.Redis)
	assert.Equal(t, "127.0.0.1:6379", config.Redis.Addr)
	assert.Equal(t, "hunter2", config.Redis.Password)
	assert.Equal(t, 3, config.Redis.DB)
	assert.Equal(t, "wiki-test", config.Redis.KeyPrefix)

	require.NotNil(t, config.Feedback)
	assert.Equal(t, "smtp.example.com", config.Feedback.SMTPHost)
	assert.Equal(t, 2525, config.Feedback.SMTPPort)
	assert.Equal(t, "mailer", config.Feedback.Username)
	assert.Equal(t, "mailpass", config.Feedback.Password)
	assert.Equal(t, "bot@example.com", config.Feedback.From)
	assert.Equal(t, "owner@example.com", config.Feedback.To)
	assert.Equal(t, 20*time.Second, config.Feedback.Timeout)

	require.NotNil(t, config.API)
	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5050", config.API.Listen)
	assert.Equal(t, "tcp4", config.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"X-Request-ID",
			"Location",
			"ETag",
			"Authorization",
			"Last-Modified",
		},
		config.API.CORS.ExposeHeaders,
	)
	assert.True(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)
	assert.Equal(t, 5*time.Second, config.API.ReadTimeout)
	assert.Equal(t, 5*time.Second, config.API.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Second, config.API.WriteTimeout)
	assert.Equal(t, 30*time.Second, config.API.IdleTimeout)
	assert.Equal(t, 6*time.Hour, config.API.SessionMaxAge)
}
