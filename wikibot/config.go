//nolint:lll // struct tags can't be split
package wikibot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix    = "WIKIBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "WIKIBOT"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "wikibot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second
	DefaultGuildCacheTTL   = 10 * time.Minute

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	// IntentMessageContent is privileged, and only needed for legacy
	// text commands
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultLegacyPrefix      = "!"

	DefaultSyncConcurrency       = 4
	DefaultSyncRequestsPerSecond = 2.0
	DefaultSyncTimeout           = 30 * time.Second

	DefaultRedisKeyPrefix = "wikibot"

	DefaultFeedbackSMTPPort = 587
	DefaultFeedbackTimeout  = 15 * time.Second

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Content-Disposition",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or a file path for sqlite
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect to its database, register commands and publish guild commands.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// GuildCacheTTL bounds how long a cached Guild record may be served
	// before being reloaded. Writes always invalidate the local entry; with
	// postgres, other instances are notified as well.
	GuildCacheTTL time.Duration `yaml:"guild_cache_ttl" mapstructure:"guild_cache_ttl" json:"guild_cache_ttl"`

	// Development enables permissive CORS, pprof and disables gin's
	// recovery middleware
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	Sync *SyncConfig `yaml:"sync" mapstructure:"sync" json:"sync"`

	Redis *RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	Feedback *FeedbackConfig `yaml:"feedback" mapstructure:"feedback" json:"feedback"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID, if set, registers the static commands (wiki-mgmt, wiki-help,
	// wiki-feedback) to this guild only instead of globally. Useful while
	// developing, since guild commands update immediately.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// LegacyCommands enables text commands (ex: `!wiki workflow dial`)
	LegacyCommands bool `yaml:"legacy_commands" mapstructure:"legacy_commands" json:"legacy_commands"`

	// LegacyPrefix is the prefix text commands must start with
	LegacyPrefix string `yaml:"legacy_prefix" mapstructure:"legacy_prefix" json:"legacy_prefix" binding:"required_if=LegacyCommands true"`

	httpClient *http.Client
}

// SyncConfig bounds how the per-guild `wiki` command is published.
type SyncConfig struct {
	// Concurrency is the maximum number of guilds published at once on startup
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency" json:"concurrency" binding:"min=1"`

	// RequestsPerSecond throttles all publish calls, across guilds
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"gt=0"`

	// Timeout is the deadline for a single guild's publish
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`
}

// RedisConfig configures the view counter backend. If Addr is empty,
// view counts are discarded.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr" json:"addr"`
	Password  string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	DB        int    `yaml:"db" mapstructure:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix"`
}

// FeedbackConfig configures the email sent for each /wiki-feedback.
// If SMTPHost is empty, feedback is only stored in the database.
type FeedbackConfig struct {
	SMTPHost string        `yaml:"smtp_host" mapstructure:"smtp_host" json:"smtp_host"`
	SMTPPort int           `yaml:"smtp_port" mapstructure:"smtp_port" json:"smtp_port"`
	Username string        `yaml:"username" mapstructure:"username" json:"username"`
	Password string        `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	From     string        `yaml:"from" mapstructure:"from" json:"from" binding:"required_with=SMTPHost,omitempty,email"`
	To       string        `yaml:"to" mapstructure:"to" json:"to" binding:"required_with=SMTPHost,omitempty,email"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
}

func validateFeedbackConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(FeedbackConfig)
	if !ok {
		return
	}
	if cfg.SMTPPort < 0 || cfg.SMTPPort > 65535 {
		sl.ReportError(cfg.SMTPPort, "SMTPPort", "smtp_port", "port", "")
	}
	if cfg.Timeout < 0 {
		sl.ReportError(cfg.Timeout, "Timeout", "timeout", "min", "0")
	}
}

// APIConfig configures the backend API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. If no cert is set, the API is served
	// over plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"required_if=Enabled true,omitempty,min=10m,max=24h"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		GuildCacheTTL:         DefaultGuildCacheTTL,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			LegacyCommands:    true,
			LegacyPrefix:      DefaultLegacyPrefix,
		},
		Sync: &SyncConfig{
			Concurrency:       DefaultSyncConcurrency,
			RequestsPerSecond: DefaultSyncRequestsPerSecond,
			Timeout:           DefaultSyncTimeout,
		},
		Redis: &RedisConfig{
			KeyPrefix: DefaultRedisKeyPrefix,
		},
		Feedback: &FeedbackConfig{
			SMTPPort: DefaultFeedbackSMTPPort,
			Timeout:  DefaultFeedbackTimeout,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
