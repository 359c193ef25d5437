package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mike1808/discord-wiki-bot/wikibot"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = wikibot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "wikibot [flags]",
	Short: "Discord bot serving per-server wiki topics as slash commands",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(target *wikibot.Config) error {
	return viper.Unmarshal(
		target,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (ex: "INFO") to *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", wikibot.DefaultDatabase)
	viper.SetDefault("database_type", wikibot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", wikibot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", wikibot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("guild_cache_ttl", wikibot.DefaultGuildCacheTTL)

	viper.SetDefault("log_level", wikibot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", wikibot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", wikibot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", wikibot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", wikibot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(wikibot.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.legacy_commands", true)
	viper.SetDefault("discord.legacy_prefix", wikibot.DefaultLegacyPrefix)

	// Command sync
	viper.SetDefault("sync.concurrency", wikibot.DefaultSyncConcurrency)
	viper.SetDefault("sync.requests_per_second", wikibot.DefaultSyncRequestsPerSecond)
	viper.SetDefault("sync.timeout", wikibot.DefaultSyncTimeout)

	// Redis (view counts)
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", wikibot.DefaultRedisKeyPrefix)

	// Feedback email
	viper.SetDefault("feedback.smtp_host", "")
	viper.SetDefault("feedback.smtp_port", wikibot.DefaultFeedbackSMTPPort)
	viper.SetDefault("feedback.username", "")
	viper.SetDefault("feedback.password", "")
	viper.SetDefault("feedback.from", "")
	viper.SetDefault("feedback.to", "")
	viper.SetDefault("feedback.timeout", wikibot.DefaultFeedbackTimeout)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", wikibot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", wikibot.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", wikibot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", wikibot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", wikibot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", wikibot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", wikibot.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", wikibot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", wikibot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", wikibot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", wikibot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", wikibot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", wikibot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(wikibot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = wikibot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra setup
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from (default: .env)",
	)
}
