package wikibot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/mike1808/discord-wiki-bot/wikibot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// WikiBot is the bot runtime. It owns the database, the discord
// session and the admin API, and wires the topic components to
// discord events.
type WikiBot struct {
	config *Config

	// read connection
	db *gorm.DB

	// writes go through here, so they can be serialized for sqlite
	writeDB DBI

	dbNotifier DBNotifier

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	api     *API
	redis   *redis.Client

	topics     *TopicStore
	guilds     *GuildStore
	sync       *CommandSynchronizer
	dispatcher *TopicDispatcher
	feedback   *FeedbackRelay
	bulk       *BulkTransfer
	views      ViewCounter

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting up
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	triggerRuntimeConfigRefreshCh chan struct{}
}

// New creates a WikiBot from config. Nothing is connected until Run.
func New(config *Config) (*WikiBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	w := &WikiBot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan struct{}, 1),
	}
	defaultRuntime := DefaultRuntimeConfig()
	w.runtimeConfig = &defaultRuntime

	w.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.LogLevel,
			AddSource: true,
		},
	)
	w.logger = slog.New(w.logHandler)
	slog.SetDefault(w.logger)

	w.config.Discord.httpClient = w.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	w.discord = newDiscord(
		w.config.Discord,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     w.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord"),
	)

	w.views = noopViewCounter{}
	if config.Redis != nil && config.Redis.Addr != "" {
		w.redis = redis.NewClient(
			&redis.Options{
				Addr:     config.Redis.Addr,
				Password: config.Redis.Password,
				DB:       config.Redis.DB,
			},
		)
		w.views = NewRedisViewCounter(w.redis, config.Redis.KeyPrefix, w.logger)
	}

	if config.API != nil && config.API.Enabled {
		api, err := newAPI(w, config.API)
		errs = append(errs, err)
		w.api = api
	}

	return w, errors.Join(errs...)
}

func (w *WikiBot) ValidateConfig() error {
	return structValidator.Struct(w.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (w *WikiBot) RuntimeConfig() RuntimeConfig {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return *w.runtimeConfig
}

// Run connects to the database and discord, publishes guild commands,
// and handles events until ctx is canceled or a stop signal is
// received. It then shuts down gracefully.
func (w *WikiBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.signalStop = make(chan struct{}, 1)
	w.startedAt = time.Now()
	logger := w.logger

	if err := w.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", w.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.signalStop:
			w.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	if err := w.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	if err := w.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	if w.api != nil {
		if err := w.api.Listen(ctx); err != nil {
			return fmt.Errorf("error starting api listener: %w", err)
		}
		// not tracked by runtimeWG, since it only returns once the
		// server is shut down
		go func() {
			httpErr := w.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				w.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	closeAPI := func() {
		if w.api != nil {
			_ = w.api.httpServer.Close()
		}
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := w.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		closeAPI()
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := w.discord.registerCommands(startCtx); err != nil {
		closeAPI()
		_ = w.discord.session.Close()
		return fmt.Errorf("error registering commands: %w", err)
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		failed, err := w.sync.SyncAll(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "error publishing guild commands", tint.Err(err))
			return
		}
		for guildID, e := range failed {
			logger.WarnContext(ctx, "guild publish failed", "guild_id", guildID, tint.Err(e))
		}
	}()

	w.startRuntimeConfigRefresher(ctx, runtimeWG)
	for _, channel := range []string{
		w.dbNotifier.GuildUpdatedChannelName(),
		w.dbNotifier.RuntimeConfigChannelName(),
		w.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := w.dbNotifier.Listen(ctx, ch); e != nil {
				logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e), "channel", ch)
			}
		}(channel)
	}

	select {
	case w.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready", "startup_duration", time.Since(w.startedAt))

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return w.shutdown(ctx, runtimeWG)
}

// Stop signals Run to shut down. If notifyAll is set, other instances
// sharing the database are told to stop as well.
func (w *WikiBot) Stop(ctx context.Context, notifyAll bool) {
	if notifyAll && w.dbNotifier != nil {
		w.dbNotifier.Stop(ctx)
		return
	}
	w.sendStop()
}

func (w *WikiBot) sendStop() {
	select {
	case w.signalStop <- struct{}{}:
	default:
	}
}

func (w *WikiBot) initRun(ctx context.Context) error {
	if w.writeDB == nil {
		w.logger.Debug("initializing DB...")
		if err := w.initDB(ctx); err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
	}

	state, err := loadRuntimeConfig(ctx, w.writeDB)
	if err != nil {
		return err
	}
	if validationErr := structValidator.Struct(state); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}
	if state.AdminUsername == "" || state.AdminPassword == "" {
		w.logger.WarnContext(
			ctx,
			"admin credentials not set, API login disabled (run the 'init' command to set them)",
		)
	}
	w.cfgMu.Lock()
	w.runtimeConfig = &state
	w.cfgMu.Unlock()
	w.setRuntimeLevels(state)

	notifier, err := newDBNotifier(
		w.config.DatabaseType,
		w.config.Database,
		w.writeDB,
		w.logger,
		notifyHandlers{
			guildUpdated: func(guildID string) {
				if w.guilds != nil {
					w.guilds.Invalidate(guildID)
				}
			},
			runtimeConfig: w.triggerRuntimeConfigRefresh,
			stop:          w.sendStop,
		},
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	w.dbNotifier = notifier

	if w.redis != nil {
		if pingErr := w.redis.Ping(ctx).Err(); pingErr != nil {
			w.logger.WarnContext(ctx, "redis unavailable, view counts will be lost", tint.Err(pingErr))
		}
	}
	return nil
}

// initDB opens the database connection and runs migrations
func (w *WikiBot) initDB(ctx context.Context) error {
	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, w.config.DatabaseSlowThreshold)
	db, err := getDB(w.config.DatabaseType, w.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if w.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return pragmaErr
		}
	}

	w.logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		w.logger.Error("error migrating database", tint.Err(err))
		return err
	}
	w.logger.Debug("finished migrating database")

	w.db = db
	w.writeDB = NewDatabase(db, w.logger, w.config.DatabaseType == dbTypePostgres)
	return nil
}

// initComponents builds the topic components on top of the database
// and discord session
func (w *WikiBot) initComponents() {
	w.topics = NewTopicStore(w.writeDB, w.logger)
	w.guilds = NewGuildStore(w.writeDB, w.config.GuildCacheTTL, w.logger)
	if w.dbNotifier != nil {
		w.guilds.notifier = w.dbNotifier
	}
	w.sync = NewCommandSynchronizer(
		w.topics,
		w.guilds,
		w.discord.session,
		w.config.Discord.ApplicationID,
		*w.config.Sync,
		w.logger,
	)
	if w.config.Discord.GuildID != "" {
		w.sync.WithGuildCommands(w.config.Discord.GuildID, staticCommands())
	}
	w.dispatcher = NewTopicDispatcher(w.topics, w.views, w.logger)
	w.feedback = NewFeedbackRelay(w.writeDB, w.config.Feedback, w.logger)
	w.bulk = NewBulkTransfer(w.topics, w.sync, w.config.HTTPClient, w.logger)
}

func (w *WikiBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if w.discord.session == nil {
		disc, discErr := w.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		w.discord.session = disc
	}
	w.initComponents()

	for _, h := range w.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	w.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  w.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(w.RuntimeConfig()),
		},
	)

	// handlers run in their own goroutines, tracked by runtimeWG so
	// shutdown can wait on them
	track := func(f func()) {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			f()
		}()
	}

	w.discord.discordgoRemoveHandlerFuncs = []func(){
		w.discord.session.AddHandler(w.discord.handlerConnect()),
		w.discord.session.AddHandler(w.discord.handlerDisconnect()),
		w.discord.session.AddHandler(w.discord.handlerReady()),
		w.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				track(func() { w.handleInteraction(ctx, i) })
			},
		),
		w.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				track(func() { w.handleMessage(ctx, m) })
			},
		),
		w.discord.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				track(func() { w.handleGuildCreate(ctx, g) })
			},
		),
		w.discord.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildDelete) {
				track(func() { w.handleGuildDelete(ctx, g) })
			},
		),
	}
	return nil
}

// setRuntimeLevels applies the runtime config's log levels
func (w *WikiBot) setRuntimeLevels(state RuntimeConfig) {
	w.config.LogLevel.Set(state.LogLevel.Level())
	w.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	w.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	w.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	if w.config.API != nil && w.config.API.LogLevel != nil {
		w.config.API.LogLevel.Set(state.APILogLevel.Level())
	}
}

func (w *WikiBot) triggerRuntimeConfigRefresh() {
	select {
	case w.triggerRuntimeConfigRefreshCh <- struct{}{}:
	default:
	}
}

func (w *WikiBot) startRuntimeConfigRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				if err := w.refreshRuntimeConfig(refreshCtx); err != nil {
					w.logger.ErrorContext(ctx, "error refreshing runtime config", tint.Err(err))
				}
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads RuntimeConfig from the database, and
// applies changed log levels and status
func (w *WikiBot) refreshRuntimeConfig(ctx context.Context) error {
	var refreshed RuntimeConfig
	if err := w.db.WithContext(ctx).Last(&refreshed).Error; err != nil {
		return err
	}

	w.cfgMu.Lock()
	previous := *w.runtimeConfig
	w.runtimeConfig = &refreshed
	w.cfgMu.Unlock()

	w.setRuntimeLevels(refreshed)
	if previous.DiscordCustomStatus != refreshed.DiscordCustomStatus &&
		w.discord.session != nil && w.discord.connected.Load() {
		presence := getDiscordPresenceStatusUpdate(refreshed)
		game := presence.Game
		if err := w.discord.session.UpdateStatusComplex(
			discordgo.UpdateStatusData{
				Activities: []*discordgo.Activity{&game},
				Status:     presence.Status,
			},
		); err != nil {
			w.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
	w.logger.InfoContext(ctx, "refreshed runtime config")
	return nil
}

// UpdateRuntimeConfig applies a partial update to the stored
// RuntimeConfig, and notifies other instances to reload it
func (w *WikiBot) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return w.RuntimeConfig(), err
	}
	current := w.RuntimeConfig()
	columns := update.columns()
	if len(columns) > 0 {
		if _, err := w.writeDB.Updates(ctx, &current, columns); err != nil {
			return w.RuntimeConfig(), fmt.Errorf("error updating runtime config: %w", err)
		}
	}
	if err := w.refreshRuntimeConfig(ctx); err != nil {
		return w.RuntimeConfig(), err
	}
	w.dbNotifier.ReloadRuntimeConfig(ctx)
	return w.RuntimeConfig(), nil
}

func (w *WikiBot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	w.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case w.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(w.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	w.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", w.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	// stop receiving new events first, so handlers and background
	// publishes can drain
	if w.discord.session != nil {
		for _, h := range w.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		w.discord.discordgoRemoveHandlerFuncs = nil
	}

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// API requests can trigger publishes, so the server stops
		// before the synchronizer drains
		if w.api != nil && w.api.httpServer != nil {
			_ = w.api.httpServer.Shutdown(closeCtx)
			w.logger.InfoContext(ctx, "http server stopped")
		}
		runtimeWG.Wait()
		if w.sync != nil {
			w.sync.Stop()
		}
		w.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}
		if w.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = w.discord.session.Close()
				w.logger.InfoContext(ctx, "discord session closed")
			}()
		}
		if w.redis != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = w.redis.Close()
			}()
		}
		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	for {
		select {
		case <-gracefulShutdownCh:
			w.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			w.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			w.logger.Warn("handlers did not stop in time, forcing close")
			if w.api != nil && w.api.httpServer != nil {
				go func() {
					_ = w.api.httpServer.Close()
				}()
			}
			return errors.New("handlers did not stop in time")
		}
	}
}

// handleRecover logs a recovered panic with its stack trace
func handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOr(ctx, slog.Default())
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
