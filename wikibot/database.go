package wikibot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite                              = "sqlite"
	dbTypePostgres                            = "postgres"
	postgresNotifyChannelGuildUpdated         = "wikibot_guild_updated"
	postgresNotifyChannelRuntimeConfigUpdated = "wikibot_reload_runtime_config"
	postgresNotifyChannelStop                 = "wikibot_stop"
	recordSeparator                           = string(rune(30))
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// dbModels are the tables created by AutoMigrate
func dbModels() []any {
	return []any{
		&Guild{},
		&Topic{},
		&Feedback{},
		&RuntimeConfig{},
		&InteractionLog{},
	}
}

// database wraps a gorm.DB, serializing writes when the backing
// database doesn't handle concurrent writers well (sqlite), and
// applying a default timeout to operations without a deadline.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI for the given connection. If
// enableConcurrentWrites is false, write operations hold a mutex.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	defer d.lock()()
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	ctx context.Context,
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	defer d.lock()()
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// DBI defines the write operations used by the bot. [database]
// implements this interface.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) error
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
}

// CreateDB opens the database and migrates all tables.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	slog.New(handler).InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Migrator().AutoMigrate(dbModels()...); err != nil {
				return fmt.Errorf("error migrating database: %w", err)
			}
			return nil
		},
	)
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: slog-backed logger for database operations
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier notifies bot instances sharing a database about changes
// they need to act on.
type DBNotifier interface {
	GuildUpdatedChannelName() string

	// GuildUpdated notifies bot instances that a Guild record changed,
	// and any cached copy should be dropped
	GuildUpdated(ctx context.Context, guildID string) bool

	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig notifies bot instances to reload their
	// RuntimeConfig from the database
	ReloadRuntimeConfig(ctx context.Context) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(ctx context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// use this ID to filter out their own notifications.
	ID() string

	// Listen blocks, handling notifications on the given channel, until
	// ctx is done
	Listen(ctx context.Context, channel string) error
}

// notifyHandlers are called when a notification is received
type notifyHandlers struct {
	guildUpdated  func(guildID string)
	runtimeConfig func()
	stop          func()
}

func newDBNotifier(
	databaseType string,
	dsn string,
	db DBI,
	logger *slog.Logger,
	handlers notifyHandlers,
) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(loggerNameKey, "db_notifier")
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:   log,
			handlers: handlers,
			notifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			db:       db,
			dsn:      dsn,
			logger:   log,
			handlers: handlers,
			notifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier runs handlers in-process, since there can only be a
// single bot instance using a sqlite database
type sqliteNotifier struct {
	logger   *slog.Logger
	handlers notifyHandlers
	notifyID string
}

func (s *sqliteNotifier) Listen(ctx context.Context, channel string) error {
	s.logger.DebugContext(ctx, "listener called", "channel", channel)
	return nil
}

func (*sqliteNotifier) GuildUpdatedChannelName() string {
	return ""
}

// GuildUpdated is a no-op, since the only instance is the one that
// made the change
func (s *sqliteNotifier) GuildUpdated(ctx context.Context, guildID string) bool {
	s.logger.DebugContext(ctx, "guild updated", "guild_id", guildID)
	return true
}

func (*sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

func (s *sqliteNotifier) ReloadRuntimeConfig(_ context.Context) bool {
	s.logger.Info("got runtime config reload notification")
	if s.handlers.runtimeConfig != nil {
		s.handlers.runtimeConfig()
	}
	return true
}

func (*sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(_ context.Context) bool {
	s.logger.Info("notifying stop signal")
	if s.handlers.stop != nil {
		s.handlers.stop()
	}
	return true
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

// postgresNotifier uses LISTEN/NOTIFY to reach every bot instance
// connected to the same database
type postgresNotifier struct {
	db       DBI
	dsn      string
	logger   *slog.Logger
	handlers notifyHandlers
	notifyID string
}

func (*postgresNotifier) GuildUpdatedChannelName() string {
	return postgresNotifyChannelGuildUpdated
}

func (*postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (*postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, payload string) bool {
	notifyErr := p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY",
			tint.Err(notifyErr),
			"channel", channel,
		)
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) GuildUpdated(ctx context.Context, guildID string) bool {
	return p.notify(
		ctx,
		p.GuildUpdatedChannelName(),
		newGuildUpdatedNotificationMessage(p.ID(), guildID),
	)
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName(), p.ID())
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	sent := p.notify(ctx, p.StopChannelName(), p.ID())
	if p.handlers.stop != nil {
		p.handlers.stop()
	}
	return sent
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.InfoContext(ctx, "starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}
		p.handleNotification(ctx, logger, channel, notification.Payload)
	}

	return nil
}

func (p *postgresNotifier) handleNotification(
	ctx context.Context,
	logger *slog.Logger,
	channel string,
	payload string,
) {
	switch channel {
	case p.GuildUpdatedChannelName():
		notifierID, guildID := parseGuildUpdatedNotification(payload)
		if notifierID == p.ID() {
			logger.DebugContext(ctx, "received guild update from self, ignoring")
			return
		}
		if guildID == "" {
			logger.WarnContext(ctx, "empty guild ID received, ignoring")
			return
		}
		if p.handlers.guildUpdated != nil {
			p.handlers.guildUpdated(guildID)
		}
	case p.RuntimeConfigChannelName():
		if payload == p.ID() {
			return
		}
		logger.InfoContext(ctx, "received notification for runtime config update")
		if p.handlers.runtimeConfig != nil {
			p.handlers.runtimeConfig()
		}
	case p.StopChannelName():
		if payload == p.ID() {
			return
		}
		logger.WarnContext(ctx, "received stop signal via NOTIFY")
		if p.handlers.stop != nil {
			p.handlers.stop()
		}
	default:
		logger.WarnContext(ctx, "received unknown notification")
	}
}

func parseGuildUpdatedNotification(s string) (notifierID, guildID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newGuildUpdatedNotificationMessage(notifierID string, guildID string) string {
	return strings.Join([]string{notifierID, guildID}, recordSeparator)
}
