// Package salesdata implements the analytical tool surface the sales agent
// evaluates queries against: a ventas table reachable through
// GET /tool/consulta plus the metadata endpoints the query translator uses
// for prompt grounding.
//
// The dataset is a single small table, so the storage layer stays modest:
// SQLite through the modernc pure-Go driver by default, Postgres for
// shared deployments, connection settings left at driver defaults except
// that SQLite is capped at one open connection. The schema is one embedded
// migration applied on open.
package salesdata

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — registers itself as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// slowQueryThreshold is where the query logger starts warning. Agent-
// submitted SELECTs over the ventas table should never get near it.
const slowQueryThreshold = 200 * time.Millisecond

// Config holds the configuration required to open the sales database.
// Driver defaults to "sqlite" if left empty.
type Config struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger
}

// Open connects to the database, applies the embedded schema migration,
// and returns the ready-to-use *gorm.DB instance.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, errors.New("salesdata: logger is required")
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	gormCfg := &gorm.Config{Logger: newQueryLogger(cfg.Logger)}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "sqlite":
		// gorm's sqlite dialector would pull in the CGO driver; hand it
		// a connection opened through modernc instead. One writer is all
		// SQLite allows anyway.
		conn, openErr := sql.Open("sqlite", cfg.DSN)
		if openErr != nil {
			return nil, fmt.Errorf("salesdata: opening sqlite: %w", openErr)
		}
		conn.SetMaxOpenConns(1)
		db, err = gorm.Open(gormsqlite.Dialector{Conn: conn}, gormCfg)

	case "postgres":
		db, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)

	default:
		return nil, fmt.Errorf("salesdata: unknown driver %q, use \"sqlite\" or \"postgres\"", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("salesdata: opening %s database: %w", driver, err)
	}

	if err := migrateUp(db, driver, cfg.Logger); err != nil {
		return nil, err
	}
	return db, nil
}

// migrateUp applies pending up-migrations from the embedded SQL files and
// logs the resulting schema version.
func migrateUp(db *gorm.DB, driver string, log *zap.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("salesdata: unwrapping sql.DB: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("salesdata: loading embedded migrations: %w", err)
	}

	var target database.Driver
	switch driver {
	case "sqlite":
		target, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	case "postgres":
		target, err = migratepg.WithInstance(sqlDB, &migratepg.Config{})
	}
	if err != nil {
		return fmt.Errorf("salesdata: preparing %s migration driver: %w", driver, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		return fmt.Errorf("salesdata: creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("salesdata: applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("salesdata: reading schema version: %w", err)
	}
	log.Info("sales schema ready",
		zap.Uint("migration_version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// newQueryLogger routes gorm's logging through zap. Only errors and slow
// queries surface — the tool handler logs the statements it serves at
// request level, so per-query tracing here would be noise.
func newQueryLogger(logger *zap.Logger) gormlogger.Interface {
	return gormlogger.New(
		zapPrintf{logger: logger.Named("salesdata_db")},
		gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// zapPrintf adapts a zap logger to the Printf-style writer gorm's logger
// expects.
type zapPrintf struct {
	logger *zap.Logger
}

func (w zapPrintf) Printf(format string, args ...any) {
	w.logger.Sugar().Warnf(format, args...)
}
