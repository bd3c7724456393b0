package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialect names returned by Store.Dialect.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// sqlitePragmas are applied to every pooled connection through the DSN.
const sqlitePragmas = "_pragma=foreign_keys(1)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_time_format=sqlite"

// Store owns the database and exposes parametrized query primitives.
// Placeholders are written as `?` for every dialect.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Execute runs a statement and returns the number of affected rows.
	Execute(ctx context.Context, query string, args ...any) (int64, error)
	// QueryOne scans the first row into dest and reports whether a row existed.
	QueryOne(ctx context.Context, dest any, query string, args ...any) (bool, error)
	// QueryAll scans every row into dest, which must be a pointer to a slice.
	QueryAll(ctx context.Context, dest any, query string, args ...any) error
	// Transaction runs fn against a Store bound to a single transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error
	// Compact reclaims free pages and checkpoints the write-ahead log.
	Compact(ctx context.Context) error
	// Size returns the on-disk size of the database in bytes.
	Size(ctx context.Context) (int64, error)

	// DB returns the gorm handle bound to ctx for builder-style queries.
	DB(ctx context.Context) *gorm.DB
	// Dialect returns DialectSQLite or DialectPostgres.
	Dialect() string
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log  logrus.FieldLogger
	cfg  *config.DatabaseConfig
	db   *gorm.DB
	inTx bool
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and creates the schema.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch s.cfg.Driver {
	case DialectSQLite:
		if dir := filepath.Dir(s.cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating database directory: %w", err)
			}
		}

		dialector = sqlite.Open(s.cfg.SQLite.Path + "?" + sqlitePragmas)
	case DialectPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.MaxOpenConns > 0 {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&TestResult{},
		&Attachment{},
		&Note{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil || s.inTx {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *store) Dialect() string {
	return s.db.Dialector.Name()
}

func (s *store) Execute(
	ctx context.Context, query string, args ...any,
) (int64, error) {
	result := s.db.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return 0, fmt.Errorf("executing statement: %w", classify(result.Error))
	}

	return result.RowsAffected, nil
}

func (s *store) QueryOne(
	ctx context.Context, dest any, query string, args ...any,
) (bool, error) {
	result := s.db.WithContext(ctx).Raw(query, args...).Scan(dest)
	if result.Error != nil {
		return false, fmt.Errorf("querying row: %w", classify(result.Error))
	}

	return result.RowsAffected > 0, nil
}

func (s *store) QueryAll(
	ctx context.Context, dest any, query string, args ...any,
) error {
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(dest).Error; err != nil {
		return fmt.Errorf("querying rows: %w", classify(err))
	}

	return nil
}

func (s *store) Transaction(
	ctx context.Context, fn func(tx Store) error,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{
			log:  s.log,
			cfg:  s.cfg,
			db:   tx,
			inTx: true,
		})
	})
}

// Compact runs VACUUM and, on SQLite, truncates the write-ahead log.
func (s *store) Compact(ctx context.Context) error {
	if s.inTx {
		return errors.New("compact cannot run inside a transaction")
	}

	start := time.Now()
	db := s.db.WithContext(ctx)

	if err := db.Exec("VACUUM").Error; err != nil {
		return fmt.Errorf("vacuuming database: %w", classify(err))
	}

	if s.Dialect() == DialectSQLite {
		if err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
			return fmt.Errorf("checkpointing wal: %w", classify(err))
		}
	}

	s.log.WithField("duration", time.Since(start)).Debug("Database compacted")

	return nil
}

func (s *store) Size(ctx context.Context) (int64, error) {
	query := "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()"
	if s.Dialect() == DialectPostgres {
		query = "SELECT pg_database_size(current_database())"
	}

	var size int64
	if err := s.db.WithContext(ctx).Raw(query).Scan(&size).Error; err != nil {
		return 0, fmt.Errorf("measuring database size: %w", classify(err))
	}

	return size, nil
}
