// Package datastore opens the census database and manages its schema.
package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// Store owns the database handle.
type Store struct {
	db       *gorm.DB
	dialect  string
	location string
	log      logger.Logger
}

// Open connects to the database selected by cfg. It does not migrate.
func Open(cfg *conf.DatabaseSettings) (*Store, error) {
	log := logger.Global().Module("datastore")

	dialector, location, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.NewGormLoggerAdapter(log, cfg.SlowQueryThreshold),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "open").
			Context("dialect", cfg.Type).
			Build()
	}

	s := &Store{db: db, dialect: cfg.Type, location: location, log: log}
	if err := s.configurePool(cfg); err != nil {
		return nil, err
	}

	log.Info("database opened", logger.String("dialect", cfg.Type), logger.String("location", location))
	return s, nil
}

// NewFromDB wraps an existing handle, mainly for tests.
func NewFromDB(db *gorm.DB) *Store {
	return &Store{
		db:       db,
		dialect:  db.Dialector.Name(),
		location: "external",
		log:      logger.Global().Module("datastore"),
	}
}

func dialectorFor(cfg *conf.DatabaseSettings) (gorm.Dialector, string, error) {
	switch cfg.Type {
	case conf.DatabaseSQLite, "":
		path := cfg.SQLite.Path
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, "", errors.New(err).
					Component("datastore").
					Category(errors.CategoryFileIO).
					FileContext(path, 0).
					Build()
			}
		}
		return sqlite.Open(SQLiteDSN(path)), path, nil

	case conf.DatabaseMySQL:
		m := cfg.MySQL
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			m.Username, m.Password, m.Host, m.Port, m.Database)
		return mysql.Open(dsn), fmt.Sprintf("%s:%s/%s", m.Host, m.Port, m.Database), nil

	case conf.DatabasePostgres:
		p := cfg.Postgres
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			p.Host, p.Port, p.Username, p.Password, p.Database, p.SSLMode)
		return postgres.Open(dsn), fmt.Sprintf("%s:%s/%s", p.Host, p.Port, p.Database), nil
	}

	return nil, "", errors.Newf("unsupported database type %q", cfg.Type).
		Component("datastore").
		Category(errors.CategoryConfiguration).
		Build()
}

// SQLiteDSN adds the pragmas the service relies on: WAL, a busy timeout
// and enforced foreign keys for cascading deletes.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
}

func (s *Store) configurePool(cfg *conf.DatabaseSettings) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "get_sql_db").
			Build()
	}
	if s.dialect == conf.DatabaseSQLite || s.dialect == "" {
		// One writer; the claim CAS and completion transaction serialize here.
		sqlDB.SetMaxOpenConns(1)
		return nil
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	start := time.Now()
	if err := s.db.WithContext(ctx).AutoMigrate(entities.All()...); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "auto_migrate").
			Build()
	}
	s.log.Info("schema migrated", logger.Duration("elapsed", time.Since(start)))
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) DB() *gorm.DB { return s.db }
func (s *Store) Dialect() string { return s.dialect }
func (s *Store) Location() string { return s.location }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
