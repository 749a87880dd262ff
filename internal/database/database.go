package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"brea/server/internal/apperr"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

// Options configures the SQLite connection.
type Options struct {
	Path          string
	MaxOpenConns  int
	BusyTimeoutMs int
}

// Open opens the SQLite database in WAL mode. Writers take the lock at
// BEGIN so concurrent upserts wait on the busy timeout instead of failing
// on lock upgrade.
func Open(opts Options, logger *logrus.Logger) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on",
		opts.Path, opts.BusyTimeoutMs)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, apperr.Database("open database", err, false)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperr.Database("open database", err, false)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, apperr.Database("ping database", err, false)
	}

	return db, nil
}

// NewTestDB returns a private in-memory database. It is limited to one
// connection so every goroutine sees the same memory database.
func NewTestDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:test_%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func newGormLogger(logger *logrus.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Default.LogMode(gormlogger.Warn)
	}
	return gormlogger.New(logger, gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// classify turns a driver error into the store's error taxonomy. Lock
// contention is transient; constraint violations are not.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return apperr.Database(op, err, true)
		case sqlite3.ErrConstraint:
			return apperr.Database(op, err, false)
		}
	}

	return apperr.Database(op, err, false)
}
