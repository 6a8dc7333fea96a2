package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"orgsign/services/signreqd/models"
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// ErrLocationRequired is returned when neither a URL nor a path is configured.
var ErrLocationRequired = errors.New("signreqd storage location must be configured")

// Options selects and tunes the backing database.
type Options struct {
	// URL is a postgres DSN. When empty, Path names a sqlite file.
	URL             string
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrLocationRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// IsPostgres reports whether url selects the postgres driver.
func IsPostgres(url string) bool {
	lower := strings.ToLower(strings.TrimSpace(url))
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// Dialector returns the gorm dialector for opts.
func Dialector(opts Options) (gorm.Dialector, error) {
	if url := strings.TrimSpace(opts.URL); url != "" {
		if !IsPostgres(url) {
			return nil, fmt.Errorf("unsupported database url scheme")
		}
		return postgres.Open(url), nil
	}
	dsn, err := FileDSN(opts.Path)
	if err != nil {
		return nil, err
	}
	return sqlite.Open(dsn), nil
}

// Open connects to the configured database and migrates the signreqd schema.
func Open(opts Options) (*gorm.DB, error) {
	dialector, err := Dialector(opts)
	if err != nil {
		return nil, err
	}
	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 && dialector.Name() == "sqlite" {
		// WAL allows one writer; serialise through a single connection.
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := models.AutoMigrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// Close releases the database handle.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
