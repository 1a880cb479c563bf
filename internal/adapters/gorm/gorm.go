// Package gorm opens the registry database. DSNs starting with postgres://
// or postgresql:// use PostgreSQL; sqlite://<path> or a bare path use an
// embedded SQLite file.
package gorm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const sqliteScheme = "sqlite://"

func New(dsn string, lg zerolog.Logger) (*gorm.DB, error) {
	lg = lg.With().Str("adapter", "gorm").Logger()

	dialector, driver, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: NewLogger(lg)})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection keeps transactions from tripping over each other.
		sqlDB.SetMaxOpenConns(1)
	}

	lg.Info().Str("driver", driver).Msg("database connected")
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(dsn string) (gorm.Dialector, string, error) {
	switch {
	case dsn == "":
		return nil, "", fmt.Errorf("empty database DSN")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), "postgres", nil
	}

	path := strings.TrimPrefix(dsn, sqliteScheme)
	file := path
	if i := strings.IndexByte(file, '?'); i >= 0 {
		file = file[:i]
	}
	if file != ":memory:" && !strings.HasPrefix(file, "file:") {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, "", fmt.Errorf("create database directory: %w", err)
		}
	}
	if !strings.Contains(path, "_pragma=busy_timeout") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + "_pragma=busy_timeout(5000)"
	}
	return sqlite.Open(path), "sqlite", nil
}
