package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"backend-pilgrimhub/internal/config"
	_ "modernc.org/sqlite"
)

var ErrNoSQLitePath = errors.New("sqlite path is empty")

// ConnectSQLite opens the device-local database. A single connection keeps
// writes serialized; WAL lets readers proceed while a snapshot is written.
func ConnectSQLite(cfg config.Config) (*sql.DB, error) {
	if cfg.SQLitePath == "" {
		return nil, ErrNoSQLitePath
	}
	conn, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}
