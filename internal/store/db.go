package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection of the mirror database.
type DB struct {
	*sql.DB
}

// Open connects to the mirror database in WAL mode. Transactions take the
// write lock when they begin, so concurrent UI and sync saves queue on the
// busy timeout instead of failing a lock upgrade.
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// Wrap adopts an already opened connection.
func Wrap(db *sql.DB) *DB {
	return &DB{db}
}
