package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

const busyTimeout = "_pragma=busy_timeout(5000)"

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db private to this cache is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	}
	if strings.Contains(filename, "?") {
		filename += "&" + busyTimeout
	} else {
		filename += "?" + busyTimeout
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("prepare sqlite schema: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(partition string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.open(s.db, partition)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s SQLiteCache) open(db execer, partition string) error {
	_, err := db.Exec("INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		partition, time.Now().UnixNano())
	return err
}

func (s SQLiteCache) Partitions() ([]string, error) {
	names := make([]string, 0)
	rows, err := s.db.Query("SELECT name FROM partitions ORDER BY rowid ASC")
	if err != nil {
		return names, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Get(partition, key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	var storedAt int64
	err := s.db.QueryRow("SELECT stored_at, bytes FROM entries WHERE partition = ? AND key = ?",
		partition, key).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (s SQLiteCache) Put(partition string, entry CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.open(tx, partition); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO entries
		(partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		partition, entry.Key, entry.StoredAt.UnixNano(), entry.Bytes)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Delete(partition string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE partition = ?", partition); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM partitions WHERE name = ?", partition)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteCache) Keys(partition string, cb func(string)) error {
	var exists int
	err := s.db.QueryRow("SELECT COUNT(*) FROM partitions WHERE name = ?", partition).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrPartitionNotFound
	}
	rows, err := s.db.Query("SELECT key FROM entries WHERE partition = ? ORDER BY key", partition)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
