package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchemaVersion = 2

// SQLiteStore keeps every record as a row of a single table keyed by path.
type SQLiteStore struct {
	conn *sql.DB
	opts options
}

// NewSQLiteStore opens (or creates) the database file vali.db inside dir.
func NewSQLiteStore(dir string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
	}
	dsn := filepath.Join(dir, "vali.db") + "?_busy_timeout=10000&_journal_mode=WAL"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{conn: conn, opts: buildOptions(opts)}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for version < sqliteSchemaVersion {
		version++
		var stmt string
		switch version {
		case 1:
			stmt = `CREATE TABLE IF NOT EXISTS records (
				path TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`
		case 2:
			stmt = `ALTER TABLE records ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`
		default:
			return fmt.Errorf("unknown schema version: %d", version)
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema v%d: %w", version, err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, p string, out any) (bool, error) {
	p, err := cleanPath(p)
	if err != nil {
		return false, err
	}
	var value []byte
	err = s.conn.QueryRowContext(ctx, `SELECT value FROM records WHERE path = ?`, p).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := decode(value, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", p, err)
	}
	return true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, p string, value any) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	data, err := s.opts.encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p, err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO records (path, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, p, data, time.Now().Unix())
	return err
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "/%"
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	prefix, err := cleanPath(prefix)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT path FROM records WHERE path LIKE ? ESCAPE '\' ORDER BY path`, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) Remove(ctx context.Context, prefix string) error {
	prefix, err := cleanPath(prefix)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE path = ? OR path LIKE ? ESCAPE '\'`, prefix, likePrefix(prefix))
	return err
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
