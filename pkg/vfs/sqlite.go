package vfs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	path   TEXT PRIMARY KEY,
	parent TEXT NOT NULL,
	dir    INTEGER NOT NULL,
	mode   INTEGER NOT NULL,
	mtime  INTEGER NOT NULL,
	data   BLOB
);
CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(parent);
`

// SQLiteFS stores a whole filesystem namespace as rows of one SQLite table.
// Every mutation runs in a single transaction, which gives atomic replace and
// exclusive create without temp files.
type SQLiteFS struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the namespace stored at dsn.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteFS, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite fs: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite fs schema: %w", err)
	}
	return &SQLiteFS{db: db}, nil
}

func (s *SQLiteFS) Close() error {
	return s.db.Close()
}

// Wipe deletes every entry in the namespace.
func (s *SQLiteFS) Wipe(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("wipe sqlite fs: %w", err)
	}
	return nil
}

func cleanKey(name string) string {
	p := filepath.ToSlash(filepath.Clean(name))
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

func parentKey(key string) string {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return "."
	}
	return key[:i]
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

type row struct {
	dir   bool
	mode  fs.FileMode
	mtime int64
	size  int64
}

func lookup(q queryer, key string) (row, bool, error) {
	if key == "." {
		return row{dir: true, mode: fs.ModeDir | 0o755}, true, nil
	}
	var (
		r    row
		mode int64
		size sql.NullInt64
	)
	err := q.QueryRow(`SELECT dir, mode, mtime, length(data) FROM entries WHERE path = ?`, key).
		Scan(&r.dir, &mode, &r.mtime, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, err
	}
	r.mode = fs.FileMode(mode)
	r.size = size.Int64
	return r, true, nil
}

func (s *SQLiteFS) ReadFile(name string) ([]byte, error) {
	key := cleanKey(name)
	var (
		data []byte
		dir  bool
	)
	err := s.db.QueryRow(`SELECT data, dir FROM entries WHERE path = ?`, key).Scan(&data, &dir)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if dir {
		return nil, &fs.PathError{Op: "read", Path: name, Err: errors.New("is a directory")}
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *SQLiteFS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return s.putFile(name, data, perm, false)
}

func (s *SQLiteFS) CreateExclusive(name string, data []byte, perm fs.FileMode) error {
	return s.putFile(name, data, perm, true)
}

func (s *SQLiteFS) putFile(name string, data []byte, perm fs.FileMode, exclusive bool) error {
	key := cleanKey(name)
	if key == "." {
		return &fs.PathError{Op: "write", Path: name, Err: fs.ErrInvalid}
	}
	if data == nil {
		data = []byte{}
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("write %s: begin: %w", name, err)
	}
	defer tx.Rollback()

	existing, ok, err := lookup(tx, key)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if ok && exclusive {
		return &fs.PathError{Op: "create", Path: name, Err: fs.ErrExist}
	}
	if ok && existing.dir {
		return &fs.PathError{Op: "write", Path: name, Err: errors.New("is a directory")}
	}
	if err := mkdirAllTx(tx, parentKey(key)); err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO entries (path, parent, dir, mode, mtime, data) VALUES (?, ?, 0, ?, ?, ?)`,
		key, parentKey(key), int64(perm.Perm()), time.Now().UnixNano(), data,
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLiteFS) MkdirAll(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("mkdir %s: begin: %w", name, err)
	}
	defer tx.Rollback()
	if err := mkdirAllTx(tx, cleanKey(name)); err != nil {
		return err
	}
	return tx.Commit()
}

func mkdirAllTx(tx *sql.Tx, key string) error {
	if key == "." {
		return nil
	}
	existing, ok, err := lookup(tx, key)
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", key, err)
	}
	if ok {
		if !existing.dir {
			return &fs.PathError{Op: "mkdir", Path: key, Err: ErrNotDir}
		}
		return nil
	}
	if err := mkdirAllTx(tx, parentKey(key)); err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO entries (path, parent, dir, mode, mtime, data) VALUES (?, ?, 1, ?, ?, NULL)`,
		key, parentKey(key), int64(fs.ModeDir|0o755), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteFS) ReadDir(name string) ([]Entry, error) {
	key := cleanKey(name)
	r, ok, err := lookup(s.db, key)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", name, err)
	}
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	if !r.dir {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDir}
	}

	rows, err := s.db.Query(
		`SELECT path, dir, mode, mtime, length(data) FROM entries WHERE parent = ? AND path != '.' ORDER BY path`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", name, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			p    string
			e    row
			mode int64
			size sql.NullInt64
		)
		if err := rows.Scan(&p, &e.dir, &mode, &e.mtime, &size); err != nil {
			return nil, fmt.Errorf("readdir %s: %w", name, err)
		}
		e.mode = fs.FileMode(mode)
		e.size = size.Int64
		out = append(out, e.entry(p))
	}
	return out, rows.Err()
}

func (r row) entry(key string) Entry {
	return Entry{
		Name:    filepath.Base(key),
		Size:    r.size,
		Mode:    r.mode,
		ModTime: time.Unix(0, r.mtime),
		Dir:     r.dir,
	}
}

func (s *SQLiteFS) Stat(name string) (Entry, error) {
	key := cleanKey(name)
	r, ok, err := lookup(s.db, key)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if !ok {
		return Entry{}, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return r.entry(key), nil
}

func (s *SQLiteFS) Rename(oldName, newName string) error {
	oldKey, newKey := cleanKey(oldName), cleanKey(newName)
	if oldKey == newKey {
		return nil
	}
	if oldKey == "." || strings.HasPrefix(newKey, oldKey+"/") {
		return &fs.PathError{Op: "rename", Path: oldName, Err: fs.ErrInvalid}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("rename %s: begin: %w", oldName, err)
	}
	defer tx.Rollback()

	src, ok, err := lookup(tx, oldKey)
	if err != nil {
		return fmt.Errorf("rename %s: %w", oldName, err)
	}
	if !ok {
		return &fs.PathError{Op: "rename", Path: oldName, Err: fs.ErrNotExist}
	}
	dst, exists, err := lookup(tx, newKey)
	if err != nil {
		return fmt.Errorf("rename %s: %w", oldName, err)
	}
	if exists {
		if dst.dir != src.dir {
			return &fs.PathError{Op: "rename", Path: newName, Err: fs.ErrExist}
		}
		if dst.dir {
			var n int
			if err := tx.QueryRow(`SELECT count(*) FROM entries WHERE parent = ?`, newKey).Scan(&n); err != nil {
				return fmt.Errorf("rename %s: %w", oldName, err)
			}
			if n > 0 {
				return &fs.PathError{Op: "rename", Path: newName, Err: fs.ErrExist}
			}
		}
		if _, err := tx.Exec(`DELETE FROM entries WHERE path = ?`, newKey); err != nil {
			return fmt.Errorf("rename %s: %w", oldName, err)
		}
	}
	if err := mkdirAllTx(tx, parentKey(newKey)); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`UPDATE entries SET path = ?, parent = ? WHERE path = ?`,
		newKey, parentKey(newKey), oldKey,
	); err != nil {
		return fmt.Errorf("rename %s: %w", oldName, err)
	}
	if src.dir {
		prefix := oldKey + "/"
		cut := len(oldKey) + 1
		if _, err := tx.Exec(
			`UPDATE entries SET path = ? || substr(path, ?), parent = ? || substr(parent, ?)
			 WHERE substr(path, 1, ?) = ?`,
			newKey, cut, newKey, cut, len(prefix), prefix,
		); err != nil {
			return fmt.Errorf("rename %s: children: %w", oldName, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteFS) Remove(name string) error {
	key := cleanKey(name)
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("remove %s: begin: %w", name, err)
	}
	defer tx.Rollback()

	_, ok, err := lookup(tx, key)
	if err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	if !ok || key == "." {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	var n int
	if err := tx.QueryRow(`SELECT count(*) FROM entries WHERE parent = ?`, key).Scan(&n); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	if n > 0 {
		return &fs.PathError{Op: "remove", Path: name, Err: errors.New("directory not empty")}
	}
	if _, err := tx.Exec(`DELETE FROM entries WHERE path = ?`, key); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLiteFS) RemoveAll(name string) error {
	key := cleanKey(name)
	if key == "." {
		_, err := s.db.Exec(`DELETE FROM entries`)
		return err
	}
	prefix := key + "/"
	_, err := s.db.Exec(
		`DELETE FROM entries WHERE path = ? OR substr(path, 1, ?) = ?`,
		key, len(prefix), prefix,
	)
	if err != nil {
		return fmt.Errorf("remove all %s: %w", name, err)
	}
	return nil
}
