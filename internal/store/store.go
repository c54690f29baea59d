// Package store is the embedded, single-file document store. Documents are
// JSON bodies grouped into named collections inside one SQLite file; binary
// files live in the same file under path-like ids.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/and161185/datawrangler/internal/crypto/sealing"
	"github.com/and161185/datawrangler/internal/errs"
	"github.com/and161185/datawrangler/internal/migrate"
)

const busyTimeoutMS = 5000

const (
	metaKDFSalt    = "kdf_salt"
	metaWrappedKey = "wrapped_key"
)

var (
	// ErrBadExpr indicates a malformed field path or expression value.
	ErrBadExpr = errors.New("store: malformed expression")
	// ErrBadName indicates an invalid collection name.
	ErrBadName = errors.New("store: invalid collection name")
)

var (
	collectionRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	fieldRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)
)

// DB is an open store handle. It must be closed to release the file lock.
type DB struct {
	sql     *sql.DB
	opts    Options
	fileKey []byte // nil when the database has no password
	log     *zap.Logger
}

// Open parses connString, opens (or creates) the file, applies migrations and
// checks the password.
func Open(ctx context.Context, connString string, log *zap.Logger) (*DB, error) {
	opts, err := ParseConnectionString(connString)
	if err != nil {
		return nil, err
	}
	return OpenOptions(ctx, opts, log)
}

// OpenOptions is Open for already parsed options.
func OpenOptions(ctx context.Context, opts Options, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	sdb, err := sql.Open("sqlite3", dsn(opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: writes are serialized and exclusive locking mode keeps working
	sdb.SetMaxOpenConns(1)

	if err := sdb.PingContext(ctx); err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyPragmas(ctx, sdb); err != nil {
		_ = sdb.Close()
		return nil, err
	}
	if err := migrate.Up(ctx, sdb); err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db := &DB{sql: sdb, opts: opts, log: log}
	if err := db.unlock(ctx, opts.Password); err != nil {
		_ = sdb.Close()
		return nil, err
	}

	log.Debug("store opened",
		zap.String("file", opts.Filename),
		zap.Bool("shared", opts.Shared),
		zap.Bool("protected", db.fileKey != nil),
	)
	return db, nil
}

func dsn(o Options) string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(busyTimeoutMS))
	q.Set("_synchronous", "FULL")
	q.Set("_txlock", "immediate")
	if o.Shared {
		q.Set("_journal_mode", "WAL")
	} else {
		q.Set("_locking_mode", "EXCLUSIVE")
	}
	return o.Filename + "?" + q.Encode()
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	statements := []string{
		"PRAGMA cache_size = -20000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return nil
}

// unlock loads and unwraps the file key, or initializes protection on first
// open with a password.
func (db *DB) unlock(ctx context.Context, password string) error {
	salt, wrapped, err := db.loadKeyMaterial(ctx)
	if err != nil {
		return err
	}
	switch {
	case wrapped == nil && password == "":
		return nil
	case wrapped == nil:
		return db.protect(ctx, db.sql, password)
	case password == "":
		return fmt.Errorf("%w: database is password protected", errs.ErrBadPassword)
	}
	key, err := sealing.UnwrapKey(sealing.DeriveKEK(password, salt), wrapped)
	if err != nil {
		return errs.ErrBadPassword
	}
	db.fileKey = key
	return nil
}

func (db *DB) loadKeyMaterial(ctx context.Context) (salt, wrapped []byte, err error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT key, value FROM meta WHERE key IN (?, ?)`, metaKDFSalt, metaWrappedKey)
	if err != nil {
		return nil, nil, fmt.Errorf("read meta: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, nil, err
		}
		switch k {
		case metaKDFSalt:
			salt = v
		case metaWrappedKey:
			wrapped = v
		}
	}
	return salt, wrapped, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// protect creates a new file key (unless one is loaded) and wraps it with password.
func (db *DB) protect(ctx context.Context, ex execer, password string) error {
	key := db.fileKey
	if key == nil {
		var err error
		if key, err = sealing.Rand(sealing.FileKeyLen); err != nil {
			return err
		}
	}
	salt, err := sealing.Rand(sealing.SaltLen)
	if err != nil {
		return err
	}
	wrapped, err := sealing.WrapKey(sealing.DeriveKEK(password, salt), key)
	if err != nil {
		return err
	}
	const q = `INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := ex.ExecContext(ctx, q, metaKDFSalt, salt); err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, q, metaWrappedKey, wrapped); err != nil {
		return err
	}
	db.fileKey = key
	return nil
}

// Protected reports whether the database has a password.
func (db *DB) Protected() bool { return db.fileKey != nil }

// Path is the database file name.
func (db *DB) Path() string { return db.opts.Filename }

// SQL exposes the underlying handle to store-backed helpers such as the login limiter.
func (db *DB) SQL() *sql.DB { return db.sql }

// Close releases the handle and the file lock.
func (db *DB) Close() error { return db.sql.Close() }

// Rebuild compacts the file. A nil newPassword keeps the current protection;
// an empty one removes it; any other value (re)protects with that password.
// It returns the resulting file size in bytes.
func (db *DB) Rebuild(ctx context.Context, newPassword *string) (int64, error) {
	if newPassword != nil {
		if err := db.changePassword(ctx, *newPassword); err != nil {
			return 0, err
		}
	}
	if _, err := db.sql.ExecContext(ctx, "VACUUM"); err != nil {
		return 0, fmt.Errorf("vacuum: %w", err)
	}
	fi, err := os.Stat(db.opts.Filename)
	if err != nil {
		return 0, err
	}
	db.log.Info("store rebuilt",
		zap.String("file", db.opts.Filename),
		zap.Int64("size", fi.Size()),
		zap.Bool("protected", db.fileKey != nil),
	)
	return fi.Size(), nil
}

func (db *DB) changePassword(ctx context.Context, password string) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	oldKey := db.fileKey
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			db.fileKey = oldKey
			return
		}
		err = tx.Commit()
		if err != nil {
			db.fileKey = oldKey
		}
	}()

	if password == "" {
		if err = db.resealFiles(ctx, tx, oldKey, nil); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM meta WHERE key IN (?, ?)`, metaKDFSalt, metaWrappedKey)
		db.fileKey = nil
		return err
	}
	if err = db.protect(ctx, tx, password); err != nil {
		return err
	}
	if oldKey == nil {
		return db.resealFiles(ctx, tx, nil, db.fileKey)
	}
	return nil
}

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func checkCollection(col string) error {
	if !collectionRe.MatchString(col) {
		return fmt.Errorf("%w: %q", ErrBadName, col)
	}
	return nil
}

func checkField(field string) error {
	if !fieldRe.MatchString(field) {
		return fmt.Errorf("%w: field %q", ErrBadExpr, field)
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
