package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/and161185/datawrangler/internal/crypto/sealing"
	"github.com/and161185/datawrangler/internal/errs"
)

// FileInfo describes a stored file. Length is the plaintext length.
type FileInfo struct {
	ID         string
	Filename   string
	Length     int64
	UploadedAt time.Time
}

// FileStorage is the file facility of a store. Ids are path-like strings.
type FileStorage struct{ db *DB }

// Files returns the file facility of db.
func (db *DB) Files() *FileStorage { return &FileStorage{db: db} }

// Upload stores the content of r under id, replacing any file with that id,
// and returns the stored file's info.
func (fs *FileStorage) Upload(ctx context.Context, id, filename string, r io.Reader) (FileInfo, error) {
	if id == "" {
		return FileInfo{}, errors.New("store: empty file id")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return FileInfo{}, fmt.Errorf("read upload: %w", err)
	}
	length := int64(len(data))

	sealed := false
	if key := fs.db.fileKey; key != nil {
		if data, err = sealing.Seal(key, id, data); err != nil {
			return FileInfo{}, err
		}
		sealed = true
	}

	const q = `INSERT INTO files (id, filename, length, sealed, uploaded_at, data) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET filename = excluded.filename, length = excluded.length,
  sealed = excluded.sealed, uploaded_at = excluded.uploaded_at, data = excluded.data`
	if _, err := fs.db.sql.ExecContext(ctx, q, id, filename, length, sealed, now(), data); err != nil {
		return FileInfo{}, err
	}
	return fs.Info(ctx, id)
}

// Info returns the metadata of file id or errs.ErrNotFound.
func (fs *FileStorage) Info(ctx context.Context, id string) (FileInfo, error) {
	const q = `SELECT id, filename, length, uploaded_at FROM files WHERE id = ?`
	fi, err := scanInfo(fs.db.sql.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return FileInfo{}, fmt.Errorf("%w: file %s", errs.ErrNotFound, id)
	}
	return fi, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanInfo(row rowScanner) (FileInfo, error) {
	var fi FileInfo
	var uploaded string
	if err := row.Scan(&fi.ID, &fi.Filename, &fi.Length, &uploaded); err != nil {
		return FileInfo{}, err
	}
	fi.UploadedAt, _ = time.Parse(time.RFC3339Nano, uploaded)
	return fi, nil
}

// Download writes the content of file id to w and returns its info.
func (fs *FileStorage) Download(ctx context.Context, id string, w io.Writer) (FileInfo, error) {
	const q = `SELECT id, filename, length, uploaded_at, sealed, data FROM files WHERE id = ?`
	var (
		fi       FileInfo
		uploaded string
		sealed   bool
		data     []byte
	)
	err := fs.db.sql.QueryRowContext(ctx, q, id).Scan(&fi.ID, &fi.Filename, &fi.Length, &uploaded, &sealed, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return FileInfo{}, fmt.Errorf("%w: file %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return FileInfo{}, err
	}
	fi.UploadedAt, _ = time.Parse(time.RFC3339Nano, uploaded)

	if sealed {
		if fs.db.fileKey == nil {
			return FileInfo{}, fmt.Errorf("%w: file %s is sealed", errs.ErrBadPassword, id)
		}
		if data, err = sealing.Open(fs.db.fileKey, id, data); err != nil {
			return FileInfo{}, fmt.Errorf("open file %s: %w", id, err)
		}
	}
	if _, err := w.Write(data); err != nil {
		return FileInfo{}, err
	}
	return fi, nil
}

// Delete removes file id. It reports false when no such file exists.
func (fs *FileStorage) Delete(ctx context.Context, id string) (bool, error) {
	res, err := fs.db.sql.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Find lists files whose id starts with prefix, ordered by id.
func (fs *FileStorage) Find(ctx context.Context, prefix string) ([]FileInfo, error) {
	const q = `SELECT id, filename, length, uploaded_at FROM files WHERE substr(id, 1, length(?)) = ? ORDER BY id`
	rows, err := fs.db.sql.QueryContext(ctx, q, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []FileInfo{}
	for rows.Next() {
		fi, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

// resealFiles rewrites every file sealed under from so it is sealed under to.
// A nil key means plaintext.
func (db *DB) resealFiles(ctx context.Context, tx *sql.Tx, from, to []byte) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, sealed, data FROM files`)
	if err != nil {
		return err
	}
	type blob struct {
		id     string
		sealed bool
		data   []byte
	}
	var blobs []blob
	for rows.Next() {
		var b blob
		if err := rows.Scan(&b.id, &b.sealed, &b.data); err != nil {
			rows.Close()
			return err
		}
		blobs = append(blobs, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, b := range blobs {
		plain := b.data
		if b.sealed {
			if from == nil {
				return fmt.Errorf("file %s is sealed but no key is loaded", b.id)
			}
			if plain, err = sealing.Open(from, b.id, b.data); err != nil {
				return fmt.Errorf("open file %s: %w", b.id, err)
			}
		}
		out, sealed := plain, false
		if to != nil {
			if out, err = sealing.Seal(to, b.id, plain); err != nil {
				return err
			}
			sealed = true
		}
		if _, err := tx.ExecContext(ctx, `UPDATE files SET data = ?, sealed = ? WHERE id = ?`, out, sealed, b.id); err != nil {
			return err
		}
	}
	return nil
}
