package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/datawrangler/internal/errs"
)

// Doc is a stored document: its id and raw JSON body.
type Doc struct {
	ID   int
	Body []byte
}

// Query selects documents of one collection. A nil Where matches everything;
// Limit <= 0 means no limit. Results are ordered by id.
type Query struct {
	Where Expr
	Skip  int
	Limit int
	Desc  bool
}

// EnsureCollection creates col if it does not exist yet.
func (db *DB) EnsureCollection(ctx context.Context, col string) error {
	if err := checkCollection(col); err != nil {
		return err
	}
	return ensureCollection(ctx, db.sql, col)
}

func ensureCollection(ctx context.Context, ex execer, col string) error {
	const q = `INSERT INTO collections (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`
	_, err := ex.ExecContext(ctx, q, col, now())
	return err
}

// EnsureIndex declares an index on field of col. With unique set, later
// writes that duplicate the field value fail with errs.ErrAlreadyExists.
func (db *DB) EnsureIndex(ctx context.Context, col, field string, unique bool) error {
	if err := checkCollection(col); err != nil {
		return err
	}
	if err := checkField(field); err != nil {
		return err
	}
	if err := db.EnsureCollection(ctx, col); err != nil {
		return err
	}

	kind, prefix := "INDEX", "ix_"
	if unique {
		kind, prefix = "UNIQUE INDEX", "ux_"
	}
	name := prefix + col + "_" + strings.ReplaceAll(field, ".", "_")
	// col and field are validated above; DDL cannot take bound parameters
	ddl := fmt.Sprintf(`CREATE %s IF NOT EXISTS "%s" ON documents (%s) WHERE %s`,
		kind, name, fieldSQL(field), collectionSQL(col))
	if _, err := db.sql.ExecContext(ctx, ddl); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: existing documents in %s duplicate %s", errs.ErrAlreadyExists, col, field)
		}
		return fmt.Errorf("create index %s: %w", name, err)
	}
	const rec = `INSERT INTO collection_indexes (collection, field, name, is_unique) VALUES (?, ?, ?, ?)
ON CONFLICT(collection, field) DO NOTHING`
	_, err := db.sql.ExecContext(ctx, rec, col, field, name, unique)
	return err
}

// Insert stores one document. encode receives the assigned id and returns the body.
func (db *DB) Insert(ctx context.Context, col string, encode func(id int) ([]byte, error)) (int, error) {
	var id int
	_, err := db.insert(ctx, col, 1, func(_ int, assigned int) ([]byte, error) {
		id = assigned
		return encode(assigned)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertBulk stores n documents in one transaction and returns how many were written.
func (db *DB) InsertBulk(ctx context.Context, col string, n int, encode func(i, id int) ([]byte, error)) (int, error) {
	if n == 0 {
		return 0, nil
	}
	return db.insert(ctx, col, n, encode)
}

func (db *DB) insert(ctx context.Context, col string, n int, encode func(i, id int) ([]byte, error)) (count int, err error) {
	if err := checkCollection(col); err != nil {
		return 0, err
	}
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = e
		}
	}()

	if err = ensureCollection(ctx, tx, col); err != nil {
		return 0, err
	}
	var last int
	const seq = `UPDATE collections SET seq = seq + ? WHERE name = ? RETURNING seq`
	if err = tx.QueryRowContext(ctx, seq, n, col).Scan(&last); err != nil {
		return 0, fmt.Errorf("allocate ids: %w", err)
	}
	first := last - n + 1

	const ins = `INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)`
	for i := 0; i < n; i++ {
		body, encErr := encode(i, first+i)
		if encErr != nil {
			return 0, fmt.Errorf("encode document %d: %w", i, encErr)
		}
		if _, err = tx.ExecContext(ctx, ins, col, first+i, string(body)); err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("%w: %s: %w", errs.ErrAlreadyExists, col, err)
			}
			return 0, err
		}
	}
	return n, nil
}

// Update replaces the body of document id. It reports false when no such document exists.
func (db *DB) Update(ctx context.Context, col string, id int, body []byte) (bool, error) {
	if err := checkCollection(col); err != nil {
		return false, err
	}
	const q = `UPDATE documents SET body = ? WHERE collection = ? AND id = ?`
	res, err := db.sql.ExecContext(ctx, q, string(body), col, id)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: %s: %w", errs.ErrAlreadyExists, col, err)
		}
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes document id. It reports false when no such document exists.
func (db *DB) Delete(ctx context.Context, col string, id int) (bool, error) {
	if err := checkCollection(col); err != nil {
		return false, err
	}
	res, err := db.sql.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, col, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Get returns the body of document id or errs.ErrNotFound.
func (db *DB) Get(ctx context.Context, col string, id int) ([]byte, error) {
	if err := checkCollection(col); err != nil {
		return nil, err
	}
	var body string
	err := db.sql.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = ? AND id = ?`, col, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s#%d", errs.ErrNotFound, col, id)
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

// collectionSQL is the collection filter as a literal, matching the WHERE
// clause of the partial indexes built by EnsureIndex so the planner can use
// them. col must have passed checkCollection.
func collectionSQL(col string) string { return "collection = '" + col + "'" }

// Find returns the documents of col matching q.
func (db *DB) Find(ctx context.Context, col string, q Query) ([]Doc, error) {
	if err := checkCollection(col); err != nil {
		return nil, err
	}
	where, args, err := compile(q.Where)
	if err != nil {
		return nil, err
	}
	order := "ASC"
	if q.Desc {
		order = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	skip := max(q.Skip, 0)

	stmt := `SELECT id, body FROM documents WHERE ` + collectionSQL(col) + ` AND (` + where + `) ORDER BY id ` + order + ` LIMIT ? OFFSET ?`
	rows, err := db.sql.QueryContext(ctx, stmt, append(args, limit, skip)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Doc{}
	for rows.Next() {
		var d Doc
		var body string
		if err := rows.Scan(&d.ID, &body); err != nil {
			return nil, err
		}
		d.Body = []byte(body)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Count returns the number of documents of col matching where.
func (db *DB) Count(ctx context.Context, col string, where Expr) (int, error) {
	if err := checkCollection(col); err != nil {
		return 0, err
	}
	cond, args, err := compile(where)
	if err != nil {
		return 0, err
	}
	var n int
	stmt := `SELECT COUNT(*) FROM documents WHERE ` + collectionSQL(col) + ` AND (` + cond + `)`
	err = db.sql.QueryRowContext(ctx, stmt, args...).Scan(&n)
	return n, err
}

// Drop removes col, its documents and its indexes. It reports whether the collection existed.
func (db *DB) Drop(ctx context.Context, col string) (existed bool, err error) {
	if err := checkCollection(col); err != nil {
		return false, err
	}
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = e
		}
	}()

	rows, err := tx.QueryContext(ctx, `SELECT name FROM collection_indexes WHERE collection = ?`, col)
	if err != nil {
		return false, err
	}
	var indexes []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			rows.Close()
			return false, err
		}
		indexes = append(indexes, name)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return false, err
	}
	for _, name := range indexes {
		if _, err = tx.ExecContext(ctx, `DROP INDEX IF EXISTS "`+name+`"`); err != nil {
			return false, err
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM collection_indexes WHERE collection = ?`, col); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, col)
	if err != nil {
		return false, err
	}
	docs, _ := res.RowsAffected()
	res, err = tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, col)
	if err != nil {
		return false, err
	}
	cols, _ := res.RowsAffected()
	return docs > 0 || cols > 0, nil
}

// Collections lists existing collection names in order.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
