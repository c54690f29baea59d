package accessor

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/and161185/datawrangler/internal/errs"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/naming"
	"github.com/and161185/datawrangler/internal/status"
	"github.com/and161185/datawrangler/internal/store"
)

// Collection is a typed handle on one physical collection. E is the entity
// struct; P is its pointer type, which carries the identity methods.
type Collection[E any, P interface {
	*E
	model.Entity
}] struct {
	acc *Accessor
	col naming.Collection
}

// For returns a typed handle on col.
func For[E any, P interface {
	*E
	model.Entity
}](acc *Accessor, col naming.Collection) *Collection[E, P] {
	return &Collection[E, P]{acc: acc, col: col}
}

// Name is the physical collection name.
func (c *Collection[E, P]) Name() string { return c.col.Name() }

func (c *Collection[E, P]) checkName() error {
	if !c.col.Valid() {
		return fmt.Errorf("%w: invalid collection %q", errs.ErrValidation, c.col.Logical())
	}
	return nil
}

func (c *Collection[E, P]) decode(body []byte) (P, error) {
	p := P(new(E))
	if err := json.Unmarshal(body, p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.col, err)
	}
	return p, nil
}

func (c *Collection[E, P]) decodeAll(docs []store.Doc) ([]P, error) {
	out := make([]P, 0, len(docs))
	for _, d := range docs {
		p, err := c.decode(d.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Insert stores obj and sets its id. With uniqueField set, a unique index on
// that field is declared first. Result is the new id.
func (c *Collection[E, P]) Insert(ctx context.Context, obj P, uniqueField string) (st status.Status) {
	defer c.acc.Recover(&st, model.OpCreate, c.col)
	if err := c.checkName(); err != nil {
		return status.Fail(model.OpCreate, err)
	}
	if obj == nil {
		return status.Fail(model.OpCreate, fmt.Errorf("%w: nil object", errs.ErrValidation))
	}
	if uniqueField != "" {
		if err := c.acc.db.EnsureIndex(ctx, c.col.Name(), uniqueField, true); err != nil {
			return c.acc.fault(model.OpCreate, c.col, 0, err)
		}
	}

	prev := obj.GetID()
	id, err := c.acc.db.Insert(ctx, c.col.Name(), func(id int) ([]byte, error) {
		obj.SetID(id)
		return json.Marshal(obj)
	})
	if err != nil {
		obj.SetID(prev)
		return c.acc.fault(model.OpCreate, c.col, 0, err)
	}
	if err := c.acc.RecordAudit(ctx, id, c.col, model.OpCreate, ""); err != nil {
		return c.acc.fault(model.OpCreate, c.col, id, err)
	}
	return status.OK(model.OpCreate, id)
}

// InsertBulk stores objs in one transaction and writes a single audit entry
// for the batch. Result is the number of inserted objects.
func (c *Collection[E, P]) InsertBulk(ctx context.Context, objs []P, uniqueField string) (st status.Status) {
	defer c.acc.Recover(&st, model.OpCreate, c.col)
	if err := c.checkName(); err != nil {
		return status.Fail(model.OpCreate, err)
	}
	for i, o := range objs {
		if o == nil {
			return status.Fail(model.OpCreate, fmt.Errorf("%w: nil object at %d", errs.ErrValidation, i))
		}
	}
	if uniqueField != "" {
		if err := c.acc.db.EnsureIndex(ctx, c.col.Name(), uniqueField, true); err != nil {
			return c.acc.fault(model.OpCreate, c.col, 0, err)
		}
	}

	prev := make([]int, len(objs))
	for i, o := range objs {
		prev[i] = o.GetID()
	}
	n, err := c.acc.db.InsertBulk(ctx, c.col.Name(), len(objs), func(i, id int) ([]byte, error) {
		objs[i].SetID(id)
		return json.Marshal(objs[i])
	})
	if err != nil {
		for i, o := range objs {
			o.SetID(prev[i])
		}
		return c.acc.fault(model.OpCreate, c.col, 0, err)
	}
	note := fmt.Sprintf("Insert Bulk operation with %d items", n)
	if err := c.acc.RecordAudit(ctx, -1, c.col, model.OpCreate, note); err != nil {
		return c.acc.fault(model.OpCreate, c.col, -1, err)
	}
	return status.OK(model.OpCreate, n)
}

// Update replaces the stored document with obj. Result is false when no
// document has obj's id; nothing is audited then.
func (c *Collection[E, P]) Update(ctx context.Context, obj P) (st status.Status) {
	defer c.acc.Recover(&st, model.OpUpdate, c.col)
	if err := c.checkName(); err != nil {
		return status.Fail(model.OpUpdate, err)
	}
	if obj == nil {
		return status.Fail(model.OpUpdate, fmt.Errorf("%w: nil object", errs.ErrValidation))
	}
	id := obj.GetID()
	body, err := json.Marshal(obj)
	if err != nil {
		return c.acc.fault(model.OpUpdate, c.col, id, err)
	}
	ok, err := c.acc.db.Update(ctx, c.col.Name(), id, body)
	if err != nil {
		return c.acc.fault(model.OpUpdate, c.col, id, err)
	}
	if ok {
		if err := c.acc.RecordAudit(ctx, id, c.col, model.OpUpdate, ""); err != nil {
			return c.acc.fault(model.OpUpdate, c.col, id, err)
		}
	}
	return status.OK(model.OpUpdate, ok)
}

// Delete removes obj by its id.
func (c *Collection[E, P]) Delete(ctx context.Context, obj P) status.Status {
	if obj == nil {
		return status.Fail(model.OpDelete, fmt.Errorf("%w: nil object", errs.ErrValidation))
	}
	return c.DeleteByID(ctx, obj.GetID())
}

// DeleteByID removes document id. Result is false when it did not exist.
func (c *Collection[E, P]) DeleteByID(ctx context.Context, id int) (st status.Status) {
	defer c.acc.Recover(&st, model.OpDelete, c.col)
	if err := c.checkName(); err != nil {
		return status.Fail(model.OpDelete, err)
	}
	ok, err := c.acc.db.Delete(ctx, c.col.Name(), id)
	if err != nil {
		return c.acc.fault(model.OpDelete, c.col, id, err)
	}
	if ok {
		if err := c.acc.RecordAudit(ctx, id, c.col, model.OpDelete, ""); err != nil {
			return c.acc.fault(model.OpDelete, c.col, id, err)
		}
	}
	return status.OK(model.OpDelete, ok)
}

// FindByID returns the document with id as P, or a not-found fault.
func (c *Collection[E, P]) FindByID(ctx context.Context, id int) (st status.Status) {
	defer c.acc.Recover(&st, model.OpRead, c.col)
	if err := c.checkName(); err != nil {
		return status.Fail(model.OpRead, err)
	}
	body, err := c.acc.db.Get(ctx, c.col.Name(), id)
	if err != nil {
		return c.acc.fault(model.OpRead, c.col, id, err)
	}
	p, err := c.decode(body)
	if err != nil {
		return c.acc.fault(model.OpRead, c.col, id, err)
	}
	return status.OK(model.OpRead, p)
}

func (c *Collection[E, P]) eq(field string, value any) store.Expr {
	if s, ok := value.(string); ok {
		value = Sanitize(s)
	}
	return store.Eq(field, value)
}

// FindByField returns the first document whose field equals value.
func (c *Collection[E, P]) FindByField(ctx context.Context, field string, value any) (st status.Status) {
	defer c.acc.Recover(&st, model.OpRead, c.col)
	if err := c.checkName(); err != nil {
		return status.Fail(model.OpRead, err)
	}
	docs, err := c.acc.db.Find(ctx, c.col.Name(), store.Query{Where: c.eq(field, value), Limit: 1})
	if err != nil {
		return c.acc.fault(model.OpRead, c.col, 0, err)
	}
	if len(docs) == 0 {
		return status.Fail(model.OpRead, fmt.Errorf("%w: %s where %s = %v", errs.ErrNotFound, c.col, field, value))
	}
	p, err := c.decode(docs[0].Body)
	if err != nil {
		return c.acc.fault(model.OpRead, c.col, docs[0].ID, err)
	}
	return status.OK(model.OpRead, p)
}

// FindManyByField returns the documents whose field equals value.
func (c *Collection[E, P]) FindManyByField(ctx context.Context, field string, value any, skip, limit int) status.Status {
	return c.find(ctx, store.Query{Where: c.eq(field, value), Skip: skip, Limit: limit})
}

// FindAll returns a page of the collection ordered by id.
func (c *Collection[E, P]) FindAll(ctx context.Context, skip, limit int) status.Status {
	return c.find(ctx, store.Query{Skip: skip, Limit: limit})
}

// FindByExpr returns the documents matching expr. Values inside expr are
// bound parameters; callers build term expressions with AttributeContains
// and AnyAttributeContains so they are sanitized.
func (c *Collection[E, P]) FindByExpr(ctx context.Context, expr store.Expr, skip, limit int) status.Status {
	return c.find(ctx, store.Query{Where: expr, Skip: skip, Limit: limit})
}

func (c *Collection[E, P]) find(ctx context.Context, q store.Query) (st status.Status) {
	defer c.acc.Recover(&st, model.OpRead, c.col)
	if err := c.checkName(); err != nil {
		return status.Fail(model.OpRead, err)
	}
	docs, err := c.acc.db.Find(ctx, c.col.Name(), q)
	if err != nil {
		return c.acc.fault(model.OpRead, c.col, 0, err)
	}
	out, err := c.decodeAll(docs)
	if err != nil {
		return c.acc.fault(model.OpRead, c.col, 0, err)
	}
	return status.OK(model.OpRead, out)
}

// Count returns the number of documents in the collection.
func (c *Collection[E, P]) Count(ctx context.Context) status.Status {
	return c.CountByExpr(ctx, nil)
}

// CountByExpr returns the number of documents matching expr.
func (c *Collection[E, P]) CountByExpr(ctx context.Context, expr store.Expr) (st status.Status) {
	defer c.acc.Recover(&st, model.OpRead, c.col)
	if err := c.checkName(); err != nil {
		return status.Fail(model.OpRead, err)
	}
	n, err := c.acc.db.Count(ctx, c.col.Name(), expr)
	if err != nil {
		return c.acc.fault(model.OpRead, c.col, 0, err)
	}
	return status.OK(model.OpRead, n)
}

// Drop removes the collection with all its documents. Result reports whether
// it existed.
func (c *Collection[E, P]) Drop(ctx context.Context) (st status.Status) {
	defer c.acc.Recover(&st, model.OpDelete, c.col)
	if err := c.checkName(); err != nil {
		return status.Fail(model.OpDelete, err)
	}
	existed, err := c.acc.db.Drop(ctx, c.col.Name())
	if err != nil {
		return c.acc.fault(model.OpDelete, c.col, 0, err)
	}
	c.acc.log.Info("collection dropped", zap.String("collection", c.col.Name()), zap.Bool("existed", existed))
	return status.OK(model.OpDelete, existed)
}
