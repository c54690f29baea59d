package accessor

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/and161185/datawrangler/internal/errs"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/naming"
	"github.com/and161185/datawrangler/internal/status"
	"github.com/and161185/datawrangler/internal/store"
)

// RecordAudit appends one audit entry for objectID in col. It is a no-op when
// audit is suppressed. A failure is a consistency fault: the mutation it
// describes has already been committed.
func (a *Accessor) RecordAudit(ctx context.Context, objectID int, col naming.Collection, op model.Operation, note string) error {
	if a.opts.SkipAudit {
		return nil
	}
	entry := &model.AuditEntry{
		ObjectID:        objectID,
		ObjectLookupCol: col.Name(),
		Operation:       op,
		Note:            note,
		Date:            time.Now().UTC(),
	}
	if a.opts.User != nil {
		entry.UserID = a.opts.User.ID
	}
	a.ensureAuditIndex(ctx)
	_, err := a.db.Insert(ctx, naming.Audit().Name(), func(id int) ([]byte, error) {
		entry.SetID(id)
		return json.Marshal(entry)
	})
	if err != nil {
		a.log.Warn("audit write failed",
			zap.String("collection", col.Name()),
			zap.String("op", op.String()),
			zap.Int("id", objectID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: audit %s of %s#%d: %w", errs.ErrConsistency, op, col, objectID, err)
	}
	return nil
}

// AuditIndexField is indexed on the audit collection; per-object trail
// queries filter on it.
const AuditIndexField = "ObjectId"

// ensureAuditIndex declares the audit index on the first audit write of this
// accessor. A failure only costs query speed and is retried on the next write.
func (a *Accessor) ensureAuditIndex(ctx context.Context) {
	if a.auditIndexed {
		return
	}
	if err := a.db.EnsureIndex(ctx, naming.Audit().Name(), AuditIndexField, false); err != nil {
		a.log.Warn("audit index not created", zap.Error(err))
		return
	}
	a.auditIndexed = true
}

func (a *Accessor) audit() *Collection[model.AuditEntry, *model.AuditEntry] {
	return For[model.AuditEntry](a, naming.Audit())
}

func (a *Accessor) users() *Collection[model.UserAccount, *model.UserAccount] {
	return For[model.UserAccount](a, naming.Users())
}

func objectExpr(objectID int, col naming.Collection) store.Expr {
	return store.And(store.Eq("ObjectId", objectID), store.Eq("ObjectLookupCol", col.Name()))
}

// AuditFor returns the audit entries of one object, newest first, with the
// acting user resolved. Result is []*model.AuditEntry.
func (a *Accessor) AuditFor(ctx context.Context, objectID int, col naming.Collection, skip, limit int) status.Status {
	return a.auditQuery(ctx, store.Query{Where: objectExpr(objectID, col), Skip: skip, Limit: limit, Desc: true})
}

// AuditAll returns a page of the whole trail, newest first.
func (a *Accessor) AuditAll(ctx context.Context, skip, limit int) status.Status {
	return a.auditQuery(ctx, store.Query{Skip: skip, Limit: limit, Desc: true})
}

// AuditByUsername returns the entries written by the named user, newest first.
func (a *Accessor) AuditByUsername(ctx context.Context, username string, skip, limit int) status.Status {
	st := a.users().FindByField(ctx, "Username", username)
	if !st.Success {
		return st
	}
	u, _ := status.Value[*model.UserAccount](st)
	return a.auditQuery(ctx, store.Query{Where: store.Eq("UserId", u.ID), Skip: skip, Limit: limit, Desc: true})
}

// AuditCount is the number of entries in the trail.
func (a *Accessor) AuditCount(ctx context.Context) status.Status {
	return a.audit().Count(ctx)
}

// AuditCountFor is the number of entries for one object.
func (a *Accessor) AuditCountFor(ctx context.Context, objectID int, col naming.Collection) status.Status {
	return a.audit().CountByExpr(ctx, objectExpr(objectID, col))
}

// Ids order the trail; Date strings do not sort reliably.
func (a *Accessor) auditQuery(ctx context.Context, q store.Query) status.Status {
	st := a.audit().find(ctx, q)
	if !st.Success {
		return st
	}
	entries, _ := status.Value[[]*model.AuditEntry](st)
	if err := a.resolveUsers(ctx, entries); err != nil {
		return a.fault(model.OpRead, naming.Audit(), 0, err)
	}
	return st
}

func (a *Accessor) resolveUsers(ctx context.Context, entries []*model.AuditEntry) error {
	seen := map[int]*model.UserAccount{}
	users := a.users()
	for _, e := range entries {
		u, ok := seen[e.UserID]
		if !ok {
			st := users.FindByID(ctx, e.UserID)
			switch {
			case st.Success:
				u, _ = status.Value[*model.UserAccount](st)
			case errors.Is(st.Err(), errs.ErrNotFound):
				// deleted or bootstrap user; leave unresolved
			default:
				return st.Err()
			}
			seen[e.UserID] = u
		}
		e.User = u
	}
	return nil
}
