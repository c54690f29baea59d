// Package accessor provides typed collection access over the document store
// and writes the audit trail for every mutation made through it.
package accessor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/and161185/datawrangler/internal/errs"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/naming"
	"github.com/and161185/datawrangler/internal/status"
	"github.com/and161185/datawrangler/internal/store"
)

// Options configures an Accessor.
type Options struct {
	// User is recorded as the actor of audit entries. Nil records user id 0.
	User *model.UserAccount
	// SkipAudit suppresses audit entries; used during bootstrap.
	SkipAudit bool
}

// Accessor owns one store handle. Close must be called to release the file.
type Accessor struct {
	db   *store.DB
	opts Options
	log  *zap.Logger
	// set once the ObjectId index of the audit collection is declared
	auditIndexed bool
}

// Open opens the store described by connString.
func Open(ctx context.Context, connString string, opts Options, log *zap.Logger) (*Accessor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := store.Open(ctx, connString, log)
	if err != nil {
		return nil, err
	}
	return New(db, opts, log), nil
}

// New wraps an already opened store. The Accessor takes ownership of db.
func New(db *store.DB, opts Options, log *zap.Logger) *Accessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accessor{db: db, opts: opts, log: log}
}

// Close releases the store handle.
func (a *Accessor) Close() error { return a.db.Close() }

// DB exposes the underlying store.
func (a *Accessor) DB() *store.DB { return a.db }

// Files is the store's file facility.
func (a *Accessor) Files() *store.FileStorage { return a.db.Files() }

// User is the acting user, possibly nil.
func (a *Accessor) User() *model.UserAccount { return a.opts.User }

// SetUser changes the acting user for subsequent audit entries.
func (a *Accessor) SetUser(u *model.UserAccount) { a.opts.User = u }

// AuditEnabled reports whether mutations are audited.
func (a *Accessor) AuditEnabled() bool { return !a.opts.SkipAudit }

// Sanitize strips control characters and surrounding whitespace from a
// value that is about to be used in a search expression.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// AnyAttributeContains matches records where any of the given attribute keys
// contains term. No keys matches nothing.
func AnyAttributeContains(keys []string, term string) store.Expr {
	term = Sanitize(term)
	exprs := make([]store.Expr, 0, len(keys))
	for _, k := range keys {
		exprs = append(exprs, store.Contains("Attributes."+k, term))
	}
	return store.Or(exprs...)
}

// AttributeContains matches records whose attribute key contains term.
func AttributeContains(key, term string) store.Expr {
	return store.Contains("Attributes."+key, Sanitize(term))
}

// fault converts a store error into a failed status and logs it.
func (a *Accessor) fault(op model.Operation, col naming.Collection, id int, err error) status.Status {
	switch {
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrConsistency), errors.Is(err, errs.ErrStore):
	default:
		err = fmt.Errorf("%w: %s %s: %w", errs.ErrStore, strings.ToLower(op.String()), col, err)
	}
	level := zap.WarnLevel
	if errors.Is(err, errs.ErrNotFound) {
		level = zap.DebugLevel
	}
	a.log.Log(level, "accessor fault",
		zap.String("collection", col.Name()),
		zap.String("op", op.String()),
		zap.Int("id", id),
		zap.Error(err),
	)
	return status.Fail(op, err)
}

// Recover turns a panic in the calling operation into a failed status.
// It must be deferred directly.
func (a *Accessor) Recover(st *status.Status, op model.Operation, col naming.Collection) {
	if r := recover(); r != nil {
		a.log.Error("panic",
			zap.Any("reason", r),
			zap.ByteString("stack", debug.Stack()),
			zap.String("collection", col.Name()),
			zap.String("op", op.String()),
		)
		*st = status.Fail(op, fmt.Errorf("%w: panic in %s %s: %v", errs.ErrStore, op, col, r))
	}
}
