// Package service is the business facade over the accessor: record types,
// records, user accounts, audit queries and system maintenance. Every
// operation returns a status.Status.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/datawrangler/internal/accessor"
	"github.com/and161185/datawrangler/internal/attachment"
	"github.com/and161185/datawrangler/internal/config"
	"github.com/and161185/datawrangler/internal/errs"
	"github.com/and161185/datawrangler/internal/limiter"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/status"
)

// DefaultPageSize is used by list operations when limit is not positive.
const DefaultPageSize = 500

// Service composes the accessor, attachment manager and login limiter.
// It is not safe for concurrent mutating calls.
type Service struct {
	acc   *accessor.Accessor
	files *attachment.Manager
	lim   limiter.Limiter
	log   *zap.Logger
}

// New constructs a Service. Nil files and lim are built over acc's store.
func New(acc *accessor.Accessor, files *attachment.Manager, lim limiter.Limiter, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if files == nil {
		files = attachment.New(acc, nil, log)
	}
	if lim == nil {
		lim = limiter.NewSQLite(acc.DB().SQL(), 0, 0, 0)
	}
	return &Service{acc: acc, files: files, lim: lim, log: log}
}

// Open opens the database described by settings. user is recorded as the
// actor of audit entries until Authenticate replaces it; nil records user 0.
func Open(ctx context.Context, settings config.DBSettings, user *model.UserAccount, log *zap.Logger) (*Service, error) {
	if settings.FilePath == "" {
		return nil, config.ErrNoDBSettings
	}
	acc, err := accessor.Open(ctx, settings.ConnectionString(), accessor.Options{User: user}, log)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", settings.FilePath, err)
	}
	return New(acc, nil, nil, log), nil
}

// Close releases the database file.
func (s *Service) Close() error { return s.acc.Close() }

// Accessor exposes the underlying accessor.
func (s *Service) Accessor() *accessor.Accessor { return s.acc }

func page(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

func invalid(op model.Operation, format string, args ...any) status.Status {
	return status.Fail(op, fmt.Errorf("%w: %s", errs.ErrValidation, fmt.Sprintf(format, args...)))
}

func now() time.Time { return time.Now().UTC() }
