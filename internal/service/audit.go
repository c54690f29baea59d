package service

import (
	"context"

	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/naming"
	"github.com/and161185/datawrangler/internal/status"
)

// Audit queries return []*model.AuditEntry newest first with User resolved.

// GetAuditEntriesForRecord returns the trail of r.
func (s *Service) GetAuditEntriesForRecord(ctx context.Context, r *model.Record, skip, limit int) status.Status {
	if r == nil {
		return invalid(model.OpRead, "nil record")
	}
	return s.acc.AuditFor(ctx, r.ID, naming.Records(r.TypeID), skip, page(limit))
}

// GetAuditEntriesForRecordType returns the trail of record type id.
func (s *Service) GetAuditEntriesForRecordType(ctx context.Context, id, skip, limit int) status.Status {
	return s.acc.AuditFor(ctx, id, naming.RecordTypes(), skip, page(limit))
}

// GetAuditEntriesForUserAccount returns the trail of account id.
func (s *Service) GetAuditEntriesForUserAccount(ctx context.Context, id, skip, limit int) status.Status {
	return s.acc.AuditFor(ctx, id, naming.Users(), skip, page(limit))
}

// GetAuditEntriesByUsername returns the entries written by username.
func (s *Service) GetAuditEntriesByUsername(ctx context.Context, username string, skip, limit int) status.Status {
	return s.acc.AuditByUsername(ctx, username, skip, page(limit))
}

// GetAuditEntries returns a page of the whole trail.
func (s *Service) GetAuditEntries(ctx context.Context, skip, limit int) status.Status {
	return s.acc.AuditAll(ctx, skip, page(limit))
}

// GetAuditEntryCount returns the size of the trail.
func (s *Service) GetAuditEntryCount(ctx context.Context) status.Status {
	return s.acc.AuditCount(ctx)
}

// GetAuditEntryCountForObject returns the number of entries for one object.
func (s *Service) GetAuditEntryCountForObject(ctx context.Context, id int, col naming.Collection) status.Status {
	return s.acc.AuditCountFor(ctx, id, col)
}
