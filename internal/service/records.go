package service

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/and161185/datawrangler/internal/accessor"
	"github.com/and161185/datawrangler/internal/errs"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/naming"
	"github.com/and161185/datawrangler/internal/status"
	"github.com/and161185/datawrangler/internal/store"
)

func (s *Service) records(typeID int) *accessor.Collection[model.Record, *model.Record] {
	return accessor.For[model.Record](s.acc, naming.Records(typeID))
}

// recordType loads the owner type of a record operation.
func (s *Service) recordType(ctx context.Context, op model.Operation, typeID int) (*model.RecordType, status.Status) {
	st := s.recordTypes().FindByID(ctx, typeID)
	if !st.Success {
		return nil, status.Fail(op, st.Err())
	}
	rt, _ := status.Value[*model.RecordType](st)
	return rt, st
}

// conform checks that every attribute key of r belongs to rt.
func conform(rt *model.RecordType, r *model.Record) error {
	for _, k := range slices.Sorted(maps.Keys(r.Attributes)) {
		if !rt.HasAttribute(k) {
			return fmt.Errorf("%w: attribute %q is not defined by record type %q", errs.ErrValidation, k, rt.Name)
		}
	}
	return nil
}

// AddRecord stores r in the collection of its record type. Attributes
// outside the type's schema are rejected before anything is written.
// Result is the new id.
func (s *Service) AddRecord(ctx context.Context, r *model.Record) status.Status {
	if r == nil {
		return invalid(model.OpCreate, "nil record")
	}
	rt, st := s.recordType(ctx, model.OpCreate, r.TypeID)
	if !st.Success {
		return st
	}
	if err := conform(rt, r); err != nil {
		return status.Fail(model.OpCreate, err)
	}
	if r.Attributes == nil {
		r.Attributes = map[string]string{}
	}
	r.LastUpdated = now()
	return s.records(r.TypeID).Insert(ctx, r, "")
}

// AddRecords stores recs of record type typeID in one batch. Every record
// is checked against the schema first. Result is the number stored.
func (s *Service) AddRecords(ctx context.Context, typeID int, recs []*model.Record) status.Status {
	if len(recs) == 0 {
		return invalid(model.OpCreate, "no records given")
	}
	rt, st := s.recordType(ctx, model.OpCreate, typeID)
	if !st.Success {
		return st
	}
	for i, r := range recs {
		if r == nil {
			return invalid(model.OpCreate, "record %d is nil", i)
		}
		if r.TypeID != typeID {
			return invalid(model.OpCreate, "record %d belongs to type %d, not %d", i, r.TypeID, typeID)
		}
		if err := conform(rt, r); err != nil {
			return status.Fail(model.OpCreate, fmt.Errorf("record %d: %w", i, err))
		}
		if r.Attributes == nil {
			r.Attributes = map[string]string{}
		}
		r.LastUpdated = now()
	}
	return s.records(typeID).InsertBulk(ctx, recs, "")
}

// AddAttachmentsToRecord uploads paths as attachments of r and persists r
// with the new blob ids. Result is []string.
func (s *Service) AddAttachmentsToRecord(ctx context.Context, r *model.Record, paths []string) status.Status {
	if len(paths) == 0 {
		return invalid(model.OpFileAdd, "no files given")
	}
	st := s.files.AddFiles(ctx, r, paths)
	if !st.Success {
		return st
	}
	r.LastUpdated = now()
	if upd := s.records(r.TypeID).Update(ctx, r); !upd.Success {
		return status.Fail(model.OpFileAdd, upd.Err())
	}
	return st
}

// GetRecordByID returns *model.Record.
func (s *Service) GetRecordByID(ctx context.Context, typeID, id int) status.Status {
	return s.records(typeID).FindByID(ctx, id)
}

// GetRecordsByType returns a page of []*model.Record.
func (s *Service) GetRecordsByType(ctx context.Context, typeID, skip, limit int) status.Status {
	return s.records(typeID).FindAll(ctx, skip, page(limit))
}

// GetRecordCountByRecordType returns the number of records of typeID.
func (s *Service) GetRecordCountByRecordType(ctx context.Context, typeID int) status.Status {
	return s.records(typeID).Count(ctx)
}

// fieldSearch builds the expression for a search on one attribute.
func (s *Service) fieldSearch(ctx context.Context, typeID int, key, term string) (store.Expr, status.Status) {
	rt, st := s.recordType(ctx, model.OpRead, typeID)
	if !st.Success {
		return nil, st
	}
	if !rt.HasAttribute(key) {
		return nil, invalid(model.OpRead, "attribute %q is not defined by record type %q", key, rt.Name)
	}
	return accessor.AttributeContains(key, term), st
}

// globalSearch builds the expression for a search across all attributes.
func (s *Service) globalSearch(ctx context.Context, typeID int, term string) (store.Expr, status.Status) {
	rt, st := s.recordType(ctx, model.OpRead, typeID)
	if !st.Success {
		return nil, st
	}
	return accessor.AnyAttributeContains(slices.Sorted(maps.Keys(rt.Attributes)), term), st
}

// GetRecordsByTypeSearch returns records of typeID whose attribute key
// contains term.
func (s *Service) GetRecordsByTypeSearch(ctx context.Context, typeID int, key, term string, skip, limit int) status.Status {
	expr, st := s.fieldSearch(ctx, typeID, key, term)
	if !st.Success {
		return st
	}
	return s.records(typeID).FindByExpr(ctx, expr, skip, page(limit))
}

// GetRecordCountByRecordTypeAndSearch counts the matches of GetRecordsByTypeSearch.
func (s *Service) GetRecordCountByRecordTypeAndSearch(ctx context.Context, typeID int, key, term string) status.Status {
	expr, st := s.fieldSearch(ctx, typeID, key, term)
	if !st.Success {
		return st
	}
	return s.records(typeID).CountByExpr(ctx, expr)
}

// SearchRecords returns records of typeID where any attribute contains
// term. A record type without attributes matches nothing.
func (s *Service) SearchRecords(ctx context.Context, typeID int, term string, skip, limit int) status.Status {
	expr, st := s.globalSearch(ctx, typeID, term)
	if !st.Success {
		return st
	}
	return s.records(typeID).FindByExpr(ctx, expr, skip, page(limit))
}

// GetRecordCountGlobalSearch counts the matches of SearchRecords.
func (s *Service) GetRecordCountGlobalSearch(ctx context.Context, typeID int, term string) status.Status {
	expr, st := s.globalSearch(ctx, typeID, term)
	if !st.Success {
		return st
	}
	return s.records(typeID).CountByExpr(ctx, expr)
}

// UpdateRecord replaces the stored record after the same schema check as AddRecord.
func (s *Service) UpdateRecord(ctx context.Context, r *model.Record) status.Status {
	if r == nil {
		return invalid(model.OpUpdate, "nil record")
	}
	rt, st := s.recordType(ctx, model.OpUpdate, r.TypeID)
	if !st.Success {
		return st
	}
	if err := conform(rt, r); err != nil {
		return status.Fail(model.OpUpdate, err)
	}
	r.LastUpdated = now()
	return s.records(r.TypeID).Update(ctx, r)
}

// DeleteRecord removes the attachments of r, then r itself. The first
// failing attachment aborts before the record is touched.
func (s *Service) DeleteRecord(ctx context.Context, r *model.Record) status.Status {
	if r == nil {
		return invalid(model.OpDelete, "nil record")
	}
	for _, blobID := range slices.Clone(r.Attachments) {
		if st := s.files.RemoveFile(ctx, r, blobID); !st.Success {
			return st
		}
	}
	return s.records(r.TypeID).Delete(ctx, r)
}

// DeleteAttachmentFromRecord removes one attachment of r.
func (s *Service) DeleteAttachmentFromRecord(ctx context.Context, r *model.Record, blobID string) status.Status {
	return s.files.RemoveFile(ctx, r, blobID)
}

// SaveFileFromRecord writes attachment blobID to destPath.
func (s *Service) SaveFileFromRecord(ctx context.Context, blobID, destPath string) status.Status {
	return s.files.Download(ctx, blobID, destPath)
}
