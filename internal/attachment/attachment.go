// Package attachment stores record attachments in the store's file facility
// and keeps the audit trail for them.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/and161185/datawrangler/internal/accessor"
	"github.com/and161185/datawrangler/internal/errs"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/naming"
	"github.com/and161185/datawrangler/internal/status"
	"github.com/and161185/datawrangler/internal/store"
)

// CopySuffix is inserted before the extension of a colliding file name.
const CopySuffix = " - Copy"

// Files is the blob facility the manager writes to.
type Files interface {
	Upload(ctx context.Context, id, filename string, r io.Reader) (store.FileInfo, error)
	Download(ctx context.Context, id string, w io.Writer) (store.FileInfo, error)
	Delete(ctx context.Context, id string) (bool, error)
	Find(ctx context.Context, prefix string) ([]store.FileInfo, error)
}

// Manager handles the attachment lifecycle of records.
type Manager struct {
	acc   *accessor.Accessor
	files Files
	log   *zap.Logger
}

// New returns a Manager. A nil files uses the accessor's store.
func New(acc *accessor.Accessor, files Files, log *zap.Logger) *Manager {
	if files == nil {
		files = acc.Files()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{acc: acc, files: files, log: log}
}

func fail(op model.Operation, kind error, format string, args ...any) status.Status {
	return status.Fail(op, fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)))
}

// AddFiles uploads the files at paths as attachments of rec and appends the
// new blob ids to rec.Attachments. The record itself is not persisted.
// Uploads finished before a failure stay stored. Result is []string.
func (m *Manager) AddFiles(ctx context.Context, rec *model.Record, paths []string) (st status.Status) {
	col := naming.Records(0)
	if rec != nil {
		col = naming.Records(rec.TypeID)
	}
	defer m.acc.Recover(&st, model.OpFileAdd, col)

	if rec == nil || rec.ID <= 0 {
		return fail(model.OpFileAdd, errs.ErrValidation, "attachments need a stored record")
	}
	sizes := make([]int64, len(paths))
	for i, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return fail(model.OpFileAdd, errs.ErrValidation, "file %s: %v", p, err)
		}
		if !fi.Mode().IsRegular() {
			return fail(model.OpFileAdd, errs.ErrValidation, "file %s is not a regular file", p)
		}
		sizes[i] = fi.Size()
	}

	taken := make(map[string]bool, len(rec.Attachments)+len(paths))
	for _, a := range rec.Attachments {
		taken[naming.FileName(a)] = true
	}

	ids := make([]string, 0, len(paths))
	for i, p := range paths {
		name := UniqueName(filepath.Base(p), taken)
		taken[name] = true

		u, err := uuid.NewV4()
		if err != nil {
			return status.Fail(model.OpFileAdd, err)
		}
		blobID := naming.AttachmentPath(rec.TypeID, rec.ID, u, name)
		stored, err := m.upload(ctx, blobID, name, p)
		if err != nil {
			return status.Fail(model.OpFileAdd, fmt.Errorf("%w: upload %s: %w", errs.ErrStore, p, err))
		}
		if stored.Length != sizes[i] {
			return fail(model.OpFileAdd, errs.ErrStore, "upload %s: stored %d of %d bytes", p, stored.Length, sizes[i])
		}
		if err := m.acc.RecordAudit(ctx, rec.ID, col, model.OpFileAdd, blobID); err != nil {
			return status.Fail(model.OpFileAdd, err)
		}
		rec.Attachments = append(rec.Attachments, blobID)
		ids = append(ids, blobID)
		m.log.Debug("attachment stored", zap.String("blob", blobID), zap.Int64("size", stored.Length))
	}
	return status.OK(model.OpFileAdd, ids)
}

func (m *Manager) upload(ctx context.Context, blobID, name, path string) (store.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return store.FileInfo{}, err
	}
	defer f.Close()
	return m.files.Upload(ctx, blobID, name, f)
}

// UniqueName appends CopySuffix before the extension of name until it is not
// in taken.
func UniqueName(name string, taken map[string]bool) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for taken[name] {
		base += CopySuffix
		name = base + ext
	}
	return name
}

// RemoveFile deletes blobID, drops it from rec and persists rec.
func (m *Manager) RemoveFile(ctx context.Context, rec *model.Record, blobID string) (st status.Status) {
	col := naming.Records(0)
	if rec != nil {
		col = naming.Records(rec.TypeID)
	}
	defer m.acc.Recover(&st, model.OpFileRemove, col)

	if rec == nil {
		return fail(model.OpFileRemove, errs.ErrValidation, "nil record")
	}
	if !rec.HasAttachment(blobID) {
		return fail(model.OpFileRemove, errs.ErrValidation, "%s is not attached to record %d", blobID, rec.ID)
	}
	existed, err := m.files.Delete(ctx, blobID)
	if err != nil {
		return status.Fail(model.OpFileRemove, fmt.Errorf("%w: delete %s: %w", errs.ErrStore, blobID, err))
	}
	if !existed {
		m.log.Warn("attachment blob already missing", zap.String("blob", blobID), zap.Int("record", rec.ID))
	}
	if err := m.acc.RecordAudit(ctx, rec.ID, col, model.OpFileRemove, blobID); err != nil {
		return status.Fail(model.OpFileRemove, err)
	}

	rec.Attachments = slices.DeleteFunc(rec.Attachments, func(a string) bool { return a == blobID })
	upd := accessor.For[model.Record](m.acc, col).Update(ctx, rec)
	if !upd.Success {
		return status.Fail(model.OpFileRemove, upd.Err())
	}
	if ok, _ := status.Value[bool](upd); !ok {
		return fail(model.OpFileRemove, errs.ErrNotFound, "record %d in %s", rec.ID, col)
	}
	return status.OK(model.OpFileRemove, true)
}

// DeleteAllForRecordType removes every attachment stored under rt. The first
// failing deletion aborts; blobs deleted before it stay deleted. Result is
// the number of removed blobs.
func (m *Manager) DeleteAllForRecordType(ctx context.Context, rt *model.RecordType) (st status.Status) {
	defer m.acc.Recover(&st, model.OpFileRemove, naming.RecordTypes())

	if rt == nil {
		return fail(model.OpFileRemove, errs.ErrValidation, "nil record type")
	}
	blobs, err := m.files.Find(ctx, naming.RecordTypeFilePrefix(rt.ID))
	if err != nil {
		return status.Fail(model.OpFileRemove, fmt.Errorf("%w: list attachments of record type %d: %w", errs.ErrStore, rt.ID, err))
	}
	for i, b := range blobs {
		if _, err := m.files.Delete(ctx, b.ID); err != nil {
			m.log.Warn("attachment purge aborted",
				zap.Int("recordType", rt.ID),
				zap.Int("removed", i),
				zap.Int("total", len(blobs)),
				zap.Error(err),
			)
			return status.Fail(model.OpFileRemove, fmt.Errorf(
				"%w: record type %d (%s) left partially cleaned, %d of %d attachments removed: %w",
				errs.ErrStore, rt.ID, rt.Name, i, len(blobs), err))
		}
	}
	note := fmt.Sprintf("Removed %d attachments of record type %s", len(blobs), rt.Name)
	if err := m.acc.RecordAudit(ctx, rt.ID, naming.RecordTypes(), model.OpFileRemove, note); err != nil {
		return status.Fail(model.OpFileRemove, err)
	}
	return status.OK(model.OpFileRemove, len(blobs))
}

// Download streams blobID to destPath, replacing any file there. A failed
// download leaves destPath untouched.
func (m *Manager) Download(ctx context.Context, blobID, destPath string) (st status.Status) {
	defer m.acc.Recover(&st, model.OpRead, naming.Records(0))

	pr, pw := io.Pipe()
	var fi store.FileInfo
	done := make(chan error, 1)
	go func() {
		var err error
		fi, err = m.files.Download(ctx, blobID, pw)
		pw.CloseWithError(err)
		done <- err
	}()
	werr := atomic.WriteFile(destPath, pr)
	pr.CloseWithError(werr)
	if err := <-done; err != nil {
		kind := errs.ErrStore
		if errors.Is(err, errs.ErrNotFound) {
			kind = errs.ErrNotFound
		}
		return status.Fail(model.OpRead, fmt.Errorf("%w: download %s: %w", kind, blobID, err))
	}
	if werr != nil {
		return status.Fail(model.OpRead, fmt.Errorf("%w: write %s: %w", errs.ErrStore, destPath, werr))
	}
	out, err := os.Stat(destPath)
	if err != nil {
		return status.Fail(model.OpRead, fmt.Errorf("%w: stat %s: %w", errs.ErrStore, destPath, err))
	}
	if out.Size() != fi.Length {
		return fail(model.OpRead, errs.ErrStore, "download %s: wrote %d of %d bytes", blobID, out.Size(), fi.Length)
	}
	return status.OK(model.OpRead, true)
}
