package service

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/datawrangler/internal/attachment"
	"github.com/and161185/datawrangler/internal/config"
	"github.com/and161185/datawrangler/internal/errs"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/naming"
	"github.com/and161185/datawrangler/internal/status"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wrangler.db")

	st := InitializeSystem(ctx, nil, InitOptions{FilePath: path}, zap.NewNop())
	require.True(t, st.Success, "initialize: %v", st.Err())
	res, _ := status.Value[InitResult](st)

	s, err := Open(ctx, res.Settings, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	auth := s.Authenticate(ctx, DefaultAdminUsername, DefaultAdminPassword)
	require.True(t, auth.Success, "authenticate: %v", auth.Err())
	return s
}

func value[T any](t *testing.T, st status.Status) T {
	t.Helper()
	require.True(t, st.Success, "status failed: %v", st.Err())
	v, ok := status.Value[T](st)
	require.True(t, ok, "unexpected result type %T", st.Result)
	return v
}

func addAssetType(t *testing.T, s *Service) *model.RecordType {
	t.Helper()
	rt := &model.RecordType{Name: "Asset", Attributes: map[string]string{"a1": "Owner", "a2": "Value"}, Active: true}
	value[int](t, s.AddRecordType(context.Background(), rt))
	return rt
}

func auditCount(t *testing.T, s *Service) int {
	t.Helper()
	return value[int](t, s.GetAuditEntryCount(context.Background()))
}

func TestEndToEnd_AssetAlice(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, s)

	rec := &model.Record{TypeID: rt.ID, Attributes: map[string]string{"a1": "Alice", "a2": "100"}, Active: true}
	id := value[int](t, s.AddRecord(ctx, rec))

	found := value[[]*model.Record](t, s.SearchRecords(ctx, rt.ID, "Alice", 0, 0))
	require.Len(t, found, 1)
	require.Equal(t, id, found[0].ID)
	require.Equal(t, 1, value[int](t, s.GetRecordCountGlobalSearch(ctx, rt.ID, "Alice")))

	before := value[int](t, s.GetAuditEntryCountForObject(ctx, id, naming.Records(rt.ID)))
	require.True(t, value[bool](t, s.DeleteRecord(ctx, rec)))

	found = value[[]*model.Record](t, s.SearchRecords(ctx, rt.ID, "Alice", 0, 0))
	require.Empty(t, found)

	entries := value[[]*model.AuditEntry](t, s.GetAuditEntriesForRecord(ctx, rec, 0, 0))
	require.Len(t, entries, before+1)
	require.Equal(t, model.OpDelete, entries[0].Operation)
	require.Equal(t, id, entries[0].ObjectID)
	require.NotNil(t, entries[0].User)
	require.Equal(t, DefaultAdminUsername, entries[0].User.Username)
}

func TestAddRecord_SchemaConformance(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, s)
	audits := auditCount(t, s)

	bad := &model.Record{TypeID: rt.ID, Attributes: map[string]string{"a1": "Alice", "zz": "?"}}
	st := s.AddRecord(ctx, bad)
	require.False(t, st.Success)
	require.ErrorIs(t, st.Err(), errs.ErrValidation)
	require.Zero(t, bad.ID)
	require.Equal(t, audits, auditCount(t, s), "rejected record must not be audited")
	require.Equal(t, 0, value[int](t, s.GetRecordCountByRecordType(ctx, rt.ID)))

	good := &model.Record{TypeID: rt.ID, Attributes: map[string]string{"a2": "5"}}
	value[int](t, s.AddRecord(ctx, good))
	require.Equal(t, audits+1, auditCount(t, s))

	st = s.AddRecord(ctx, &model.Record{TypeID: 999})
	require.ErrorIs(t, st.Err(), errs.ErrNotFound)

	good.Attributes["zz"] = "x"
	require.ErrorIs(t, s.UpdateRecord(ctx, good).Err(), errs.ErrValidation)
}

func TestAddRecord_RoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, s)

	in := &model.Record{TypeID: rt.ID, Attributes: map[string]string{"a1": "Bob", "a2": "7"}, Active: true}
	id := value[int](t, s.AddRecord(ctx, in))
	got := value[*model.Record](t, s.GetRecordByID(ctx, rt.ID, id))
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	require.ErrorIs(t, s.GetRecordByID(ctx, rt.ID, id+100).Err(), errs.ErrNotFound)
}

func TestAddRecords_Batch(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, s)
	audits := auditCount(t, s)

	recs := []*model.Record{
		{TypeID: rt.ID, Attributes: map[string]string{"a1": "A"}},
		{TypeID: rt.ID, Attributes: map[string]string{"a1": "B"}},
	}
	require.Equal(t, 2, value[int](t, s.AddRecords(ctx, rt.ID, recs)))
	require.Equal(t, audits+1, auditCount(t, s))

	bad := []*model.Record{
		{TypeID: rt.ID, Attributes: map[string]string{"a1": "C"}},
		{TypeID: rt.ID, Attributes: map[string]string{"nope": "D"}},
	}
	require.ErrorIs(t, s.AddRecords(ctx, rt.ID, bad).Err(), errs.ErrValidation)
	require.Equal(t, 2, value[int](t, s.GetRecordCountByRecordType(ctx, rt.ID)))

	all := value[[]*model.Record](t, s.GetRecordsByType(ctx, rt.ID, 1, 0))
	require.Len(t, all, 1)
	require.Equal(t, "B", all[0].Attributes["a1"])
}

func TestFieldSearch(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, s)
	value[int](t, s.AddRecords(ctx, rt.ID, []*model.Record{
		{TypeID: rt.ID, Attributes: map[string]string{"a1": "Alice", "a2": "100"}},
		{TypeID: rt.ID, Attributes: map[string]string{"a1": "Malice", "a2": "5_0"}},
		{TypeID: rt.ID, Attributes: map[string]string{"a1": "Bob", "a2": "alice"}},
	}))

	got := value[[]*model.Record](t, s.GetRecordsByTypeSearch(ctx, rt.ID, "a1", "alice", 0, 0))
	require.Len(t, got, 2)
	require.Equal(t, 2, value[int](t, s.GetRecordCountByRecordTypeAndSearch(ctx, rt.ID, "a1", "alice")))
	require.Equal(t, 3, value[int](t, s.GetRecordCountGlobalSearch(ctx, rt.ID, "alice")))

	got = value[[]*model.Record](t, s.GetRecordsByTypeSearch(ctx, rt.ID, "a2", "_", 0, 0))
	require.Len(t, got, 1)

	require.ErrorIs(t, s.GetRecordsByTypeSearch(ctx, rt.ID, "a9", "x", 0, 0).Err(), errs.ErrValidation)
}

func TestSearch_TypeWithoutAttributesMatchesNothing(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := &model.RecordType{Name: "Empty"}
	value[int](t, s.AddRecordType(ctx, rt))
	value[int](t, s.AddRecord(ctx, &model.Record{TypeID: rt.ID}))

	require.Empty(t, value[[]*model.Record](t, s.SearchRecords(ctx, rt.ID, "", 0, 0)))
}

func TestRecordTypes(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	rt, err := NewRecordType("Vehicle", "Plate", "Make")
	require.NoError(t, err)
	require.Len(t, rt.Attributes, 2)
	value[int](t, s.AddRecordType(ctx, rt))

	require.ErrorIs(t, s.AddRecordType(ctx, &model.RecordType{Name: "Vehicle"}).Err(), errs.ErrAlreadyExists)
	require.ErrorIs(t, s.AddRecordType(ctx, &model.RecordType{Name: " \t"}).Err(), errs.ErrValidation)
	require.ErrorIs(t, s.AddRecordType(ctx, &model.RecordType{Name: "X", Attributes: map[string]string{"a.b": "L"}}).Err(), errs.ErrValidation)

	require.ErrorIs(t, s.AddRecordTypes(ctx, []*model.RecordType{{Name: "P"}, {Name: "P"}}).Err(), errs.ErrValidation)
	require.Equal(t, 2, value[int](t, s.AddRecordTypes(ctx, []*model.RecordType{{Name: "P"}, {Name: "Q"}})))

	require.Equal(t, 3, value[int](t, s.GetRecordTypeCount(ctx)))
	byName := value[*model.RecordType](t, s.GetRecordTypeByName(ctx, "Vehicle"))
	require.Equal(t, rt.ID, byName.ID)
	require.Len(t, value[[]*model.RecordType](t, s.GetRecordTypes(ctx, 0, 2)), 2)

	rt.Active = false
	require.True(t, value[bool](t, s.UpdateRecordType(ctx, rt)))
	require.False(t, value[*model.RecordType](t, s.GetRecordTypeByID(ctx, rt.ID)).Active)
}

func TestAttributeEdit(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, s)

	e := NewAttributeEdit(rt)
	require.NoError(t, e.Remove("a1"))
	require.ErrorIs(t, e.Remove("a1"), errs.ErrNotFound)
	require.NoError(t, e.Rename("a2", "Price"))

	for i := 0; i < 20; i++ {
		key, err := e.Add("Extra")
		require.NoError(t, err)
		require.NotEqual(t, "a1", key)
		require.True(t, naming.ValidKey(key))
	}
	_, err := e.Add("  ")
	require.ErrorIs(t, err, errs.ErrValidation)
	require.Equal(t, "Owner", rt.Attributes["a1"], "edits stay local until applied")

	require.True(t, value[bool](t, s.UpdateRecordTypeAttributes(ctx, e)))
	stored := value[*model.RecordType](t, s.GetRecordTypeByID(ctx, rt.ID))
	require.Len(t, stored.Attributes, 21)
	require.False(t, stored.HasAttribute("a1"))
	require.Equal(t, "Price", stored.Attributes["a2"])
	require.Equal(t, e.Keys(), slices.Sorted(maps.Keys(stored.Attributes)))

	// records using a removed key no longer conform
	st := s.AddRecord(ctx, &model.Record{TypeID: rt.ID, Attributes: map[string]string{"a1": "Alice"}})
	require.ErrorIs(t, st.Err(), errs.ErrValidation)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestAttachments_AddDownloadDelete(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, s)
	rec := &model.Record{TypeID: rt.ID, Attributes: map[string]string{"a1": "Alice"}}
	value[int](t, s.AddRecord(ctx, rec))

	ids := value[[]string](t, s.AddAttachmentsToRecord(ctx, rec, []string{writeFile(t, "photo.jpg", "jpeg bytes")}))
	require.Len(t, ids, 1)
	stored := value[*model.Record](t, s.GetRecordByID(ctx, rt.ID, rec.ID))
	require.Equal(t, ids, stored.Attachments, "attachment ids are persisted on the record")

	ids2 := value[[]string](t, s.AddAttachmentsToRecord(ctx, rec, []string{writeFile(t, "photo.jpg", "other")}))
	require.Equal(t, "photo - Copy.jpg", naming.FileName(ids2[0]))

	dest := filepath.Join(t.TempDir(), "out.jpg")
	require.True(t, value[bool](t, s.SaveFileFromRecord(ctx, ids[0], dest)))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "jpeg bytes", string(got))

	require.True(t, value[bool](t, s.DeleteAttachmentFromRecord(ctx, rec, ids[0])))
	require.ErrorIs(t, s.DeleteAttachmentFromRecord(ctx, rec, ids[0]).Err(), errs.ErrValidation)

	require.True(t, value[bool](t, s.DeleteRecord(ctx, rec)))
	left, err := s.Accessor().Files().Find(ctx, naming.RecordTypeFilePrefix(rt.ID))
	require.NoError(t, err)
	require.Empty(t, left)
	require.ErrorIs(t, s.GetRecordByID(ctx, rt.ID, rec.ID).Err(), errs.ErrNotFound)
}

func TestDeleteRecordType_Cascade(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, s)
	rec := &model.Record{TypeID: rt.ID, Attributes: map[string]string{"a1": "Alice"}}
	value[int](t, s.AddRecord(ctx, rec))
	value[[]string](t, s.AddAttachmentsToRecord(ctx, rec, []string{writeFile(t, "a.txt", "a"), writeFile(t, "b.txt", "b")}))

	require.True(t, value[bool](t, s.DeleteRecordType(ctx, rt, true)))

	require.ErrorIs(t, s.GetRecordTypeByID(ctx, rt.ID).Err(), errs.ErrNotFound)
	require.Equal(t, 0, value[int](t, s.GetRecordCountByRecordType(ctx, rt.ID)))
	cols, err := s.Accessor().DB().Collections(ctx)
	require.NoError(t, err)
	require.NotContains(t, cols, naming.Records(rt.ID).Name())
	left, err := s.Accessor().Files().Find(ctx, naming.RecordTypeFilePrefix(rt.ID))
	require.NoError(t, err)
	require.Empty(t, left)

	// the trail of the type survives the drop
	entries := value[[]*model.AuditEntry](t, s.GetAuditEntriesForRecordType(ctx, rt.ID, 0, 0))
	require.Len(t, entries, 3)
	require.Equal(t, model.OpFileRemove, entries[0].Operation)
	require.Equal(t, model.OpDelete, entries[1].Operation)
	require.Equal(t, model.OpCreate, entries[2].Operation)

	require.ErrorIs(t, s.DeleteRecordType(ctx, rt, true).Err(), errs.ErrNotFound)
}

func TestDeleteRecordType_WithoutCascadeKeepsRecords(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, s)
	value[int](t, s.AddRecord(ctx, &model.Record{TypeID: rt.ID}))

	require.True(t, value[bool](t, s.DeleteRecordType(ctx, rt, false)))
	require.Equal(t, 1, value[int](t, s.GetRecordCountByRecordType(ctx, rt.ID)))
}

// brokenDeletes fails every blob deletion.
type brokenDeletes struct{ attachment.Files }

func (brokenDeletes) Delete(context.Context, string) (bool, error) {
	return false, errors.New("disk on fire")
}

func TestDeleteRecordType_PurgeFailureLeavesCollectionDropped(t *testing.T) {
	base := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, base)
	rec := &model.Record{TypeID: rt.ID, Attributes: map[string]string{"a1": "Alice"}}
	value[int](t, base.AddRecord(ctx, rec))
	value[[]string](t, base.AddAttachmentsToRecord(ctx, rec, []string{writeFile(t, "a.txt", "a")}))

	acc := base.Accessor()
	s := New(acc, attachment.New(acc, brokenDeletes{acc.Files()}, nil), nil, nil)

	st := s.DeleteRecordType(ctx, rt, true)
	require.False(t, st.Success)
	require.ErrorIs(t, st.Err(), errs.ErrStore)
	require.Contains(t, st.Err().Error(), "partially cleaned")

	// steps before the purge stay applied
	require.ErrorIs(t, s.GetRecordTypeByID(ctx, rt.ID).Err(), errs.ErrNotFound)
	cols, err := acc.DB().Collections(ctx)
	require.NoError(t, err)
	require.NotContains(t, cols, naming.Records(rt.ID).Name())
	left, err := acc.Files().Find(ctx, naming.RecordTypeFilePrefix(rt.ID))
	require.NoError(t, err)
	require.Len(t, left, 1)
}

func TestDeleteRecord_AttachmentFailureKeepsRecord(t *testing.T) {
	base := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, base)
	rec := &model.Record{TypeID: rt.ID}
	value[int](t, base.AddRecord(ctx, rec))
	value[[]string](t, base.AddAttachmentsToRecord(ctx, rec, []string{writeFile(t, "a.txt", "a")}))

	acc := base.Accessor()
	s := New(acc, attachment.New(acc, brokenDeletes{acc.Files()}, nil), nil, nil)
	require.ErrorIs(t, s.DeleteRecord(ctx, rec).Err(), errs.ErrStore)
	value[*model.Record](t, s.GetRecordByID(ctx, rt.ID, rec.ID))
}

func TestAuditQueries(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rt := addAssetType(t, s)
	id := value[int](t, s.AddUserAccount(ctx, "carol", "pw"))

	all := value[[]*model.AuditEntry](t, s.GetAuditEntries(ctx, 0, 0))
	require.Len(t, all, 2)
	require.Equal(t, auditCount(t, s), len(all))

	byAdmin := value[[]*model.AuditEntry](t, s.GetAuditEntriesByUsername(ctx, DefaultAdminUsername, 0, 0))
	require.Len(t, byAdmin, 2)

	forUser := value[[]*model.AuditEntry](t, s.GetAuditEntriesForUserAccount(ctx, id, 0, 0))
	require.Len(t, forUser, 1)
	require.Equal(t, naming.Users().Name(), forUser[0].ObjectLookupCol)

	forType := value[[]*model.AuditEntry](t, s.GetAuditEntriesForRecordType(ctx, rt.ID, 0, 0))
	require.Len(t, forType, 1)
	require.Empty(t, value[[]*model.AuditEntry](t, s.GetAuditEntriesByUsername(ctx, "carol", 0, 0)))
}

func TestInitializeSystem(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "secure.db")
	cfg := config.NewFileStore(filepath.Join(dir, "cfg", config.FileName))

	st := InitializeSystem(ctx, cfg, InitOptions{FilePath: path, Encrypt: true}, nil)
	res := value[InitResult](t, st)
	require.Len(t, res.Passphrase, PassphraseLength)
	require.Equal(t, res.Passphrase, res.Settings.Password)
	require.Positive(t, res.AdminID)

	saved, err := cfg.GetDbSettings()
	require.NoError(t, err)
	require.Equal(t, res.Settings, saved)

	st = InitializeSystem(ctx, cfg, InitOptions{FilePath: path}, nil)
	require.ErrorIs(t, st.Err(), errs.ErrAlreadyExists)

	_, err = Open(ctx, config.DBSettings{FilePath: path}, nil, nil)
	require.ErrorIs(t, err, errs.ErrBadPassword)

	s, err := Open(ctx, saved, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, value[int](t, s.GetUserAccountCount(ctx)))
	require.Equal(t, 0, value[int](t, s.GetAuditEntryCount(ctx)), "bootstrap is not audited")
	require.NoError(t, s.Close())

	st = InitializeSystem(ctx, nil, InitOptions{FilePath: path, Overwrite: true}, nil)
	res = value[InitResult](t, st)
	require.Empty(t, res.Settings.Password)
}

type memConfig struct{ saved []config.DBSettings }

func (m *memConfig) GetDbSettings() (config.DBSettings, error) {
	if len(m.saved) == 0 {
		return config.DBSettings{}, config.ErrNoDBSettings
	}
	return m.saved[len(m.saved)-1], nil
}

func (m *memConfig) SaveDbSettings(s config.DBSettings) error {
	m.saved = append(m.saved, s)
	return nil
}

func TestRebuildDb_ChangesPassword(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	cfg := &memConfig{}
	path := s.Accessor().DB().Path()

	require.Positive(t, value[int64](t, s.RebuildDb(ctx, cfg, nil)))
	require.Empty(t, cfg.saved, "settings are untouched without a password change")

	pw := "Rebuilt-1"
	value[int64](t, s.RebuildDb(ctx, cfg, &pw))
	require.Equal(t, []config.DBSettings{{FilePath: path, Password: pw}}, cfg.saved)

	entries := value[[]*model.AuditEntry](t, s.GetAuditEntries(ctx, 0, 2))
	require.Equal(t, model.OpSystem, entries[0].Operation)
	require.Contains(t, entries[0].Note, "password changed")
	require.NoError(t, s.Close())

	_, err := Open(ctx, config.DBSettings{FilePath: path}, nil, nil)
	require.ErrorIs(t, err, errs.ErrBadPassword)
	reopened, err := Open(ctx, cfg.saved[0], nil, nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}
