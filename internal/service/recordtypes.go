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
)

// Limits for record type input.
const (
	MaxNameLength  = 128
	MaxLabelLength = 256
)

func (s *Service) recordTypes() *accessor.Collection[model.RecordType, *model.RecordType] {
	return accessor.For[model.RecordType](s.acc, naming.RecordTypes())
}

// NewRecordType builds an active record type with a generated key per label.
func NewRecordType(name string, labels ...string) (*model.RecordType, error) {
	e := NewAttributeEdit(&model.RecordType{Name: name, Active: true})
	for _, l := range labels {
		if _, err := e.Add(l); err != nil {
			return nil, err
		}
	}
	rt := e.RecordType()
	rt.Attributes = e.Apply()
	return rt, nil
}

func validateRecordType(rt *model.RecordType) error {
	if rt == nil {
		return fmt.Errorf("%w: nil record type", errs.ErrValidation)
	}
	rt.Name = accessor.Sanitize(rt.Name)
	switch {
	case rt.Name == "":
		return fmt.Errorf("%w: record type name is empty", errs.ErrValidation)
	case len(rt.Name) > MaxNameLength:
		return fmt.Errorf("%w: record type name longer than %d", errs.ErrValidation, MaxNameLength)
	}
	for k, label := range rt.Attributes {
		if k == "" || !naming.ValidKey(k) {
			return fmt.Errorf("%w: attribute key %q", errs.ErrValidation, k)
		}
		if len(label) > MaxLabelLength {
			return fmt.Errorf("%w: label of %q longer than %d", errs.ErrValidation, k, MaxLabelLength)
		}
	}
	if rt.Attributes == nil {
		rt.Attributes = map[string]string{}
	}
	return nil
}

// AddRecordType stores rt. Names are unique. Result is the new id.
func (s *Service) AddRecordType(ctx context.Context, rt *model.RecordType) status.Status {
	if err := validateRecordType(rt); err != nil {
		return status.Fail(model.OpCreate, err)
	}
	rt.LastUpdated = now()
	return s.recordTypes().Insert(ctx, rt, "Name")
}

// AddRecordTypes stores rts in one batch. Result is the number stored.
func (s *Service) AddRecordTypes(ctx context.Context, rts []*model.RecordType) status.Status {
	if len(rts) == 0 {
		return invalid(model.OpCreate, "no record types given")
	}
	seen := make(map[string]bool, len(rts))
	for i, rt := range rts {
		if err := validateRecordType(rt); err != nil {
			return status.Fail(model.OpCreate, fmt.Errorf("record type %d: %w", i, err))
		}
		if seen[rt.Name] {
			return invalid(model.OpCreate, "record type %q given twice", rt.Name)
		}
		seen[rt.Name] = true
		rt.LastUpdated = now()
	}
	return s.recordTypes().InsertBulk(ctx, rts, "Name")
}

// GetRecordTypeByID returns *model.RecordType.
func (s *Service) GetRecordTypeByID(ctx context.Context, id int) status.Status {
	return s.recordTypes().FindByID(ctx, id)
}

// GetRecordTypeByName returns *model.RecordType.
func (s *Service) GetRecordTypeByName(ctx context.Context, name string) status.Status {
	return s.recordTypes().FindByField(ctx, "Name", name)
}

// GetRecordTypeCount returns the number of record types.
func (s *Service) GetRecordTypeCount(ctx context.Context) status.Status {
	return s.recordTypes().Count(ctx)
}

// GetRecordTypes returns a page of []*model.RecordType.
func (s *Service) GetRecordTypes(ctx context.Context, skip, limit int) status.Status {
	return s.recordTypes().FindAll(ctx, skip, page(limit))
}

// UpdateRecordType replaces the stored record type.
func (s *Service) UpdateRecordType(ctx context.Context, rt *model.RecordType) status.Status {
	if err := validateRecordType(rt); err != nil {
		return status.Fail(model.OpUpdate, err)
	}
	rt.LastUpdated = now()
	return s.recordTypes().Update(ctx, rt)
}

// UpdateRecordTypeAttributes persists the result of an attribute edit session.
func (s *Service) UpdateRecordTypeAttributes(ctx context.Context, e *AttributeEdit) status.Status {
	if e == nil {
		return invalid(model.OpUpdate, "nil attribute edit")
	}
	rt := e.RecordType()
	rt.Attributes = e.Apply()
	return s.UpdateRecordType(ctx, rt)
}

// DeleteRecordType removes rt. With cascade it then drops the record
// collection of rt and purges its attachments. Each step stops the sequence
// on failure; earlier steps are not undone.
func (s *Service) DeleteRecordType(ctx context.Context, rt *model.RecordType, cascade bool) status.Status {
	if rt == nil {
		return invalid(model.OpDelete, "nil record type")
	}
	st := s.recordTypes().DeleteByID(ctx, rt.ID)
	if !st.Success {
		return st
	}
	if ok, _ := status.Value[bool](st); !ok {
		return status.Fail(model.OpDelete, fmt.Errorf("%w: record type %d", errs.ErrNotFound, rt.ID))
	}
	if !cascade {
		return st
	}

	drop := accessor.For[model.Record](s.acc, naming.Records(rt.ID)).Drop(ctx)
	if !drop.Success {
		return drop
	}
	purge := s.files.DeleteAllForRecordType(ctx, rt)
	if !purge.Success {
		return purge
	}
	return status.OK(model.OpDelete, true)
}

// AttributeEdit collects changes to the attribute map of a record type.
// Keys removed during the session are never handed out again by Add.
type AttributeEdit struct {
	rt      *model.RecordType
	attrs   map[string]string
	retired map[string]bool
}

// NewAttributeEdit starts a session on a copy of rt's attributes.
func NewAttributeEdit(rt *model.RecordType) *AttributeEdit {
	attrs := maps.Clone(rt.Attributes)
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &AttributeEdit{rt: rt, attrs: attrs, retired: map[string]bool{}}
}

// RecordType is the record type being edited.
func (e *AttributeEdit) RecordType() *model.RecordType { return e.rt }

// Add creates an attribute with label and returns its generated key.
func (e *AttributeEdit) Add(label string) (string, error) {
	label = accessor.Sanitize(label)
	if label == "" {
		return "", fmt.Errorf("%w: empty attribute label", errs.ErrValidation)
	}
	key, err := naming.NewAttributeKey(func(k string) bool {
		_, used := e.attrs[k]
		return used || e.retired[k]
	})
	if err != nil {
		return "", err
	}
	e.attrs[key] = label
	return key, nil
}

// Rename changes the label of key.
func (e *AttributeEdit) Rename(key, label string) error {
	if _, ok := e.attrs[key]; !ok {
		return fmt.Errorf("%w: attribute %q", errs.ErrNotFound, key)
	}
	label = accessor.Sanitize(label)
	if label == "" {
		return fmt.Errorf("%w: empty attribute label", errs.ErrValidation)
	}
	e.attrs[key] = label
	return nil
}

// Remove drops key and retires it for the rest of the session.
func (e *AttributeEdit) Remove(key string) error {
	if _, ok := e.attrs[key]; !ok {
		return fmt.Errorf("%w: attribute %q", errs.ErrNotFound, key)
	}
	delete(e.attrs, key)
	e.retired[key] = true
	return nil
}

// Keys lists the current attribute keys in order.
func (e *AttributeEdit) Keys() []string {
	return slices.Sorted(maps.Keys(e.attrs))
}

// Apply returns the edited attribute map.
func (e *AttributeEdit) Apply() map[string]string { return maps.Clone(e.attrs) }
