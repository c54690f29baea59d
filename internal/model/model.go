// Package model defines domain entities used by the accessor, services and CLI.
package model

import "time"

// Entity is implemented by every persisted document. The store assigns the id
// on insert; update, delete and audit read it back through GetID.
type Entity interface {
	GetID() int
	SetID(id int)
}

// Operation is the kind of work a status or audit entry describes.
type Operation int

const (
	OpCreate Operation = iota
	OpRead
	OpUpdate
	OpDelete
	OpFileAdd
	OpFileRemove
	OpSystem
)

var operationNames = [...]string{"Create", "Read", "Update", "Delete", "FileAdd", "FileRemove", "System"}

func (o Operation) String() string {
	if o < 0 || int(o) >= len(operationNames) {
		return "Unknown"
	}
	return operationNames[o]
}

// RecordType is a user-defined schema. Attributes maps generated keys to labels.
type RecordType struct {
	ID          int               `json:"Id"`
	Name        string            `json:"Name"`
	Attributes  map[string]string `json:"Attributes"`
	Active      bool              `json:"Active"`
	LastUpdated time.Time         `json:"LastUpdated"`
}

func (t *RecordType) GetID() int   { return t.ID }
func (t *RecordType) SetID(id int) { t.ID = id }

// HasAttribute reports whether key is part of the schema.
func (t *RecordType) HasAttribute(key string) bool {
	_, ok := t.Attributes[key]
	return ok
}

// Record is one instance of a RecordType. Attribute keys must belong to the type.
type Record struct {
	ID          int               `json:"Id"`
	TypeID      int               `json:"TypeId"`
	Attributes  map[string]string `json:"Attributes"`
	Active      bool              `json:"Active"`
	Attachments []string          `json:"Attachments"`
	LastUpdated time.Time         `json:"LastUpdated"`
}

func (r *Record) GetID() int   { return r.ID }
func (r *Record) SetID(id int) { r.ID = id }

// HasAttachment reports whether blobID is attached to the record.
func (r *Record) HasAttachment(blobID string) bool {
	for _, a := range r.Attachments {
		if a == blobID {
			return true
		}
	}
	return false
}

// UserAccount is a login identity. Password holds the encoded salt+hash blob.
type UserAccount struct {
	ID          int       `json:"Id"`
	Username    string    `json:"Username"`
	Password    string    `json:"Password"`
	Active      bool      `json:"Active"`
	LastUpdated time.Time `json:"LastUpdated"`
}

func (u *UserAccount) GetID() int   { return u.ID }
func (u *UserAccount) SetID(id int) { u.ID = id }

// AuditEntry is an append-only trail row. User is resolved from UserID on read.
type AuditEntry struct {
	ID              int          `json:"Id"`
	ObjectID        int          `json:"ObjectId"`
	ObjectLookupCol string       `json:"ObjectLookupCol"`
	UserID          int          `json:"UserId"`
	User            *UserAccount `json:"-"`
	Operation       Operation    `json:"Operation"`
	Note            string       `json:"Note,omitempty"`
	Date            time.Time    `json:"Date"`
}

func (a *AuditEntry) GetID() int   { return a.ID }
func (a *AuditEntry) SetID(id int) { a.ID = id }
