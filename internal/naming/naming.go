// Package naming maps logical entity kinds to physical collection names and
// generates the identifiers used inside documents and the file facility.
package naming

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"
)

// Prefix is prepended to every physical collection name.
const Prefix = "col_"

// Logical kinds stored by the core.
const (
	KindRecordType  = "RecordType"
	KindRecord      = "Record"
	KindUserAccount = "UserAccount"
	KindAuditEntry  = "AuditEntry"
)

var (
	kindRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)
	keyRe  = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)
)

// Collection identifies a physical collection: a kind plus an optional
// partition key (records are partitioned per record type). Partition 0 means
// unpartitioned; store ids start at 1.
type Collection struct {
	Kind      string
	Partition int
}

// Of returns the unpartitioned collection for kind.
func Of(kind string) Collection { return Collection{Kind: kind} }

// RecordTypes is the collection holding record type schemas.
func RecordTypes() Collection { return Of(KindRecordType) }

// Records is the collection holding records of one record type.
func Records(typeID int) Collection { return Collection{Kind: KindRecord, Partition: typeID} }

// Users is the collection holding user accounts.
func Users() Collection { return Of(KindUserAccount) }

// Audit is the collection holding the audit trail.
func Audit() Collection { return Of(KindAuditEntry) }

// Valid reports whether c can be turned into a physical name.
func (c Collection) Valid() bool {
	return kindRe.MatchString(c.Kind) && c.Partition >= 0
}

// Logical is the name without the prefix, e.g. "Record_7".
func (c Collection) Logical() string {
	if c.Partition > 0 {
		return c.Kind + "_" + strconv.Itoa(c.Partition)
	}
	return c.Kind
}

// Name is the physical collection name, e.g. "col_Record_7".
func (c Collection) Name() string { return Prefix + c.Logical() }

func (c Collection) String() string { return c.Name() }

// Parse resolves a physical collection name back to its handle.
func Parse(name string) (Collection, error) {
	logical, ok := strings.CutPrefix(name, Prefix)
	if !ok {
		return Collection{}, fmt.Errorf("collection %q: missing prefix %q", name, Prefix)
	}
	c := Collection{Kind: logical}
	if i := strings.LastIndexByte(logical, '_'); i > 0 {
		if p, err := strconv.Atoi(logical[i+1:]); err == nil && p > 0 {
			c = Collection{Kind: logical[:i], Partition: p}
		}
	}
	if !c.Valid() {
		return Collection{}, fmt.Errorf("collection %q: invalid kind", name)
	}
	return c, nil
}

// KeyLength is the length of generated attribute keys.
const KeyLength = 8

const (
	keyAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxKeyAttempts = 64
)

// ErrKeySpaceExhausted is returned when no free key was found.
var ErrKeySpaceExhausted = errors.New("naming: could not generate a free attribute key")

// ValidKey reports whether key can be used as an attribute key, i.e. as one
// segment of a document field path.
func ValidKey(key string) bool { return keyRe.MatchString(key) }

// NewAttributeKey generates a short random key for which taken reports false.
// The check is not atomic against concurrent editors of the same record type.
func NewAttributeKey(taken func(key string) bool) (string, error) {
	for range maxKeyAttempts {
		key, err := randomKey()
		if err != nil {
			return "", err
		}
		if taken == nil || !taken(key) {
			return key, nil
		}
	}
	return "", ErrKeySpaceExhausted
}

func randomKey() (string, error) {
	var b strings.Builder
	b.Grow(KeyLength)
	// first character is a letter so the key is always a valid path segment
	limit := big.NewInt(26)
	for i := range KeyLength {
		if i == 1 {
			limit = big.NewInt(int64(len(keyAlphabet)))
		}
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(keyAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// AttachmentPath is the file facility id of an attachment:
// $/records/{typeID}/{recordID}/{uuid}/{fileName}.
func AttachmentPath(typeID, recordID int, id uuid.UUID, fileName string) string {
	return fmt.Sprintf("$/records/%d/%d/%s/%s", typeID, recordID, id.String(), fileName)
}

// RecordTypeFilePrefix is the prefix shared by all attachments of a record type.
func RecordTypeFilePrefix(typeID int) string {
	return fmt.Sprintf("$/records/%d/", typeID)
}

// FileName returns the last path segment of a file facility id.
func FileName(blobID string) string {
	if i := strings.LastIndexByte(blobID, '/'); i >= 0 {
		return blobID[i+1:]
	}
	return blobID
}
