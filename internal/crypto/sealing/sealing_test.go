package sealing

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"testing"
)

func TestRand_LengthUniq(t *testing.T) {
	t.Parallel()
	const n = 48
	a, err := Rand(n)
	if err != nil {
		t.Fatalf("Rand: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := Rand(n)
	if bytes.Equal(a, b) {
		t.Fatalf("Rand produced equal slices")
	}
}

func TestDeriveKEK_DeterministicAndSaltDependent(t *testing.T) {
	t.Parallel()
	s1 := []byte("salt-1")
	s2 := []byte("salt-2")
	k1 := DeriveKEK("secret-pass", s1)
	k2 := DeriveKEK("secret-pass", s1)
	if subtle.ConstantTimeCompare(k1, k2) != 1 {
		t.Fatalf("DeriveKEK not deterministic")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKEK("secret-pass", s2)) != 0 {
		t.Fatalf("DeriveKEK must change with salt")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKEK("other", s1)) != 0 {
		t.Fatalf("DeriveKEK must change with password")
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	t.Parallel()
	kek := DeriveKEK("pw", []byte("salt"))
	fk, _ := Rand(FileKeyLen)

	wrapped, err := WrapKey(kek, fk)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}

	out, err := UnwrapKey(kek, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if subtle.ConstantTimeCompare(out, fk) != 1 {
		t.Fatalf("unwrap != original")
	}

	bad := DeriveKEK("pw2", []byte("salt"))
	if _, err := UnwrapKey(bad, wrapped); !errors.Is(err, ErrOpen) {
		t.Fatalf("UnwrapKey with wrong kek: err=%v, want ErrOpen", err)
	}
}

func TestDeriveBlobKey_DiffPerBlob(t *testing.T) {
	t.Parallel()
	fk, _ := Rand(FileKeyLen)
	ka, _ := DeriveBlobKey(fk, "$/records/1/1/a/x.txt")
	kb, _ := DeriveBlobKey(fk, "$/records/1/1/b/x.txt")
	if bytes.Equal(ka, kb) {
		t.Fatalf("blob keys must differ per blob id")
	}
}

func TestSealOpen_BoundToBlobID(t *testing.T) {
	t.Parallel()
	fk, _ := Rand(FileKeyLen)
	pt := []byte("attachment body")

	sealed, err := Seal(fk, "id-1", pt)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, pt) {
		t.Fatalf("sealed output contains plaintext")
	}
	got, err := Open(fk, "id-1", sealed)
	if err != nil || !bytes.Equal(got, pt) {
		t.Fatalf("Open: %q %v", got, err)
	}
	if _, err := Open(fk, "id-2", sealed); err == nil {
		t.Fatalf("Open with another blob id must fail")
	}
	if _, err := Open(fk, "id-1", sealed[:5]); err == nil {
		t.Fatalf("Open of truncated input must fail")
	}
}
