// Package sealing protects attachment content at rest when the database is
// opened with a password. A random file key is wrapped by a key derived from
// the password; each blob is sealed with a key derived from the file key and
// the blob id.
package sealing

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	FileKeyLen = 32
	KeKLen     = 32
	SaltLen    = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// ErrOpen is returned when a wrapped key or sealed blob fails authentication.
var ErrOpen = errors.New("sealing: authentication failed")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives a KEK from the database password and salt using Argon2id.
func DeriveKEK(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeKLen)
}

// WrapKey encrypts the file key with KEK using XChaCha20-Poly1305 and random nonce.
func WrapKey(kek, fileKey []byte) ([]byte, error) {
	return seal(kek, fileKey, nil)
}

// UnwrapKey decrypts a wrapped file key. A wrong password yields ErrOpen.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	return open(kek, wrapped, nil)
}

// DeriveBlobKey derives a per-blob key via HKDF-SHA256 using blobID as info.
func DeriveBlobKey(fileKey []byte, blobID string) ([]byte, error) {
	r := hkdf.New(sha256.New, fileKey, nil, []byte(blobID))
	key := make([]byte, FileKeyLen)
	_, err := r.Read(key)
	return key, err
}

// Seal encrypts blob content; the blob id is bound as additional data.
func Seal(fileKey []byte, blobID string, plaintext []byte) ([]byte, error) {
	key, err := DeriveBlobKey(fileKey, blobID)
	if err != nil {
		return nil, err
	}
	return seal(key, plaintext, []byte(blobID))
}

// Open decrypts content produced by Seal for the same blob id.
func Open(fileKey []byte, blobID string, sealed []byte) ([]byte, error) {
	key, err := DeriveBlobKey(fileKey, blobID)
	if err != nil {
		return nil, err
	}
	return open(key, sealed, []byte(blobID))
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealing: input too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ct := sealed[chacha20poly1305.NonceSizeX:]
	out, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return out, nil
}
