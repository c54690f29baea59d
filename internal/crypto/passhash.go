// Package crypto implements password hashing for user accounts and the
// database passphrase generator.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"math/big"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for interactive desktop logins).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// SaltLen is the length of the salt prefix in an encoded password blob.
const SaltLen = 16

// ErrMalformedHash is returned for blobs that are not base64(salt||hash).
var ErrMalformedHash = errors.New("malformed password hash")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns the encoded blob base64(salt||argon2id(password, salt))
// with a fresh random salt.
func HashPassword(password string) (string, error) {
	salt, err := RandBytes(SaltLen)
	if err != nil {
		return "", err
	}
	return HashPasswordWithSalt(password, salt), nil
}

// HashPasswordWithSalt returns the encoded blob for password and salt.
func HashPasswordWithSalt(password string, salt []byte) string {
	h := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	blob := make([]byte, 0, len(salt)+len(h))
	blob = append(blob, salt...)
	blob = append(blob, h...)
	return base64.StdEncoding.EncodeToString(blob)
}

// SaltOf extracts the salt prefix of an encoded blob.
func SaltOf(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) <= SaltLen {
		return nil, ErrMalformedHash
	}
	return raw[:SaltLen], nil
}

// VerifyPassword recomputes the hash with the stored salt and compares in constant time.
func VerifyPassword(encoded, password string) bool {
	salt, err := SaltOf(encoded)
	if err != nil {
		return false
	}
	got := HashPasswordWithSalt(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(encoded)) == 1
}

// Character classes used by GeneratePassphrase.
const (
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*()-_=+"
)

// GeneratePassphrase returns a random passphrase of length n that contains at
// least one lowercase, uppercase, digit and special character.
func GeneratePassphrase(n int) (string, error) {
	classes := []string{lowerChars, upperChars, digitChars, specialChars}
	if n < len(classes) {
		return "", errors.New("passphrase too short")
	}
	all := lowerChars + upperChars + digitChars + specialChars

	out := make([]byte, n)
	for i := range out {
		set := all
		if i < len(classes) {
			set = classes[i]
		}
		c, err := pick(set)
		if err != nil {
			return "", err
		}
		out[i] = c
	}
	// shuffle so the guaranteed classes are not always in front
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

func pick(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, err
	}
	return set[n.Int64()], nil
}
