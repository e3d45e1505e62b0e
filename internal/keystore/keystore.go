// Package keystore encrypts account credentials at rest. Values are sealed
// individually with NaCl secretbox under a key derived from an operator
// secret with PBKDF2, and stored as "enc:v1:" followed by base64 of the
// nonce and box.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	"relaycast/internal/models"
)

const (
	sealedPrefix     = "enc:v1:"
	deriveIterations = 120000
	keyLength        = 32
	nonceLength      = 24
)

var defaultSalt = []byte("relaycast-keystore")

// ErrCorrupt is returned when a sealed value cannot be opened.
var ErrCorrupt = errors.New("keystore value cannot be decrypted")

// Sealer encrypts and decrypts keystore values.
type Sealer struct {
	key  [keyLength]byte
	rand io.Reader
}

// NewSealer derives the sealing key from secret. An empty salt uses a fixed
// application salt.
func NewSealer(secret string, salt []byte) (*Sealer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("keystore secret is required")
	}
	if len(salt) == 0 {
		salt = defaultSalt
	}
	derived := pbkdf2.Key([]byte(secret), salt, deriveIterations, keyLength, sha256.New)
	s := &Sealer{rand: rand.Reader}
	copy(s.key[:], derived)
	return s, nil
}

// Sealed reports whether value carries the sealed prefix.
func Sealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// SealValue encrypts a single value. Already sealed values are returned
// unchanged.
func (s *Sealer) SealValue(value string) (string, error) {
	if Sealed(value) {
		return value, nil
	}
	var nonce [nonceLength]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, &s.key)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(box), nil
}

// OpenValue decrypts a single value. Values without the sealed prefix are
// returned as-is so plaintext stores can be migrated in place.
func (s *Sealer) OpenValue(value string) (string, error) {
	if !Sealed(value) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil || len(raw) < nonceLength+secretbox.Overhead {
		return "", ErrCorrupt
	}
	var nonce [nonceLength]byte
	copy(nonce[:], raw[:nonceLength])
	opened, ok := secretbox.Open(nil, raw[nonceLength:], &nonce, &s.key)
	if !ok {
		return "", ErrCorrupt
	}
	return string(opened), nil
}

// Seal returns a copy of ks with every value encrypted. A nil Sealer
// returns a plain copy.
func (s *Sealer) Seal(ks models.Keystore) (models.Keystore, error) {
	if s == nil || ks == nil {
		return ks.Clone(), nil
	}
	out := make(models.Keystore, len(ks))
	for key, value := range ks {
		sealed, err := s.SealValue(value)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", key, err)
		}
		out[key] = sealed
	}
	return out, nil
}

// Open returns a copy of ks with every value decrypted. A nil Sealer returns
// a plain copy.
func (s *Sealer) Open(ks models.Keystore) (models.Keystore, error) {
	if s == nil || ks == nil {
		return ks.Clone(), nil
	}
	out := make(models.Keystore, len(ks))
	for key, value := range ks {
		opened, err := s.OpenValue(value)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", key, err)
		}
		out[key] = opened
	}
	return out, nil
}
