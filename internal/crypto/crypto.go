// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package crypto provides the AEAD cipher and key management for
// envelope encryption at rest. Nothing in the store persists plaintext;
// a missing or malformed master key aborts construction rather than
// degrading to a plaintext path.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// KeySize is the required master key length in bytes for both suites.
const KeySize = 32

// Suite selects the AEAD construction.
type Suite string

const (
	SuiteAESGCM   Suite = "aes-gcm"
	SuiteChaCha20 Suite = "chacha20"
)

// ParseSuite validates a configured suite name.
func ParseSuite(name string) (Suite, error) {
	switch Suite(name) {
	case SuiteAESGCM, SuiteChaCha20:
		return Suite(name), nil
	case "":
		return SuiteAESGCM, nil
	default:
		return "", cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue, "unknown cipher suite %q", name)
	}
}

// KeyMaterial is one master key with its stable identifier. The ID is
// embedded in every envelope so rotation never orphans old ciphertext.
type KeyMaterial struct {
	ID  string
	Key []byte
}

// Validate rejects missing, short, and all-zero key material.
func (m KeyMaterial) Validate() error {
	if m.ID == "" {
		return cacheterr.New(cacheterr.CodeCryptoKeyInvalid, "key material has no id")
	}
	if len(m.Key) != KeySize {
		return cacheterr.Errorf(cacheterr.CodeCryptoKeyInvalid, "key %s must be %d bytes, got %d", m.ID, KeySize, len(m.Key))
	}

	zero := true
	for _, b := range m.Key {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return cacheterr.Errorf(cacheterr.CodeCryptoKeyInvalid, "key %s is all zeros", m.ID)
	}

	return nil
}

// GenerateKeyMaterial returns fresh random key material.
func GenerateKeyMaterial() (KeyMaterial, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return KeyMaterial{}, cacheterr.Wrap(err, cacheterr.CodeCryptoKeyInvalid, "generating key material")
	}
	return KeyMaterial{ID: DeriveKeyID(key), Key: key}, nil
}

// DeriveKeyID produces a stable identifier from key bytes, so sources
// without their own naming (env, raw file) stay consistent across
// restarts.
func DeriveKeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return "k" + hex.EncodeToString(sum[:6])
}

// Keyring holds the active encryption key plus retained prior keys for
// decrypting older envelopes.
type Keyring struct {
	mu     sync.RWMutex
	active KeyMaterial
	keys   map[string][]byte
}

// NewKeyring builds a ring with the given active key and any retained
// prior keys. Every key is validated.
func NewKeyring(active KeyMaterial, prior ...KeyMaterial) (*Keyring, error) {
	if err := active.Validate(); err != nil {
		return nil, err
	}

	r := &Keyring{
		active: active,
		keys:   make(map[string][]byte, len(prior)+1),
	}
	r.keys[active.ID] = active.Key

	for _, m := range prior {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		r.keys[m.ID] = m.Key
	}

	return r, nil
}

// Active returns the key used for new encryptions.
func (r *Keyring) Active() KeyMaterial {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Rotate installs next as the active key. The previous active key is
// retained for decryption.
func (r *Keyring) Rotate(next KeyMaterial) error {
	if err := next.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = next
	r.keys[next.ID] = next.Key

	return nil
}

// KeyIDs lists every key the ring can decrypt with.
func (r *Keyring) KeyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	return ids
}

func (r *Keyring) keyFor(id string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[id]
	return key, ok
}
