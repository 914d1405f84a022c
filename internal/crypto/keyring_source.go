// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/zalando/go-keyring"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// keyIndexSuffix is appended to the service name to form the entry that
// holds the JSON index of stored key IDs. go-keyring has no native
// enumeration, and the index is what lets rotated-out keys reload into
// the decrypt ring after a restart. The last index entry is the active
// key.
const keyIndexSuffix = "::keys-index"

// KeyringKeySource stores master keys in the OS keyring via
// zalando/go-keyring: Keychain on macOS, secret-service (D-Bus) on
// Linux, Credential Manager on Windows.
type KeyringKeySource struct {
	Service string
}

func NewKeyringKeySource(service string) *KeyringKeySource {
	return &KeyringKeySource{Service: service}
}

var _ AllKeysLoader = (*KeyringKeySource)(nil)

func (s *KeyringKeySource) LoadKey() (KeyMaterial, error) {
	ids, err := s.loadIndex()
	if err != nil {
		return KeyMaterial{}, err
	}
	if len(ids) == 0 {
		return KeyMaterial{}, cacheterr.Errorf(cacheterr.CodeCryptoKeyMissing, "no keys stored under keyring service %s", s.Service)
	}

	return s.load(ids[len(ids)-1])
}

// LoadAllKeys returns every stored key in index order, active key last.
func (s *KeyringKeySource) LoadAllKeys() ([]KeyMaterial, error) {
	ids, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	materials := make([]KeyMaterial, 0, len(ids))
	for _, id := range ids {
		m, err := s.load(id)
		if err != nil {
			return nil, err
		}
		materials = append(materials, m)
	}
	return materials, nil
}

func (s *KeyringKeySource) RotateKey() (KeyMaterial, error) {
	m, err := GenerateKeyMaterial()
	if err != nil {
		return KeyMaterial{}, err
	}

	encoded := base64.StdEncoding.EncodeToString(m.Key)
	if err := keyring.Set(s.Service, m.ID, encoded); err != nil {
		return KeyMaterial{}, cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "storing key %s in keyring", m.ID)
	}

	if err := s.addToIndex(m.ID); err != nil {
		return KeyMaterial{}, err
	}
	return m, nil
}

// Bootstrap rotates in a first key when the service holds none, and
// returns the active key either way.
func (s *KeyringKeySource) Bootstrap() (KeyMaterial, error) {
	ids, err := s.loadIndex()
	if err != nil {
		return KeyMaterial{}, err
	}
	if len(ids) == 0 {
		return s.RotateKey()
	}
	return s.load(ids[len(ids)-1])
}

func (s *KeyringKeySource) load(id string) (KeyMaterial, error) {
	raw, err := keyring.Get(s.Service, id)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return KeyMaterial{}, cacheterr.Errorf(cacheterr.CodeCryptoKeyMissing, "key %s missing from keyring service %s", id, s.Service)
		}
		return KeyMaterial{}, cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "loading key %s from keyring", id)
	}

	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return KeyMaterial{}, cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "decoding key %s", id)
	}

	m := KeyMaterial{ID: id, Key: key}
	if err := m.Validate(); err != nil {
		return KeyMaterial{}, err
	}
	return m, nil
}

// loadIndex reads the JSON key-ID index for the service.
func (s *KeyringKeySource) loadIndex() ([]string, error) {
	raw, err := keyring.Get(s.Service, s.Service+keyIndexSuffix)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "loading key index for service %s", s.Service)
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "decoding key index for service %s", s.Service)
	}
	return ids, nil
}

func (s *KeyringKeySource) saveIndex(ids []string) error {
	indexKey := s.Service + keyIndexSuffix

	if len(ids) == 0 {
		if delErr := keyring.Delete(s.Service, indexKey); delErr != nil {
			slog.Debug("failed to clean up empty key index", "service", s.Service, "error", delErr)
		}
		return nil
	}

	data, err := json.Marshal(ids)
	if err != nil {
		return cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "encoding key index for service %s", s.Service)
	}

	if err := keyring.Set(s.Service, indexKey, string(data)); err != nil {
		return cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "saving key index for service %s", s.Service)
	}
	return nil
}

// addToIndex appends a key ID to the index (idempotent).
func (s *KeyringKeySource) addToIndex(id string) error {
	ids, err := s.loadIndex()
	if err != nil {
		return err
	}

	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}

	return s.saveIndex(append(ids, id))
}
