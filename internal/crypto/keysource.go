// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package crypto

import (
	"encoding/base64"
	"os"
	"strings"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// KeySource loads and rotates master key material. Implementations may
// use environment variables, key files, or the OS keyring.
type KeySource interface {
	// LoadKey returns the active key material.
	LoadKey() (KeyMaterial, error)

	// RotateKey generates fresh material, persists it where the source
	// supports persistence, and returns it as the new active key.
	RotateKey() (KeyMaterial, error)
}

// AllKeysLoader is implemented by sources that retain rotated-out keys.
// Wiring seeds the decrypt ring with every returned key; the last entry
// is the active one.
type AllKeysLoader interface {
	LoadAllKeys() ([]KeyMaterial, error)
}

// EnvKeySource reads a base64-encoded 32-byte key from an environment
// variable. Rotation is unsupported: the variable is owned by the
// deployment, not the process.
type EnvKeySource struct {
	Var string
}

func NewEnvKeySource(envVar string) *EnvKeySource {
	return &EnvKeySource{Var: envVar}
}

func (s *EnvKeySource) LoadKey() (KeyMaterial, error) {
	raw := strings.TrimSpace(os.Getenv(s.Var))
	if raw == "" {
		return KeyMaterial{}, cacheterr.Errorf(cacheterr.CodeCryptoKeyMissing, "environment variable %s is not set", s.Var)
	}

	key, err := decodeKeyBytes(raw)
	if err != nil {
		return KeyMaterial{}, cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "decoding key from %s", s.Var)
	}

	m := KeyMaterial{ID: DeriveKeyID(key), Key: key}
	if err := m.Validate(); err != nil {
		return KeyMaterial{}, err
	}
	return m, nil
}

func (s *EnvKeySource) RotateKey() (KeyMaterial, error) {
	return KeyMaterial{}, cacheterr.Errorf(cacheterr.CodeCryptoKeyInvalid, "rotation is not supported for the env key source; set %s externally", s.Var)
}

// FileKeySource reads a 32-byte key (raw or base64) from a file.
// Rotation rewrites the file with fresh material; retaining prior keys
// across restarts is the keyring source's job.
type FileKeySource struct {
	Path string
}

func NewFileKeySource(path string) *FileKeySource {
	return &FileKeySource{Path: path}
}

func (s *FileKeySource) LoadKey() (KeyMaterial, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return KeyMaterial{}, cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyMissing, "key file %s does not exist", s.Path)
		}
		return KeyMaterial{}, cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "reading key file %s", s.Path)
	}

	var key []byte
	if len(data) == KeySize {
		key = data
	} else {
		key, err = decodeKeyBytes(strings.TrimSpace(string(data)))
		if err != nil {
			return KeyMaterial{}, cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "decoding key file %s", s.Path)
		}
	}

	m := KeyMaterial{ID: DeriveKeyID(key), Key: key}
	if err := m.Validate(); err != nil {
		return KeyMaterial{}, err
	}
	return m, nil
}

func (s *FileKeySource) RotateKey() (KeyMaterial, error) {
	m, err := GenerateKeyMaterial()
	if err != nil {
		return KeyMaterial{}, err
	}

	encoded := base64.StdEncoding.EncodeToString(m.Key)
	if err := os.WriteFile(s.Path, []byte(encoded+"\n"), 0o600); err != nil {
		return KeyMaterial{}, cacheterr.Wrapf(err, cacheterr.CodeCryptoKeyInvalid, "writing key file %s", s.Path)
	}

	return m, nil
}

// Bootstrap writes fresh material if the file does not exist yet, and
// returns the active key either way.
func (s *FileKeySource) Bootstrap() (KeyMaterial, error) {
	if _, err := os.Stat(s.Path); os.IsNotExist(err) {
		return s.RotateKey()
	}
	return s.LoadKey()
}

func decodeKeyBytes(raw string) ([]byte, error) {
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return key, nil
	}
	key, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	return key, nil
}
