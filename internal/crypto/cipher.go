// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// envelopeVersion is the current ciphertext layout version. Bump on any
// layout change; decryption dispatches on the stored version.
const envelopeVersion = 1

// Envelope layout (version 1):
//
//	version (1) | suite (1) | keyIDLen (1) | keyID | nonce | sealed
//
// where sealed is ciphertext||tag as produced by the AEAD.
const (
	suiteByteAESGCM   = 1
	suiteByteChaCha20 = 2
)

// Cipher encrypts and decrypts envelopes against a Keyring. Encryption
// always uses the ring's active key; decryption selects the key named
// in the envelope, so rotated-out keys keep working for old data.
type Cipher struct {
	suite Suite
	ring  *Keyring
}

// NewCipher validates the suite and the ring's active key material.
func NewCipher(suite Suite, ring *Keyring) (*Cipher, error) {
	if ring == nil {
		return nil, cacheterr.New(cacheterr.CodeCryptoKeyMissing, "cipher requires a keyring")
	}
	if _, err := ParseSuite(string(suite)); err != nil {
		return nil, err
	}
	if suite == "" {
		suite = SuiteAESGCM
	}

	// Fail closed at construction: an unusable active key must never be
	// discovered on the first write.
	if _, err := aeadFor(suite, ring.Active().Key); err != nil {
		return nil, err
	}

	return &Cipher{suite: suite, ring: ring}, nil
}

// Suite returns the suite used for new encryptions.
func (c *Cipher) Suite() Suite { return c.suite }

// Encrypt seals plaintext with the active key. The context string is
// authenticated (AAD): decrypting under a different context fails.
func (c *Cipher) Encrypt(plaintext []byte, context string) ([]byte, error) {
	active := c.ring.Active()
	if len(active.ID) > 255 {
		return nil, cacheterr.Errorf(cacheterr.CodeCryptoKeyInvalid, "key id %q exceeds 255 bytes", active.ID)
	}

	aead, err := aeadFor(c.suite, active.Key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeCryptoEncryptFailure, "generating nonce")
	}

	header := make([]byte, 0, 3+len(active.ID)+len(nonce))
	header = append(header, envelopeVersion, suiteByte(c.suite), byte(len(active.ID)))
	header = append(header, active.ID...)
	header = append(header, nonce...)

	return aead.Seal(header, nonce, plaintext, []byte(context)), nil
}

// Decrypt opens an envelope. The same context string used at encryption
// time must be supplied; any header tampering or context mismatch
// surfaces as an authentication failure.
func (c *Cipher) Decrypt(envelope []byte, context string) ([]byte, error) {
	if len(envelope) < 3 {
		return nil, cacheterr.New(cacheterr.CodeCryptoEnvelopeInvalid, "envelope too short")
	}
	if envelope[0] != envelopeVersion {
		return nil, cacheterr.Errorf(cacheterr.CodeCryptoEnvelopeInvalid, "unsupported envelope version %d", envelope[0])
	}

	suite, err := suiteFromByte(envelope[1])
	if err != nil {
		return nil, err
	}

	idLen := int(envelope[2])
	if len(envelope) < 3+idLen {
		return nil, cacheterr.New(cacheterr.CodeCryptoEnvelopeInvalid, "envelope truncated in key id")
	}
	keyID := string(envelope[3 : 3+idLen])

	key, ok := c.ring.keyFor(keyID)
	if !ok {
		return nil, cacheterr.Errorf(cacheterr.CodeCryptoKeyMissing, "no key %q in ring", keyID)
	}

	aead, err := aeadFor(suite, key)
	if err != nil {
		return nil, err
	}

	rest := envelope[3+idLen:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, cacheterr.New(cacheterr.CodeCryptoEnvelopeInvalid, "envelope truncated in payload")
	}
	nonce := rest[:aead.NonceSize()]
	sealed := rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, []byte(context))
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeCryptoDecryptAuthFailure, "opening envelope",
			cacheterr.Field("key_id", keyID))
	}

	return plaintext, nil
}

func aeadFor(suite Suite, key []byte) (cipher.AEAD, error) {
	if err := (KeyMaterial{ID: "unchecked", Key: key}).Validate(); err != nil {
		return nil, err
	}

	switch suite {
	case SuiteAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodeCryptoKeyInvalid, "building aes cipher")
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodeCryptoKeyInvalid, "building gcm")
		}
		return aead, nil
	case SuiteChaCha20:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodeCryptoKeyInvalid, "building chacha20poly1305")
		}
		return aead, nil
	default:
		return nil, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue, "unknown cipher suite %q", suite)
	}
}

func suiteByte(s Suite) byte {
	if s == SuiteChaCha20 {
		return suiteByteChaCha20
	}
	return suiteByteAESGCM
}

func suiteFromByte(b byte) (Suite, error) {
	switch b {
	case suiteByteAESGCM:
		return SuiteAESGCM, nil
	case suiteByteChaCha20:
		return SuiteChaCha20, nil
	default:
		return "", cacheterr.Errorf(cacheterr.CodeCryptoEnvelopeInvalid, "unknown suite byte %d", b)
	}
}
