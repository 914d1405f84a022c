// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package token_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachet-dev/cachet/internal/token"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

func newTestCounter(t *testing.T) *token.Counter {
	t.Helper()

	c, err := token.NewCounter("")
	if err != nil {
		t.Skipf("tokenizer unavailable in this environment: %v", err)
	}
	return c
}

func TestNewCounterDefaultsEncoding(t *testing.T) {
	c := newTestCounter(t)
	assert.Equal(t, token.DefaultEncoding, c.Encoding())
}

func TestNewCounterRejectsUnknownEncoding(t *testing.T) {
	_, err := token.NewCounter("no-such-encoding")
	require.Error(t, err)
	assert.True(t, cacheterr.HasCode(err, cacheterr.CodeTokenEncodingInvalid))
}

func TestCountEmptyStringIsZero(t *testing.T) {
	c := newTestCounter(t)
	assert.Equal(t, 0, c.Count(""))
}

func TestCountIsPositiveAndMonotonic(t *testing.T) {
	c := newTestCounter(t)

	short := c.Count("refund policy")
	long := c.Count("refund policy for enterprise customers in the EU region")

	assert.Positive(t, short)
	assert.Greater(t, long, short)
}

func TestCountIsDeterministic(t *testing.T) {
	c := newTestCounter(t)

	text := "Our support team responds within two business days."
	assert.Equal(t, c.Count(text), c.Count(text))
}
