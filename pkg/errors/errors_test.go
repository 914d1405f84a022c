// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// New / Errorf
// ---------------------------------------------------------------------------

func TestNewIncludesCodeAndFields(t *testing.T) {
	err := cacheterr.New(
		cacheterr.CodeConfigValidateInvalidValue,
		"invalid cache configuration",
		cacheterr.FieldKey("doc/inv-1"),
		cacheterr.Field("tier", "hot"),
	)

	require.Error(t, err)
	assert.Equal(t, cacheterr.CodeConfigValidateInvalidValue, cacheterr.CodeOf(err))
	assert.True(t, cacheterr.HasCode(err, cacheterr.CodeConfigValidateInvalidValue))

	fields := cacheterr.FieldsOf(err)
	assert.Equal(t, "doc/inv-1", fields["key"])
	assert.Equal(t, "hot", fields["tier"])
}

func TestNewWithNoFields(t *testing.T) {
	err := cacheterr.New(cacheterr.CodeStorageIndexFailure, "index corrupted")
	require.Error(t, err)
	assert.Equal(t, cacheterr.CodeStorageIndexFailure, cacheterr.CodeOf(err))
	assert.Contains(t, err.Error(), "index corrupted")
}

func TestErrorfFormatsMessage(t *testing.T) {
	err := cacheterr.Errorf(cacheterr.CodeStorageWriteFailure, "writing %s to tier %s", "doc/d1", "hot")
	require.Error(t, err)
	assert.Equal(t, cacheterr.CodeStorageWriteFailure, cacheterr.CodeOf(err))
	assert.Contains(t, err.Error(), "writing doc/d1 to tier hot")
}

func TestErrorfWrapsInnerError(t *testing.T) {
	inner := stderrors.New("disk full")
	err := cacheterr.Errorf(cacheterr.CodeStorageWriteFailure, "write failed: %w", inner)
	require.Error(t, err)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, cacheterr.CodeStorageWriteFailure, cacheterr.CodeOf(err))
}

// ---------------------------------------------------------------------------
// Wrap / Wrapf
// ---------------------------------------------------------------------------

func TestWrapPreservesWrappedErrorAndCode(t *testing.T) {
	root := stderrors.New("record missing")
	err := cacheterr.Wrap(
		root,
		cacheterr.CodeStorageReadNotFound,
		"loading record",
		cacheterr.FieldKey("doc/d-42"),
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, root)
	assert.Equal(t, cacheterr.CodeStorageReadNotFound, cacheterr.CodeOf(err))
	assert.True(t, cacheterr.IsNotFound(err))
	assert.Equal(t, "doc/d-42", cacheterr.FieldsOf(err)["key"])
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, cacheterr.Wrap(nil, cacheterr.CodeServerInternalFailure, "ignored"))
}

func TestWrapfNilReturnsNil(t *testing.T) {
	assert.NoError(t, cacheterr.Wrapf(nil, cacheterr.CodeServerInternalFailure, "ignored %s", "arg"))
}

func TestWrapfFormatsAndPreservesChain(t *testing.T) {
	root := stderrors.New("timeout")
	err := cacheterr.Wrapf(root, cacheterr.CodeIndexQueryFailure, "querying index for %q", "refund policy")

	require.Error(t, err)
	assert.ErrorIs(t, err, root)
	assert.Equal(t, cacheterr.CodeIndexQueryFailure, cacheterr.CodeOf(err))
	assert.Contains(t, err.Error(), `querying index for "refund policy"`)
}

func TestWrapWithFields(t *testing.T) {
	root := stderrors.New("denied")
	err := cacheterr.Wrap(root, cacheterr.CodeAccessDenied, "authorization check",
		cacheterr.FieldPrincipal("agent-7"),
		cacheterr.FieldDocumentID("d-1"),
	)

	fields := cacheterr.FieldsOf(err)
	assert.Equal(t, "agent-7", fields["principal"])
	assert.Equal(t, "d-1", fields["document_id"])
}

// ---------------------------------------------------------------------------
// With
// ---------------------------------------------------------------------------

func TestWithAddsContextWithoutChangingCode(t *testing.T) {
	base := cacheterr.New(cacheterr.CodeAccessDenied, "scope mismatch")
	withCtx := cacheterr.With(base, cacheterr.FieldPrincipal("agent-7"))

	require.Error(t, withCtx)
	assert.Equal(t, cacheterr.CodeAccessDenied, cacheterr.CodeOf(withCtx))
	assert.Equal(t, "agent-7", cacheterr.FieldsOf(withCtx)["principal"])
}

func TestWithNilReturnsNil(t *testing.T) {
	assert.NoError(t, cacheterr.With(nil, cacheterr.FieldPrincipal("x")))
}

func TestWithOnPlainErrorDefaultsToInternalCode(t *testing.T) {
	plain := stderrors.New("something broke")
	enriched := cacheterr.With(plain, cacheterr.FieldPartition("support.2026-08-01"))

	require.Error(t, enriched)
	assert.Equal(t, cacheterr.CodeServerInternalFailure, cacheterr.CodeOf(enriched))
	assert.Equal(t, "support.2026-08-01", cacheterr.FieldsOf(enriched)["partition"])
}

// ---------------------------------------------------------------------------
// HasCode
// ---------------------------------------------------------------------------

func TestHasCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code cacheterr.Code
		want bool
	}{
		{
			name: "matching code",
			err:  cacheterr.New(cacheterr.CodeStoreGetNotFound, "gone"),
			code: cacheterr.CodeStoreGetNotFound,
			want: true,
		},
		{
			name: "non-matching code",
			err:  cacheterr.New(cacheterr.CodeStoreGetNotFound, "gone"),
			code: cacheterr.CodeStorageIndexFailure,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			code: cacheterr.CodeStoreGetNotFound,
			want: false,
		},
		{
			name: "plain stdlib error has no code",
			err:  stderrors.New("plain"),
			code: cacheterr.CodeServerInternalFailure,
			want: false,
		},
		{
			name: "wrapped coded error returns innermost code",
			err: cacheterr.Wrap(
				cacheterr.New(cacheterr.CodeStorageIndexFailure, "inner"),
				cacheterr.CodeServerInternalFailure, "outer",
			),
			code: cacheterr.CodeStorageIndexFailure,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cacheterr.HasCode(tt.err, tt.code))
		})
	}
}

// ---------------------------------------------------------------------------
// CodeOf
// ---------------------------------------------------------------------------

func TestCodeOfNil(t *testing.T) {
	assert.Equal(t, cacheterr.Code(""), cacheterr.CodeOf(nil))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, cacheterr.Code(""), cacheterr.CodeOf(stderrors.New("plain")))
}

func TestCodeOfReturnsInnermostCodedError(t *testing.T) {
	inner := cacheterr.New(cacheterr.CodeStorageIndexFailure, "db")
	outer := cacheterr.Wrap(inner, cacheterr.CodeServerInternalFailure, "handler")
	// oops.AsOops walks to the deepest oops error, so CodeOf returns the innermost code.
	assert.Equal(t, cacheterr.CodeStorageIndexFailure, cacheterr.CodeOf(outer))
}

// ---------------------------------------------------------------------------
// FieldsOf
// ---------------------------------------------------------------------------

func TestFieldsOfNil(t *testing.T) {
	assert.Nil(t, cacheterr.FieldsOf(nil))
}

func TestFieldsOfPlainError(t *testing.T) {
	assert.Nil(t, cacheterr.FieldsOf(stderrors.New("plain")))
}

// ---------------------------------------------------------------------------
// FieldValue / Field / typed field helpers
// ---------------------------------------------------------------------------

func TestFieldValueCreatesAttr(t *testing.T) {
	attr := cacheterr.FieldValue("key", 42)
	assert.Equal(t, "key", attr.Key)
	assert.Equal(t, 42, attr.Value)
}

func TestFieldAliasMatchesFieldValue(t *testing.T) {
	a := cacheterr.FieldValue("k", "v")
	b := cacheterr.Field("k", "v")
	assert.Equal(t, a, b)
}

func TestTypedFieldHelpers(t *testing.T) {
	tests := []struct {
		name string
		attr cacheterr.Attr
		key  string
		val  string
	}{
		{"key", cacheterr.FieldKey("chunk/d1/0"), "key", "chunk/d1/0"},
		{"document_id", cacheterr.FieldDocumentID("d-1"), "document_id", "d-1"},
		{"principal", cacheterr.FieldPrincipal("agent-7"), "principal", "agent-7"},
		{"partition", cacheterr.FieldPartition("support.2026-08-01"), "partition", "support.2026-08-01"},
		{"tier", cacheterr.FieldTier("warm"), "tier", "warm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.key, tt.attr.Key)
			assert.Equal(t, tt.val, tt.attr.Value)
		})
	}
}

func TestFieldsWithEmptyKeyAreIgnored(t *testing.T) {
	err := cacheterr.New(cacheterr.CodeStorageIndexFailure, "oops",
		cacheterr.Field("", "should-be-dropped"),
		cacheterr.FieldTier("kept"),
	)
	fields := cacheterr.FieldsOf(err)
	assert.Equal(t, "kept", fields["tier"])
	assert.NotContains(t, fields, "")
}

// ---------------------------------------------------------------------------
// errors.Is / errors.As unwrapping
// ---------------------------------------------------------------------------

func TestErrorIsWithWrappedChain(t *testing.T) {
	sentinel := stderrors.New("root cause")
	mid := fmt.Errorf("mid: %w", sentinel)
	outer := cacheterr.Wrap(mid, cacheterr.CodeServerInternalFailure, "handler")

	assert.ErrorIs(t, outer, sentinel)
}

func TestErrorIsWithMultiWrap(t *testing.T) {
	sentinel := stderrors.New("original")
	first := cacheterr.Wrap(sentinel, cacheterr.CodeStorageIndexFailure, "layer 1")
	second := cacheterr.Wrap(first, cacheterr.CodeServerInternalFailure, "layer 2")

	assert.ErrorIs(t, second, sentinel)
	// CodeOf returns the innermost coded error (first wrap layer).
	assert.Equal(t, cacheterr.CodeStorageIndexFailure, cacheterr.CodeOf(second))
}

// ---------------------------------------------------------------------------
// Classification helpers
// ---------------------------------------------------------------------------

func TestClassificationAndStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		code   cacheterr.Code
		status int
		check  func(error) bool
	}{
		{name: "store not found", code: cacheterr.CodeStoreGetNotFound, status: 404, check: cacheterr.IsNotFound},
		{name: "storage read not found", code: cacheterr.CodeStorageReadNotFound, status: 404, check: cacheterr.IsNotFound},
		{name: "scan job not found", code: cacheterr.CodeScanJobNotFound, status: 404, check: cacheterr.IsNotFound},
		{name: "scan job conflict", code: cacheterr.CodeScanJobConflict, status: 409, check: cacheterr.IsConflict},
		{name: "partition underflow conflict", code: cacheterr.CodePartitionCountUnderflow, status: 409, check: cacheterr.IsConflict},
		{name: "invalid config value", code: cacheterr.CodeConfigValidateInvalidValue, status: 400, check: cacheterr.IsInvalidInput},
		{name: "invalid config format", code: cacheterr.CodeConfigParseInvalidFormat, status: 400, check: cacheterr.IsInvalidInput},
		{name: "invalid put input", code: cacheterr.CodeStorePutInvalidInput, status: 400, check: cacheterr.IsInvalidInput},
		{name: "invalid token budget", code: cacheterr.CodeRetrieveBudgetInvalid, status: 400, check: cacheterr.IsInvalidInput},
		{name: "invalid chunk input", code: cacheterr.CodeChunkSplitInvalid, status: 400, check: cacheterr.IsInvalidInput},
		{name: "unauthorized", code: cacheterr.CodeServerAuthUnauthorized, status: 401, check: cacheterr.IsAccessDenied},
		{name: "forbidden", code: cacheterr.CodeServerAuthForbidden, status: 403, check: cacheterr.IsAccessDenied},
		{name: "access denied", code: cacheterr.CodeAccessDenied, status: 403, check: cacheterr.IsAccessDenied},
		{name: "policy expired", code: cacheterr.CodeAccessPolicyExpired, status: 403, check: cacheterr.IsAccessDenied},
		{name: "index unavailable", code: cacheterr.CodeIndexUnavailable, status: 503, check: cacheterr.IsIndexUnavailable},
		{name: "index query timeout", code: cacheterr.CodeIndexQueryTimeout, status: 503, check: cacheterr.IsIndexUnavailable},
		{name: "internal", code: cacheterr.CodeServerInternalFailure, status: 500, check: func(err error) bool { return !cacheterr.IsNotFound(err) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cacheterr.New(tt.code, "boom")
			assert.Equal(t, tt.status, cacheterr.HTTPStatus(err))
			assert.True(t, tt.check(err))
		})
	}
}

func TestFamilyClassifiers(t *testing.T) {
	cacheErr := cacheterr.New(cacheterr.CodeCacheL2IOFailure, "blob read failed")
	assert.True(t, cacheterr.IsCacheFailure(cacheErr))
	assert.False(t, cacheterr.IsStorageFailure(cacheErr))
	assert.False(t, cacheterr.IsSecurity(cacheErr))

	storageErr := cacheterr.New(cacheterr.CodeStorageMigrateFailure, "demotion failed")
	assert.True(t, cacheterr.IsStorageFailure(storageErr))
	assert.False(t, cacheterr.IsCacheFailure(storageErr))

	securityErr := cacheterr.New(cacheterr.CodeCryptoDecryptAuthFailure, "tag mismatch")
	assert.True(t, cacheterr.IsSecurity(securityErr))
	assert.False(t, cacheterr.IsCacheFailure(securityErr))
	assert.False(t, cacheterr.IsAccessDenied(securityErr))
}

func TestClassificationNegativeCases(t *testing.T) {
	err := cacheterr.New(cacheterr.CodeStorageIndexFailure, "db error")
	assert.False(t, cacheterr.IsNotFound(err))
	assert.False(t, cacheterr.IsConflict(err))
	assert.False(t, cacheterr.IsInvalidInput(err))
	assert.False(t, cacheterr.IsAccessDenied(err))
	assert.False(t, cacheterr.IsCacheFailure(err))
	assert.False(t, cacheterr.IsSecurity(err))
	assert.False(t, cacheterr.IsTimeout(err))
}

func TestClassificationOnNilError(t *testing.T) {
	assert.False(t, cacheterr.IsNotFound(nil))
	assert.False(t, cacheterr.IsConflict(nil))
	assert.False(t, cacheterr.IsInvalidInput(nil))
	assert.False(t, cacheterr.IsAccessDenied(nil))
	assert.False(t, cacheterr.IsCacheFailure(nil))
	assert.False(t, cacheterr.IsStorageFailure(nil))
	assert.False(t, cacheterr.IsSecurity(nil))
	assert.False(t, cacheterr.IsTimeout(nil))
}

func TestClassificationOnPlainError(t *testing.T) {
	err := stderrors.New("plain")
	assert.False(t, cacheterr.IsNotFound(err))
	assert.False(t, cacheterr.IsConflict(err))
	assert.False(t, cacheterr.IsInvalidInput(err))
	assert.False(t, cacheterr.IsAccessDenied(err))
	assert.False(t, cacheterr.IsCacheFailure(err))
	assert.False(t, cacheterr.IsSecurity(err))
	assert.False(t, cacheterr.IsTimeout(err))
}

// ---------------------------------------------------------------------------
// HTTPStatus edge cases
// ---------------------------------------------------------------------------

func TestHTTPStatusNilReturnsInternalServerError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, cacheterr.HTTPStatus(nil))
}

func TestHTTPStatusPlainErrorReturnsInternalServerError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, cacheterr.HTTPStatus(stderrors.New("oops")))
}

// ---------------------------------------------------------------------------
// Join
// ---------------------------------------------------------------------------

func TestJoinCombinesErrors(t *testing.T) {
	a := stderrors.New("first")
	b := stderrors.New("second")
	joined := cacheterr.Join(a, b)

	require.Error(t, joined)
	assert.ErrorIs(t, joined, a)
	assert.ErrorIs(t, joined, b)
	assert.Equal(t, cacheterr.CodeServerInternalFailure, cacheterr.CodeOf(joined))
}

// ---------------------------------------------------------------------------
// Nested wrapping
// ---------------------------------------------------------------------------

func TestNestedWrapInnermostCodePersists(t *testing.T) {
	root := stderrors.New("io error")
	l1 := cacheterr.Wrap(root, cacheterr.CodeStorageIndexFailure, "index layer")
	l2 := cacheterr.Wrap(l1, cacheterr.CodeStorageMigrateFailure, "migration layer")
	l3 := cacheterr.Wrap(l2, cacheterr.CodeServerInternalFailure, "server layer")

	// oops walks to the deepest coded error, so CodeOf returns the first code set.
	assert.Equal(t, cacheterr.CodeStorageIndexFailure, cacheterr.CodeOf(l3))
	assert.ErrorIs(t, l3, root)
}

// ---------------------------------------------------------------------------
// Error message content
// ---------------------------------------------------------------------------

func TestWrapMessageIncludesContext(t *testing.T) {
	root := stderrors.New("EOF")
	err := cacheterr.Wrap(root, cacheterr.CodeStorageIndexFailure, "reading rows")

	msg := err.Error()
	assert.Contains(t, msg, "reading rows")
	assert.Contains(t, msg, "EOF")
}

func TestNewMessageContent(t *testing.T) {
	err := cacheterr.New(cacheterr.CodeAuditChainBroken, "hash mismatch at seq 14")
	assert.Contains(t, err.Error(), "hash mismatch at seq 14")
}
