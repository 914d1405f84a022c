// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

func (c Code) String() string { return string(c) }

const (
	CodeStorePutInvalidInput       Code = "store.put.invalid_input"
	CodeStoreGetNotFound           Code = "store.get.not_found"
	CodeStoreDeletePartialFailure  Code = "store.delete.partial_failure"
	CodeStoreClearFailure          Code = "store.clear.failure"
	CodeStoreStartupFailure        Code = "store.startup.failure"

	CodeAccessDenied         Code = "access.authorize.denied"
	CodeAccessPolicyExpired  Code = "access.policy.expired"
	CodeAccessPolicyInvalid  Code = "access.policy.invalid"
	CodeAccessScopeInvalid   Code = "access.scope.invalid"

	CodeCryptoKeyMissing         Code = "crypto.key.missing"
	CodeCryptoKeyInvalid         Code = "crypto.key.invalid"
	CodeCryptoEncryptFailure     Code = "crypto.encrypt.failure"
	CodeCryptoDecryptAuthFailure Code = "crypto.decrypt.auth_failure"
	CodeCryptoEnvelopeInvalid    Code = "crypto.envelope.invalid"

	CodePIIRuleInvalid Code = "pii.rule.invalid"

	CodeCacheInvalidInput Code = "cache.entry.invalid_input"
	CodeCacheL2IOFailure  Code = "cache.l2.io_failure"
	CodeCacheIndexFailure Code = "cache.l2.index_failure"

	CodeStorageWriteFailure   Code = "storage.write.failure"
	CodeStorageReadNotFound   Code = "storage.read.not_found"
	CodeStorageMigrateFailure Code = "storage.migrate.failure"
	CodeStorageIndexFailure   Code = "storage.index.failure"

	CodePartitionAssignInvalid  Code = "partition.assign.invalid_input"
	CodePartitionCountUnderflow Code = "partition.count.conflict"
	CodePartitionCleanupFailure Code = "partition.cleanup.failure"

	CodeAuditAppendFailure Code = "audit.append.failure"
	CodeAuditChainBroken   Code = "audit.chain.broken"
	CodeAuditVerifyFailure Code = "audit.verify.failure"

	CodeChunkSplitInvalid    Code = "chunk.split.invalid_input"
	CodeTokenEncodingInvalid Code = "token.encoding.invalid_value"

	CodeIndexEmbedFailure  Code = "index.embed.failure"
	CodeIndexUpsertFailure Code = "index.upsert.failure"
	CodeIndexQueryFailure  Code = "index.query.failure"
	CodeIndexQueryTimeout  Code = "index.query.timeout"
	CodeIndexUnavailable   Code = "index.circuit.unavailable"
	CodeIndexDeleteFailure Code = "index.delete.failure"

	CodeRetrieveBudgetInvalid Code = "retrieve.budget.invalid_value"
	CodeRetrieveQueryInvalid  Code = "retrieve.query.invalid_input"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid   Code = "server.request.invalid"
	CodeServerAuthUnauthorized Code = "server.auth.unauthorized"
	CodeServerAuthForbidden    Code = "server.auth.forbidden"
	CodeServerInternalFailure  Code = "server.internal.failure"
	CodeServerEntityNotFound   Code = "server.entity.not_found"
	CodeServerStartFailure     Code = "server.start.failure"
	CodeServerShutdownFailure  Code = "server.shutdown.failure"

	CodeCLISetupFailure Code = "cli.setup.failure"
	CodeCLIInputInvalid Code = "cli.input.invalid"

	CodeScanJobConflict Code = "scan.job.conflict"
	CodeScanJobNotFound Code = "scan.job.not_found"
	CodeScanJobFailure  Code = "scan.job.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// FieldValue creates a structured error field.
func FieldValue(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

// Field is kept as the primary helper for terse callsites.
func Field(key string, value any) Attr {
	return FieldValue(key, value)
}

func FieldKey(value string) Attr {
	return Field("key", value)
}

func FieldDocumentID(value string) Attr {
	return Field("document_id", value)
}

func FieldPrincipal(value string) Attr {
	return Field("principal", value)
}

func FieldPartition(value string) Attr {
	return Field("partition", value)
}

func FieldTier(value string) Attr {
	return Field("tier", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

// IsAccessDenied reports authorization refusals, including expired policies.
func IsAccessDenied(err error) bool {
	code := CodeOf(err)
	if strings.HasPrefix(string(code), "access.") {
		return true
	}
	r := reason(code)
	return r == "unauthorized" || r == "forbidden" || r == "denied"
}

// IsCacheFailure reports cache-tier faults. Callers treat these as
// non-fatal and fall back to the storage tier.
func IsCacheFailure(err error) bool {
	return family(CodeOf(err)) == "cache"
}

func IsStorageFailure(err error) bool {
	return family(CodeOf(err)) == "storage"
}

// IsSecurity reports key-material and cryptographic faults. These abort
// the operation; there is no plaintext fallback.
func IsSecurity(err error) bool {
	return family(CodeOf(err)) == "crypto"
}

func IsIndexUnavailable(err error) bool {
	code := CodeOf(err)
	return code == CodeIndexUnavailable || code == CodeIndexQueryTimeout
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsAccessDenied(err):
		if HasCode(err, CodeServerAuthUnauthorized) {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case IsIndexUnavailable(err):
		return http.StatusServiceUnavailable
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}

func family(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.Index(raw, ".")
	if idx <= 0 {
		return raw
	}
	return raw[:idx]
}
