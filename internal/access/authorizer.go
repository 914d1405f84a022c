// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package access

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachet-dev/cachet/internal/audit"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// AuditEscalationThreshold is the number of consecutive audit append
// failures after which logging escalates from Warn to Error.
const AuditEscalationThreshold = 3

// Deny reason codes carried in Decision.Reason and audit details.
const (
	ReasonPrincipalUnknown = "principal_unknown"
	ReasonPolicyExpired    = "policy_expired"
	ReasonActionNotGranted = "action_not_granted"
	ReasonScopeMismatch    = "scope_mismatch"
)

// Decision is the result of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithAuditFailClosed makes an audit append failure on the allow path
// deny the operation. Default is best-effort: the decision stands and
// the failure is logged.
func WithAuditFailClosed(failClosed bool) Option {
	return func(a *Authorizer) {
		a.auditFailClosed = failClosed
	}
}

// WithNowFunc overrides the time source used for expiry checks.
func WithNowFunc(fn func() time.Time) Option {
	return func(a *Authorizer) {
		if fn != nil {
			a.nowFunc = fn
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authorizer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Authorizer evaluates principal policies against requested resources.
// Every decision, allow and deny alike, is appended to the audit log.
// Unknown principals and expired grants deny by default.
type Authorizer struct {
	mu              sync.RWMutex
	policies        map[string][]Policy
	auditLog        *audit.Log
	auditFailClosed bool
	allowFailCount  atomic.Int64
	denyFailCount   atomic.Int64
	nowFunc         func() time.Time
	logger          *slog.Logger
}

// NewAuthorizer builds an Authorizer over the given policy set. A nil
// auditLog disables decision auditing; checks are still enforced.
func NewAuthorizer(policies []Policy, auditLog *audit.Log, opts ...Option) (*Authorizer, error) {
	a := &Authorizer{
		policies: make(map[string][]Policy),
		auditLog: auditLog,
		nowFunc:  time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if auditLog == nil {
		a.logger.Warn("authorizer created without audit log; decision auditing disabled")
	}

	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		a.policies[p.Principal] = append(a.policies[p.Principal], p)
	}

	return a, nil
}

// SetPolicies replaces every policy for the given principal.
func (a *Authorizer) SetPolicies(principal string, policies []Policy) error {
	for _, p := range policies {
		if p.Principal != principal {
			return cacheterr.Errorf(cacheterr.CodeAccessPolicyInvalid, "policy principal %q does not match %q", p.Principal, principal)
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(policies) == 0 {
		delete(a.policies, principal)
		return nil
	}
	a.policies[principal] = append([]Policy(nil), policies...)
	return nil
}

// Authorize evaluates whether principal may perform action on resource.
// A denied decision is returned with its reason; the caller maps it to
// an access error. Evaluation is fail-closed throughout.
func (a *Authorizer) Authorize(ctx context.Context, principal string, action Action, resource string) (Decision, error) {
	if principal == "" || resource == "" {
		return Decision{}, cacheterr.New(cacheterr.CodeAccessScopeInvalid, "principal and resource are required")
	}
	if _, err := ParseAction(string(action)); err != nil {
		return Decision{}, err
	}

	a.mu.RLock()
	policies, known := a.policies[principal]
	a.mu.RUnlock()

	if !known {
		return a.deny(ctx, principal, action, resource, ReasonPrincipalUnknown)
	}

	now := a.nowFunc()
	reason := ReasonPolicyExpired

	for _, p := range policies {
		if p.expired(now) {
			continue
		}
		if !p.grants(action) {
			if reason == ReasonPolicyExpired {
				reason = ReasonActionNotGranted
			}
			continue
		}

		match, err := MatchScope(p.Scope, resource)
		if err != nil {
			return Decision{}, err
		}
		if match {
			return a.allow(ctx, principal, action, resource)
		}
		reason = ReasonScopeMismatch
	}

	return a.deny(ctx, principal, action, resource, reason)
}

// AllowFailCount returns the consecutive allow-path audit failure
// count, for tests and observability.
func (a *Authorizer) AllowFailCount() int64 {
	return a.allowFailCount.Load()
}

func (a *Authorizer) allow(ctx context.Context, principal string, action Action, resource string) (Decision, error) {
	if err := a.record(ctx, principal, action, resource, audit.OutcomeOK, ""); err != nil {
		consecutive := a.allowFailCount.Add(1)
		a.logAuditFailure("allow", principal, action, resource, err, consecutive)
		if a.auditFailClosed {
			return Decision{}, cacheterr.Wrap(err, cacheterr.CodeAuditAppendFailure, "audit append failed on allowed decision")
		}
	} else {
		a.allowFailCount.Store(0)
	}

	return Decision{Allowed: true}, nil
}

func (a *Authorizer) deny(ctx context.Context, principal string, action Action, resource string, reason string) (Decision, error) {
	// Append failure on the deny path never blocks: the operation is
	// refused regardless.
	if err := a.record(ctx, principal, action, resource, audit.OutcomeDenied, reason); err != nil {
		consecutive := a.denyFailCount.Add(1)
		a.logAuditFailure("deny", principal, action, resource, err, consecutive)
	} else {
		a.denyFailCount.Store(0)
	}

	return Decision{Allowed: false, Reason: reason}, nil
}

func (a *Authorizer) record(ctx context.Context, principal string, action Action, resource, outcome, reason string) error {
	if a.auditLog == nil {
		return nil
	}

	_, err := a.auditLog.Append(ctx, audit.Entry{
		Principal: principal,
		Action:    "authorize." + string(action),
		Resource:  resource,
		Outcome:   outcome,
		Detail:    reason,
	})
	return err
}

func (a *Authorizer) logAuditFailure(path, principal string, action Action, resource string, err error, consecutive int64) {
	attrs := []any{
		"principal", principal,
		"action", action,
		"resource", resource,
		"error", err,
		"consecutive_failures", consecutive,
	}
	if consecutive >= AuditEscalationThreshold {
		a.logger.Error("audit append failure on "+path+" decision (persistent)", attrs...)
	} else {
		a.logger.Warn("audit append failure on "+path+" decision", attrs...)
	}
}

// DeniedError converts a deny decision into the typed access error.
func DeniedError(principal string, action Action, resource string, d Decision) error {
	code := cacheterr.CodeAccessDenied
	if d.Reason == ReasonPolicyExpired {
		code = cacheterr.CodeAccessPolicyExpired
	}
	return cacheterr.Errorf(code, "%s denied %s on %s: %s", principal, action, resource, d.Reason)
}
