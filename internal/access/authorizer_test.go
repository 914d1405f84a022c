// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package access_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachet-dev/cachet/internal/access"
	"github.com/cachet-dev/cachet/internal/audit"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

func testAudit(t *testing.T) *audit.Log {
	t.Helper()
	l, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func readerPolicy(principal, scope string) access.Policy {
	return access.Policy{
		Principal: principal,
		Actions:   []access.Action{access.ActionRead},
		Scope:     scope,
	}
}

func TestAuthorizeAllow(t *testing.T) {
	log := testAudit(t)
	a, err := access.NewAuthorizer([]access.Policy{readerPolicy("alice", "doc.*")}, log)
	require.NoError(t, err)

	d, err := a.Authorize(context.Background(), "alice", access.ActionRead, "doc.d1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	entries, err := log.Query(context.Background(), audit.Filter{Principal: "alice"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "authorize.read", entries[0].Action)
	assert.Equal(t, audit.OutcomeOK, entries[0].Outcome)
}

func TestAuthorizeDenyReasons(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	policies := []access.Policy{
		readerPolicy("alice", "doc.*"),
		{
			Principal: "carol",
			Actions:   []access.Action{access.ActionRead},
			Scope:     "doc.*",
			ExpiresAt: &past,
		},
	}

	log := testAudit(t)
	a, err := access.NewAuthorizer(policies, log, access.WithNowFunc(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name      string
		principal string
		action    access.Action
		resource  string
		reason    string
	}{
		{"unknown principal", "mallory", access.ActionRead, "doc.d1", access.ReasonPrincipalUnknown},
		{"expired grant", "carol", access.ActionRead, "doc.d1", access.ReasonPolicyExpired},
		{"missing action", "alice", access.ActionDelete, "doc.d1", access.ReasonActionNotGranted},
		{"scope mismatch", "alice", access.ActionRead, "partition.support.2026-08", access.ReasonScopeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := a.Authorize(ctx, tt.principal, tt.action, tt.resource)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}

	denied, err := log.Query(ctx, audit.Filter{Outcome: audit.OutcomeDenied})
	require.NoError(t, err)
	assert.Len(t, denied, len(tests))
}

func TestAdminActionGrantsAll(t *testing.T) {
	a, err := access.NewAuthorizer([]access.Policy{{
		Principal: "root",
		Actions:   []access.Action{access.ActionAdmin},
		Scope:     "*",
	}}, nil)
	require.NoError(t, err)

	for _, action := range []access.Action{access.ActionRead, access.ActionWrite, access.ActionDelete, access.ActionScan} {
		d, err := a.Authorize(context.Background(), "root", action, "doc.d1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "action %s", action)
	}
}

func TestSetPoliciesReplacesGrants(t *testing.T) {
	a, err := access.NewAuthorizer([]access.Policy{readerPolicy("alice", "doc.*")}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.SetPolicies("alice", []access.Policy{readerPolicy("alice", "partition.support.*")}))

	d, err := a.Authorize(ctx, "alice", access.ActionRead, "doc.d1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = a.Authorize(ctx, "alice", access.ActionRead, "partition.support.2026-08")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Clearing the policy set makes the principal unknown again.
	require.NoError(t, a.SetPolicies("alice", nil))
	d, err = a.Authorize(ctx, "alice", access.ActionRead, "partition.support.2026-08")
	require.NoError(t, err)
	assert.Equal(t, access.ReasonPrincipalUnknown, d.Reason)
}

func TestNewAuthorizerRejectsInvalidPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy access.Policy
	}{
		{"no principal", access.Policy{Actions: []access.Action{access.ActionRead}, Scope: "doc.*"}},
		{"no actions", access.Policy{Principal: "alice", Scope: "doc.*"}},
		{"bad action", access.Policy{Principal: "alice", Actions: []access.Action{"fly"}, Scope: "doc.*"}},
		{"no scope", access.Policy{Principal: "alice", Actions: []access.Action{access.ActionRead}}},
		{"malformed scope", access.Policy{Principal: "alice", Actions: []access.Action{access.ActionRead}, Scope: "doc..x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := access.NewAuthorizer([]access.Policy{tt.policy}, nil)
			require.Error(t, err)
			assert.True(t, cacheterr.HasCode(err, cacheterr.CodeAccessPolicyInvalid))
		})
	}
}

func TestDeniedError(t *testing.T) {
	err := access.DeniedError("alice", access.ActionRead, "doc.d1", access.Decision{Reason: access.ReasonScopeMismatch})
	assert.True(t, cacheterr.IsAccessDenied(err))
	assert.True(t, cacheterr.HasCode(err, cacheterr.CodeAccessDenied))

	err = access.DeniedError("carol", access.ActionRead, "doc.d1", access.Decision{Reason: access.ReasonPolicyExpired})
	assert.True(t, cacheterr.HasCode(err, cacheterr.CodeAccessPolicyExpired))
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	const bundle = `policies:
  - principal: alice
    actions: [read, write]
    scope: "doc.*"
  - principal: auditor
    actions: [scan]
    scope: "*"
`
	require.NoError(t, os.WriteFile(path, []byte(bundle), 0o600))

	policies, err := access.LoadPolicyFile(path)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "alice", policies[0].Principal)
	assert.Equal(t, []access.Action{access.ActionRead, access.ActionWrite}, policies[0].Actions)

	_, err = access.LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
