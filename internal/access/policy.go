// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package access

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// Action is one grantable operation class.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionScan   Action = "scan"
	ActionAdmin  Action = "admin"
)

// ParseAction validates a configured action name.
func ParseAction(name string) (Action, error) {
	switch Action(name) {
	case ActionRead, ActionWrite, ActionDelete, ActionScan, ActionAdmin:
		return Action(name), nil
	default:
		return "", cacheterr.Errorf(cacheterr.CodeAccessPolicyInvalid, "unknown action %q", name)
	}
}

// Policy grants a principal a set of actions over a resource scope,
// optionally bounded in time.
type Policy struct {
	Principal string     `yaml:"principal"`
	Actions   []Action   `yaml:"actions"`
	Scope     string     `yaml:"scope"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty"`
}

// Validate checks the policy's fields. Scope patterns are validated at
// load time so match errors later indicate bugs, not untrusted input.
func (p Policy) Validate() error {
	if p.Principal == "" {
		return cacheterr.New(cacheterr.CodeAccessPolicyInvalid, "policy has no principal")
	}
	if len(p.Actions) == 0 {
		return cacheterr.Errorf(cacheterr.CodeAccessPolicyInvalid, "policy for %q grants no actions", p.Principal)
	}
	for _, a := range p.Actions {
		if _, err := ParseAction(string(a)); err != nil {
			return err
		}
	}
	if p.Scope == "" {
		return cacheterr.Errorf(cacheterr.CodeAccessPolicyInvalid, "policy for %q has no scope", p.Principal)
	}
	if _, err := MatchScope(p.Scope, "probe"); err != nil {
		return err
	}
	if !isValidDottedString(p.Scope) {
		return cacheterr.Errorf(cacheterr.CodeAccessPolicyInvalid, "policy for %q has malformed scope %q", p.Principal, p.Scope)
	}
	return nil
}

// expired reports whether the policy's grant has lapsed at now.
func (p Policy) expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

func (p Policy) grants(action Action) bool {
	for _, a := range p.Actions {
		if a == action || a == ActionAdmin {
			return true
		}
	}
	return false
}

// policyBundle is the YAML layout of a policy file.
type policyBundle struct {
	Policies []Policy `yaml:"policies"`
}

// LoadPolicyFile reads a YAML policy bundle and validates every entry.
func LoadPolicyFile(path string) ([]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, cacheterr.Wrapf(err, cacheterr.CodeAccessPolicyInvalid, "reading policy file %s", path)
	}

	var bundle policyBundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, cacheterr.Wrapf(err, cacheterr.CodeAccessPolicyInvalid, "parsing policy file %s", path)
	}

	for i, p := range bundle.Policies {
		if err := p.Validate(); err != nil {
			return nil, cacheterr.Wrapf(err, cacheterr.CodeAccessPolicyInvalid, "policy %d in %s", i, path)
		}
	}

	return bundle.Policies, nil
}
