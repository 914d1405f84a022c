// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package storage owns the hot/warm/cold lifecycle of persisted
// ciphertext. A SQLite index is the single source of truth for tier
// membership; blob files on disk are addressed through it, never by
// directory listing. The package only ever sees ciphertext — there is
// no plaintext fallback path.
package storage

import (
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// Tier is the access-latency class of a stored record.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Tiers lists every tier from hottest to coldest.
var Tiers = []Tier{TierHot, TierWarm, TierCold}

// ParseTier validates a tier name. An empty name selects Hot.
func ParseTier(name string) (Tier, error) {
	switch Tier(name) {
	case TierHot, TierWarm, TierCold:
		return Tier(name), nil
	case "":
		return TierHot, nil
	default:
		return "", cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue, "unknown storage tier %q", name)
	}
}

// colder returns the next tier down, or "" for Cold.
func colder(t Tier) Tier {
	switch t {
	case TierHot:
		return TierWarm
	case TierWarm:
		return TierCold
	default:
		return ""
	}
}
