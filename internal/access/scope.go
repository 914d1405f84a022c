// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package access implements role-based access control over store
// resources. Resources are dot-separated names ("doc.<id>",
// "partition.<domain>.<window>"); policy scopes are patterns over
// those names with glob support. Only the "*" glob is supported.
package access

import (
	"strings"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

const maxSegments = 32

// MatchScope reports whether resource matches pattern.
// Pattern matching is dot-segment aware:
//   - A segment exactly "*" matches one or more resource segments.
//   - "*" inside a non-"*" segment is an in-segment wildcard and
//     matches zero or more characters in that same segment.
//
// Malformed dotted strings (leading/trailing dot or consecutive dots)
// never match. Returns an error if either side exceeds 32 segments.
func MatchScope(pattern, resource string) (bool, error) {
	if pattern == "" || resource == "" {
		return false, nil
	}
	if !isValidDottedString(pattern) || !isValidDottedString(resource) {
		return false, nil
	}

	patternSegments := strings.Split(pattern, ".")
	resourceSegments := strings.Split(resource, ".")

	if len(patternSegments) > maxSegments {
		return false, cacheterr.Errorf(cacheterr.CodeAccessScopeInvalid, "pattern exceeds maximum %d segments: got %d", maxSegments, len(patternSegments))
	}
	if len(resourceSegments) > maxSegments {
		return false, cacheterr.Errorf(cacheterr.CodeAccessScopeInvalid, "resource exceeds maximum %d segments: got %d", maxSegments, len(resourceSegments))
	}

	memo := make(map[[2]int]bool)
	seen := make(map[[2]int]bool)

	var match func(pi, ri int) bool
	match = func(pi, ri int) bool {
		key := [2]int{pi, ri}
		if seen[key] {
			return memo[key]
		}
		seen[key] = true

		if pi == len(patternSegments) {
			memo[key] = ri == len(resourceSegments)
			return memo[key]
		}
		if ri == len(resourceSegments) {
			memo[key] = false
			return false
		}

		segment := patternSegments[pi]
		if segment == "*" {
			for next := ri + 1; next <= len(resourceSegments); next++ {
				if match(pi+1, next) {
					memo[key] = true
					return true
				}
			}
			memo[key] = false
			return false
		}

		if !matchSegment(segment, resourceSegments[ri]) {
			memo[key] = false
			return false
		}

		memo[key] = match(pi+1, ri+1)
		return memo[key]
	}

	return match(0, 0), nil
}

func matchSegment(patternSegment, resourceSegment string) bool {
	if patternSegment == resourceSegment {
		return true
	}
	if !strings.Contains(patternSegment, "*") {
		return false
	}
	return matchInSegmentGlob(patternSegment, resourceSegment)
}

func isValidDottedString(s string) bool {
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	return !strings.Contains(s, "..")
}

// matchInSegmentGlob matches pattern and text where '*' matches zero
// or more characters.
func matchInSegmentGlob(pattern, text string) bool {
	pi, ti := 0, 0
	star := -1
	match := 0

	for ti < len(text) {
		if pi < len(pattern) && pattern[pi] == text[ti] {
			pi++
			ti++
			continue
		}
		if pi < len(pattern) && pattern[pi] == '*' {
			star = pi
			match = ti
			pi++
			continue
		}
		if star != -1 {
			pi = star + 1
			match++
			ti = match
			continue
		}
		return false
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
