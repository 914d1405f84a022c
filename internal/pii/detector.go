// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package pii detects and redacts personally identifiable information
// in document content before it is encrypted and persisted.
package pii

import (
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// Severity indicates how critical a detection is.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Valid reports whether the severity is a known severity level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// Rule defines a detection pattern.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Severity Severity
	// Verify, when set, filters regex candidates (e.g. Luhn for card
	// numbers). It receives the matched text.
	Verify func(match string) bool
}

// Finding describes a single detection. Location and Length are byte
// offsets into Result.Content.
type Finding struct {
	Rule     string
	Location int
	Length   int
	Severity Severity
}

// Result holds the outcome of a detection pass.
type Result struct {
	Sensitive bool
	Findings  []Finding
	// Content holds the normalized content after Detect processing
	// (NFKC + zero-width character stripping). Finding offsets are byte
	// offsets into this string. Callers MUST use this for redaction to
	// avoid offset misalignment when the original content contained
	// Unicode evasion chars.
	Content string
}

// Detector scans content against compiled rules.
type Detector struct {
	rules []Rule
	allow map[string]struct{}
}

// Option configures a Detector.
type Option func(*detectorConfig)

type detectorConfig struct {
	rules []Rule
	allow []string
	deny  []string
}

// WithRules replaces the built-in rule set.
func WithRules(rules []Rule) Option {
	return func(c *detectorConfig) { c.rules = rules }
}

// WithAllowList registers literal values that are never reported, such
// as the support address every document carries.
func WithAllowList(values []string) Option {
	return func(c *detectorConfig) { c.allow = values }
}

// WithDenyList registers literal values that are always reported under
// the "denylist" rule, regardless of the pattern rules.
func WithDenyList(values []string) Option {
	return func(c *detectorConfig) { c.deny = values }
}

// NewDetector builds a detector. Every rule is validated up front so a
// bad configuration fails at startup, not mid-scan.
func NewDetector(opts ...Option) (*Detector, error) {
	cfg := detectorConfig{rules: DefaultRules()}
	for _, opt := range opts {
		opt(&cfg)
	}

	rules := slices.Clone(cfg.rules)
	for _, literal := range cfg.deny {
		if literal == "" {
			continue
		}
		rules = append(rules, Rule{
			Name:     "denylist",
			Pattern:  regexp.MustCompile(regexp.QuoteMeta(normalize(literal))),
			Severity: SeverityHigh,
		})
	}

	for i, r := range rules {
		if r.Pattern == nil {
			return nil, cacheterr.Errorf(cacheterr.CodePIIRuleInvalid, "rule %d (%s) has nil pattern", i, r.Name)
		}
		if r.Name == "" {
			return nil, cacheterr.Errorf(cacheterr.CodePIIRuleInvalid, "rule %d has empty name", i)
		}
		if !r.Severity.Valid() {
			return nil, cacheterr.Errorf(cacheterr.CodePIIRuleInvalid, "rule %d (%s) has invalid severity %q", i, r.Name, r.Severity)
		}
	}

	allow := make(map[string]struct{}, len(cfg.allow))
	for _, v := range cfg.allow {
		allow[normalize(v)] = struct{}{}
	}

	return &Detector{rules: rules, allow: allow}, nil
}

// invisibleCharReplacer strips zero-width and other invisible Unicode
// characters to reduce evasion via Unicode homoglyphs. Allocated once
// at package init.
var invisibleCharReplacer = strings.NewReplacer(
	"\u200B", "", // zero-width space
	"\u200C", "", // zero-width non-joiner
	"\u200D", "", // zero-width joiner
	"\uFEFF", "", // zero-width no-break space / BOM
	"\u00AD", "", // soft hyphen
	"\u034F", "", // combining grapheme joiner
	"\u061C", "", // Arabic letter mark
	"\u180E", "", // Mongolian vowel separator
	"\u2060", "", // word joiner
	"\u2061", "", // invisible function application
	"\u2062", "", // invisible times
	"\u2063", "", // invisible separator
	"\u2064", "", // invisible plus
	"\u206A", "", // inhibit symmetric swapping
	"\u206B", "", // activate symmetric swapping
	"\u206C", "", // inhibit Arabic form shaping
	"\u206D", "", // activate Arabic form shaping
	"\u206E", "", // national digit shapes
	"\u206F", "", // nominal digit shapes
	"\uFFF9", "", // interlinear annotation anchor
	"\uFFFA", "", // interlinear annotation separator
	"\uFFFB", "", // interlinear annotation terminator
)

// normalize applies NFKC normalization and strips zero-width characters
// so split-up or homoglyph-obscured values still match.
func normalize(s string) string {
	s = invisibleCharReplacer.Replace(s)
	return norm.NFKC.String(s)
}

// Detect scans content and returns findings with offsets into the
// normalized content.
func (d *Detector) Detect(content string) Result {
	content = normalize(content)
	result := Result{Content: content}

	for _, rule := range d.rules {
		locs := rule.Pattern.FindAllStringIndex(content, -1)
		for _, loc := range locs {
			match := content[loc[0]:loc[1]]
			if _, allowed := d.allow[match]; allowed {
				continue
			}
			if rule.Verify != nil && !rule.Verify(match) {
				continue
			}

			result.Sensitive = true
			result.Findings = append(result.Findings, Finding{
				Rule:     rule.Name,
				Location: loc[0],
				Length:   loc[1] - loc[0],
				Severity: rule.Severity,
			})
		}
	}

	return result
}

// DefaultRules returns the built-in PII rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "email",
			Pattern:  regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			Severity: SeverityMedium,
		},
		{
			Name: "phone",
			// Requires separator structure between digit groups so bare
			// numeric runs (order ids, timestamps) do not match.
			Pattern:  regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?\(?\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}\b`),
			Severity: SeverityMedium,
		},
		{
			Name:     "ssn",
			Pattern:  regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Severity: SeverityHigh,
		},
		{
			Name:     "credit_card",
			Pattern:  regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{3,4}\b`),
			Severity: SeverityHigh,
			Verify:   luhnValid,
		},
		{
			Name:     "ip_address",
			Pattern:  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			Severity: SeverityLow,
		},
		{
			Name:     "iban",
			Pattern:  regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
			Severity: SeverityHigh,
		},
	}
}

// luhnValid reports whether the digits in match pass the Luhn checksum,
// filtering out digit runs that merely look like card numbers.
func luhnValid(match string) bool {
	var digits []int
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Mode defines how detections are handled on the write path.
type Mode string

const (
	ModeBlock  Mode = "block"
	ModeFlag   Mode = "flag"
	ModeRedact Mode = "redact"
)

// Valid reports whether the mode is a known detection mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeBlock, ModeFlag, ModeRedact:
		return true
	default:
		return false
	}
}

// ParseMode parses a mode string (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "block":
		return ModeBlock, nil
	case "flag":
		return ModeFlag, nil
	case "redact":
		return ModeRedact, nil
	default:
		return "", cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue, "invalid pii mode: %q", s)
	}
}

// Apply enforces the detection mode against a result.
// For block: rejects content carrying any finding. The rejection is an
// input-validation failure, not a security fault.
// For flag: returns the normalized content unchanged; findings travel
// in metadata.
// For redact: replaces findings with typed placeholders.
func Apply(mode Mode, result Result) (string, error) {
	if !result.Sensitive {
		return result.Content, nil
	}

	switch mode {
	case ModeBlock:
		firstRule := "unknown"
		if len(result.Findings) > 0 {
			firstRule = result.Findings[0].Rule
		}
		return "", cacheterr.New(cacheterr.CodeStorePutInvalidInput,
			"content contains sensitive data",
			cacheterr.Field("findings", len(result.Findings)),
			cacheterr.Field("first_rule", firstRule),
		)
	case ModeFlag:
		return result.Content, nil
	case ModeRedact:
		return Redact(result.Content, result.Findings), nil
	default:
		return "", cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue, "unknown pii mode %q", mode)
	}
}

// Redact replaces findings in content with typed placeholders like
// [REDACTED_EMAIL]. Overlapping findings merge into one span labeled by
// the earliest finding. Placeholders do not preserve span length.
func Redact(content string, findings []Finding) string {
	if len(findings) == 0 {
		return content
	}

	sorted := make([]Finding, len(findings))
	copy(sorted, findings)

	sorted = slices.DeleteFunc(sorted, func(f Finding) bool {
		return f.Location < 0 || f.Length < 0
	})
	if len(sorted) == 0 {
		return content
	}

	slices.SortFunc(sorted, func(a, b Finding) int { return a.Location - b.Location })

	type span struct {
		start, end int
		rule       string
	}
	spans := []span{{sorted[0].Location, sorted[0].Location + sorted[0].Length, sorted[0].Rule}}
	for _, f := range sorted[1:] {
		last := &spans[len(spans)-1]
		end := f.Location + f.Length
		if f.Location <= last.end {
			if end > last.end {
				last.end = end
			}
		} else {
			spans = append(spans, span{f.Location, end, f.Rule})
		}
	}

	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for _, s := range spans {
		end := s.end
		if end > len(content) {
			end = len(content)
		}
		b.WriteString(content[pos:s.start])
		b.WriteString("[REDACTED_")
		b.WriteString(strings.ToUpper(s.rule))
		b.WriteString("]")
		pos = end
	}
	b.WriteString(content[pos:])
	return b.String()
}
