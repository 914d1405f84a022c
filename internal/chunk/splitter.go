// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package chunk splits document text into bounded, overlapping chunks.
// Natural boundaries (paragraphs, then sentences) are preferred; only
// text with no usable boundary falls back to fixed-width windows.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// DefaultMaxChars is the default chunk size in runes.
const DefaultMaxChars = 1200

// DefaultOverlapChars is the default overlap carried between adjacent
// chunks, in runes.
const DefaultOverlapChars = 150

// Chunk is one bounded piece of a parent document.
type Chunk struct {
	ParentID string
	Seq      int
	Text     string
	// Overlap is the number of leading runes of Text shared with the
	// previous chunk. Always 0 for the first chunk.
	Overlap int
	// ContentHash identifies the chunk's own content (the carried
	// overlap prefix excluded) for duplicate suppression.
	ContentHash string
}

// Splitter converts document text into chunks.
type Splitter struct {
	maxChars     int
	overlapChars int
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithMaxChars sets the chunk size in runes.
func WithMaxChars(n int) Option {
	return func(s *Splitter) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

// WithOverlapChars sets the overlap between adjacent chunks in runes.
func WithOverlapChars(n int) Option {
	return func(s *Splitter) {
		if n >= 0 {
			s.overlapChars = n
		}
	}
}

// New creates a Splitter with the given options.
func New(opts ...Option) *Splitter {
	s := &Splitter{
		maxChars:     DefaultMaxChars,
		overlapChars: DefaultOverlapChars,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Overlap must leave room for new content in every chunk.
	if s.overlapChars >= s.maxChars {
		s.overlapChars = s.maxChars / 4
	}

	return s
}

// MaxChars returns the configured chunk size in runes.
func (s *Splitter) MaxChars() int { return s.maxChars }

// OverlapChars returns the configured overlap in runes.
func (s *Splitter) OverlapChars() int { return s.overlapChars }

var (
	paragraphRE = regexp.MustCompile(`\n[ \t\r]*\n+`)
	sentenceRE  = regexp.MustCompile(`[^.!?]+[.!?]+\s*|[^.!?]+$`)
)

// Split chunks text belonging to parentID. Whitespace-only input yields
// no chunks and no error. Every returned chunk is at most MaxChars
// runes, and each chunk after the first begins with the trailing
// Overlap runes of its predecessor.
func (s *Splitter) Split(parentID, text string) ([]Chunk, error) {
	if parentID == "" {
		return nil, cacheterr.New(cacheterr.CodeChunkSplitInvalid, "parent document id is required")
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	// Bodies are packed to maxChars-overlapChars so the carried prefix
	// never pushes a chunk past the hard size bound.
	budget := s.maxChars - s.overlapChars
	bodies := s.packParagraphs(splitUnits(trimmed, budget), budget)

	chunks := make([]Chunk, 0, len(bodies))
	seen := make(map[string]struct{}, len(bodies))
	seq := 0
	prevText := ""

	for _, body := range bodies {
		hash := hashContent(body)
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}

		overlap := ""
		if prevText != "" && s.overlapChars > 0 {
			overlap = tailRunes(prevText, s.overlapChars)
		}

		c := Chunk{
			ParentID:    parentID,
			Seq:         seq,
			Text:        overlap + body,
			Overlap:     len([]rune(overlap)),
			ContentHash: hash,
		}
		chunks = append(chunks, c)
		prevText = c.Text
		seq++
	}

	return chunks, nil
}

// splitUnits reduces text to units of at most budget runes: paragraphs
// first, oversized paragraphs by sentence packing, and oversized
// sentences by fixed-width windows. One forward pass per level.
func splitUnits(text string, budget int) []string {
	var units []string

	for _, para := range paragraphRE.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if runeLen(para) <= budget {
			units = append(units, para)
			continue
		}

		units = append(units, packSentences(para, budget)...)
	}

	return units
}

// packSentences greedily fills units with whole sentences. A single
// sentence longer than the budget is cut into fixed-width windows.
func packSentences(para string, budget int) []string {
	var units []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			units = append(units, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, raw := range sentenceRE.FindAllString(para, -1) {
		sentence := strings.TrimSpace(raw)
		if sentence == "" {
			continue
		}

		n := runeLen(sentence)
		if n > budget {
			flush()
			units = append(units, fixedWindows(sentence, budget)...)
			continue
		}

		// +1 accounts for the joining space.
		if currentLen > 0 && currentLen+1+n > budget {
			flush()
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(sentence)
		currentLen += n
	}
	flush()

	return units
}

// packParagraphs merges consecutive units into chunk bodies of at most
// budget runes, joined on paragraph breaks.
func (s *Splitter) packParagraphs(units []string, budget int) []string {
	var bodies []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			bodies = append(bodies, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, unit := range units {
		n := runeLen(unit)

		// +2 accounts for the joining paragraph break.
		if currentLen > 0 && currentLen+2+n > budget {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(unit)
		currentLen += n
	}
	flush()

	return bodies
}

func fixedWindows(text string, width int) []string {
	runes := []rune(text)
	windows := make([]string, 0, (len(runes)/width)+1)

	for start := 0; start < len(runes); start += width {
		end := start + width
		if end > len(runes) {
			end = len(runes)
		}
		windows = append(windows, string(runes[start:end]))
	}

	return windows
}

func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

func runeLen(s string) int {
	return len([]rune(s))
}
