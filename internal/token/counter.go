// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package token counts tokens with a real BPE tokenizer so retrieval
// budgets are enforced in model tokens, never in approximated bytes.
package token

import (
	"github.com/pkoukk/tiktoken-go"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// DefaultEncoding matches the tokenization of current embedding and
// chat models.
const DefaultEncoding = "cl100k_base"

// Counter wraps a tiktoken encoding.
type Counter struct {
	encoding string
	enc      *tiktoken.Tiktoken
}

// NewCounter loads the named encoding. An empty name selects
// DefaultEncoding. Failure to load is fatal for callers: budget
// enforcement must not silently degrade to byte-length guesses.
func NewCounter(encoding string) (*Counter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, cacheterr.Wrapf(err, cacheterr.CodeTokenEncodingInvalid, "loading encoding %q", encoding)
	}

	return &Counter{encoding: encoding, enc: enc}, nil
}

// Encoding returns the name of the loaded encoding.
func (c *Counter) Encoding() string {
	return c.encoding
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}
