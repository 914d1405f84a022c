// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package audit implements the tamper-evident operation log. Every
// entry carries the hash of its predecessor, so any retroactive edit
// breaks the chain and is provable by recomputation.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// GenesisHash seeds the chain: the prior hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Outcome classifies how an audited operation finished.
const (
	OutcomeOK      = "ok"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
	OutcomePartial = "partial"
)

// Entry is one audited operation. Seq, PriorHash, and Hash are assigned
// by the log on append; callers fill the remaining fields.
type Entry struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Principal string    `json:"principal"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	PriorHash string    `json:"prior_hash"`
	Hash      string    `json:"hash"`
}

// canonicalPayload serializes the hashed fields as key-sorted JSON.
// Encoding a map makes the key ordering a property of the JSON encoder
// rather than of struct declaration order, so the canonical form cannot
// drift when fields are reordered.
func canonicalPayload(e Entry) ([]byte, error) {
	return json.Marshal(map[string]string{
		"action":    e.Action,
		"detail":    e.Detail,
		"id":        e.ID,
		"outcome":   e.Outcome,
		"principal": e.Principal,
		"resource":  e.Resource,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// ComputeHash returns the chain hash for e given its predecessor's
// hash. The payload and prior hash are separated by a newline so
// neither can absorb bytes from the other.
func ComputeHash(e Entry, priorHash string) (string, error) {
	payload, err := canonicalPayload(e)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(payload)
	h.Write([]byte("\n"))
	h.Write([]byte(priorHash))

	return hex.EncodeToString(h.Sum(nil)), nil
}
