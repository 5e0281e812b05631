// Package offload runs key derivation on background workers with staged
// progress reporting. Requests and responses form a small tagged-union
// message vocabulary; for a given request ID, progress messages arrive in
// strict stage order and the terminal result or error message is always
// last. The coordinator falls back to synchronous in-process derivation
// whenever the worker side is unavailable — derivation is deterministic,
// so both paths produce identical key material.
package offload

import (
	"github.com/keymint/keyforge/keymat"
)

// Stage identifies a derivation pipeline phase.
type Stage string

const (
	StageInitialization Stage = "initialization"
	StageSeedGeneration Stage = "seed_generation"
	StageKeyGeneration  Stage = "key_generation"
	StageJWKConversion  Stage = "jwk_conversion"
	StageComplete       Stage = "complete"
)

// Priority orders request dispatch. Higher priorities are drained first;
// this is a scheduling hint, not a correctness property.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Message is a worker-to-coordinator message.
type Message interface {
	messageType() string
}

// Request asks a worker to derive key material for a seed source.
type Request struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	SeedSource string   `json:"seedSource"`
	Priority   Priority `json:"priority,omitempty"`
}

// Progress reports pipeline advancement. EstimatedTimeMs is a UX hint
// extrapolated from elapsed time, not a contract.
type Progress struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	Stage           Stage  `json:"stage"`
	Pct             int    `json:"pct"`
	EstimatedTimeMs int64  `json:"estimatedTimeMs"`
}

func (Progress) messageType() string { return "progress" }

// Result is the successful terminal message for a request.
type Result struct {
	Type        string              `json:"type"`
	ID          string              `json:"id"`
	KeyMaterial *keymat.KeyMaterial `json:"keyMaterial"`
}

func (Result) messageType() string { return "result" }

// Error is the failed terminal message for a request. Err carries the
// typed cause for in-process consumers; only Message crosses a wire.
type Error struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Message string `json:"message"`

	Err error `json:"-"`
}

func (Error) messageType() string { return "error" }

func newProgress(id string, stage Stage, pct int, estimatedMs int64) Progress {
	return Progress{
		Type:            "progress",
		ID:              id,
		Stage:           stage,
		Pct:             pct,
		EstimatedTimeMs: estimatedMs,
	}
}

func newResult(id string, km *keymat.KeyMaterial) *Result {
	return &Result{
		Type:        "result",
		ID:          id,
		KeyMaterial: km,
	}
}

func newError(id string, err error) *Error {
	return &Error{
		Type:    "error",
		ID:      id,
		Message: err.Error(),
		Err:     err,
	}
}
