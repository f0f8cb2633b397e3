// Package jobs persists import jobs and enforces their state machine.
//
// A job moves PENDING -> RUNNING -> {SUCCEEDED, FAILED, CANCELLED}, or
// PENDING -> CANCELLED. Every transition is written to disk atomically
// before its diagnostic is published.
package jobs

import (
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	TypeProcess Type = "PROCESS"
	TypeImport  Type = "IMPORT"
)

type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transitions are legal.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Meta carries the typed job metadata the runner and the registry
// subscriber consume.
type Meta struct {
	Source          string `json:"source,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	JobRequestsPath string `json:"job_requests_path,omitempty"` // "<root>:<rel>"
	RunID           string `json:"run_id,omitempty"`
	BookRelPath     string `json:"book_rel_path,omitempty"`
	Mode            string `json:"mode,omitempty"`
	UnitType        string `json:"unit_type,omitempty"`
	DecisionJSON    string `json:"decision_json,omitempty"`
	RetryOf         string `json:"retry_of,omitempty"`
}

// Record is the persisted job document.
type Record struct {
	JobID      string  `json:"job_id"`
	Type       Type    `json:"type"`
	State      State   `json:"state"`
	Meta       Meta    `json:"meta"`
	Created    string  `json:"created_at"`
	Started    string  `json:"started_at,omitempty"`
	Finished   string  `json:"finished_at,omitempty"`
	ReturnCode *int    `json:"return_code,omitempty"`
	Error      string  `json:"error,omitempty"`
	Progress   float64 `json:"progress"`

	// Level-triggered cancellation flag, observed by workers at each
	// externally visible boundary.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Non-fatal conditions surfaced to the caller (e.g. audio files the
	// re-encoder skipped).
	Warnings []string `json:"warnings,omitempty"`
}

// IllegalTransitionError rejects transitions outside the state machine.
type IllegalTransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("ILLEGAL_TRANSITION: job %s cannot move %s -> %s", e.JobID, e.From, e.To)
}

// transition validates and applies a state change in memory.
func (r *Record) transition(to State, now time.Time) error {
	legal := false
	switch r.State {
	case StatePending:
		legal = to == StateRunning || to == StateCancelled
	case StateRunning:
		legal = to == StateSucceeded || to == StateFailed || to == StateCancelled
	}
	if !legal {
		return &IllegalTransitionError{JobID: r.JobID, From: r.State, To: to}
	}
	r.State = to
	ts := stamp(now)
	switch to {
	case StateRunning:
		r.Started = ts
	case StateSucceeded, StateFailed, StateCancelled:
		r.Finished = ts
	}
	return nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseType resolves a job type string.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeProcess:
		return TypeProcess, nil
	case TypeImport:
		return TypeImport, nil
	default:
		return "", fmt.Errorf("invalid job type: %q", s)
	}
}
