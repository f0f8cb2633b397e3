package wizard

import (
	"errors"
	"fmt"
)

// Code is the closed set of externally visible error codes.
type Code string

const (
	CodeValidation Code = "VALIDATION_ERROR"
	CodeInvariant  Code = "INVARIANT_VIOLATION"
	CodeNotFound   Code = "NOT_FOUND"
	CodeConflicts  Code = "CONFLICTS_UNRESOLVED"
	CodeInternal   Code = "INTERNAL_ERROR"
)

// Detail pinpoints one failing element of a request.
type Detail struct {
	Path   string         `json:"path"`
	Reason string         `json:"reason"`
	Meta   map[string]any `json:"meta"`
}

// Error is the uniform error for every externally callable operation.
type Error struct {
	Code    Code     `json:"code"`
	Message string   `json:"message"`
	Details []Detail `json:"details"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope renders err as the wire-shape error document. Non-wizard errors
// become INTERNAL_ERROR.
func Envelope(err error) map[string]any {
	var we *Error
	if !errors.As(err, &we) {
		we = &Error{Code: CodeInternal, Message: err.Error()}
	}
	details := make([]map[string]any, 0, len(we.Details))
	for _, d := range we.Details {
		meta := d.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		details = append(details, map[string]any{
			"path":   d.Path,
			"reason": d.Reason,
			"meta":   meta,
		})
	}
	return map[string]any{
		"error": map[string]any{
			"code":    string(we.Code),
			"message": we.Message,
			"details": details,
		},
	}
}

func validationErr(path, reason, msg string) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: msg,
		Details: []Detail{{Path: path, Reason: reason}},
	}
}

func invariantErr(reason, msg string) *Error {
	return &Error{
		Code:    CodeInvariant,
		Message: msg,
		Details: []Detail{{Path: "$", Reason: reason}},
	}
}

func notFoundErr(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func conflictsErr(msg string) *Error {
	return &Error{
		Code:    CodeConflicts,
		Message: msg,
		Details: []Detail{{Path: "$.conflicts", Reason: "unresolved"}},
	}
}

func internalErr(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error()}
}
