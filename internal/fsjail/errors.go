package fsjail

import (
	"errors"
	"fmt"
)

// Kind classifies jail failures. The closed set maps 1:1 onto the failure
// kinds callers are allowed to branch on; everything else is Internal.
type Kind string

const (
	KindInvalidPath     Kind = "INVALID_PATH"
	KindEscapesRoot     Kind = "ESCAPES_ROOT"
	KindNotFound        Kind = "NOT_FOUND"
	KindNotADirectory   Kind = "NOT_A_DIRECTORY"
	KindIsADirectory    Kind = "IS_A_DIRECTORY"
	KindAlreadyExists   Kind = "ALREADY_EXISTS"
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	KindInternal        Kind = "INTERNAL"
)

// Error is the uniform jail failure. Op, Root and Rel locate the failing
// operation; Err carries the underlying cause when there is one.
type Error struct {
	Kind Kind
	Op   string
	Root Root
	Rel  string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s:%s: %s", e.Op, e.Root, e.Rel, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given jail failure kind.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func fail(kind Kind, op string, root Root, rel string, err error) *Error {
	return &Error{Kind: kind, Op: op, Root: root, Rel: rel, Err: err}
}
