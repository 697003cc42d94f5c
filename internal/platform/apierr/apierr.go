// Package apierr carries an HTTP status and a stable machine-readable
// code alongside the underlying error, so handlers can map domain
// failures onto the wire without string matching.
package apierr

import "fmt"

// Wire codes for every failure class the API reports. Clients branch on
// these, so they never change once published.
const (
	CodeInvalidInput = "INPUT_INVALID"
	CodeAuthDenied   = "AUTH_DENIED"
	CodeNotFound     = "NOT_FOUND"
	CodeCorruptAsset = "CORRUPT_ASSET"
	CodeModelFailure = "MODEL_FAILURE"
	CodeTransientIO  = "TRANSIENT_IO"
	CodeCapacity     = "CAPACITY"
	CodeInternal     = "INTERNAL"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}
