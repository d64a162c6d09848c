package domain

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// Code classifies a failure for logs and telemetry. It is never shown to end users.
type Code string

const (
	CodeAuthRequired Code = "AUTH_REQUIRED"
	CodeNotOwner     Code = "NOT_OWNER"
	CodeInvalidData  Code = "INVALID_DATA"
	CodeNetwork      Code = "NETWORK_ERROR"
	CodeProcessing   Code = "PROCESSING_ERROR"
	CodeUnknown      Code = "UNKNOWN_ERROR"
)

var (
	// ErrNotFound is returned by stores when the addressed task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrConcurrencyConflict indicates that the store rejected a write because the
	// document changed since it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Error is the typed failure returned by every operation exposed to the UI layer.
type Error struct {
	Code Code
	// Op names the operation, e.g. "create" or "subscribe".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is a short actionable text safe to present to end users.
func (e *Error) UserMessage() string {
	switch e.Code {
	case CodeAuthRequired:
		return "Please sign in to continue."
	case CodeNotOwner:
		return "You do not have access to this task."
	case CodeInvalidData:
		if e.Err != nil {
			return "Invalid task data: " + e.Err.Error() + "."
		}
		return "Invalid task data."
	}
	switch e.Op {
	case "create":
		return "Failed to create task. Please try again."
	case "update", "set-order", "move":
		return "Failed to update task. Please try again."
	case "remove":
		return "Failed to delete task. Please try again."
	case "load-more", "fetch", "subscribe":
		return "Failed to load tasks. Please try again."
	}
	return "Something went wrong. Please try again."
}

// E builds an Error.
func E(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Invalid builds an INVALID_DATA error from a message.
func Invalid(op, msg string) *Error {
	return E(CodeInvalidData, op, errors.New(msg))
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}

// Classify wraps a transport failure into a typed error. Errors that already carry a
// code keep it.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	var respErr *azcore.ResponseError
	var netErr net.Error
	switch {
	case errors.As(err, &respErr),
		errors.As(err, &netErr),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return E(CodeNetwork, op, err)
	}
	return E(CodeUnknown, op, err)
}
