package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMalformedWebhook   = errors.New("malformed webhook payload")
	ErrUnknownProvider    = errors.New("unknown payment gateway")
	ErrMissingCredentials = errors.New("gateway credentials incomplete")
)

// Error is returned by every adapter call that the provider rejected or that
// could not complete.
//
// Unknown is true when the request may have reached the provider but no answer
// came back (timeout, transport failure, 5xx). Such outcomes must stay pending
// and be resolved by callback or status poll, never auto-failed.
type Error struct {
	Provider string
	Op       string
	Code     string
	Message  string
	Unknown  bool
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s %s", e.Provider, e.Op)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsUnknownOutcome reports whether err leaves the external operation undecided.
func IsUnknownOutcome(err error) bool {
	if err == nil {
		return false
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Unknown
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether the provider definitely refused the operation.
func IsRejected(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && !ge.Unknown
}
