package delivery

import (
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// Terminal failure reasons recorded on target results.
const (
	ReasonRetriesExhausted    = "retries exhausted"
	ReasonCredentialExpired   = "credential expired"
	ReasonAccountDisconnected = "account disconnected"
	ReasonContentRejected     = "content rejected by platform"
	ReasonNoAdapter           = "no adapter for platform"
)

var ErrRetriesExhausted = errors.New(ReasonRetriesExhausted)

// Error is the classified failure returned by adapters.
type Error struct {
	Kind       ErrorKind
	Reason     string
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(reason string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindTransient, Reason: reason, RetryAfter: retryAfter, Err: err}
}

func Permanent(reason string, err error) *Error {
	return &Error{Kind: KindPermanent, Reason: reason, Err: err}
}

// AsError extracts a classified delivery error from err.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
