package fetcher

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a source failure by whether retrying can help.
type Kind int

const (
	// KindTransient covers network errors, timeouts, rate limits and 5xx responses.
	KindTransient Kind = iota + 1
	// KindPermanent covers malformed payloads, 4xx responses and API error codes.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// SourceError is returned by every Client operation that fails.
type SourceError struct {
	Kind   Kind
	Op     string // e.g. "schedules/md5"
	Status int    // HTTP status, 0 when no response was received
	Code   int    // Schedules Direct response code, 0 when absent
	Err    error
}

func (e *SourceError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a source failure worth retrying later.
func IsTransient(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind == KindTransient
	}
	return false
}

// IsPermanent reports whether err is a source failure that will not heal by retrying.
func IsPermanent(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind == KindPermanent
	}
	return false
}

func transient(op string, status int, err error) *SourceError {
	return &SourceError{Kind: KindTransient, Op: op, Status: status, Err: err}
}

func permanent(op string, status int, err error) *SourceError {
	return &SourceError{Kind: KindPermanent, Op: op, Status: status, Err: err}
}

// classifyTransport maps an error from http.Client.Do to a SourceError.
// Every transport failure (timeout, reset, DNS) is transient.
func classifyTransport(op string, err error) *SourceError {
	return transient(op, 0, err)
}

// IsCancelled reports whether err stems from a cancelled or expired context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
