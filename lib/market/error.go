package market

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type FetchErrorKind string

const (
	ErrForbidden         FetchErrorKind = "forbidden"
	ErrRateLimited       FetchErrorKind = "rate_limited"
	ErrTimeout           FetchErrorKind = "timeout"
	ErrMalformedResponse FetchErrorKind = "malformed_response"
	ErrUnavailable       FetchErrorKind = "unavailable"
)

// FetchError is the only failure shape a source client may return,
// transport and parse faults never cross the Fetch boundary raw.
type FetchError struct {
	Source  SourceId
	Kind    FetchErrorKind
	Message string
	Cause   error
}

func (e *FetchError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Source, e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

func NewFetchError(source SourceId, kind FetchErrorKind, message string, cause error) *FetchError {
	return &FetchError{Source: source, Kind: kind, Message: message, Cause: cause}
}

// ClassifyTransport wraps a raw transport fault into the FetchError
// taxonomy so it never crosses a source client boundary untyped.
func ClassifyTransport(source SourceId, err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFetchError(source, ErrTimeout, "request deadline exceeded", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewFetchError(source, ErrTimeout, "network timeout", err)
	}
	return NewFetchError(source, ErrUnavailable, "transport failure", err)
}

// FetchErrorKindOf pulls the kind out of an error chain, defaulting to
// unavailable for anything that is not a FetchError.
func FetchErrorKindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrUnavailable
}
