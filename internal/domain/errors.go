package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrProviderTimeout means an upstream fetch exceeded its timeout.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrRateLimited means a provider's request budget is exhausted. It is not a
	// hard failure: callers fall back to cached data.
	ErrRateLimited = errors.New("rate limited")
	// ErrParse is matched by every *ParseError.
	ErrParse = errors.New("parse error")
	// ErrInsufficientHistory means a nowcast had no prior field for motion
	// estimation. The engine still produces a persistence forecast.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrStaleDataServed is a soft warning attached to results older than
	// their freshness window.
	ErrStaleDataServed = errors.New("stale data served")
	// ErrUnavailable means no data, fresh or stale, exists for a location.
	ErrUnavailable = errors.New("unavailable")
	// ErrNoCurrentField means a nowcast was requested with no fields at all.
	ErrNoCurrentField = errors.New("no current field")
	// ErrCapabilityUnsupported means an adapter does not serve a data kind.
	ErrCapabilityUnsupported = errors.New("capability unsupported")
)

// ParseError reports a malformed or partial upstream payload.
type ParseError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: parse: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: parse: %s", e.Provider, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrParse) match any ParseError.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// NewParseError builds a ParseError.
func NewParseError(provider, reason string, err error) *ParseError {
	return &ParseError{Provider: provider, Reason: reason, Err: err}
}

// ClassifyFetchError maps transport-level failures onto the taxonomy so callers
// only need errors.Is against the sentinels above.
func ClassifyFetchError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProviderTimeout) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrParse) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrProviderTimeout, err)
	}
	return err
}

// IsSoftFailure reports whether err should degrade to cached data rather
// than surface as a hard failure.
func IsSoftFailure(err error) bool {
	return errors.Is(err, ErrProviderTimeout) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrParse)
}
