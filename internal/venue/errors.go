package venue

import (
	"errors"
	"fmt"
	"time"

	"predarb/pkg/types"
)

// ErrorKind classifies a platform failure. Every connector call-site maps
// transport and API errors into one of these kinds.
type ErrorKind string

const (
	KindUnauthorized     ErrorKind = "unauthorized"
	KindRateLimited      ErrorKind = "rate_limited"
	KindMarketNotFound   ErrorKind = "market_not_found"
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindCredentialDerive ErrorKind = "credential_derivation_failed"
	KindNotConnected     ErrorKind = "not_connected"
	KindNotImplemented   ErrorKind = "not_implemented"
	KindNetwork          ErrorKind = "network"
	KindProtocol         ErrorKind = "protocol"
	KindStale            ErrorKind = "stale"
)

// Error codes live in a fixed numeric space: 1000-range for platform/API
// errors with a per-venue offset (kalshi +0, polymarket +50), 4000-range
// for system-health errors.
const (
	CodeUnauthorized     = 1001
	CodeRateLimited      = 1002
	CodeMarketNotFound   = 1003
	CodeInvalidRequest   = 1004
	CodeCredentialDerive = 1005
	CodeNotConnected     = 1006
	CodeNotImplemented   = 1007
	CodeNetwork          = 1008
	CodeProtocol         = 1009
	CodeStale            = 1010

	CodePersistenceCritical = 4005
)

var kindCodes = map[ErrorKind]int{
	KindUnauthorized:     CodeUnauthorized,
	KindRateLimited:      CodeRateLimited,
	KindMarketNotFound:   CodeMarketNotFound,
	KindInvalidRequest:   CodeInvalidRequest,
	KindCredentialDerive: CodeCredentialDerive,
	KindNotConnected:     CodeNotConnected,
	KindNotImplemented:   CodeNotImplemented,
	KindNetwork:          CodeNetwork,
	KindProtocol:         CodeProtocol,
	KindStale:            CodeStale,
}

func venueOffset(v types.Venue) int {
	if v == types.VenuePolymarket {
		return 50
	}
	return 0
}

// PlatformError is the typed error every connector surfaces.
type PlatformError struct {
	Venue      types.Venue
	Kind       ErrorKind
	Code       int
	Msg        string
	After      time.Duration // server-provided retry-after, if any
	Underlying error
}

// NewError builds a PlatformError with its code derived from kind and venue.
func NewError(v types.Venue, kind ErrorKind, msg string, cause error) *PlatformError {
	return &PlatformError{
		Venue:      v,
		Kind:       kind,
		Code:       kindCodes[kind] + venueOffset(v),
		Msg:        msg,
		Underlying: cause,
	}
}

func (e *PlatformError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s [%d] %s: %v", e.Venue, e.Code, e.Msg, e.Underlying)
	}
	return fmt.Sprintf("%s [%d] %s", e.Venue, e.Code, e.Msg)
}

func (e *PlatformError) Unwrap() error { return e.Underlying }

// RetryAfter returns the server's retry-after hint (zero if none).
func (e *PlatformError) RetryAfter() time.Duration { return e.After }

// Retryable reports whether the failure is worth retrying. Auth failures
// are never retried; they immediately degrade the owning venue.
func (e *PlatformError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

// AsPlatform extracts a PlatformError from err, or nil.
func AsPlatform(err error) *PlatformError {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// IsKind reports whether err is a PlatformError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	pe := AsPlatform(err)
	return pe != nil && pe.Kind == kind
}
