package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransient matches errors worth a redelivery (timeouts, rate
	// limits, unavailable provider, open circuit).
	ErrTransient = errors.New("provider: transient failure")
	// ErrNotFound matches errors for creators the provider does not know.
	ErrNotFound = errors.New("provider: not found")
	// ErrCircuitOpen is returned by Guard while the breaker is open.
	ErrCircuitOpen = errors.New("provider: circuit open")
)

// Kind classifies a provider failure.
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindTimeout        Kind = "timeout"
	KindRateLimited    Kind = "rate_limited"
	KindUnavailable    Kind = "unavailable"
	KindNotFound       Kind = "not_found"
	KindBadResponse    Kind = "bad_response"
	KindInvalidRequest Kind = "invalid_request"
)

// Error is a classified provider failure.
type Error struct {
	Kind   Kind
	Op     string // "search", "enrich", "expand"
	Status int    // HTTP status, 0 when none
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider: %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind.Transient()
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Transient reports whether failures of this kind may succeed on retry.
func (k Kind) Transient() bool {
	return k == KindTimeout || k == KindRateLimited || k == KindUnavailable
}

// Rank orders kinds by how much they tell a user. A recorded job error is
// only replaced by one of strictly higher rank.
func (k Kind) Rank() int {
	switch k {
	case KindTimeout, KindUnavailable:
		return 1
	case KindRateLimited, KindBadResponse:
		return 2
	case KindNotFound, KindInvalidRequest:
		return 3
	}
	return 0
}

// Message is the user-visible text for a failure of this kind. Raw
// provider detail stays in logs.
func (k Kind) Message() string {
	switch k {
	case KindTimeout:
		return "the data provider timed out"
	case KindRateLimited:
		return "the data provider rate limit was reached"
	case KindUnavailable:
		return "the data provider is unavailable"
	case KindNotFound:
		return "the creator could not be found"
	case KindBadResponse:
		return "the data provider returned an unexpected response"
	case KindInvalidRequest:
		return "the data provider rejected the request"
	}
	return "the data provider failed"
}

// KindOf classifies any error returned by an Adapter.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindUnavailable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}
	return KindUnknown
}

// IsTransient reports whether err is worth a redelivery.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// KindForStatus maps a provider HTTP status to a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == 408:
		return KindTimeout
	case status == 429:
		return KindRateLimited
	case status == 404:
		return KindNotFound
	case status == 400 || status == 422:
		return KindInvalidRequest
	case status >= 500:
		return KindUnavailable
	}
	return KindBadResponse
}
