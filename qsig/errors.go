package qsig

import "errors"

var (
	// ErrMissingSignature is returned when a delivery carries no signature.
	ErrMissingSignature = errors.New("qsig: missing signature")
	// ErrInvalidSignature is returned when no configured key validates the
	// token, or the token is expired, not yet valid or from another issuer.
	ErrInvalidSignature = errors.New("qsig: invalid signature")
	// ErrBodyMismatch is returned when the body hash claim does not match
	// the received body.
	ErrBodyMismatch = errors.New("qsig: body does not match signature")
	// ErrURLMismatch is returned when the token was minted for another URL.
	ErrURLMismatch = errors.New("qsig: url does not match signature")
)
