package discovery

import "errors"

// ErrInvalidInput is returned when a request or stage payload fails
// validation. Nothing is written.
var ErrInvalidInput = errors.New("discovery: invalid input")

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("discovery: job not found")

// ErrUnauthorized is returned when an intake caller presents no valid token.
var ErrUnauthorized = errors.New("discovery: unauthorized")

// ErrRetry is returned by a stage when the delivery failed transiently and
// should be redelivered by the queue.
var ErrRetry = errors.New("discovery: retry later")
