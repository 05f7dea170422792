// Package idgen provides pluggable ID generation.
//
// Constructors that mint identifiers (jobs, creators, signature tokens)
// accept a Generator, so the ID strategy is a startup-time decision and
// tests can substitute a deterministic sequence.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Short and URL-safe; used for signature token ids.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so rows keyed by these ids sort in creation order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID
// (e.g. "job_", "crt_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator producing prefix1, prefix2, ... It is meant
// for tests that need predictable ids.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Job and Creator are the generators used for stored rows.
var (
	Job     Generator = Prefixed("job_", UUIDv7())
	Creator Generator = Prefixed("crt_", UUIDv7())
)

// Derive builds a deterministic id from its parts ("job_x", "search", "3" ->
// "job_x:search:3"). Queue messages use derived ids so that republishing
// the same unit of work deduplicates on the primary key.
func Derive(parts ...string) string {
	return strings.Join(parts, ":")
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
