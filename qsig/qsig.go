// Package qsig signs and verifies queue deliveries.
//
// A signature is an HS256 JWT carried in the X-Scout-Signature header. It
// binds one delivery to its destination and payload:
//
//	sub  target URL the message is delivered to
//	body base64url(SHA-256(raw body)), unpadded
//	iss  issuer name (default "scout")
//	iat, nbf, exp, jti
//
// Verifiers accept a current and a next key so that keys rotate without
// rejecting in-flight deliveries.
package qsig

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/scout/horosafe"
	"github.com/hazyhaar/scout/idgen"
)

// Header names used on signed deliveries.
const (
	SignatureHeader = "X-Scout-Signature"
	MessageIDHeader = "X-Scout-Message-Id"
	RetriedHeader   = "X-Scout-Retried"
)

// DefaultIssuer is the iss claim when none is configured.
const DefaultIssuer = "scout"

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	Body string `json:"body"`
}

// BodyHash returns the body claim for body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Option configures a Signer or a Verifier.
type Option func(*options)

type options struct {
	issuer string
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
	newID  idgen.Generator
}

func defaultOptions() options {
	return options{
		issuer: DefaultIssuer,
		ttl:    5 * time.Minute,
		leeway: 30 * time.Second,
		now:    time.Now,
		newID:  idgen.NanoID(16),
	}
}

// WithIssuer sets the iss claim written and required.
func WithIssuer(iss string) Option { return func(o *options) { o.issuer = iss } }

// WithTTL sets how long a signature stays valid. Default: 5m.
func WithTTL(d time.Duration) Option { return func(o *options) { o.ttl = d } }

// WithLeeway sets the clock skew tolerated on exp/nbf. Default: 30s.
func WithLeeway(d time.Duration) Option { return func(o *options) { o.leeway = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithIDGenerator overrides the jti generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(o *options) { o.newID = gen } }

// Signer mints delivery signatures.
type Signer struct {
	key  []byte
	opts options
}

// NewSigner returns a Signer for key, which must be at least
// horosafe.MinSecretLen bytes.
func NewSigner(key []byte, opts ...Option) (*Signer, error) {
	if err := horosafe.ValidateSecret(key); err != nil {
		return nil, fmt.Errorf("qsig: signing key: %w", err)
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Signer{key: key, opts: o}, nil
}

// Sign returns the signature token for delivering body to url.
func (s *Signer) Sign(url string, body []byte) (string, error) {
	now := s.opts.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.opts.issuer,
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.ttl)),
			ID:        s.opts.newID(),
		},
		Body: BodyHash(body),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("qsig: sign: %w", err)
	}
	return token, nil
}

// Verifier checks delivery signatures.
type Verifier struct {
	keys [][]byte
	opts options
}

// NewVerifier returns a Verifier accepting current and, when non-empty,
// next. Both keys must satisfy horosafe.ValidateSecret.
func NewVerifier(current, next []byte, opts ...Option) (*Verifier, error) {
	if err := horosafe.ValidateSecret(current); err != nil {
		return nil, fmt.Errorf("qsig: current key: %w", err)
	}
	keys := [][]byte{current}
	if len(next) > 0 {
		if err := horosafe.ValidateSecret(next); err != nil {
			return nil, fmt.Errorf("qsig: next key: %w", err)
		}
		keys = append(keys, next)
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Verifier{keys: keys, opts: o}, nil
}

// Verify validates token for a delivery of body to url and returns its
// claims. The signing method is pinned to HS256.
func (v *Verifier) Verify(token, url string, body []byte) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingSignature
	}

	var lastErr error
	for _, key := range v.keys {
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return key, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(v.opts.issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(v.opts.leeway),
			jwt.WithTimeFunc(v.opts.now),
		)
		if err != nil {
			lastErr = err
			if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
				continue
			}
			break
		}

		if claims.Subject != url {
			return nil, ErrURLMismatch
		}
		if subtle.ConstantTimeCompare([]byte(claims.Body), []byte(BodyHash(body))) != 1 {
			return nil, ErrBodyMismatch
		}
		return claims, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}
