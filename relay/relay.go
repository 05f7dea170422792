// Package relay delivers queued stage messages to their HTTP workers.
//
// A Relay consumes one vtq queue. Each claimed message is signed with qsig
// for its target URL and POSTed there. The worker's answer settles the
// message: 2xx acks, a client error other than 408/429 dead-letters at once,
// anything else is retried with the queue's backoff until MaxAttempts.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/scout/horosafe"
	"github.com/hazyhaar/scout/qsig"
	"github.com/hazyhaar/scout/vtq"
)

// Observer receives one call per delivery attempt. status is 0 when no
// response was received.
type Observer interface {
	Delivery(queue string, status int, d time.Duration, err error)
}

// Relay moves messages from a queue to a worker endpoint.
type Relay struct {
	q           *vtq.Q
	target      string
	signer      *qsig.Signer
	client      *http.Client
	observer    Observer
	logger      *slog.Logger
	batchSize   int
	concurrency int
}

// Option configures a Relay.
type Option func(*Relay)

// WithClient replaces the default HTTP client (60s timeout).
func WithClient(c *http.Client) Option {
	return func(r *Relay) { r.client = c }
}

// WithObserver reports every delivery attempt to o.
func WithObserver(o Observer) Option {
	return func(r *Relay) { r.observer = o }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithBatch sets how many messages are claimed per poll and how many
// deliveries run at once. Defaults: 10 and 4.
func WithBatch(size, concurrency int) Option {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
		if concurrency > 0 {
			r.concurrency = concurrency
		}
	}
}

// New creates a relay delivering q's messages to target, the absolute
// worker URL the signature is bound to.
func New(q *vtq.Q, target string, signer *qsig.Signer, opts ...Option) *Relay {
	r := &Relay{
		q:           q,
		target:      target,
		signer:      signer,
		client:      &http.Client{Timeout: 60 * time.Second},
		logger:      slog.Default(),
		batchSize:   10,
		concurrency: 4,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Target returns the worker URL.
func (r *Relay) Target() string { return r.target }

// Run consumes the queue until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay: started", "queue", r.q.Name(), "target", r.target)
	r.q.RunBatch(ctx, r.batchSize, r.concurrency, r.Deliver)
	r.logger.Info("relay: stopped", "queue", r.q.Name())
}

// Drain delivers every visible message once and returns how many were
// handled.
func (r *Relay) Drain(ctx context.Context) int {
	return r.q.Drain(ctx, r.Deliver)
}

// Deliver is the vtq.Handler: one signed POST of m to the target.
func (r *Relay) Deliver(ctx context.Context, m *vtq.Message) error {
	start := time.Now()
	status, err := r.post(ctx, m)
	if r.observer != nil {
		r.observer.Delivery(r.q.Name(), status, time.Since(start), err)
	}
	return err
}

func (r *Relay) post(ctx context.Context, m *vtq.Message) (int, error) {
	token, err := r.signer.Sign(r.target, m.Payload)
	if err != nil {
		return 0, fmt.Errorf("relay: sign: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.target, bytes.NewReader(m.Payload))
	if err != nil {
		return 0, vtq.Permanent(fmt.Errorf("relay: build request: %w", err))
	}
	retried := m.Attempts - 1
	if retried < 0 {
		retried = 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(qsig.SignatureHeader, token)
	req.Header.Set(qsig.MessageIDHeader, m.ID)
	req.Header.Set(qsig.RetriedHeader, strconv.Itoa(retried))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("relay: post %s: %w", r.q.Name(), err)
	}
	defer resp.Body.Close()
	body, _ := horosafe.LimitedReadAll(resp.Body, 4096)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return resp.StatusCode, vtq.Permanent(fmt.Errorf("relay: %s worker rejected message: status %d: %s", r.q.Name(), resp.StatusCode, body))
	}
	return resp.StatusCode, fmt.Errorf("relay: %s worker failed: status %d: %s", r.q.Name(), resp.StatusCode, body)
}
