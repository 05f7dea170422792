package vtq_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/vtq"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.UnixMilli(1_700_000_000_000)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t)
}

func newQ(t *testing.T, db *sql.DB, opts vtq.Options) *vtq.Q {
	t.Helper()
	q := vtq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestPublishAndClaim(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Publish(ctx, "m1", []byte(`{"jobId":"job_1"}`)); err != nil {
		t.Fatal(err)
	}

	m, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("expected a message")
	}
	if m.ID != "m1" {
		t.Fatalf("got id %q, want m1", m.ID)
	}
	if string(m.Payload) != `{"jobId":"job_1"}` {
		t.Fatalf("got payload %q", string(m.Payload))
	}
	if m.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", m.Attempts)
	}

	// Claimed messages are invisible.
	m2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m2 != nil {
		t.Fatal("expected nil, message should be invisible")
	}
}

func TestPublishDeduplicates(t *testing.T) {
	// WHAT: publishing an id twice keeps one message with the first payload.
	// WHY: dispatch republishes derived ids after a crash; the fan-out must not double.
	db := openDB(t)
	q := newQ(t, db, vtq.Options{})
	ctx := context.Background()

	if err := q.Publish(ctx, "job_1:search:0", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, "job_1:search:0", []byte("second")); err != nil {
		t.Fatalf("duplicate publish should be a no-op, got %v", err)
	}

	n, _ := q.Len(ctx)
	if n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
	m, _ := q.Claim(ctx)
	if string(m.Payload) != "first" {
		t.Fatalf("payload = %q, want first", m.Payload)
	}
}

func TestPublishAfter(t *testing.T) {
	clk := newClock()
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Now: clk.Now})
	ctx := context.Background()

	q.PublishAfter(ctx, "m1", nil, 10*time.Second)
	if m, _ := q.Claim(ctx); m != nil {
		t.Fatal("delayed message should not be visible yet")
	}
	clk.Advance(11 * time.Second)
	if m, _ := q.Claim(ctx); m == nil {
		t.Fatal("delayed message should be visible after the delay")
	}
}

func TestAck(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	q.Publish(ctx, "m1", nil)
	m, _ := q.Claim(ctx)
	if err := q.Ack(ctx, m.ID); err != nil {
		t.Fatal(err)
	}

	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("queue should be empty after ack, got %d", n)
	}
}

func TestNack(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: 10 * time.Second})
	ctx := context.Background()

	q.Publish(ctx, "m1", []byte("retry-me"))
	m, _ := q.Claim(ctx)

	if err := q.Nack(ctx, m.ID); err != nil {
		t.Fatal(err)
	}

	m2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m2 == nil {
		t.Fatal("expected message after nack")
	}
	if m2.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", m2.Attempts)
	}
}

func TestRetryDelayAndReason(t *testing.T) {
	clk := newClock()
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Minute, Now: clk.Now})
	ctx := context.Background()

	q.Publish(ctx, "m1", nil)
	m, _ := q.Claim(ctx)
	if err := q.Retry(ctx, m.ID, 5*time.Second, "endpoint returned 503"); err != nil {
		t.Fatal(err)
	}

	if m, _ := q.Claim(ctx); m != nil {
		t.Fatal("retried message visible before its delay")
	}
	clk.Advance(5 * time.Second)
	m, _ = q.Claim(ctx)
	if m == nil {
		t.Fatal("retried message should be visible after its delay")
	}
	if m.LastError != "endpoint returned 503" {
		t.Fatalf("last error = %q", m.LastError)
	}
}

func TestVisibilityTimeout(t *testing.T) {
	clk := newClock()
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: 50 * time.Millisecond, Now: clk.Now})
	ctx := context.Background()

	q.Publish(ctx, "m1", nil)
	q.Claim(ctx)

	if m, _ := q.Claim(ctx); m != nil {
		t.Fatal("message should be invisible")
	}

	clk.Advance(80 * time.Millisecond)

	m, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("message should have reappeared")
	}
	if m.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", m.Attempts)
	}
}

func TestExtend(t *testing.T) {
	clk := newClock()
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: 50 * time.Millisecond, Now: clk.Now})
	ctx := context.Background()

	q.Publish(ctx, "m1", nil)
	m, _ := q.Claim(ctx)

	if err := q.Extend(ctx, m.ID, 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	clk.Advance(80 * time.Millisecond)

	if m2, _ := q.Claim(ctx); m2 != nil {
		t.Fatal("message should still be invisible after extend")
	}
}

func TestBackoff(t *testing.T) {
	q := vtq.New(nil, vtq.Options{RetryBase: time.Second, RetryMax: 10 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := q.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDrainRetriesThenDeadLetters(t *testing.T) {
	// WHAT: a failing message is retried with backoff, then dead-lettered at MaxAttempts.
	// WHY: a stage endpoint that never answers 2xx must not be redelivered forever.
	clk := newClock()
	db := openDB(t)
	q := newQ(t, db, vtq.Options{
		Queue:       "search",
		MaxAttempts: 3,
		RetryBase:   time.Second,
		Now:         clk.Now,
	})
	ctx := context.Background()

	q.Publish(ctx, "m1", []byte("payload"))

	var calls int
	handler := func(_ context.Context, m *vtq.Message) error {
		calls++
		return fmt.Errorf("attempt %d failed", m.Attempts)
	}

	for i := 0; i < 3; i++ {
		if n := q.Drain(ctx, handler); n != 1 {
			t.Fatalf("drain %d handled %d, want 1", i+1, n)
		}
		clk.Advance(time.Minute)
	}

	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
	dead, err := q.Dead(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].ID != "m1" {
		t.Fatalf("dead = %+v, want m1", dead)
	}
	if dead[0].LastError != "attempt 3 failed" || dead[0].Attempts != 3 {
		t.Fatalf("dead entry = %+v", dead[0])
	}
	if string(dead[0].Payload) != "payload" {
		t.Fatalf("dead payload = %q", dead[0].Payload)
	}
}

func TestDrainPermanentError(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{MaxAttempts: 5})
	ctx := context.Background()

	q.Publish(ctx, "m1", nil)
	q.Drain(ctx, func(context.Context, *vtq.Message) error {
		return vtq.Permanent(errors.New("payload rejected"))
	})

	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
	dead, _ := q.Dead(ctx, 10)
	if len(dead) != 1 {
		t.Fatalf("dead = %d, want 1", len(dead))
	}
}

func TestExceededAttemptsAtClaim(t *testing.T) {
	// WHAT: a message claimed past MaxAttempts (holder crashed) is dead-lettered unhandled.
	clk := newClock()
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: 10 * time.Millisecond, MaxAttempts: 2, Now: clk.Now})
	ctx := context.Background()

	q.Publish(ctx, "m1", nil)
	for i := 0; i < 2; i++ {
		if m, _ := q.Claim(ctx); m == nil {
			t.Fatalf("expected message on attempt %d", i+1)
		}
		clk.Advance(20 * time.Millisecond)
	}

	var handled bool
	q.Drain(ctx, func(context.Context, *vtq.Message) error {
		handled = true
		return nil
	})
	if handled {
		t.Fatal("handler should not run past max attempts")
	}
	dead, _ := q.Dead(ctx, 10)
	if len(dead) != 1 {
		t.Fatalf("dead = %d, want 1", len(dead))
	}
}

func TestMultipleQueues(t *testing.T) {
	db := openDB(t)
	q1 := newQ(t, db, vtq.Options{Queue: "search", Visibility: time.Second})
	q2 := newQ(t, db, vtq.Options{Queue: "enrich", Visibility: time.Second})
	ctx := context.Background()

	q1.Publish(ctx, "s1", []byte("search"))
	q2.Publish(ctx, "e1", []byte("enrich"))

	m1, _ := q1.Claim(ctx)
	m2, _ := q2.Claim(ctx)

	if m1 == nil || m1.ID != "s1" {
		t.Fatal("q1 should get s1")
	}
	if m2 == nil || m2.ID != "e1" {
		t.Fatal("q2 should get e1")
	}
	if m, _ := q1.Claim(ctx); m != nil {
		t.Fatal("q1 should have no more messages")
	}
}

func TestRunConsumer(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	q.Publish(ctx, "m1", []byte("one"))
	q.Publish(ctx, "m2", []byte("two"))
	q.Publish(ctx, "m3", []byte("three"))

	var mu sync.Mutex
	var got []string

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, m *vtq.Message) error {
		mu.Lock()
		got = append(got, m.ID)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			cancel()
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d: %v", len(got), got)
	}
}

func TestPurge(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{})
	ctx := context.Background()

	q.Publish(ctx, "m1", nil)
	q.Publish(ctx, "m2", nil)

	if err := q.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected 0 after purge, got %d", n)
	}
}

func TestBatchClaim(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	for i := range 5 {
		q.Publish(ctx, fmt.Sprintf("m%d", i+1), []byte(fmt.Sprintf("payload-%d", i+1)))
	}

	msgs, err := q.BatchClaim(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if remaining, _ := q.Len(ctx); remaining != 5 {
		t.Fatalf("total should still be 5, got %d", remaining)
	}

	msgs2, err := q.BatchClaim(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs2) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(msgs2))
	}
}

func TestBatchClaimEmpty(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})

	msgs, err := q.BatchClaim(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected non-nil empty slice, got %v", msgs)
	}
}

func TestRunBatch(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	for i := range 10 {
		q.Publish(ctx, fmt.Sprintf("m%d", i), nil)
	}

	var count atomic.Int32
	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.RunBatch(runCtx, 4, 2, func(_ context.Context, _ *vtq.Message) error {
			if count.Add(1) == 10 {
				cancel()
			}
			return nil
		})
		close(done)
	}()
	<-done

	if got := count.Load(); got != 10 {
		t.Fatalf("processed %d, want 10", got)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("pending = %d, want 0 (all acked)", n)
	}
}
