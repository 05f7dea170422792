package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/scout/discovery/internal/store"
	"github.com/hazyhaar/scout/provider"
)

// searched returns a processing job with n creators found and none
// enriched, plus their ids in list order.
func searched(t *testing.T, h *harness, n int) (string, []string) {
	t.Helper()
	h.prov.results["a"] = creators("a", n)
	id := h.create(t, `{"userId":"u1","platform":"tiktok","keywords":["a"],"targetResults":1000}`)
	h.run(t, StageDispatch)
	h.run(t, StageSearch)

	rows, err := h.svc.store.ListCreators(context.Background(), id, 0, n)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(rows))
	for i, c := range rows {
		ids[i] = c.ID
	}
	return id, ids
}

func markEnriched(t *testing.T, h *harness, jobID string, ids []string) {
	t.Helper()
	for _, id := range ids {
		if _, err := h.svc.store.MarkCreatorEnriched(context.Background(), jobID, id); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCheckAndComplete_Idempotent(t *testing.T) {
	// WHAT: a second completion check changes nothing.
	// WHY: worker and status reader both call it; completion fires once.
	h := newHarness(t, func(c *Config) { c.Pipeline.SearchPageSize = 100 })
	ctx := context.Background()
	id, ids := searched(t, h, 12)

	var fired int
	h.svc.tracker.notify = func(ctx context.Context, j *store.Job) { fired++ }

	if done, err := h.svc.tracker.CheckAndComplete(ctx, id); err != nil || done {
		t.Fatalf("before enrichment: done=%v err=%v", done, err)
	}
	markEnriched(t, h, id, ids)

	done, err := h.svc.tracker.CheckAndComplete(ctx, id)
	if err != nil || !done {
		t.Fatalf("first check: done=%v err=%v", done, err)
	}
	first := h.job(t, id)

	h.clock.Advance(time.Second)
	done, err = h.svc.tracker.CheckAndComplete(ctx, id)
	if err != nil || done {
		t.Fatalf("second check: done=%v err=%v", done, err)
	}
	second := h.job(t, id)
	if *first.CompletedAt != *second.CompletedAt || second.Status != store.StatusCompleted {
		t.Fatalf("completedAt %d -> %d, status %s", *first.CompletedAt, *second.CompletedAt, second.Status)
	}
	if fired != 1 {
		t.Fatalf("notify fired %d times, want 1", fired)
	}
}

func TestCheckStaleAndComplete_Watermark(t *testing.T) {
	// WHAT: past the staleness window, 79% enriched stays processing and 81% completes.
	// WHY: stale completion trades completeness for liveness only near the end.
	h := newHarness(t, func(c *Config) { c.Pipeline.SearchPageSize = 100 })
	ctx := context.Background()
	id, ids := searched(t, h, 100)

	markEnriched(t, h, id, ids[:79])
	h.clock.Advance(3 * time.Minute)

	if done, err := h.svc.tracker.CheckStaleAndComplete(ctx, id); err != nil || done {
		t.Fatalf("79%%: done=%v err=%v", done, err)
	}
	if j := h.job(t, id); j.Status != store.StatusProcessing {
		t.Fatalf("79%%: status = %s, want processing", j.Status)
	}

	markEnriched(t, h, id, ids[79:81])
	done, err := h.svc.tracker.CheckStaleAndComplete(ctx, id)
	if err != nil || !done {
		t.Fatalf("81%%: done=%v err=%v", done, err)
	}
	j := h.job(t, id)
	if j.Status != store.StatusCompleted || j.CompletionReason != store.ReasonStale {
		t.Fatalf("81%%: status=%s reason=%s", j.Status, j.CompletionReason)
	}
}

func TestCheckStaleAndComplete_WithinWindow(t *testing.T) {
	// WHAT: 90% enriched one minute in does not force completion.
	// WHY: the watermark only applies once the staleness window has passed.
	h := newHarness(t, func(c *Config) { c.Pipeline.SearchPageSize = 100 })
	id, ids := searched(t, h, 10)
	markEnriched(t, h, id, ids[:9])
	h.clock.Advance(time.Minute)

	if done, err := h.svc.tracker.CheckStaleAndComplete(context.Background(), id); err != nil || done {
		t.Fatalf("inside window: done=%v err=%v", done, err)
	}
}

func TestCheckStaleAndComplete_SearchStillRetrying(t *testing.T) {
	// WHAT: a job whose found creators are all enriched stays processing while
	// another keyword's search is waiting for redelivery.
	// WHY: the retried search would add creators to a job already reported complete.
	h := newHarness(t, func(c *Config) {
		c.Pipeline.SearchPageSize = 100
		c.Queue.MaxAttempts = 3
	})
	ctx := context.Background()
	h.prov.results["a"] = creators("a", 10)
	h.prov.searchErr["b"] = &provider.Error{Kind: provider.KindRateLimited, Status: 429, Err: errors.New("slow down")}
	id := h.create(t, `{"userId":"u1","platform":"tiktok","keywords":["a","b"],"targetResults":1000}`)
	h.run(t, StageDispatch)
	h.run(t, StageSearch)

	rows, err := h.svc.store.ListCreators(ctx, id, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(rows))
	for i, c := range rows {
		ids[i] = c.ID
	}
	markEnriched(t, h, id, ids)
	h.clock.Advance(3 * time.Minute)

	if done, err := h.svc.tracker.CheckStaleAndComplete(ctx, id); err != nil || done {
		t.Fatalf("search outstanding: done=%v err=%v", done, err)
	}
	j := h.job(t, id)
	if j.Status != store.StatusProcessing {
		t.Fatalf("status = %s, want processing", j.Status)
	}
	if j.KeywordsCompleted >= j.KeywordsDispatched {
		t.Fatalf("completed=%d dispatched=%d, want a search outstanding", j.KeywordsCompleted, j.KeywordsDispatched)
	}
}

func TestWatermarkCount(t *testing.T) {
	tests := []struct {
		total int
		w     float64
		want  int
	}{
		{100, 0.80, 80},
		{10, 0.80, 8},
		{7, 0.80, 6},
		{1, 0.80, 1},
		{3, 1, 3},
	}
	for _, tt := range tests {
		if got := watermarkCount(tt.total, tt.w); got != tt.want {
			t.Errorf("watermarkCount(%d, %.2f) = %d, want %d", tt.total, tt.w, got, tt.want)
		}
	}
}

func TestExpireIfTimedOut(t *testing.T) {
	// WHAT: a job read after its deadline becomes timeout, and later writes
	// do not resurrect it.
	// WHY: cancellation is cooperative; readers apply the deadline.
	h := newHarness(t, nil)
	ctx := context.Background()
	id, ids := searched(t, h, 2)

	h.clock.Advance(11 * time.Minute)
	st, err := h.svc.Status(ctx, StatusRequest{JobID: id})
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != string(store.StatusTimeout) || st.Error != TimeoutMessage {
		t.Fatalf("status=%s error=%q", st.Status, st.Error)
	}

	markEnriched(t, h, id, ids)
	if done, err := h.svc.tracker.CheckAndComplete(ctx, id); err != nil || done {
		t.Fatalf("check after timeout: done=%v err=%v", done, err)
	}
	if j := h.job(t, id); j.Status != store.StatusTimeout {
		t.Fatalf("status = %s, want timeout", j.Status)
	}
}
