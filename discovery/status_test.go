package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/scout/discovery/internal/store"
)

func TestStatus_PaginationComplete(t *testing.T) {
	// WHAT: walking every page of a completed job yields each creator exactly once.
	// WHY: pagination happens in the store and must be stable.
	h := newHarness(t, nil)
	h.prov.results["a"] = creators("a", 23)
	h.prov.results["b"] = creators("b", 17)
	id := h.create(t, `{"userId":"u1","platform":"tiktok","keywords":["a","b"],"targetResults":100}`)
	h.runAll(t)

	seen := map[string]bool{}
	offset, pages := 0, 0
	for {
		st, err := h.svc.Status(context.Background(), StatusRequest{JobID: id, Offset: offset, Limit: 7})
		if err != nil {
			t.Fatal(err)
		}
		pages++
		if st.Pagination.Total != 40 {
			t.Fatalf("total = %d, want 40", st.Pagination.Total)
		}
		for _, rs := range st.Results {
			for _, c := range rs.Creators {
				if seen[c.ID] {
					t.Fatalf("creator %s returned twice", c.ID)
				}
				seen[c.ID] = true
			}
		}
		if st.Pagination.NextOffset == nil {
			break
		}
		offset = *st.Pagination.NextOffset
	}
	if len(seen) != 40 || pages != 6 {
		t.Fatalf("distinct = %d over %d pages, want 40 over 6", len(seen), pages)
	}
}

func TestStatus_PagePastEnd(t *testing.T) {
	// WHAT: offset 50 limit 50 on 40 creators gives no results and a null nextOffset.
	// WHY: clients stop paging on nextOffset == null.
	h := newHarness(t, nil)
	h.prov.results["a"] = creators("a", 40)
	id := h.create(t, `{"userId":"u1","platform":"tiktok","keywords":["a"],"targetResults":100}`)
	h.runAll(t)

	st, err := h.svc.Status(context.Background(), StatusRequest{JobID: id, Offset: 50, Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Results) != 0 || st.Pagination.NextOffset != nil {
		t.Fatalf("results=%d nextOffset=%v", len(st.Results), st.Pagination.NextOffset)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"results":[]`, `"nextOffset":null`, `"total":40`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("response missing %s: %s", want, raw)
		}
	}
}

func TestStatus_CachesOnlyFinishedJobs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.prov.results["a"] = creators("a", 3)
	id := h.create(t, `{"userId":"u1","platform":"tiktok","keywords":["a"],"targetResults":10}`)
	key := "status:" + id + ":0:50"

	if _, err := h.svc.Status(ctx, StatusRequest{JobID: id}); err != nil {
		t.Fatal(err)
	}
	h.run(t, StageDispatch)
	h.run(t, StageSearch)
	st, err := h.svc.Status(ctx, StatusRequest{JobID: id})
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != LabelEnriching {
		t.Fatalf("status = %s, want enriching", st.Status)
	}
	if _, ok, _ := h.svc.store.GetCached(ctx, key); ok {
		t.Fatal("running job must not be cached")
	}

	h.run(t, StageEnrich)
	if _, err := h.svc.Status(ctx, StatusRequest{JobID: id}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := h.svc.store.GetCached(ctx, key); !ok {
		t.Fatal("completed job should be cached")
	}
}

func TestStatus_Labels(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.prov.results["a"] = creators("a", 2)
	id := h.create(t, `{"userId":"u1","platform":"tiktok","keywords":["a"],"targetResults":10}`)

	st, err := h.svc.Status(ctx, StatusRequest{JobID: id})
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != LabelPending || st.Progress.PercentComplete != 0 {
		t.Fatalf("pending: %s %d", st.Status, st.Progress.PercentComplete)
	}

	h.run(t, StageDispatch)
	st, _ = h.svc.Status(ctx, StatusRequest{JobID: id})
	if st.Status != LabelSearching {
		t.Fatalf("after dispatch: %s, want searching", st.Status)
	}
	if st.Job == nil || st.Job.StartedAt == nil {
		t.Fatal("job summary should carry startedAt")
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Status(context.Background(), StatusRequest{JobID: "job_missing"})
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
	_, err = h.svc.Status(context.Background(), StatusRequest{JobID: "../etc"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestPercentComplete(t *testing.T) {
	tests := []struct {
		name string
		job  store.Job
		c    store.Counts
		want int
	}{
		{"nothing dispatched", store.Job{Status: store.StatusProcessing}, store.Counts{}, 0},
		{"searches half done", store.Job{Status: store.StatusProcessing, KeywordsDispatched: 2, KeywordsCompleted: 1}, store.Counts{}, 25},
		{"searched, third enriched", store.Job{Status: store.StatusProcessing, KeywordsDispatched: 3, KeywordsCompleted: 3}, store.Counts{Total: 3, Enriched: 1}, 67},
		{"completed", store.Job{Status: store.StatusCompleted}, store.Counts{Total: 10, Enriched: 8}, 100},
		{"partial", store.Job{Status: store.StatusPartial, KeywordsDispatched: 1, KeywordsCompleted: 1}, store.Counts{Total: 10, Enriched: 9}, 95},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentComplete(&tt.job, tt.c); got != tt.want {
				t.Fatalf("percentComplete = %d, want %d", got, tt.want)
			}
		})
	}
}
