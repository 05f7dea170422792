package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/scout/horosafe"
)

// HTTPAdapter talks to a provider service exposing JSON endpoints:
//
//	POST {base}/search  Query                         -> Page
//	POST {base}/enrich  {"creatorId","platform"}      -> Enrichment
//	POST {base}/expand  {"keyword","platform","max"}  -> {"keywords":[...]}
type HTTPAdapter struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) { a.client = c }
}

// WithToken sends an Authorization: Bearer header on every call.
func WithToken(token string) HTTPOption {
	return func(a *HTTPAdapter) { a.token = token }
}

// NewHTTPAdapter creates an adapter for the service at baseURL.
func NewHTTPAdapter(baseURL string, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Search implements Adapter.
func (a *HTTPAdapter) Search(ctx context.Context, q Query) (*Page, error) {
	var page Page
	if err := a.post(ctx, "search", q, &page); err != nil {
		return nil, err
	}
	for i := range page.Creators {
		if page.Creators[i].Platform == "" {
			page.Creators[i].Platform = q.Platform
		}
	}
	return &page, nil
}

// Enrich implements Adapter.
func (a *HTTPAdapter) Enrich(ctx context.Context, creatorID, platform string) (*Enrichment, error) {
	req := map[string]string{"creatorId": creatorID, "platform": platform}
	var e Enrichment
	if err := a.post(ctx, "enrich", req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Expand implements Expander.
func (a *HTTPAdapter) Expand(ctx context.Context, keyword, platform string, max int) ([]string, error) {
	req := map[string]any{"keyword": keyword, "platform": platform, "max": max}
	var resp struct {
		Keywords []string `json:"keywords"`
	}
	if err := a.post(ctx, "expand", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Keywords) > max {
		resp.Keywords = resp.Keywords[:max]
	}
	return resp.Keywords, nil
}

func (a *HTTPAdapter) post(ctx context.Context, op string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &Error{Kind: KindInvalidRequest, Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindInvalidRequest, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &Error{Kind: transportKind(err), Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, 4*horosafe.MaxResponseBody)
	if err != nil {
		return &Error{Kind: KindBadResponse, Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Kind:   KindForStatus(resp.StatusCode),
			Op:     op,
			Status: resp.StatusCode,
			Err:    errors.New(truncate(string(data), 200)),
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindBadResponse, Op: op, Status: resp.StatusCode, Err: err}
	}
	return nil
}

// transportKind classifies an error from http.Client.Do.
func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if k := KindOf(err); k != KindUnknown {
		return k
	}
	return KindUnavailable
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
