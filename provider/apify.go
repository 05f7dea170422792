package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/scout/horosafe"
)

const apifyBaseURL = "https://api.apify.com/v2"

// ApifyConfig names the actors used per platform. Search actors take
// {"searchQueries":[...]} (or {"usernames":[seed],"similar":true} for a
// seed search); enrich actors take {"usernames":[id]}.
type ApifyConfig struct {
	Token        string            `yaml:"token"`
	BaseURL      string            `yaml:"base_url"`
	SearchActors map[string]string `yaml:"search_actors"`
	EnrichActors map[string]string `yaml:"enrich_actors"`
	PageSize     int               `yaml:"page_size"`
	PollInterval time.Duration     `yaml:"poll_interval"`
}

// ApifyAdapter runs Apify actors: start a run, poll until it finishes,
// then page through its default dataset. The cursor is
// "<datasetID>:<offset>" so later pages read the same dataset without a
// new run.
type ApifyAdapter struct {
	cfg    ApifyConfig
	client *http.Client
}

// NewApifyAdapter creates an adapter. A nil client gets a 5 minute timeout.
func NewApifyAdapter(cfg ApifyConfig, client *http.Client) *ApifyAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = apifyBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &ApifyAdapter{cfg: cfg, client: client}
}

// Search implements Adapter.
func (a *ApifyAdapter) Search(ctx context.Context, q Query) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = a.cfg.PageSize
	}

	datasetID, offset, err := parseCursor(q.Cursor)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Op: "search", Err: err}
	}
	if datasetID == "" {
		actor := a.cfg.SearchActors[q.Platform]
		if actor == "" {
			return nil, &Error{Kind: KindInvalidRequest, Op: "search", Err: fmt.Errorf("no search actor for platform %q", q.Platform)}
		}
		input := map[string]any{}
		for k, v := range q.Options {
			input[k] = v
		}
		if q.SeedUsername != "" {
			input["usernames"] = []string{q.SeedUsername}
			input["similar"] = true
		} else {
			input["searchQueries"] = []string{q.Keyword}
		}
		datasetID, err = a.run(ctx, "search", actor, input)
		if err != nil {
			return nil, err
		}
	}

	items, err := a.items(ctx, "search", datasetID, offset, limit)
	if err != nil {
		return nil, err
	}
	page := &Page{Creators: make([]Creator, 0, len(items))}
	for _, it := range items {
		c := creatorFromItem(it)
		if c.Handle == "" && c.ProfileID == "" {
			continue
		}
		c.Platform = q.Platform
		page.Creators = append(page.Creators, c)
	}
	if len(items) == limit {
		page.NextCursor = datasetID + ":" + strconv.Itoa(offset+limit)
	}
	return page, nil
}

// Enrich implements Adapter.
func (a *ApifyAdapter) Enrich(ctx context.Context, creatorID, platform string) (*Enrichment, error) {
	actor := a.cfg.EnrichActors[platform]
	if actor == "" {
		return nil, &Error{Kind: KindInvalidRequest, Op: "enrich", Err: fmt.Errorf("no enrich actor for platform %q", platform)}
	}
	datasetID, err := a.run(ctx, "enrich", actor, map[string]any{"usernames": []string{creatorID}})
	if err != nil {
		return nil, err
	}
	items, err := a.items(ctx, "enrich", datasetID, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &Error{Kind: KindNotFound, Op: "enrich", Err: fmt.Errorf("no profile for %q", creatorID)}
	}
	c := creatorFromItem(items[0])
	e := &Enrichment{Bio: c.Bio, Emails: c.Emails}
	if c.Followers > 0 {
		f := c.Followers
		e.Followers = &f
	}
	return e, nil
}

// run starts actor and blocks until the run succeeds, returning its
// default dataset id.
func (a *ApifyAdapter) run(ctx context.Context, op, actor string, input map[string]any) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", &Error{Kind: KindInvalidRequest, Op: op, Err: err}
	}
	var started struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	endpoint := a.cfg.BaseURL + "/acts/" + url.PathEscape(actor) + "/runs"
	if err := a.do(ctx, op, http.MethodPost, endpoint, body, http.StatusCreated, &started); err != nil {
		return "", err
	}
	if started.Data.ID == "" {
		return "", &Error{Kind: KindBadResponse, Op: op, Err: errors.New("actor run without id")}
	}

	statusURL := a.cfg.BaseURL + "/actor-runs/" + url.PathEscape(started.Data.ID)
	for {
		select {
		case <-ctx.Done():
			return "", &Error{Kind: KindTimeout, Op: op, Err: ctx.Err()}
		case <-time.After(a.cfg.PollInterval):
		}

		var st struct {
			Data struct {
				Status           string `json:"status"`
				DefaultDatasetID string `json:"defaultDatasetId"`
			} `json:"data"`
		}
		if err := a.do(ctx, op, http.MethodGet, statusURL, nil, http.StatusOK, &st); err != nil {
			return "", err
		}
		switch st.Data.Status {
		case "SUCCEEDED":
			return st.Data.DefaultDatasetID, nil
		case "TIMED-OUT":
			return "", &Error{Kind: KindTimeout, Op: op, Err: errors.New("actor run timed out")}
		case "FAILED", "ABORTED":
			return "", &Error{Kind: KindUnavailable, Op: op, Err: fmt.Errorf("actor run %s", strings.ToLower(st.Data.Status))}
		}
	}
}

func (a *ApifyAdapter) items(ctx context.Context, op, datasetID string, offset, limit int) ([]map[string]any, error) {
	v := url.Values{}
	v.Set("clean", "true")
	v.Set("offset", strconv.Itoa(offset))
	v.Set("limit", strconv.Itoa(limit))
	endpoint := a.cfg.BaseURL + "/datasets/" + url.PathEscape(datasetID) + "/items?" + v.Encode()
	var items []map[string]any
	if err := a.do(ctx, op, http.MethodGet, endpoint, nil, http.StatusOK, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (a *ApifyAdapter) do(ctx context.Context, op, method, endpoint string, body []byte, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindInvalidRequest, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return &Error{Kind: transportKind(err), Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, 16*horosafe.MaxResponseBody)
	if err != nil {
		return &Error{Kind: KindBadResponse, Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != want {
		return &Error{Kind: KindForStatus(resp.StatusCode), Op: op, Status: resp.StatusCode, Err: errors.New(truncate(string(data), 200))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindBadResponse, Op: op, Status: resp.StatusCode, Err: err}
	}
	return nil
}

func parseCursor(cursor string) (string, int, error) {
	if cursor == "" {
		return "", 0, nil
	}
	id, off, ok := strings.Cut(cursor, ":")
	if !ok || id == "" {
		return "", 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	n, err := strconv.Atoi(off)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	return id, n, nil
}

// creatorFromItem maps the field names used by common profile scrapers.
func creatorFromItem(it map[string]any) Creator {
	c := Creator{
		ProfileID:   firstString(it, "id", "profileId", "userId", "channelId"),
		Handle:      firstString(it, "username", "handle", "uniqueId", "channelHandle"),
		DisplayName: firstString(it, "fullName", "displayName", "nickname", "channelName", "name"),
		ProfileURL:  firstString(it, "url", "profileUrl", "channelUrl"),
		Bio:         firstString(it, "biography", "bio", "signature", "description"),
		Followers:   firstInt(it, "followersCount", "followers", "fans", "subscriberCount"),
	}
	if e := firstString(it, "email", "publicEmail", "businessEmail"); e != "" {
		c.Emails = []string{e}
	}
	if list, ok := it["emails"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				c.Emails = append(c.Emails, s)
			}
		}
	}
	return c
}

func firstString(it map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := it[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

func firstInt(it map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := it[k].(type) {
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}
