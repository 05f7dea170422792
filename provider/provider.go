// Package provider defines the boundary between the discovery pipeline and
// the third-party services that actually find and enrich creators.
//
// The pipeline only depends on Adapter. Implementations here talk to a
// generic HTTP provider service (HTTPAdapter) or to Apify actors
// (ApifyAdapter); Guard wraps either with a per-call timeout and a circuit
// breaker. Every call is treated as slow, rate-limited and fallible.
package provider

import "context"

// Creator is one creator record as returned by a provider. Handle or
// ProfileID identifies the creator on its platform; DisplayName never does.
type Creator struct {
	ProfileID   string         `json:"profileId,omitempty"`
	Handle      string         `json:"handle,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	Platform    string         `json:"platform,omitempty"`
	ProfileURL  string         `json:"profileUrl,omitempty"`
	Followers   int64          `json:"followers,omitempty"`
	Bio         string         `json:"bio,omitempty"`
	Emails      []string       `json:"emails,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Ref returns the identifier passed to Enrich: the profile id when known,
// else the handle.
func (c Creator) Ref() string {
	if c.ProfileID != "" {
		return c.ProfileID
	}
	return c.Handle
}

// Query is one search call. Cursor is opaque and comes from the previous
// Page; empty means the first page. SeedUsername switches the call to a
// similar-creators search.
type Query struct {
	Keyword      string         `json:"keyword,omitempty"`
	Platform     string         `json:"platform"`
	Cursor       string         `json:"cursor,omitempty"`
	SeedUsername string         `json:"seedUsername,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

// Page is one page of search results. An empty NextCursor means the
// provider has nothing more for the query.
type Page struct {
	Creators   []Creator `json:"creators"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// Enrichment holds the fields an enrichment call adds to a creator.
// Nil or empty fields mean "unknown", not "cleared".
type Enrichment struct {
	Bio       string         `json:"bio,omitempty"`
	Emails    []string       `json:"emails,omitempty"`
	Followers *int64         `json:"followers,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Adapter performs searches and enrichments.
type Adapter interface {
	Search(ctx context.Context, q Query) (*Page, error)
	Enrich(ctx context.Context, creatorID, platform string) (*Enrichment, error)
}

// Expander is implemented by adapters that can suggest related search
// terms for a keyword. At most max terms are returned, excluding keyword.
type Expander interface {
	Expand(ctx context.Context, keyword, platform string, max int) ([]string, error)
}
