package discovery

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/scout/provider"
)

var (
	bioPolicy    = bluemonday.StrictPolicy()
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)
)

// mergeEnrichment folds e into a stored creator payload. Fields the
// provider leaves empty keep their stored value, and the email list is the
// union of stored, provided and bio-extracted addresses. It returns the new
// payload and how many emails were added.
func mergeEnrichment(payload []byte, e *provider.Enrichment) ([]byte, int, error) {
	var c provider.Creator
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, 0, fmt.Errorf("decode creator payload: %w", err)
	}
	if e == nil {
		return payload, 0, nil
	}

	if bio := cleanBio(e.Bio); bio != "" {
		c.Bio = bio
	}
	if e.Followers != nil {
		c.Followers = *e.Followers
	}
	if len(e.Fields) > 0 {
		if c.Extra == nil {
			c.Extra = make(map[string]any, len(e.Fields))
		}
		for k, v := range e.Fields {
			c.Extra[k] = v
		}
	}

	before := len(c.Emails)
	c.Emails = unionEmails(c.Emails, e.Emails, emailPattern.FindAllString(c.Bio, -1))
	added := len(c.Emails) - before

	out, err := json.Marshal(c)
	if err != nil {
		return nil, 0, fmt.Errorf("encode creator payload: %w", err)
	}
	return out, added, nil
}

// cleanBio strips markup from a provider bio and collapses whitespace.
func cleanBio(s string) string {
	s = html.UnescapeString(bioPolicy.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

// unionEmails returns every distinct address of lists, lowercased, in
// first-seen order. Nothing already present is ever dropped.
func unionEmails(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, e := range list {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" || !strings.Contains(e, "@") || seen[e] {
				continue
			}
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
