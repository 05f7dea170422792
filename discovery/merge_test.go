package discovery

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/hazyhaar/scout/provider"
)

func TestUnionEmails(t *testing.T) {
	tests := []struct {
		name  string
		lists [][]string
		want  []string
	}{
		{"disjoint", [][]string{{"a@x.io"}, {"b@x.io"}}, []string{"a@x.io", "b@x.io"}},
		{"overlapping", [][]string{{"a@x.io", "b@x.io"}, {"B@X.io", "c@x.io"}}, []string{"a@x.io", "b@x.io", "c@x.io"}},
		{"empty new list", [][]string{{"a@x.io"}, nil}, []string{"a@x.io"}},
		{"junk dropped", [][]string{{" ", "not-an-email"}, {"d@x.io"}}, []string{"d@x.io"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := unionEmails(tt.lists...); fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("unionEmails = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeEnrichment(t *testing.T) {
	stored, _ := json.Marshal(provider.Creator{
		Handle: "maker", Bio: "old bio", Followers: 10,
		Emails: []string{"first@maker.io"},
		Extra:  map[string]any{"country": "FR"},
	})
	followers := int64(2500)
	e := &provider.Enrichment{
		Bio:       `<script>x()</script><a href="https://maker.io">Studio</a> &amp; shop, write hello@maker.io`,
		Emails:    []string{"FIRST@maker.io"},
		Followers: &followers,
		Fields:    map[string]any{"category": "crafts"},
	}

	out, added, err := mergeEnrichment(stored, e)
	if err != nil {
		t.Fatal(err)
	}
	var c provider.Creator
	if err := json.Unmarshal(out, &c); err != nil {
		t.Fatal(err)
	}
	if c.Bio != "Studio & shop, write hello@maker.io" {
		t.Fatalf("bio = %q", c.Bio)
	}
	if fmt.Sprint(c.Emails) != "[first@maker.io hello@maker.io]" || added != 1 {
		t.Fatalf("emails = %v added %d", c.Emails, added)
	}
	if c.Followers != 2500 || c.Extra["country"] != "FR" || c.Extra["category"] != "crafts" {
		t.Fatalf("merged = %+v", c)
	}
}

func TestMergeEnrichment_EmptyKeepsStored(t *testing.T) {
	stored, _ := json.Marshal(provider.Creator{Handle: "maker", Bio: "keep me", Emails: []string{"a@maker.io"}})
	out, added, err := mergeEnrichment(stored, &provider.Enrichment{})
	if err != nil {
		t.Fatal(err)
	}
	var c provider.Creator
	json.Unmarshal(out, &c)
	if c.Bio != "keep me" || len(c.Emails) != 1 || added != 0 {
		t.Fatalf("merged = %+v added %d", c, added)
	}
}
