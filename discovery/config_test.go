package discovery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.Tracker.StaleAfter != 2*time.Minute || c.Tracker.Watermark != 0.80 {
		t.Fatalf("tracker = %+v", c.Tracker)
	}
	if c.Cache.TTL != 24*time.Hour || c.Provider.Timeout != 30*time.Second {
		t.Fatalf("cache ttl %v provider timeout %v", c.Cache.TTL, c.Provider.Timeout)
	}
	if c.Pipeline.MaxFanOut != 25 || c.Pipeline.MaxKeywords != 5 || c.Queue.MaxAttempts != 5 {
		t.Fatalf("pipeline = %+v queue = %+v", c.Pipeline, c.Queue)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scout.yaml")
	yaml := `
http:
  public_url: https://scout.example.com
signing:
  key: 0123456789abcdef0123456789abcdef
pipeline:
  max_fan_out: 8
  platforms: [tiktok]
tracker:
  stale_after: 5m
provider:
  kind: apify
  apify:
    token: apify-token
    search_actors:
      tiktok: clockworks~tiktok-scraper
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Pipeline.MaxFanOut != 8 || c.Tracker.StaleAfter != 5*time.Minute {
		t.Fatalf("loaded = %+v %+v", c.Pipeline, c.Tracker)
	}
	if c.Pipeline.EnrichBatchSize != 10 {
		t.Fatalf("defaults not applied: batch = %d", c.Pipeline.EnrichBatchSize)
	}
	if c.Provider.Apify.SearchActors["tiktok"] != "clockworks~tiktok-scraper" {
		t.Fatalf("apify = %+v", c.Provider.Apify)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfig_HandlerTimeoutBelowVisibility(t *testing.T) {
	// WHAT: the handler timeout defaults below the visibility window, and a
	// value at or above it is refused.
	// WHY: a handler still running when its message reappears is a double delivery.
	c := DefaultConfig()
	if c.Queue.HandlerTimeout <= 0 || c.Queue.HandlerTimeout >= c.Queue.Visibility {
		t.Fatalf("handler timeout %s, visibility %s", c.Queue.HandlerTimeout, c.Queue.Visibility)
	}
	c.Signing.Key = testKey
	c.Provider.URL = "https://provider.example.com"
	c.Queue.HandlerTimeout = c.Queue.Visibility
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "queue.handler_timeout") {
		t.Fatalf("err = %v, want queue.handler_timeout", err)
	}
}

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig()
	c.Signing.Key = "short"
	c.HTTP.PublicURL = "ftp://scout"
	c.Provider.Kind = "http"
	c.Tracker.Watermark = 1.5

	err := c.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"signing.key", "http.public_url", "provider.url", "tracker.watermark"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
