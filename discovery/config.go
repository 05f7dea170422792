package discovery

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/scout/horosafe"
	"github.com/hazyhaar/scout/provider"
)

// Config configures the discovery service and the scout binary.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Signing  SigningConfig  `yaml:"signing"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Cache    CacheConfig    `yaml:"cache"`
	Queue    QueueConfig    `yaml:"queue"`
	Provider ProviderConfig `yaml:"provider"`
}

// DatabaseConfig selects the stores. A postgres:// URL selects pgx,
// anything else is a SQLite path.
type DatabaseConfig struct {
	URL string `yaml:"url"`
	// ObservabilityURL is the SQLite path for events, metrics and
	// heartbeats. Empty disables them.
	ObservabilityURL string `yaml:"observability_url"`
}

// HTTPConfig configures the API surface.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// PublicURL is the externally reachable base URL. Stage deliveries are
	// signed for PublicURL + "/v1/workers/{stage}".
	PublicURL       string `yaml:"public_url"`
	MaxBody         int64  `yaml:"max_body"`
	DefaultPageSize int    `yaml:"default_page_size"`
	MaxPageSize     int    `yaml:"max_page_size"`
	// IntakeToken, when set, is required as a bearer token on POST /v1/jobs.
	IntakeToken string `yaml:"intake_token"`
}

// SigningConfig holds the queue signing keys. NextKey is accepted on
// verification during rotation.
type SigningConfig struct {
	Key     string `yaml:"key"`
	NextKey string `yaml:"next_key"`
}

// PipelineConfig bounds the work one job can create.
type PipelineConfig struct {
	MaxKeywords     int           `yaml:"max_keywords"`
	MaxFanOut       int           `yaml:"max_fan_out"`
	Expand          bool          `yaml:"expand"`
	EnrichBatchSize int           `yaml:"enrich_batch_size"`
	MaxSearchPages  int           `yaml:"max_search_pages"`
	SearchPageSize  int           `yaml:"search_page_size"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	Platforms       []string      `yaml:"platforms"`
}

// TrackerConfig tunes completion detection.
type TrackerConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after"`
	Watermark     float64       `yaml:"watermark"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
}

// CacheConfig configures the response cache of finished jobs.
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Disabled bool          `yaml:"disabled"`
}

// QueueConfig configures the stage queues and their relays.
type QueueConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RetryBase    time.Duration `yaml:"retry_base"`
	RetryMax     time.Duration `yaml:"retry_max"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	// HandlerTimeout bounds the provider calls of one stage invocation. It
	// must stay below Visibility.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// ProviderConfig selects and guards the provider adapter.
type ProviderConfig struct {
	Kind             string               `yaml:"kind"` // "http" or "apify"
	URL              string               `yaml:"url"`
	Token            string               `yaml:"token"`
	AllowPrivate     bool                 `yaml:"allow_private"`
	Timeout          time.Duration        `yaml:"timeout"`
	BreakerThreshold int                  `yaml:"breaker_threshold"`
	BreakerReset     time.Duration        `yaml:"breaker_reset"`
	Apify            provider.ApifyConfig `yaml:"apify"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.Database.URL == "" {
		c.Database.URL = "data/scout.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.PublicURL == "" {
		c.HTTP.PublicURL = "http://localhost:8080"
	}
	if c.HTTP.MaxBody <= 0 {
		c.HTTP.MaxBody = horosafe.MaxResponseBody
	}
	if c.HTTP.DefaultPageSize <= 0 {
		c.HTTP.DefaultPageSize = 50
	}
	if c.HTTP.MaxPageSize <= 0 {
		c.HTTP.MaxPageSize = 200
	}
	if c.Pipeline.MaxKeywords <= 0 {
		c.Pipeline.MaxKeywords = 5
	}
	if c.Pipeline.MaxFanOut <= 0 {
		c.Pipeline.MaxFanOut = 25
	}
	if c.Pipeline.EnrichBatchSize <= 0 {
		c.Pipeline.EnrichBatchSize = 10
	}
	if c.Pipeline.MaxSearchPages <= 0 {
		c.Pipeline.MaxSearchPages = 3
	}
	if c.Pipeline.SearchPageSize <= 0 {
		c.Pipeline.SearchPageSize = 50
	}
	if c.Pipeline.JobTimeout <= 0 {
		c.Pipeline.JobTimeout = 10 * time.Minute
	}
	if len(c.Pipeline.Platforms) == 0 {
		c.Pipeline.Platforms = []string{"tiktok", "instagram", "youtube"}
	}
	if c.Tracker.StaleAfter <= 0 {
		c.Tracker.StaleAfter = 2 * time.Minute
	}
	if c.Tracker.Watermark <= 0 {
		c.Tracker.Watermark = 0.80
	}
	if c.Tracker.SweepInterval <= 0 {
		c.Tracker.SweepInterval = 30 * time.Second
	}
	if c.Tracker.SweepBatch <= 0 {
		c.Tracker.SweepBatch = 100
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 24 * time.Hour
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.Visibility <= 0 {
		c.Queue.Visibility = 60 * time.Second
	}
	if c.Queue.HandlerTimeout <= 0 {
		c.Queue.HandlerTimeout = c.Queue.Visibility * 4 / 5
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.RetryBase <= 0 {
		c.Queue.RetryBase = 2 * time.Second
	}
	if c.Queue.RetryMax <= 0 {
		c.Queue.RetryMax = 5 * time.Minute
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 4
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = "http"
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = provider.DefaultTimeout
	}
	if c.Provider.BreakerThreshold <= 0 {
		c.Provider.BreakerThreshold = 5
	}
	if c.Provider.BreakerReset <= 0 {
		c.Provider.BreakerReset = 30 * time.Second
	}
}

// LoadConfig reads a YAML file and fills in defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if err := horosafe.ValidateSecret([]byte(c.Signing.Key)); err != nil {
		errs = append(errs, fmt.Errorf("signing.key: %w", err))
	}
	if c.Signing.NextKey != "" {
		if err := horosafe.ValidateSecret([]byte(c.Signing.NextKey)); err != nil {
			errs = append(errs, fmt.Errorf("signing.next_key: %w", err))
		}
	}
	if !strings.HasPrefix(c.HTTP.PublicURL, "http://") && !strings.HasPrefix(c.HTTP.PublicURL, "https://") {
		errs = append(errs, fmt.Errorf("http.public_url: %w", horosafe.ErrUnsafeScheme))
	}
	switch c.Provider.Kind {
	case "http":
		if c.Provider.URL == "" {
			errs = append(errs, errors.New("provider.url is required for the http provider"))
		} else if err := horosafe.ValidateURL(c.Provider.URL, c.Provider.AllowPrivate); err != nil {
			errs = append(errs, fmt.Errorf("provider.url: %w", err))
		}
	case "apify":
		if c.Provider.Apify.Token == "" {
			errs = append(errs, errors.New("provider.apify.token is required for the apify provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.kind %q: want http or apify", c.Provider.Kind))
	}
	if c.Queue.HandlerTimeout >= c.Queue.Visibility {
		errs = append(errs, fmt.Errorf("queue.handler_timeout %s: must be below queue.visibility %s", c.Queue.HandlerTimeout, c.Queue.Visibility))
	}
	if c.Tracker.Watermark > 1 {
		errs = append(errs, fmt.Errorf("tracker.watermark %.2f: must be at most 1", c.Tracker.Watermark))
	}
	return errors.Join(errs...)
}
