package shield

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rule limits requests whose method matches Method (empty matches any)
// and whose path starts with Prefix.
type Rule struct {
	Method      string
	Prefix      string
	MaxRequests int
	Window      time.Duration
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP, per-rule fixed-window rate limiting. The
// first matching rule applies; unmatched requests pass.
type RateLimiter struct {
	rules   []Rule
	buckets sync.Map
	now     func() time.Time
}

// NewRateLimiter creates a limiter for the given rules. Call StartGC to
// drop expired buckets periodically.
func NewRateLimiter(rules []Rule) *RateLimiter {
	return &RateLimiter{rules: rules, now: time.Now}
}

// StartGC drops expired buckets every interval until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}, interval time.Duration) {
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) match(r *http.Request) (int, bool) {
	for i, rule := range rl.rules {
		if rule.Method != "" && rule.Method != r.Method {
			continue
		}
		if strings.HasPrefix(r.URL.Path, rule.Prefix) {
			return i, true
		}
	}
	return 0, false
}

func (rl *RateLimiter) allow(ip string, idx int) bool {
	rule := rl.rules[idx]
	if rule.MaxRequests <= 0 || rule.Window <= 0 {
		return true
	}
	key := ip + "|" + strconv.Itoa(idx)
	now := rl.now()

	val, _ := rl.buckets.LoadOrStore(key, &bucket{resetAt: now.Add(rule.Window)})
	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(rule.Window)
	}
	b.count++
	return b.count <= rule.MaxRequests
}

// Middleware enforces the rules with a 429 JSON response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx, ok := rl.match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ip := ExtractIP(r)
		if rl.allow(ip, idx) {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "prefix", rl.rules[idx].Prefix)
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.rules[idx].Window.Seconds())))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
