package fetch

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/larder/internal/task"
	"github.com/kalambet/larder/internal/telemetry"
)

// BreakerConfig holds the per-origin failure accounting parameters.
type BreakerConfig struct {
	Window    time.Duration
	Threshold int
	Cooldown  time.Duration
}

// DefaultBreakerConfig returns a 10 minute window, a threshold of 5 and a
// 30 minute cool-down.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Window: 10 * time.Minute, Threshold: 5, Cooldown: 30 * time.Minute}
}

// originState holds the most recent failure times for one origin, oldest
// first, capped at the threshold. Each origin has its own lock so origins
// never contend with one another.
type originState struct {
	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time
}

// prune drops failures older than the window ending at now.
func (st *originState) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(st.failures) && now.Sub(st.failures[i]) > window {
		i++
	}
	st.failures = st.failures[i:]
}

// Breaker tracks failures per origin and rejects fetches to an origin that
// reached the threshold inside the window until the cool-down elapses.
// Successes do not reset the count.
type Breaker struct {
	cfg     BreakerConfig
	now     func() time.Time
	origins sync.Map // origin -> *originState
}

// NewBreaker creates a Breaker. Zero config fields take the defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Origin returns the scheme://host[:port] key for u. Default ports are
// dropped so equivalent URLs share one origin.
func Origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port == "" || (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return scheme + "://" + host
	}
	return scheme + "://" + host + ":" + port
}

func (b *Breaker) state(origin string) *originState {
	if v, ok := b.origins.Load(origin); ok {
		return v.(*originState)
	}
	v, _ := b.origins.LoadOrStore(origin, &originState{})
	return v.(*originState)
}

// Allow returns a Blocked error if the origin's circuit is open.
func (b *Breaker) Allow(origin string) error {
	v, ok := b.origins.Load(origin)
	if !ok {
		return nil
	}
	st := v.(*originState)
	now := b.now()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.openUntil.IsZero() {
		return nil
	}
	if now.Before(st.openUntil) {
		return task.Errorf(task.CodeBlocked, "circuit open for %s until %s",
			origin, st.openUntil.UTC().Format(time.RFC3339))
	}
	// Cool-down elapsed: start over.
	st.openUntil = time.Time{}
	st.failures = st.failures[:0]
	return nil
}

// RecordFailure counts one failure against origin. The circuit opens when
// the last Threshold failures all fall inside one Window ending now.
func (b *Breaker) RecordFailure(origin string) {
	st := b.state(origin)
	now := b.now()

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.openUntil.IsZero() {
		return
	}
	st.failures = append(st.failures, now)
	if over := len(st.failures) - b.cfg.Threshold; over > 0 {
		st.failures = append(st.failures[:0], st.failures[over:]...)
	}
	st.prune(now, b.cfg.Window)
	if len(st.failures) >= b.cfg.Threshold {
		st.openUntil = now.Add(b.cfg.Cooldown)
		telemetry.BreakerOpened.Inc()
	}
}

// Failures returns how many failures for origin fall inside the window
// ending now.
func (b *Breaker) Failures(origin string) int {
	v, ok := b.origins.Load(origin)
	if !ok {
		return 0
	}
	st := v.(*originState)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prune(b.now(), b.cfg.Window)
	return len(st.failures)
}
