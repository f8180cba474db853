// Package backend selects which retrieval-engine endpoint serves a run.
// The primary ("local") endpoint is probed with a short timeout; any probe
// failure selects the secondary ("docker") endpoint. Decisions are cached
// for a short TTL so concurrent runs do not stampede the health endpoint.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/config"
	"github.com/normlens/orchestrator/internal/metrics"
)

// Name identifies one of the two candidate backends.
type Name string

const (
	Local  Name = "local"
	Docker Name = "docker"
)

// ErrBackendUnavailable signals that both backends were unreachable after the
// single call-time failover retry.
var ErrBackendUnavailable = errors.New("both retrieval backends unavailable")

// Selection is a resolved backend decision.
type Selection struct {
	Backend Name
	BaseURL string
	Forced  bool
}

// Resolver probes, caches and serves backend decisions. A stale concurrent
// read is acceptable; last write wins.
type Resolver struct {
	cfg    config.BackendConfig
	forced Name
	probe  *http.Client
	logger *zap.Logger
	clock  func() time.Time

	mu     sync.Mutex
	cached Name
	expiry time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock injects a clock for deterministic TTL tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) { r.clock = clock }
}

// WithProbeClient injects the HTTP client used for health probes.
func WithProbeClient(c *http.Client) Option {
	return func(r *Resolver) { r.probe = c }
}

// NewResolver creates a backend resolver from the documented knobs.
func NewResolver(cfg config.BackendConfig, logger *zap.Logger, opts ...Option) *Resolver {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if !strings.HasPrefix(cfg.HealthPath, "/") {
		cfg.HealthPath = "/" + cfg.HealthPath
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 300 * time.Millisecond
	}
	if cfg.DecisionTTL <= 0 {
		cfg.DecisionTTL = 20 * time.Second
	}
	cfg.PrimaryURL = strings.TrimRight(cfg.PrimaryURL, "/")
	cfg.SecondaryURL = strings.TrimRight(cfg.SecondaryURL, "/")

	r := &Resolver{
		cfg:    cfg,
		forced: normalize(cfg.ForcedBackend),
		probe:  &http.Client{Timeout: cfg.ProbeTimeout},
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the backend to use right now. A forced backend wins
// unconditionally; otherwise a cached decision younger than the TTL is
// reused, and only then is the primary probed.
func (r *Resolver) Resolve(ctx context.Context) Selection {
	if r.forced != "" {
		return Selection{Backend: r.forced, BaseURL: r.BaseURLFor(r.forced), Forced: true}
	}

	now := r.clock()
	r.mu.Lock()
	if r.cached != "" && now.Before(r.expiry) {
		cached := r.cached
		r.mu.Unlock()
		return Selection{Backend: cached, BaseURL: r.BaseURLFor(cached)}
	}
	r.mu.Unlock()

	chosen := r.detect(ctx)

	r.mu.Lock()
	if r.cached != chosen {
		r.logger.Info("Retrieval backend selected", zap.String("backend", string(chosen)))
	}
	r.cached = chosen
	r.expiry = now.Add(r.cfg.DecisionTTL)
	r.mu.Unlock()

	return Selection{Backend: chosen, BaseURL: r.BaseURLFor(chosen)}
}

// Forced reports whether an override pins the backend (disabling failover).
func (r *Resolver) Forced() bool { return r.forced != "" }

// Alternate returns the other backend.
func (r *Resolver) Alternate(n Name) Name {
	if n == Local {
		return Docker
	}
	return Local
}

// BaseURLFor maps a backend name to its base URL.
func (r *Resolver) BaseURLFor(n Name) string {
	if n == Local {
		return r.cfg.PrimaryURL
	}
	return r.cfg.SecondaryURL
}

// Record caches a backend decision observed at call time. Used by tests and
// by admin tooling; call-time failover itself is deliberately not cached.
func (r *Resolver) Record(n Name) {
	if normalize(string(n)) == "" {
		return
	}
	r.mu.Lock()
	r.cached = n
	r.expiry = r.clock().Add(r.cfg.DecisionTTL)
	r.mu.Unlock()
}

func (r *Resolver) detect(ctx context.Context) Name {
	probeURL := r.cfg.PrimaryURL + r.cfg.HealthPath
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		metrics.BackendProbes.WithLabelValues(string(Local), "error").Inc()
		return Docker
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		metrics.BackendProbes.WithLabelValues(string(Local), "error").Inc()
		r.logger.Warn("Primary backend probe failed",
			zap.String("url", probeURL),
			zap.Error(err),
		)
		return Docker
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		metrics.BackendProbes.WithLabelValues(string(Local), "ok").Inc()
		return Local
	}
	metrics.BackendProbes.WithLabelValues(string(Local), fmt.Sprintf("%d", resp.StatusCode)).Inc()
	r.logger.Warn("Primary backend probe returned non-200",
		zap.String("url", probeURL),
		zap.Int("status", resp.StatusCode),
	)
	return Docker
}

func normalize(v string) Name {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "local":
		return Local
	case "docker":
		return Docker
	default:
		return ""
	}
}
