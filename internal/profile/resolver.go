package profile

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/config"
	"github.com/normlens/orchestrator/internal/metrics"
)

// strategy is one cascade step: it proposes a candidate profile id or reports
// no match. Keeping the steps independent keeps each one testable on its own.
type strategy struct {
	source string
	pick   func(ctx context.Context, tenantID, requestedID string) (candidate string, reason string)
}

type cacheEntry struct {
	resolved *Resolved
	expires  time.Time
}

type overrideEntry struct {
	profileID string
	expires   time.Time
}

// Resolver walks the cascade until a step yields a valid profile. It never
// fails: the built-in base profile is the floor.
type Resolver struct {
	loader     *Loader
	store      OverrideStore
	tenantMap  map[string]string
	allowList  map[string][]string
	defaultID  string
	cacheTTL   time.Duration
	overrideTTL time.Duration
	logger     *zap.Logger
	clock      func() time.Time

	mu            sync.Mutex
	cache         map[string]cacheEntry
	overrideCache map[string]overrideEntry
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverClock injects a clock for deterministic TTL tests.
func WithResolverClock(clock func() time.Time) ResolverOption {
	return func(r *Resolver) { r.clock = clock }
}

// NewResolver builds the cascade resolver. store may be nil when no external
// override store is configured; that cascade step then never matches.
func NewResolver(cfg config.ProfileConfig, loader *Loader, store OverrideStore, logger *zap.Logger, opts ...ResolverOption) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.OverrideCacheTTL <= 0 {
		cfg.OverrideCacheTTL = 30 * time.Second
	}
	defaultID := strings.TrimSpace(cfg.DefaultProfileID)
	if defaultID == "" {
		defaultID = "base"
	}
	r := &Resolver{
		loader:        loader,
		store:         store,
		tenantMap:     cfg.TenantMap,
		allowList:     cfg.AllowList,
		defaultID:     defaultID,
		cacheTTL:      cfg.CacheTTL,
		overrideTTL:   cfg.OverrideCacheTTL,
		logger:        logger,
		clock:         time.Now,
		cache:         make(map[string]cacheEntry),
		overrideCache: make(map[string]overrideEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a concrete, validated profile for the tenant along with the
// cascade source that produced it. Resolution always terminates.
func (r *Resolver) Resolve(ctx context.Context, tenantID, requestedID string) *Resolved {
	requestedID = strings.TrimSpace(requestedID)

	// The tenant-keyed cache only serves the common no-explicit-request path;
	// an explicit profile request bypasses it.
	if requestedID == "" {
		r.mu.Lock()
		if entry, ok := r.cache[tenantID]; ok && r.clock().Before(entry.expires) {
			r.mu.Unlock()
			metrics.ProfileCacheLookups.WithLabelValues("hit").Inc()
			return entry.resolved
		}
		r.mu.Unlock()
		metrics.ProfileCacheLookups.WithLabelValues("miss").Inc()
	}

	resolved := r.resolve(ctx, tenantID, requestedID)
	metrics.ProfileResolutions.WithLabelValues(resolved.Source).Inc()

	if requestedID == "" {
		r.mu.Lock()
		r.cache[tenantID] = cacheEntry{resolved: resolved, expires: r.clock().Add(r.cacheTTL)}
		r.mu.Unlock()
	}
	return resolved
}

// Invalidate drops the tenant's cached resolution, e.g. after an override write.
func (r *Resolver) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	delete(r.overrideCache, tenantID)
	r.mu.Unlock()
}

func (r *Resolver) resolve(ctx context.Context, tenantID, requestedID string) *Resolved {
	steps := []strategy{
		{source: SourceDB, pick: r.pickStoreOverride},
		{source: SourceHeader, pick: r.pickRequested},
		{source: SourceTenantMap, pick: r.pickTenantMap},
		{source: SourceTenantYAML, pick: r.pickTenantYAML},
	}

	for _, step := range steps {
		candidate, reason := step.pick(ctx, tenantID, requestedID)
		if candidate == "" {
			continue
		}
		p, err := r.loader.Load(candidate)
		if err != nil {
			// Malformed documents are logged and skipped, never applied.
			r.logger.Warn("Profile candidate rejected",
				zap.String("tenant_id", tenantID),
				zap.String("source", step.source),
				zap.String("profile_id", candidate),
				zap.Error(err),
			)
			continue
		}
		if p.Status != "active" {
			r.logger.Warn("Profile candidate not active",
				zap.String("tenant_id", tenantID),
				zap.String("profile_id", candidate),
				zap.String("status", p.Status),
			)
			continue
		}
		return &Resolved{Profile: p, Source: step.source, Requested: requestedID, Reason: reason}
	}

	// Floor: the default profile, falling back to the built-in base if the
	// configured default document is itself broken.
	p, err := r.loader.Load(r.defaultID)
	if err != nil {
		r.logger.Warn("Default profile invalid, using built-in base",
			zap.String("profile_id", r.defaultID),
			zap.Error(err),
		)
		p = Base()
	}
	return &Resolved{Profile: p, Source: SourceBase, Requested: requestedID, Reason: "default_profile_fallback"}
}

func (r *Resolver) pickStoreOverride(ctx context.Context, tenantID, _ string) (string, string) {
	if r.store == nil || tenantID == "" {
		return "", ""
	}

	now := r.clock()
	r.mu.Lock()
	if entry, ok := r.overrideCache[tenantID]; ok && now.Before(entry.expires) {
		r.mu.Unlock()
		return entry.profileID, "store_override_cached"
	}
	r.mu.Unlock()

	profileID, err := r.store.GetOverride(ctx, tenantID)
	if err != nil {
		// Store trouble is not fatal for resolution; the cascade continues.
		r.logger.Warn("Profile override lookup failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return "", ""
	}

	r.mu.Lock()
	r.overrideCache[tenantID] = overrideEntry{profileID: profileID, expires: now.Add(r.overrideTTL)}
	r.mu.Unlock()

	return profileID, "store_override"
}

func (r *Resolver) pickRequested(_ context.Context, tenantID, requestedID string) (string, string) {
	if requestedID == "" {
		return "", ""
	}
	if !r.allowed(tenantID, requestedID) {
		r.logger.Warn("Requested profile denied by allow-list",
			zap.String("tenant_id", tenantID),
			zap.String("profile_id", requestedID),
		)
		return "", ""
	}
	return requestedID, "authorized_explicit_request"
}

func (r *Resolver) pickTenantMap(_ context.Context, tenantID, _ string) (string, string) {
	if id, ok := r.tenantMap[tenantID]; ok && id != "" {
		return id, "tenant_map_match"
	}
	return "", ""
}

func (r *Resolver) pickTenantYAML(_ context.Context, tenantID, _ string) (string, string) {
	if tenantID != "" && r.loader.Exists(tenantID) {
		return tenantID, "tenant_cartridge_found"
	}
	return "", ""
}

func (r *Resolver) allowed(tenantID, profileID string) bool {
	allowed, ok := r.allowList[tenantID]
	if !ok {
		return false
	}
	for _, id := range allowed {
		if id == profileID {
			return true
		}
	}
	return false
}
