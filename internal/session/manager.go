// Package session keeps short-lived conversational context so follow-up
// questions can be resolved against what the tenant last discussed. Redis is
// the backing store; a small local cache absorbs re-reads within one request
// burst. Session trouble never fails a run, it only loses coreference.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/circuitbreaker"
	"github.com/normlens/orchestrator/internal/config"
	"github.com/normlens/orchestrator/internal/metrics"
)

const (
	keyPrefix     = "normlens:session:"
	defaultTTL    = 30 * time.Minute
	localCacheTTL = 5 * time.Second
	maxTurns      = 10
)

// Turn is one completed question/answer exchange, trimmed to what planning
// actually needs from history.
type Turn struct {
	Query     string    `json:"query"`
	Intent    string    `json:"intent"`
	Standards []string  `json:"standards,omitempty"`
	Clauses   []string  `json:"clauses,omitempty"`
	Mode      string    `json:"mode"`
	At        time.Time `json:"at"`
}

// State is everything remembered about an ongoing conversation.
type State struct {
	SessionID     string    `json:"session_id"`
	TenantID      string    `json:"tenant_id"`
	Turns         []Turn    `json:"turns,omitempty"`
	LastStandards []string  `json:"last_standards,omitempty"`
	LastClauses   []string  `json:"last_clauses,omitempty"`
	LastIntent    string    `json:"last_intent,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type cacheEntry struct {
	state   *State
	expires time.Time
}

// Manager reads and writes session state through the guarded Redis client.
type Manager struct {
	redis  *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]cacheEntry
	clock func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the session expiry.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager builds a session manager from Redis config.
func NewManager(cfg config.RedisConfig, logger *zap.Logger, opts ...Option) *Manager {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewManagerWithClient(client, logger, opts...)
}

// NewManagerWithClient wraps an existing client; used by tests with miniredis.
func NewManagerWithClient(client *redis.Client, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		redis:  circuitbreaker.NewRedisWrapper(client, logger),
		ttl:    defaultTTL,
		logger: logger,
		local:  make(map[string]cacheEntry),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the session state, or nil when the session is unknown. Errors
// are returned for logging but callers should treat them as a cold session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*State, error) {
	if sessionID == "" {
		return nil, nil
	}

	now := m.clock()
	m.mu.Lock()
	if entry, ok := m.local[sessionID]; ok && now.Before(entry.expires) {
		m.mu.Unlock()
		metrics.SessionReads.WithLabelValues("local_hit").Inc()
		return entry.state, nil
	}
	m.mu.Unlock()

	raw, err := m.redis.Get(ctx, keyPrefix+sessionID)
	if errors.Is(err, redis.Nil) {
		metrics.SessionReads.WithLabelValues("miss").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.SessionReads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		metrics.SessionReads.WithLabelValues("corrupt").Inc()
		m.logger.Warn("Dropping corrupt session state",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil, nil
	}

	m.mu.Lock()
	m.local[sessionID] = cacheEntry{state: &state, expires: now.Add(localCacheTTL)}
	m.mu.Unlock()
	metrics.SessionReads.WithLabelValues("hit").Inc()
	return &state, nil
}

// RecordTurn appends a completed exchange and refreshes the rolling summary
// fields used for coreference.
func (m *Manager) RecordTurn(ctx context.Context, sessionID, tenantID string, turn Turn) error {
	if sessionID == "" {
		return nil
	}

	state, err := m.Get(ctx, sessionID)
	if err != nil || state == nil {
		state = &State{SessionID: sessionID, TenantID: tenantID}
	}

	turn.At = m.clock()
	state.Turns = append(state.Turns, turn)
	if len(state.Turns) > maxTurns {
		state.Turns = state.Turns[len(state.Turns)-maxTurns:]
	}
	if len(turn.Standards) > 0 {
		state.LastStandards = turn.Standards
	}
	if len(turn.Clauses) > 0 {
		state.LastClauses = turn.Clauses
	}
	state.LastIntent = turn.Intent
	state.UpdatedAt = turn.At

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	if err := m.redis.Set(ctx, keyPrefix+sessionID, data, m.ttl); err != nil {
		return fmt.Errorf("write session %s: %w", sessionID, err)
	}

	m.mu.Lock()
	m.local[sessionID] = cacheEntry{state: state, expires: m.clock().Add(localCacheTTL)}
	m.mu.Unlock()
	return nil
}

// Delete removes a session.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.local, sessionID)
	m.mu.Unlock()
	return m.redis.Del(ctx, keyPrefix+sessionID)
}

// Ping verifies store connectivity for health checks.
func (m *Manager) Ping(ctx context.Context) error { return m.redis.Ping(ctx) }

// Close releases the client.
func (m *Manager) Close() error { return m.redis.Close() }
