package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/circuitbreaker"
)

// OverrideStore looks up and manages per-tenant profile overrides persisted
// in an external row store.
type OverrideStore interface {
	GetOverride(ctx context.Context, tenantID string) (string, error)
	SetOverride(ctx context.Context, tenantID, profileID string) error
	ClearOverride(ctx context.Context, tenantID string) error
}

// MembershipStore answers which standards a tenant is authorized to query.
type MembershipStore interface {
	AuthorizedStandards(ctx context.Context, tenantID string) ([]string, error)
}

// Store is the Postgres-backed tenant store, guarded by a circuit breaker.
type Store struct {
	db     *sqlx.DB
	cb     *circuitbreaker.Breaker
	logger *zap.Logger
}

// NewStore opens the tenant store.
func NewStore(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect tenant store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewStoreWithDB(db, logger), nil
}

// NewStoreWithDB wraps an existing connection; used by tests with sqlmock.
func NewStoreWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		cb:     circuitbreaker.New("tenant-store", circuitbreaker.DatabaseConfig(), logger),
		logger: logger,
	}
}

// GetOverride returns the tenant's override profile id, or "" when none is set.
func (s *Store) GetOverride(ctx context.Context, tenantID string) (string, error) {
	var profileID string
	err := s.cb.Execute(ctx, func() error {
		return s.db.GetContext(ctx, &profileID,
			`SELECT profile_id FROM tenant_profile_overrides WHERE tenant_id = $1`, tenantID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get profile override: %w", err)
	}
	return profileID, nil
}

// SetOverride upserts the tenant's override.
func (s *Store) SetOverride(ctx context.Context, tenantID, profileID string) error {
	err := s.cb.Execute(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO tenant_profile_overrides (tenant_id, profile_id, updated_at)
			 VALUES ($1, $2, NOW())
			 ON CONFLICT (tenant_id) DO UPDATE SET profile_id = $2, updated_at = NOW()`,
			tenantID, profileID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("set profile override: %w", err)
	}
	s.logger.Info("Profile override set",
		zap.String("tenant_id", tenantID),
		zap.String("profile_id", profileID),
	)
	return nil
}

// ClearOverride removes the tenant's override so the cascade applies again.
func (s *Store) ClearOverride(ctx context.Context, tenantID string) error {
	err := s.cb.Execute(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`DELETE FROM tenant_profile_overrides WHERE tenant_id = $1`, tenantID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("clear profile override: %w", err)
	}
	return nil
}

// AuthorizedStandards lists the standards the tenant may retrieve from.
func (s *Store) AuthorizedStandards(ctx context.Context, tenantID string) ([]string, error) {
	var standards []string
	err := s.cb.Execute(ctx, func() error {
		return s.db.SelectContext(ctx, &standards,
			`SELECT standard FROM tenant_memberships WHERE tenant_id = $1 ORDER BY standard`, tenantID)
	})
	if err != nil {
		return nil, fmt.Errorf("list authorized standards: %w", err)
	}
	return standards, nil
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.cb.Execute(ctx, func() error { return s.db.PingContext(ctx) })
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }
