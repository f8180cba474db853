package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/config"
)

func TestBaselineImplicitScopeGetsFullAuthorizedSet(t *testing.T) {
	e, err := NewEngine(config.PolicyConfig{}, zap.NewNop())
	require.NoError(t, err)

	d, err := e.Authorize(context.Background(), &ScopeInput{
		TenantID:            "acme",
		AuthorizedStandards: []string{"ISO 9001", "ISO 14155"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, []string{"ISO 14155", "ISO 9001"}, d.EffectiveStandards)
}

func TestBaselineExplicitScopeIntersects(t *testing.T) {
	e, err := NewEngine(config.PolicyConfig{}, zap.NewNop())
	require.NoError(t, err)

	d, err := e.Authorize(context.Background(), &ScopeInput{
		TenantID:            "acme",
		AuthorizedStandards: []string{"ISO 9001", "ISO 14155"},
		RequestedStandards:  []string{"ISO 14155", "ISO 27001"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, []string{"ISO 14155"}, d.EffectiveStandards)
	assert.Equal(t, []string{"ISO 27001"}, d.DeniedStandards)
}

func TestBaselineEmptyIntersectionDenies(t *testing.T) {
	e, err := NewEngine(config.PolicyConfig{}, zap.NewNop())
	require.NoError(t, err)

	d, err := e.Authorize(context.Background(), &ScopeInput{
		TenantID:            "acme",
		AuthorizedStandards: []string{"ISO 9001"},
		RequestedStandards:  []string{"ISO 27001"},
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Empty(t, d.EffectiveStandards)
	assert.NotEmpty(t, d.Reason)
}

func TestBaselineNormalizesStandardSpelling(t *testing.T) {
	e, err := NewEngine(config.PolicyConfig{}, zap.NewNop())
	require.NoError(t, err)

	d, err := e.Authorize(context.Background(), &ScopeInput{
		TenantID:            "acme",
		AuthorizedStandards: []string{"ISO 14155"},
		RequestedStandards:  []string{"iso  14155"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestRegoBundleCanDenyTenant(t *testing.T) {
	dir := t.TempDir()
	policy := `package normlens.scope

import rego.v1

default decision := {"allow": true, "denied_standards": []}

decision := {"allow": false, "reason": "tenant suspended"} if {
	input.tenant_id == "suspended-co"
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scope.rego"), []byte(policy), 0o644))

	e, err := NewEngine(config.PolicyConfig{Enabled: true, Path: dir}, zap.NewNop())
	require.NoError(t, err)
	require.True(t, e.IsEnabled())

	d, err := e.Authorize(context.Background(), &ScopeInput{
		TenantID:            "suspended-co",
		AuthorizedStandards: []string{"ISO 9001"},
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "tenant suspended", d.Reason)

	d, err = e.Authorize(context.Background(), &ScopeInput{
		TenantID:            "acme",
		AuthorizedStandards: []string{"ISO 9001"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestRegoBundleCanNarrowButNotWiden(t *testing.T) {
	dir := t.TempDir()
	policy := `package normlens.scope

import rego.v1

default decision := {"allow": true, "denied_standards": ["ISO 9001"]}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scope.rego"), []byte(policy), 0o644))

	e, err := NewEngine(config.PolicyConfig{Enabled: true, Path: dir}, zap.NewNop())
	require.NoError(t, err)

	d, err := e.Authorize(context.Background(), &ScopeInput{
		TenantID:            "acme",
		AuthorizedStandards: []string{"ISO 9001", "ISO 14155"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, []string{"ISO 14155"}, d.EffectiveStandards)
	assert.Equal(t, []string{"ISO 9001"}, d.DeniedStandards)
}

func TestMissingBundleFallsBackToBaseline(t *testing.T) {
	e, err := NewEngine(config.PolicyConfig{Enabled: true, Path: "/nonexistent"}, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, e.IsEnabled())

	d, err := e.Authorize(context.Background(), &ScopeInput{
		TenantID:            "acme",
		AuthorizedStandards: []string{"ISO 9001"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}
