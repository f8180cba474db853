package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 300*time.Millisecond, cfg.Backend.ProbeTimeout)
	assert.Equal(t, 20*time.Second, cfg.Backend.DecisionTTL)
	assert.Equal(t, "base", cfg.Profile.DefaultProfileID)
	assert.Equal(t, 4, cfg.Orchestration.MaxSubQueries)
}

func TestBackendKnobsAcceptBareNumbers(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("RAG_BACKEND_PROBE_TIMEOUT_MS", "300")
	t.Setenv("RAG_BACKEND_TTL_SECONDS", "45")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 300*time.Millisecond, cfg.Backend.ProbeTimeout)
	assert.Equal(t, 45*time.Second, cfg.Backend.DecisionTTL)
}

func TestBackendKnobRejectsGarbage(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("RAG_BACKEND_PROBE_TIMEOUT_MS", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RAG_BACKEND_PROBE_TIMEOUT_MS")
}
