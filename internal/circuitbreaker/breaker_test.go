package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func() error { return failing })
		require.ErrorIs(t, err, failing)
	}

	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func() error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, b.State())

	// Wait out the open timeout, then succeed twice to close.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	_ = b.Execute(context.Background(), func() error { return errors.New("boom") })
	_ = b.Execute(context.Background(), func() error { return errors.New("boom") })
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	_ = b.Execute(context.Background(), func() error { return errors.New("boom") })

	assert.Equal(t, StateClosed, b.State())
}
