package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAllHealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register("redis", func(context.Context) error { return nil })
	m.Register("postgres", func(context.Context) error { return nil })

	report := m.Run(context.Background())
	assert.True(t, report.Healthy)
	assert.Len(t, report.Checks, 2)
	assert.True(t, report.Checks["redis"].Healthy)
}

func TestOneFailureMarksReportUnhealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register("redis", func(context.Context) error { return nil })
	m.Register("backend", func(context.Context) error { return errors.New("connection refused") })

	report := m.Run(context.Background())
	assert.False(t, report.Healthy)
	assert.True(t, report.Checks["redis"].Healthy)
	assert.False(t, report.Checks["backend"].Healthy)
	assert.Equal(t, "connection refused", report.Checks["backend"].Error)
}

func TestStuckCheckTimesOut(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	report := m.Run(context.Background())
	assert.False(t, report.Healthy)
	assert.Less(t, time.Since(start), 5*time.Second)
}
