package circuitbreaker

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker. 5xx responses count
// as breaker failures; 4xx do not trip the breaker.
type HTTPWrapper struct {
	client *http.Client
	cb     *Breaker
	logger *zap.Logger
}

// NewHTTPWrapper creates an HTTP wrapper with its own breaker.
func NewHTTPWrapper(client *http.Client, name string, cfg Config, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPWrapper{
		client: client,
		cb:     New(name, cfg, logger),
		logger: logger,
	}
}

// Do executes the request through the breaker. When the breaker classified a
// 5xx as a failure the response is still returned to the caller.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var callErr error
		resp, callErr = hw.client.Do(req)
		if callErr != nil {
			return callErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// State exposes the underlying breaker state.
func (hw *HTTPWrapper) State() State { return hw.cb.State() }

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }

// RedisWrapper guards a go-redis client with a circuit breaker for the small
// command surface the orchestrator uses.
type RedisWrapper struct {
	client *redis.Client
	cb     *Breaker
}

// NewRedisWrapper creates a Redis wrapper with its own breaker.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     New("redis", RedisConfig(), logger),
	}
}

func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) (string, error) {
	var val string
	miss := false
	err := rw.cb.Execute(ctx, func() error {
		var cmdErr error
		val, cmdErr = rw.client.Get(ctx, key).Result()
		if cmdErr == redis.Nil {
			// A miss is not a dependency failure.
			miss = true
			return nil
		}
		return cmdErr
	})
	if miss {
		return "", redis.Nil
	}
	return val, err
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Set(ctx, key, value, ttl).Err()
	})
}

func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Del(ctx, keys...).Err()
	})
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// IsOpen reports whether the breaker currently rejects calls.
func (rw *RedisWrapper) IsOpen() bool { return rw.cb.State() == StateOpen }
