// Package llm is the narrow client for the language-model provider service.
// The orchestrator uses it for three tasks: judging evidence sufficiency,
// synthesizing the answer, and regenerating a failed synthesis. Calls are
// rate limited and guarded by a circuit breaker.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/normlens/orchestrator/internal/circuitbreaker"
	"github.com/normlens/orchestrator/internal/config"
	"github.com/normlens/orchestrator/internal/metrics"
	"github.com/normlens/orchestrator/internal/tracing"
)

// Task names, used for routing on the provider side and for metrics labels.
const (
	TaskDecompose   = "decompose"
	TaskSufficiency = "sufficiency"
	TaskSynthesis   = "synthesis"
)

// Request is one completion call.
type Request struct {
	Task      string `json:"task"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Response is the provider's completion.
type Response struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Provider is what the pipeline stages depend on.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client talks to the provider service over HTTP.
type Client struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds the provider client from config.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: circuitbreaker.NewHTTPWrapper(
			&http.Client{Timeout: timeout}, "llm", circuitbreaker.LLMConfig(), logger),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger,
	}
}

// Complete runs one completion. It blocks on the rate limiter first so a
// burst of reflection iterations cannot starve the provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm rate limit wait: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, "llm.complete")
	defer span.End()

	start := time.Now()
	resp, err := c.post(ctx, req)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMCalls.WithLabelValues(req.Task, status).Inc()
	metrics.LLMLatency.WithLabelValues(req.Task).Observe(duration.Seconds())

	if err != nil {
		c.logger.Warn("LLM call failed",
			zap.String("task", req.Task),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Debug("LLM call completed",
		zap.String("task", req.Task),
		zap.Duration("duration", duration),
		zap.Int("tokens_used", resp.TokensUsed),
	)
	return resp, nil
}

func (c *Client) post(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode llm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build llm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("llm returned status %d: %s", httpResp.StatusCode, string(snippet))
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode llm response: %w", err)
	}
	return &resp, nil
}

// DecodeJSON parses a JSON document out of model output, tolerating markdown
// code fences and leading prose.
func DecodeJSON(text string, out interface{}) error {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON document in model output")
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}
