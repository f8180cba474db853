// Package retrieval talks to the RAG engine: one HTTP client with call-time
// backend failover, and a dispatcher that fans a plan's sub-queries out
// concurrently and collects whatever evidence arrives in time.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/backend"
	"github.com/normlens/orchestrator/internal/circuitbreaker"
	"github.com/normlens/orchestrator/internal/metrics"
	"github.com/normlens/orchestrator/internal/tracing"
)

// Retrieval endpoints, appended to /api/v1/retrieval/.
const (
	EndpointChunks    = "chunks"
	EndpointSummaries = "summaries"
)

// SearchRequest is the engine's retrieval request body.
type SearchRequest struct {
	Query        string   `json:"query"`
	TopK         int      `json:"top_k"`
	Standards    []string `json:"standards,omitempty"`
	Clauses      []string `json:"clauses,omitempty"`
	Hints        []string `json:"hints,omitempty"`
	TenantID     string   `json:"tenant_id"`
	CollectionID string   `json:"collection_id,omitempty"`
	MinScore     float64  `json:"min_score,omitempty"`
}

// Result is one retrieved item before fusion.
type Result struct {
	ID       string  `json:"id"`
	SourceID string  `json:"source_id"`
	Content  string  `json:"content"`
	Standard string  `json:"standard,omitempty"`
	ClauseID string  `json:"clause_id,omitempty"`
	Score    float64 `json:"score"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// Client is the engine HTTP client. Transport failures and 5xx responses on
// the selected backend trigger one retry against the alternate; the retry
// outcome is never written back to the resolver cache.
type Client struct {
	resolver *backend.Resolver
	http     *circuitbreaker.HTTPWrapper
	logger   *zap.Logger
}

// NewClient builds the engine client.
func NewClient(resolver *backend.Resolver, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{
		resolver: resolver,
		http: circuitbreaker.NewHTTPWrapper(
			httpClient, "retrieval", circuitbreaker.RetrievalConfig(), logger),
		logger: logger,
	}
}

// Search runs one retrieval call against the selected backend, failing over
// once to the alternate when the selection was not forced. It returns the
// backend that actually served the call.
func (c *Client) Search(ctx context.Context, sel backend.Selection, endpoint string, req SearchRequest) ([]Result, backend.Name, error) {
	start := time.Now()
	results, err := c.post(ctx, sel.BaseURL, endpoint, req)
	metrics.RetrievalLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.RetrievalCalls.WithLabelValues(endpoint, "success").Inc()
		return results, sel.Backend, nil
	}
	if sel.Forced || ctx.Err() != nil {
		metrics.RetrievalCalls.WithLabelValues(endpoint, "error").Inc()
		return nil, sel.Backend, err
	}

	alt := c.resolver.Alternate(sel.Backend)
	altURL := c.resolver.BaseURLFor(alt)
	c.logger.Warn("Retrieval call failed, trying alternate backend",
		zap.String("endpoint", endpoint),
		zap.String("backend", string(sel.Backend)),
		zap.String("alternate", string(alt)),
		zap.Error(err),
	)

	results, altErr := c.post(ctx, altURL, endpoint, req)
	if altErr == nil {
		metrics.BackendFailovers.Inc()
		metrics.RetrievalCalls.WithLabelValues(endpoint, "failover").Inc()
		return results, alt, nil
	}

	metrics.BackendUnavailable.Inc()
	metrics.RetrievalCalls.WithLabelValues(endpoint, "error").Inc()
	return nil, sel.Backend, fmt.Errorf("%w: %s then %s: %v", backend.ErrBackendUnavailable, sel.Backend, alt, altErr)
}

func (c *Client) post(ctx context.Context, baseURL, endpoint string, req SearchRequest) ([]Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode retrieval request: %w", err)
	}

	url := baseURL + "/api/v1/retrieval/" + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build retrieval request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retrieval call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("retrieval returned status %d: %s", resp.StatusCode, string(snippet))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	return decoded.Results, nil
}
