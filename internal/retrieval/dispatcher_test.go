package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/backend"
	"github.com/normlens/orchestrator/internal/config"
	"github.com/normlens/orchestrator/internal/models"
)

func serveResults(t *testing.T, results map[string][]Result) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(searchResponse{Results: results[req.Query]})
	}
}

func newForcedResolver(t *testing.T, primaryURL, secondaryURL string) *backend.Resolver {
	t.Helper()
	return backend.NewResolver(config.BackendConfig{
		PrimaryURL:    primaryURL,
		SecondaryURL:  secondaryURL,
		HealthPath:    "/health",
		ForcedBackend: "local",
	}, zap.NewNop())
}

func plan(subs ...models.SubQuery) *models.RetrievalPlan {
	return &models.RetrievalPlan{
		SubQueries: subs,
		Scope:      models.ScopeContext{TenantID: "acme"},
	}
}

func TestDispatchFansOutAndCollects(t *testing.T) {
	srv := httptest.NewServer(serveResults(t, map[string][]Result{
		"q1": {{ID: "e1", Content: "alpha", Score: 0.9}},
		"q2": {{ID: "e2", Content: "beta", Score: 0.8}},
	}))
	defer srv.Close()

	resolver := newForcedResolver(t, srv.URL, srv.URL)
	d := NewDispatcher(NewClient(resolver, nil, zap.NewNop()), resolver, time.Second, zap.NewNop())
	trace := &models.RetrievalTrace{RunID: "run-1"}

	sets, err := d.Dispatch(context.Background(), plan(
		models.SubQuery{ID: "sq-1", Text: "q1", ChunkK: 10},
		models.SubQuery{ID: "sq-2", Text: "q2", ChunkK: 10},
	), 0.5, trace)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Len(t, trace.Calls, 2)
	for _, call := range trace.Calls {
		assert.Equal(t, models.OutcomeSuccess, call.Outcome)
		assert.Equal(t, "local", call.Backend)
	}
}

func TestDispatchFetchesSummariesWhenRequested(t *testing.T) {
	var summaryCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/retrieval/summaries" {
			summaryCalls.Add(1)
			json.NewEncoder(w).Encode(searchResponse{Results: []Result{{ID: "s1", Content: "summary"}}})
			return
		}
		json.NewEncoder(w).Encode(searchResponse{Results: []Result{{ID: "e1", Content: "chunk"}}})
	}))
	defer srv.Close()

	resolver := newForcedResolver(t, srv.URL, srv.URL)
	d := NewDispatcher(NewClient(resolver, nil, zap.NewNop()), resolver, time.Second, zap.NewNop())
	trace := &models.RetrievalTrace{RunID: "run-1"}

	sets, err := d.Dispatch(context.Background(), plan(
		models.SubQuery{ID: "sq-1", Text: "q", ChunkK: 10, SummaryK: 3},
	), 0, trace)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Len(t, sets[0].Summaries, 1)
	assert.Equal(t, int32(1), summaryCalls.Load())
	assert.Equal(t, 1, trace.Calls[0].SummaryCount)
}

func TestDispatchToleratesPartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Query == "bad" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(searchResponse{Results: []Result{{ID: "e1"}}})
	}))
	defer srv.Close()

	resolver := newForcedResolver(t, srv.URL, srv.URL)
	d := NewDispatcher(NewClient(resolver, nil, zap.NewNop()), resolver, time.Second, zap.NewNop())
	trace := &models.RetrievalTrace{RunID: "run-1"}

	sets, err := d.Dispatch(context.Background(), plan(
		models.SubQuery{ID: "sq-1", Text: "good", ChunkK: 10},
		models.SubQuery{ID: "sq-2", Text: "bad", ChunkK: 10},
	), 0, trace)
	require.NoError(t, err)
	assert.Len(t, sets, 1)
	assert.Len(t, trace.Calls, 2)

	byID := map[string]models.CallTrace{}
	for _, c := range trace.Calls {
		byID[c.SubQueryID] = c
	}
	assert.Equal(t, models.OutcomeSuccess, byID["sq-1"].Outcome)
	assert.Equal(t, models.OutcomeError, byID["sq-2"].Outcome)
	assert.NotEmpty(t, byID["sq-2"].Warning)
}

func TestDispatchAllFailuresIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	resolver := newForcedResolver(t, srv.URL, srv.URL)
	d := NewDispatcher(NewClient(resolver, nil, zap.NewNop()), resolver, time.Second, zap.NewNop())
	trace := &models.RetrievalTrace{RunID: "run-1"}

	_, err := d.Dispatch(context.Background(), plan(
		models.SubQuery{ID: "sq-1", Text: "q", ChunkK: 10},
	), 0, trace)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEvidence)
}

func TestSearchFailsOverOnceToAlternate(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(serveResults(t, map[string][]Result{
		"q": {{ID: "e1", Content: "rescued"}},
	}))
	defer secondary.Close()

	resolver := backend.NewResolver(config.BackendConfig{
		PrimaryURL:   primary.URL,
		SecondaryURL: secondary.URL,
		HealthPath:   "/health",
		DecisionTTL:  time.Minute,
	}, zap.NewNop())
	client := NewClient(resolver, nil, zap.NewNop())

	sel := resolver.Resolve(context.Background())
	require.Equal(t, backend.Local, sel.Backend, "healthy primary wins the probe")

	results, served, err := client.Search(context.Background(), sel, EndpointChunks, SearchRequest{Query: "q", TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, backend.Docker, served)
	require.Len(t, results, 1)
	assert.Equal(t, "e1", results[0].ID)

	// The failover is per call; the cached decision still names the primary.
	assert.Equal(t, backend.Local, resolver.Resolve(context.Background()).Backend)
}

func TestSearchForcedBackendNeverFailsOver(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(serveResults(t, map[string][]Result{"q": {{ID: "e1"}}}))
	defer secondary.Close()

	resolver := newForcedResolver(t, primary.URL, secondary.URL)
	client := NewClient(resolver, nil, zap.NewNop())

	sel := resolver.Resolve(context.Background())
	_, _, err := client.Search(context.Background(), sel, EndpointChunks, SearchRequest{Query: "q", TopK: 5})
	require.Error(t, err)
}

func TestDispatchCarriesHintsToTheEngine(t *testing.T) {
	var mu sync.Mutex
	var bodies []SearchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		bodies = append(bodies, req)
		mu.Unlock()
		json.NewEncoder(w).Encode(searchResponse{Results: []Result{{ID: "e1"}}})
	}))
	defer srv.Close()

	resolver := newForcedResolver(t, srv.URL, srv.URL)
	d := NewDispatcher(NewClient(resolver, nil, zap.NewNop()), resolver, time.Second, zap.NewNop())
	trace := &models.RetrievalTrace{RunID: "run-1"}

	_, err := d.Dispatch(context.Background(), plan(
		models.SubQuery{ID: "sq-1", Text: "q", ChunkK: 10, SummaryK: 3,
			Hints: []string{"quality records", "7.5.3"}},
	), 0, trace)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, bodies)
	for _, body := range bodies {
		assert.Equal(t, []string{"quality records", "7.5.3"}, body.Hints)
	}
}

func TestDispatchRecordsMissingScopesOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Query == "bad" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(searchResponse{Results: []Result{{ID: "e1"}}})
	}))
	defer srv.Close()

	resolver := newForcedResolver(t, srv.URL, srv.URL)
	d := NewDispatcher(NewClient(resolver, nil, zap.NewNop()), resolver, time.Second, zap.NewNop())
	trace := &models.RetrievalTrace{RunID: "run-1"}

	_, err := d.Dispatch(context.Background(), plan(
		models.SubQuery{ID: "sq-1", Text: "ok", ChunkK: 10, Standards: []string{"ISO 14155"}},
		models.SubQuery{ID: "sq-2", Text: "bad", ChunkK: 10, Standards: []string{"IEC 62304"}},
	), 0, trace)
	require.NoError(t, err)

	byID := map[string]models.CallTrace{}
	for _, call := range trace.Calls {
		byID[call.SubQueryID] = call
	}
	assert.Empty(t, byID["sq-1"].MissingScopes)
	require.NotEmpty(t, byID["sq-2"].Warning)
	assert.Equal(t, []string{"IEC 62304"}, byID["sq-2"].MissingScopes)
}
