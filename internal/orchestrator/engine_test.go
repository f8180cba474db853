package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/backend"
	"github.com/normlens/orchestrator/internal/config"
	"github.com/normlens/orchestrator/internal/fusion"
	"github.com/normlens/orchestrator/internal/intent"
	"github.com/normlens/orchestrator/internal/llm"
	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/observability"
	"github.com/normlens/orchestrator/internal/planner"
	"github.com/normlens/orchestrator/internal/policy"
	"github.com/normlens/orchestrator/internal/profile"
	"github.com/normlens/orchestrator/internal/reflection"
	"github.com/normlens/orchestrator/internal/retrieval"
	"github.com/normlens/orchestrator/internal/session"
	"github.com/normlens/orchestrator/internal/sufficiency"
	"github.com/normlens/orchestrator/internal/synthesis"
)

type taskProvider struct {
	sufficiencyText string
	synthesisText   string
}

func (p *taskProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	switch req.Task {
	case llm.TaskSufficiency:
		return &llm.Response{Text: p.sufficiencyText}, nil
	default:
		return &llm.Response{Text: p.synthesisText}, nil
	}
}

type staticMemberships struct{ standards []string }

func (s *staticMemberships) AuthorizedStandards(context.Context, string) ([]string, error) {
	return s.standards, nil
}

type engineFixture struct {
	engine        *Engine
	retrievalHits *atomic.Int32
	sink          *observability.Sink
	sessions      *session.Manager
}

func newFixture(t *testing.T, results []retrieval.Result, provider llm.Provider, authorized []string) *engineFixture {
	t.Helper()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(map[string][]retrieval.Result{"results": results})
	}))
	t.Cleanup(srv.Close)

	logger := zap.NewNop()
	resolver := backend.NewResolver(config.BackendConfig{
		PrimaryURL: srv.URL, SecondaryURL: srv.URL, ForcedBackend: "local",
	}, logger)
	dispatcher := retrieval.NewDispatcher(
		retrieval.NewClient(resolver, nil, logger), resolver, time.Second, logger)

	engine, err := policy.NewEngine(config.PolicyConfig{}, logger)
	require.NoError(t, err)

	loader := profile.NewLoader(t.TempDir(), logger)
	profiles := profile.NewResolver(config.ProfileConfig{}, loader, nil, logger)
	analyzer := intent.NewAnalyzer(&staticMemberships{standards: authorized}, engine, logger)

	controller := reflection.NewController(dispatcher, fusion.NewFuser(60, 0.35),
		sufficiency.NewEvaluator(provider, logger), logger)

	mr := miniredis.RunT(t)
	sessions := session.NewManagerWithClient(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)
	t.Cleanup(func() { sessions.Close() })

	sink := observability.NewSink(256, logger)
	t.Cleanup(sink.Close)

	e := NewEngine(profiles, analyzer, planner.NewPlanner(4, logger), controller,
		synthesis.NewSynthesizer(provider, logger), sessions, sink,
		config.OrchestrationConfig{RunDeadline: 10 * time.Second, MaxIterations: 2}, logger)

	return &engineFixture{engine: e, retrievalHits: &hits, sink: sink, sessions: sessions}
}

func goodEvidence() []retrieval.Result {
	return []retrieval.Result{
		{ID: "ev-1", SourceID: "doc-1", Standard: "ISO 14155", ClauseID: "7.3.2", Content: "Records shall be retained.", Score: 0.9},
		{ID: "ev-2", SourceID: "doc-1", Standard: "ISO 14155", ClauseID: "7.3.3", Content: "Reports go to the sponsor.", Score: 0.8},
		{ID: "ev-3", SourceID: "doc-2", Standard: "ISO 14155", ClauseID: "4.5.1", Content: "Monitoring is required.", Score: 0.7},
	}
}

func TestAnswerDirectPath(t *testing.T) {
	provider := &taskProvider{
		sufficiencyText: `{"accepted": true, "reason": "covers it"}`,
		synthesisText:   "Records shall be retained [C1]. Reports go to the sponsor [C2].",
	}
	f := newFixture(t, goodEvidence(), provider, []string{"ISO 14155"})

	res, err := f.engine.Answer(context.Background(), models.QueryRequest{
		Query:    "What does ISO 14155 require for records?",
		TenantID: "acme",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModeDirect, res.Mode)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "base", res.ProfileID)
	assert.True(t, res.Validation.Accepted)
	require.Len(t, res.Citations, 2)
	assert.Equal(t, "ev-1", res.Citations[0].EvidenceID)
	assert.Len(t, res.ContextChunks, 3)
	require.NotNil(t, res.Trace)
	assert.NotEmpty(t, res.Trace.Calls)
	assert.Positive(t, res.Trace.Iterations)
}

func TestAnswerUnauthorizedScopeShortCircuits(t *testing.T) {
	provider := &taskProvider{synthesisText: "unused"}
	f := newFixture(t, goodEvidence(), provider, []string{"ISO 9001"})

	res, err := f.engine.Answer(context.Background(), models.QueryRequest{
		Query:    "What does ISO 27001 say about encryption?",
		TenantID: "acme",
	})
	require.NoError(t, err, "a scope denial is a structured outcome, not an error")
	assert.Equal(t, models.ModeUnauthorizedScope, res.Mode)
	assert.Contains(t, res.Answer, "cannot be answered")
	assert.Equal(t, int32(0), f.retrievalHits.Load(), "no retrieval happens for a denied scope")
	assert.Equal(t, []string{"ISO 27001"}, res.Sufficiency.MissingStandards)
}

func TestAnswerDegradedOnExhaustion(t *testing.T) {
	provider := &taskProvider{
		sufficiencyText: `{"accepted": false, "reason": "too thin"}`,
		synthesisText:   "The evidence partially covers this [C1].",
	}
	f := newFixture(t, goodEvidence(), provider, []string{"ISO 14155"})

	res, err := f.engine.Answer(context.Background(), models.QueryRequest{
		Query:    "What does ISO 14155 require for records?",
		TenantID: "acme",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModeDegraded, res.Mode)
	assert.NotEmpty(t, res.Answer, "degraded runs still answer from the best evidence")
	assert.False(t, res.Sufficiency.Accepted)
}

func TestAnswerFailsWhenNoRetrievalSucceeds(t *testing.T) {
	provider := &taskProvider{synthesisText: "unused"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := zap.NewNop()
	resolver := backend.NewResolver(config.BackendConfig{
		PrimaryURL: srv.URL, SecondaryURL: srv.URL, ForcedBackend: "local",
	}, logger)
	dispatcher := retrieval.NewDispatcher(
		retrieval.NewClient(resolver, nil, logger), resolver, time.Second, logger)
	engine, err := policy.NewEngine(config.PolicyConfig{}, logger)
	require.NoError(t, err)
	profiles := profile.NewResolver(config.ProfileConfig{}, profile.NewLoader(t.TempDir(), logger), nil, logger)
	controller := reflection.NewController(dispatcher, fusion.NewFuser(60, 0.35),
		sufficiency.NewEvaluator(nil, logger), logger)
	e := NewEngine(profiles,
		intent.NewAnalyzer(&staticMemberships{standards: []string{"ISO 14155"}}, engine, logger),
		planner.NewPlanner(4, logger), controller,
		synthesis.NewSynthesizer(provider, logger), nil, nil,
		config.OrchestrationConfig{MaxIterations: 1}, logger)

	_, err = e.Answer(context.Background(), models.QueryRequest{
		Query: "What does ISO 14155 require?", TenantID: "acme",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, retrieval.ErrNoEvidence)
}

func TestAnswerRecordsSessionTurn(t *testing.T) {
	provider := &taskProvider{
		sufficiencyText: `{"accepted": true}`,
		synthesisText:   "An answer [C1].",
	}
	f := newFixture(t, goodEvidence(), provider, []string{"ISO 14155"})

	_, err := f.engine.Answer(context.Background(), models.QueryRequest{
		Query:     "What does ISO 14155 require for records?",
		TenantID:  "acme",
		SessionID: "s1",
	})
	require.NoError(t, err)

	state, err := f.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, []string{"ISO 14155"}, state.LastStandards)
	assert.Len(t, state.Turns, 1)
	assert.Equal(t, string(models.ModeDirect), state.Turns[0].Mode)
}

func TestAnswerEmitsRunEvents(t *testing.T) {
	provider := &taskProvider{
		sufficiencyText: `{"accepted": true}`,
		synthesisText:   "An answer [C1].",
	}
	f := newFixture(t, goodEvidence(), provider, []string{"ISO 14155"})

	ch, cancel := f.sink.Subscribe()
	defer cancel()

	_, err := f.engine.Answer(context.Background(), models.QueryRequest{
		Query: "What does ISO 14155 require?", TenantID: "acme",
	})
	require.NoError(t, err)

	stages := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(stages) < 4 {
		select {
		case ev := <-ch:
			stages[ev.Stage] = true
			if ev.Stage == "run_completed" {
				assert.Equal(t, "direct", ev.Fields["mode"])
			}
		case <-timeout:
			t.Fatalf("missing stages, got %v", stages)
		}
	}
	assert.True(t, stages["run_started"])
	assert.True(t, stages["query_analyzed"])
}
