package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/backend"
	"github.com/normlens/orchestrator/internal/metrics"
	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/tracing"
)

// ErrNoEvidence is returned when every sub-query call in an iteration failed.
var ErrNoEvidence = errors.New("no retrieval call succeeded")

// ResultSet is one sub-query's retrieved material, both modalities.
type ResultSet struct {
	SubQuery  models.SubQuery
	Chunks    []Result
	Summaries []Result
	Backend   backend.Name
}

// Dispatcher fans a plan's sub-queries out as one goroutine each, bounds every
// call with its own timeout, and gathers partial results when the run deadline
// cuts an iteration short.
type Dispatcher struct {
	client     *Client
	resolver   *backend.Resolver
	subTimeout time.Duration
	minScore   float64
	logger     *zap.Logger
}

// NewDispatcher builds a dispatcher. subTimeout bounds each sub-query call.
func NewDispatcher(client *Client, resolver *backend.Resolver, subTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if subTimeout <= 0 {
		subTimeout = 10 * time.Second
	}
	return &Dispatcher{
		client:     client,
		resolver:   resolver,
		subTimeout: subTimeout,
		logger:     logger,
	}
}

// Dispatch runs every sub-query of the plan concurrently and appends one call
// record per sub-query to the trace. Partial failure is tolerated; only an
// iteration with zero successful calls is an error.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *models.RetrievalPlan, minScore float64, trace *models.RetrievalTrace) ([]ResultSet, error) {
	ctx, span := tracing.StartStageSpan(ctx, "dispatch", trace.RunID)
	defer span.End()

	sel := d.resolver.Resolve(ctx)
	metrics.DispatchFanout.Observe(float64(len(plan.SubQueries)))

	outcomes := make([]callResult, len(plan.SubQueries))

	var wg sync.WaitGroup
	for i, sq := range plan.SubQueries {
		wg.Add(1)
		go func(i int, sq models.SubQuery) {
			defer wg.Done()
			outcomes[i] = d.runSubQuery(ctx, sel, plan, sq, minScore)
		}(i, sq)
	}
	wg.Wait()

	var sets []ResultSet
	succeeded := 0
	var lastErr string
	for _, o := range outcomes {
		trace.Calls = append(trace.Calls, o.trace)
		if o.ok {
			succeeded++
			sets = append(sets, o.set)
		} else {
			lastErr = o.trace.Warning
		}
	}
	trace.Iterations = plan.Iteration + 1
	trace.Backend = string(sel.Backend)

	if succeeded == 0 {
		return nil, fmt.Errorf("%w: iteration %d, %d sub-queries, last failure: %s",
			ErrNoEvidence, plan.Iteration, len(plan.SubQueries), lastErr)
	}
	if succeeded < len(plan.SubQueries) {
		d.logger.Warn("Partial dispatch",
			zap.String("run_id", trace.RunID),
			zap.Int("iteration", plan.Iteration),
			zap.Int("succeeded", succeeded),
			zap.Int("total", len(plan.SubQueries)),
		)
	}
	return sets, nil
}

type callResult struct {
	set   ResultSet
	trace models.CallTrace
	ok    bool
}

func (d *Dispatcher) runSubQuery(ctx context.Context, sel backend.Selection, plan *models.RetrievalPlan, sq models.SubQuery, minScore float64) (o callResult) {
	callCtx, cancel := context.WithTimeout(ctx, d.subTimeout)
	defer cancel()

	start := time.Now()
	record := models.CallTrace{
		SubQueryID: sq.ID,
		Backend:    string(sel.Backend),
		Iteration:  plan.Iteration,
	}

	req := SearchRequest{
		Query:        sq.Text,
		TopK:         sq.ChunkK,
		Standards:    sq.Standards,
		Clauses:      sq.Clauses,
		Hints:        sq.Hints,
		TenantID:     plan.Scope.TenantID,
		CollectionID: plan.Scope.CollectionID,
		MinScore:     minScore,
	}

	chunks, served, err := d.client.Search(callCtx, sel, EndpointChunks, req)
	if err != nil {
		record.Outcome = classify(callCtx, err)
		record.Warning = err.Error()
		// The standards this sub-query was meant to cover went unserved.
		record.MissingScopes = sq.Standards
		record.LatencyMs = time.Since(start).Milliseconds()
		o.trace = record
		return o
	}
	record.Backend = string(served)
	record.ChunkCount = len(chunks)

	var summaries []Result
	if sq.SummaryK > 0 {
		sumReq := req
		sumReq.TopK = sq.SummaryK
		// The chunk call already settled which backend serves this
		// sub-query; the summary call sticks with it.
		summaries, _, err = d.client.Search(callCtx, backend.Selection{
			Backend: served,
			BaseURL: d.resolver.BaseURLFor(served),
			Forced:  true,
		}, EndpointSummaries, sumReq)
		if err != nil {
			record.Warning = fmt.Sprintf("summaries unavailable: %v", err)
		}
		record.SummaryCount = len(summaries)
	}

	record.Outcome = models.OutcomeSuccess
	record.LatencyMs = time.Since(start).Milliseconds()

	o.set = ResultSet{SubQuery: sq, Chunks: chunks, Summaries: summaries, Backend: served}
	o.trace = record
	o.ok = true
	return o
}

func classify(ctx context.Context, err error) models.CallOutcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return models.OutcomeTimeout
	}
	return models.OutcomeError
}
