// Package reflection runs the bounded retry loop around retrieval: dispatch,
// fuse, evaluate, and when the evidence falls short, mutate the plan and go
// again. The loop is a small state machine with a hard iteration cap and an
// evidence-snapshot check that stops it as soon as an iteration changes
// nothing.
package reflection

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/fusion"
	"github.com/normlens/orchestrator/internal/metrics"
	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/profile"
	"github.com/normlens/orchestrator/internal/retrieval"
	"github.com/normlens/orchestrator/internal/sufficiency"
	"github.com/normlens/orchestrator/internal/tracing"
)

// State names the controller's position in the loop.
type State string

const (
	StatePlanning    State = "planning"
	StateDispatching State = "dispatching"
	StateFusing      State = "fusing"
	StateEvaluating  State = "evaluating"
	StateAccepted    State = "accepted"
	StateExhausted   State = "exhausted"
)

const (
	maxChunkK   = 100
	maxSummaryK = 20
)

// Outcome is the loop's terminal result. Exhausted outcomes still carry the
// best evidence gathered so far.
type Outcome struct {
	Evidence   []models.EvidenceItem
	Verdict    models.SufficiencyVerdict
	State      State
	Iterations int
	NoProgress bool
}

// StageHook observes state transitions; the orchestrator uses it to feed the
// observability sink without this package knowing about it.
type StageHook func(state State, iteration int)

// Controller owns one run's retrieval loop.
type Controller struct {
	dispatcher *retrieval.Dispatcher
	fuser      *fusion.Fuser
	evaluator  *sufficiency.Evaluator
	logger     *zap.Logger
}

// NewController wires the loop.
func NewController(d *retrieval.Dispatcher, f *fusion.Fuser, e *sufficiency.Evaluator, logger *zap.Logger) *Controller {
	return &Controller{dispatcher: d, fuser: f, evaluator: e, logger: logger}
}

// Run executes the loop starting from the iteration-zero plan. maxIterations
// bounds how many reflection passes may follow the first one; the loop always
// terminates within maxIterations+1 dispatches.
func (c *Controller) Run(ctx context.Context, query string, plan *models.RetrievalPlan, prof *profile.AgentProfile, trace *models.RetrievalTrace, maxIterations int, hook StageHook) (*Outcome, error) {
	ctx, span := tracing.StartStageSpan(ctx, "reflection", trace.RunID)
	defer span.End()

	if hook == nil {
		hook = func(State, int) {}
	}
	if maxIterations < 0 {
		maxIterations = 0
	}
	if prof.Reflection.MaxIterations > 0 && prof.Reflection.MaxIterations < maxIterations {
		maxIterations = prof.Reflection.MaxIterations
	}

	var (
		evidence []models.EvidenceItem
		verdict  models.SufficiencyVerdict
		lastSig  uint64
	)

	for {
		hook(StateDispatching, plan.Iteration)
		sets, err := c.dispatcher.Dispatch(ctx, plan, prof.Retrieval.MinScore, trace)
		if err != nil {
			if plan.Iteration == 0 || len(evidence) == 0 {
				return nil, fmt.Errorf("iteration %d: %w", plan.Iteration, err)
			}
			// A later iteration that fails outright keeps what earlier
			// iterations already gathered.
			c.logger.Warn("Reflection iteration failed, keeping prior evidence",
				zap.String("run_id", trace.RunID),
				zap.Int("iteration", plan.Iteration),
				zap.Error(err),
			)
			return c.finish(StateExhausted, evidence, verdict, plan.Iteration, false), nil
		}

		hook(StateFusing, plan.Iteration)
		evidence = c.fuser.Fuse(sets, plan.Scope)
		recordEvidence(trace, evidence)

		hook(StateEvaluating, plan.Iteration)
		verdict = c.evaluator.Evaluate(ctx, query, evidence, plan.Scope, prof.Sufficiency)
		if verdict.Accepted {
			return c.finish(StateAccepted, evidence, verdict, plan.Iteration, false), nil
		}
		if plan.Iteration >= maxIterations {
			c.logger.Info("Reflection budget exhausted",
				zap.String("run_id", trace.RunID),
				zap.Int("iterations", plan.Iteration+1),
				zap.String("reason", verdict.Reason),
			)
			return c.finish(StateExhausted, evidence, verdict, plan.Iteration, false), nil
		}

		sig := snapshotSignature(plan, evidence)
		if plan.Iteration > 0 && sig == lastSig {
			metrics.ReflectionNoProgress.Inc()
			c.logger.Info("Reflection made no progress, stopping early",
				zap.String("run_id", trace.RunID),
				zap.Int("iteration", plan.Iteration),
			)
			return c.finish(StateExhausted, evidence, verdict, plan.Iteration, true), nil
		}
		lastSig = sig

		hook(StatePlanning, plan.Iteration+1)
		plan = mutate(plan, verdict)
	}
}

func (c *Controller) finish(state State, evidence []models.EvidenceItem, verdict models.SufficiencyVerdict, iteration int, noProgress bool) *Outcome {
	metrics.ReflectionIterations.Observe(float64(iteration + 1))
	return &Outcome{
		Evidence:   evidence,
		Verdict:    verdict,
		State:      state,
		Iterations: iteration + 1,
		NoProgress: noProgress,
	}
}

// mutate derives the next iteration's plan from the verdict: retrieval gets
// deeper, missing standards get their own sub-queries, and when the verdict
// still points outside the current filters the scope filters are relaxed to
// the full authorized set.
func mutate(plan *models.RetrievalPlan, verdict models.SufficiencyVerdict) *models.RetrievalPlan {
	next := &models.RetrievalPlan{
		Iteration:    plan.Iteration + 1,
		Intent:       plan.Intent,
		Scope:        plan.Scope,
		ScopeRelaxed: plan.ScopeRelaxed,
	}

	targeted := map[string]bool{}
	for _, sq := range plan.SubQueries {
		widened := sq
		widened.ChunkK = widen(sq.ChunkK, maxChunkK)
		widened.SummaryK = widen(sq.SummaryK, maxSummaryK)
		widened.Hints = appendMissing(widened.Hints, verdict.MissingClauses)
		next.SubQueries = append(next.SubQueries, widened)
		// Only a focused sub-query counts as targeting a standard; a broad
		// multi-standard query already failed to surface it.
		if len(sq.Standards) == 1 {
			targeted[sq.Standards[0]] = true
		}
	}

	// A standard the verdict flags as uncovered gets a dedicated sub-query,
	// as long as it stays inside the authorized set.
	authorized := map[string]bool{}
	for _, std := range plan.Scope.AuthorizedStandards {
		authorized[std] = true
	}
	base := next.SubQueries[0]
	for _, std := range verdict.MissingStandards {
		if targeted[std] || !authorized[std] {
			continue
		}
		sq := base
		sq.ID = fmt.Sprintf("%s-refl-%s", sq.ID, sanitize(std))
		sq.Standards = []string{std}
		next.SubQueries = append(next.SubQueries, sq)
		targeted[std] = true
	}

	// Second reflection without resolution drops the standard filters down to
	// the authorized set so near-scope material can surface.
	if plan.Iteration >= 1 && !next.ScopeRelaxed {
		next.ScopeRelaxed = true
		for i := range next.SubQueries {
			next.SubQueries[i].Standards = plan.Scope.AuthorizedStandards
		}
	}
	return next
}

func widen(k, limit int) int {
	if k <= 0 {
		return k
	}
	k *= 2
	if k > limit {
		return limit
	}
	return k
}

func appendMissing(hints, add []string) []string {
	seen := map[string]bool{}
	for _, h := range hints {
		seen[h] = true
	}
	for _, a := range add {
		if a != "" && !seen[a] {
			seen[a] = true
			hints = append(hints, a)
		}
	}
	return hints
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == ' ' {
			r = '-'
		}
		out = append(out, r)
	}
	return string(out)
}

// snapshotSignature hashes the sorted sub-query texts and evidence ids so two
// iterations that asked the same questions and saw the same material compare
// equal regardless of ranking changes.
func snapshotSignature(plan *models.RetrievalPlan, items []models.EvidenceItem) uint64 {
	texts := make([]string, 0, len(plan.SubQueries))
	for _, sq := range plan.SubQueries {
		texts = append(texts, sq.Text)
	}
	sort.Strings(texts)

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	sort.Strings(ids)

	h := fnv.New64a()
	for _, text := range texts {
		h.Write([]byte(text))
		h.Write([]byte{0})
	}
	h.Write([]byte{0xff})
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func recordEvidence(trace *models.RetrievalTrace, items []models.EvidenceItem) {
	for _, item := range items {
		if !trace.HasEvidence(item.ID) {
			trace.EvidenceIDs = append(trace.EvidenceIDs, item.ID)
		}
	}
}
