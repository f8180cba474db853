// Package planner turns an analyzed question into a retrieval plan: a small
// set of scoped sub-queries shaped by the intent category and the profile's
// retrieval policy.
package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/llm"
	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/profile"
)

// Planner builds iteration-zero plans. Reflection derives later iterations
// from these, it never calls the planner again.
type Planner struct {
	maxSubQueries int
	provider      llm.Provider
	logger        *zap.Logger
}

// Option customizes planner construction.
type Option func(*Planner)

// WithProvider enables model-assisted decomposition. Without it, or whenever
// the model call fails or returns something out of scope, the deterministic
// heuristics below are used instead.
func WithProvider(provider llm.Provider) Option {
	return func(p *Planner) { p.provider = provider }
}

// NewPlanner builds a planner. maxSubQueries caps the fan-out of any plan.
func NewPlanner(maxSubQueries int, logger *zap.Logger, opts ...Option) *Planner {
	if maxSubQueries <= 0 {
		maxSubQueries = 4
	}
	p := &Planner{maxSubQueries: maxSubQueries, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan decomposes the question for its intent. Every sub-query carries the
// scope filters it is allowed to search under.
func (p *Planner) Plan(ctx context.Context, query string, intent models.IntentCategory, scope models.ScopeContext, prof *profile.AgentProfile) *models.RetrievalPlan {
	hints := expandHints(query, prof.Retrieval.SearchHints)

	var subs []models.SubQuery
	if p.provider != nil && intent != models.IntentLookup {
		subs = p.decompose(ctx, query, scope, prof, hints)
	}
	if len(subs) == 0 {
		switch intent {
		case models.IntentComparative, models.IntentGapAnalysis:
			// One sub-query per standard keeps each side of the comparison from
			// drowning out the other in a single ranked list.
			subs = p.perStandard(query, scope, prof, hints)
		case models.IntentSummary:
			subs = p.perStandard(query, scope, prof, hints)
			for i := range subs {
				subs[i].SummaryK = summaryHeavy(prof.Retrieval.SummaryK)
			}
		default:
			subs = p.single(query, scope, prof, hints)
		}
	}

	if len(subs) > p.maxSubQueries {
		subs = subs[:p.maxSubQueries]
	}
	for i := range subs {
		subs[i].ID = fmt.Sprintf("sq-%d", i+1)
	}

	p.logger.Debug("Plan built",
		zap.String("intent", string(intent)),
		zap.Int("sub_queries", len(subs)),
		zap.Strings("hints", hints),
	)
	return &models.RetrievalPlan{
		Iteration:  0,
		Intent:     intent,
		SubQueries: subs,
		Scope:      scope,
	}
}

// decompose asks the model for atomic sub-queries. Anything the model returns
// outside the effective scope, or an unparseable response, discards the whole
// attempt so the heuristics take over.
func (p *Planner) decompose(ctx context.Context, query string, scope models.ScopeContext, prof *profile.AgentProfile, hints []string) []models.SubQuery {
	var sb strings.Builder
	sb.WriteString("Split the question into independent atomic search queries.\n")
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n")
	if len(scope.EffectiveStandards) > 0 {
		sb.WriteString("Allowed standards: ")
		sb.WriteString(strings.Join(scope.EffectiveStandards, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString(`Respond with JSON: {"sub_queries": [{"text": "...", "standards": ["..."]}]}`)

	resp, err := p.provider.Complete(ctx, llm.Request{
		Task:      llm.TaskDecompose,
		Prompt:    sb.String(),
		MaxTokens: 512,
	})
	if err != nil {
		p.logger.Warn("Decomposition call failed, using heuristics", zap.Error(err))
		return nil
	}

	var decoded struct {
		SubQueries []struct {
			Text      string   `json:"text"`
			Standards []string `json:"standards"`
		} `json:"sub_queries"`
	}
	if err := llm.DecodeJSON(resp.Text, &decoded); err != nil {
		p.logger.Warn("Decomposition output malformed, using heuristics", zap.Error(err))
		return nil
	}

	allowed := map[string]bool{}
	for _, std := range scope.EffectiveStandards {
		allowed[std] = true
	}

	subs := make([]models.SubQuery, 0, len(decoded.SubQueries))
	for _, sq := range decoded.SubQueries {
		if strings.TrimSpace(sq.Text) == "" {
			return nil
		}
		stds := sq.Standards
		if len(stds) == 0 {
			stds = scope.EffectiveStandards
		}
		for _, std := range stds {
			if !allowed[std] {
				p.logger.Warn("Decomposition proposed out-of-scope standard, using heuristics",
					zap.String("standard", std))
				return nil
			}
		}
		subs = append(subs, models.SubQuery{
			Text:      sq.Text,
			Standards: stds,
			Clauses:   scope.RequestedClauses,
			Hints:     hints,
			ChunkK:    prof.Retrieval.ChunkK,
			SummaryK:  prof.Retrieval.SummaryK,
		})
	}
	return subs
}

func (p *Planner) perStandard(query string, scope models.ScopeContext, prof *profile.AgentProfile, hints []string) []models.SubQuery {
	if len(scope.EffectiveStandards) < 2 {
		return p.single(query, scope, prof, hints)
	}
	subs := make([]models.SubQuery, 0, len(scope.EffectiveStandards))
	for _, std := range scope.EffectiveStandards {
		subs = append(subs, models.SubQuery{
			Text:      query,
			Standards: []string{std},
			Clauses:   scope.RequestedClauses,
			Hints:     hints,
			ChunkK:    prof.Retrieval.ChunkK,
			SummaryK:  prof.Retrieval.SummaryK,
		})
	}
	return subs
}

func (p *Planner) single(query string, scope models.ScopeContext, prof *profile.AgentProfile, hints []string) []models.SubQuery {
	return []models.SubQuery{{
		Text:      query,
		Standards: scope.EffectiveStandards,
		Clauses:   scope.RequestedClauses,
		Hints:     hints,
		ChunkK:    prof.Retrieval.ChunkK,
		SummaryK:  prof.Retrieval.SummaryK,
	}}
}

// expandHints collects the expansions of every hint term the query mentions.
func expandHints(query string, hints []profile.SearchHint) []string {
	lower := strings.ToLower(query)
	seen := map[string]bool{}
	var out []string
	for _, h := range hints {
		if h.Term == "" || !strings.Contains(lower, strings.ToLower(h.Term)) {
			continue
		}
		for _, exp := range h.ExpandTo {
			if exp != "" && !seen[exp] {
				seen[exp] = true
				out = append(out, exp)
			}
		}
	}
	return out
}

// summaryHeavy biases a summary-intent plan toward the summary modality.
func summaryHeavy(summaryK int) int {
	if summaryK < 5 {
		return 5
	}
	return summaryK
}
