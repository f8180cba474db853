// Package sufficiency decides whether the fused evidence can support an
// answer. A deterministic floor runs first; only evidence that clears it is
// worth a model judgment. A provider failure downgrades to "insufficient"
// rather than failing the run, so reflection can still try to recover.
package sufficiency

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/llm"
	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/profile"
)

const maxJudgedItems = 12

// Evaluator applies the floor checks and the model judgment.
type Evaluator struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewEvaluator wires the evaluator. provider may be nil, in which case the
// floor checks alone decide.
func NewEvaluator(provider llm.Provider, logger *zap.Logger) *Evaluator {
	return &Evaluator{provider: provider, logger: logger}
}

// Evaluate produces the iteration's verdict.
func (e *Evaluator) Evaluate(ctx context.Context, query string, items []models.EvidenceItem, scope models.ScopeContext, policy profile.SufficiencyPolicy) models.SufficiencyVerdict {
	if verdict, failed := e.floor(items, scope, policy); failed {
		return verdict
	}
	if e.provider == nil {
		return models.SufficiencyVerdict{Accepted: true, Reason: "floor checks passed"}
	}
	return e.judge(ctx, query, items, scope)
}

// floor applies the deterministic checks: enough items overall, and when the
// profile demands it, at least one in-scope item per effective standard.
func (e *Evaluator) floor(items []models.EvidenceItem, scope models.ScopeContext, policy profile.SufficiencyPolicy) (models.SufficiencyVerdict, bool) {
	if len(items) < policy.MinEvidence {
		return models.SufficiencyVerdict{
			Accepted: false,
			Issues:   []string{fmt.Sprintf("only %d evidence items, need at least %d", len(items), policy.MinEvidence)},
			Reason:   "below minimum evidence floor",
		}, true
	}

	if policy.RequireScopeCoverage && len(scope.EffectiveStandards) > 0 {
		covered := map[string]bool{}
		for _, item := range items {
			if item.Standard != "" && !item.ScopePenalized {
				covered[item.Standard] = true
			}
		}
		var missing []string
		for _, std := range scope.EffectiveStandards {
			if !covered[std] {
				missing = append(missing, std)
			}
		}
		if len(missing) > 0 {
			return models.SufficiencyVerdict{
				Accepted:         false,
				Issues:           []string{"no in-scope evidence for: " + strings.Join(missing, ", ")},
				MissingStandards: missing,
				Reason:           "scope coverage incomplete",
			}, true
		}
	}
	return models.SufficiencyVerdict{}, false
}

type judgment struct {
	Accepted         bool     `json:"accepted"`
	Issues           []string `json:"issues"`
	MissingStandards []string `json:"missing_standards"`
	MissingClauses   []string `json:"missing_clauses"`
	Reason           string   `json:"reason"`
}

func (e *Evaluator) judge(ctx context.Context, query string, items []models.EvidenceItem, scope models.ScopeContext) models.SufficiencyVerdict {
	resp, err := e.provider.Complete(ctx, llm.Request{
		Task:   llm.TaskSufficiency,
		Prompt: judgePrompt(query, items, scope),
	})
	if err != nil {
		e.logger.Warn("Sufficiency judgment unavailable, treating evidence as insufficient", zap.Error(err))
		return models.SufficiencyVerdict{
			Accepted: false,
			Issues:   []string{"sufficiency judgment unavailable"},
			Reason:   "evaluator call failed",
		}
	}

	var j judgment
	if err := llm.DecodeJSON(resp.Text, &j); err != nil {
		e.logger.Warn("Sufficiency judgment unparseable", zap.Error(err))
		return models.SufficiencyVerdict{
			Accepted: false,
			Issues:   []string{"sufficiency judgment unparseable"},
			Reason:   "evaluator output malformed",
		}
	}
	return models.SufficiencyVerdict{
		Accepted:         j.Accepted,
		Issues:           j.Issues,
		MissingStandards: j.MissingStandards,
		MissingClauses:   j.MissingClauses,
		Reason:           j.Reason,
	}
}

func judgePrompt(query string, items []models.EvidenceItem, scope models.ScopeContext) string {
	var b strings.Builder
	b.WriteString("Judge whether the evidence below is sufficient to answer the question.\n")
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n")
	if len(scope.EffectiveStandards) > 0 {
		b.WriteString("Required scope: ")
		b.WriteString(strings.Join(scope.EffectiveStandards, ", "))
		b.WriteString("\n")
	}
	if len(scope.RequestedClauses) > 0 {
		b.WriteString("Clauses asked about: ")
		b.WriteString(strings.Join(scope.RequestedClauses, ", "))
		b.WriteString("\n")
	}
	b.WriteString("\nEvidence:\n")
	for i, item := range items {
		if i >= maxJudgedItems {
			break
		}
		fmt.Fprintf(&b, "[%d] (%s %s) %s\n", i+1, item.Standard, item.ClauseID, truncate(item.Content, 400))
	}
	b.WriteString("\nRespond with JSON only: {\"accepted\": bool, \"issues\": [string], \"missing_standards\": [string], \"missing_clauses\": [string], \"reason\": string}\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
