package sufficiency

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/llm"
	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/profile"
)

type scriptedProvider struct {
	text  string
	err   error
	calls int
}

func (p *scriptedProvider) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Text: p.text}, nil
}

func evidence(n int, standard string) []models.EvidenceItem {
	items := make([]models.EvidenceItem, n)
	for i := range items {
		items[i] = models.EvidenceItem{ID: string(rune('a' + i)), Standard: standard, Content: "text"}
	}
	return items
}

func TestBelowFloorRejectsWithoutModelCall(t *testing.T) {
	p := &scriptedProvider{text: `{"accepted": true}`}
	e := NewEvaluator(p, zap.NewNop())

	verdict := e.Evaluate(context.Background(), "q", evidence(1, "ISO 14155"),
		models.ScopeContext{}, profile.SufficiencyPolicy{MinEvidence: 3})
	assert.False(t, verdict.Accepted)
	assert.Equal(t, 0, p.calls, "floor failure must not spend a model call")
	assert.NotEmpty(t, verdict.Issues)
}

func TestMissingStandardCoverageRejects(t *testing.T) {
	e := NewEvaluator(nil, zap.NewNop())

	verdict := e.Evaluate(context.Background(), "q", evidence(4, "ISO 14155"),
		models.ScopeContext{EffectiveStandards: []string{"ISO 14155", "IEC 62304"}},
		profile.SufficiencyPolicy{MinEvidence: 3, RequireScopeCoverage: true})
	assert.False(t, verdict.Accepted)
	assert.Equal(t, []string{"IEC 62304"}, verdict.MissingStandards)
}

func TestPenalizedEvidenceDoesNotCountAsCoverage(t *testing.T) {
	e := NewEvaluator(nil, zap.NewNop())
	items := evidence(3, "ISO 14155")
	items = append(items, models.EvidenceItem{ID: "pen", Standard: "IEC 62304", ScopePenalized: true})

	verdict := e.Evaluate(context.Background(), "q", items,
		models.ScopeContext{EffectiveStandards: []string{"ISO 14155", "IEC 62304"}},
		profile.SufficiencyPolicy{MinEvidence: 3, RequireScopeCoverage: true})
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.MissingStandards, "IEC 62304")
}

func TestModelJudgmentDecidesAboveFloor(t *testing.T) {
	p := &scriptedProvider{text: `{"accepted": false, "issues": ["no retention periods"], "missing_clauses": ["7.3.2"], "reason": "partial"}`}
	e := NewEvaluator(p, zap.NewNop())

	verdict := e.Evaluate(context.Background(), "q", evidence(4, "ISO 14155"),
		models.ScopeContext{EffectiveStandards: []string{"ISO 14155"}},
		profile.SufficiencyPolicy{MinEvidence: 3, RequireScopeCoverage: true})
	require.Equal(t, 1, p.calls)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, []string{"7.3.2"}, verdict.MissingClauses)
}

func TestModelAcceptance(t *testing.T) {
	p := &scriptedProvider{text: `{"accepted": true, "reason": "covers the question"}`}
	e := NewEvaluator(p, zap.NewNop())

	verdict := e.Evaluate(context.Background(), "q", evidence(4, "ISO 14155"),
		models.ScopeContext{}, profile.SufficiencyPolicy{MinEvidence: 3})
	assert.True(t, verdict.Accepted)
}

func TestProviderFailureMeansInsufficientNotError(t *testing.T) {
	p := &scriptedProvider{err: errors.New("provider down")}
	e := NewEvaluator(p, zap.NewNop())

	verdict := e.Evaluate(context.Background(), "q", evidence(4, "ISO 14155"),
		models.ScopeContext{}, profile.SufficiencyPolicy{MinEvidence: 3})
	assert.False(t, verdict.Accepted)
	assert.Equal(t, "evaluator call failed", verdict.Reason)
}

func TestNilProviderAcceptsOnFloorAlone(t *testing.T) {
	e := NewEvaluator(nil, zap.NewNop())

	verdict := e.Evaluate(context.Background(), "q", evidence(3, "ISO 14155"),
		models.ScopeContext{}, profile.SufficiencyPolicy{MinEvidence: 3})
	assert.True(t, verdict.Accepted)
}
