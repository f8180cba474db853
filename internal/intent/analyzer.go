// Package intent classifies the incoming question and pins down its scope:
// which standards and clauses it is about, resolved against the tenant's
// authorizations and, for follow-ups, the conversation so far.
package intent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/policy"
	"github.com/normlens/orchestrator/internal/profile"
	"github.com/normlens/orchestrator/internal/session"
)

// ErrUnauthorizedScope is returned when the question explicitly names
// standards and the tenant is authorized for none of them.
var ErrUnauthorizedScope = errors.New("requested standards are outside the tenant's authorized scope")

var (
	standardPattern = regexp.MustCompile(`(?i)\b(ISO|IEC|EN|ASTM|DIN)[ -]?(\d{3,5})\b`)
	clausePattern   = regexp.MustCompile(`\b\d+(?:\.\d+)+\b`)
	followUpPattern = regexp.MustCompile(`(?i)^\s*(and |what about|how about|also,?|same for|does it|is it|it\b|that\b|this\b|those\b)`)
)

// Analysis is the classifier's full verdict for one question.
type Analysis struct {
	Intent   models.IntentCategory
	Scope    models.ScopeContext
	Decision *policy.ScopeDecision
	FollowUp bool
}

// Analyzer derives intent and scope from the query text, the tenant profile's
// router heuristics, session history, and the scope policy.
type Analyzer struct {
	memberships profile.MembershipStore
	policy      policy.Engine
	logger      *zap.Logger
}

// NewAnalyzer wires the analyzer. memberships may be nil, in which case every
// tenant's authorized set is empty and retrieval runs unscoped.
func NewAnalyzer(memberships profile.MembershipStore, engine policy.Engine, logger *zap.Logger) *Analyzer {
	return &Analyzer{memberships: memberships, policy: engine, logger: logger}
}

// Analyze classifies the question and computes the effective scope.
func (a *Analyzer) Analyze(ctx context.Context, req models.QueryRequest, prof *profile.AgentProfile, sess *session.State) (*Analysis, error) {
	query := strings.TrimSpace(req.Query)

	requested := extractStandards(query, prof.Router.ScopePatterns)
	clauses := extractClauses(query, prof.Router.ReferencePatterns)

	// A follow-up that names nothing inherits the scope last discussed.
	followUp := false
	if len(requested) == 0 && sess != nil && len(sess.LastStandards) > 0 && followUpPattern.MatchString(query) {
		requested = append(requested, sess.LastStandards...)
		if len(clauses) == 0 {
			clauses = append(clauses, sess.LastClauses...)
		}
		followUp = true
	}

	category := classify(query, requested, prof.Router)

	var authorized []string
	if a.memberships != nil {
		var err error
		authorized, err = a.memberships.AuthorizedStandards(ctx, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("resolve tenant memberships: %w", err)
		}
	}

	decision, err := a.policy.Authorize(ctx, &policy.ScopeInput{
		TenantID:            req.TenantID,
		AuthorizedStandards: authorized,
		RequestedStandards:  requested,
		RequestedClauses:    clauses,
		Query:               query,
	})
	if err != nil {
		return nil, fmt.Errorf("authorize scope: %w", err)
	}

	scope := models.ScopeContext{
		TenantID:            req.TenantID,
		CollectionID:        req.CollectionID,
		AuthorizedStandards: authorized,
		RequestedStandards:  requested,
		RequestedClauses:    clauses,
		EffectiveStandards:  decision.EffectiveStandards,
	}

	if !decision.Allow {
		a.logger.Warn("Scope denied",
			zap.String("tenant_id", req.TenantID),
			zap.Strings("requested_standards", requested),
			zap.String("reason", decision.Reason),
		)
		return &Analysis{Intent: category, Scope: scope, Decision: decision, FollowUp: followUp},
			fmt.Errorf("%w: %s", ErrUnauthorizedScope, decision.Reason)
	}

	a.logger.Debug("Query analyzed",
		zap.String("run_id", req.RunID),
		zap.String("intent", string(category)),
		zap.Strings("effective_standards", decision.EffectiveStandards),
		zap.Strings("clauses", clauses),
		zap.Bool("follow_up", followUp),
	)
	return &Analysis{Intent: category, Scope: scope, Decision: decision, FollowUp: followUp}, nil
}

// classify applies the profile's router heuristics in fixed precedence:
// gap analysis, then comparison, then summary, with lookup as the default.
func classify(query string, standards []string, router profile.RouterHeuristics) models.IntentCategory {
	lower := strings.ToLower(query)

	if matchesAny(lower, router.GapHints) {
		return models.IntentGapAnalysis
	}
	if matchesAny(lower, router.ComparativeHints) || len(standards) >= 2 {
		return models.IntentComparative
	}
	if matchesAny(lower, router.SummaryHints) {
		return models.IntentSummary
	}
	return models.IntentLookup
}

func matchesAny(lower string, hints []string) bool {
	for _, h := range hints {
		if h != "" && strings.Contains(lower, strings.ToLower(h)) {
			return true
		}
	}
	return false
}

// extractStandards pulls standard designators from the query. Profile scope
// patterns run first so tenants can teach the router house vocabulary such as
// internal directive names; the generic designator pattern always runs.
func extractStandards(query string, scopePatterns []string) []string {
	seen := map[string]bool{}
	var out []string

	add := func(s string) {
		s = strings.Join(strings.Fields(strings.ToUpper(s)), " ")
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, p := range scopePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		for _, m := range re.FindAllString(query, -1) {
			add(m)
		}
	}
	for _, m := range standardPattern.FindAllStringSubmatch(query, -1) {
		add(m[1] + " " + m[2])
	}

	sort.Strings(out)
	return out
}

// extractClauses pulls dotted clause references like 7.3.2.
func extractClauses(query string, referencePatterns []string) []string {
	seen := map[string]bool{}
	var out []string

	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	patterns := []*regexp.Regexp{clausePattern}
	for _, p := range referencePatterns {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}
	for _, re := range patterns {
		for _, m := range re.FindAllString(query, -1) {
			add(m)
		}
	}

	sort.Strings(out)
	return out
}
