// Package policy decides the effective retrieval scope for a request: which
// standards a tenant may actually query, given what it asked for and what it
// is authorized to see. A rego bundle can narrow or deny beyond the built-in
// intersection rule; without one the intersection rule is the whole policy.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/config"
	"github.com/normlens/orchestrator/internal/metrics"
)

// ScopeInput is the evaluation context handed to the engine.
type ScopeInput struct {
	TenantID            string   `json:"tenant_id"`
	AuthorizedStandards []string `json:"authorized_standards"`
	RequestedStandards  []string `json:"requested_standards"`
	RequestedClauses    []string `json:"requested_clauses,omitempty"`
	Query               string   `json:"query,omitempty"`
}

// ScopeDecision is the authorization outcome.
type ScopeDecision struct {
	Allow              bool     `json:"allow"`
	EffectiveStandards []string `json:"effective_standards"`
	DeniedStandards    []string `json:"denied_standards,omitempty"`
	Reason             string   `json:"reason,omitempty"`
}

// Engine evaluates scope authorization.
type Engine interface {
	Authorize(ctx context.Context, input *ScopeInput) (*ScopeDecision, error)
	IsEnabled() bool
}

// OPAEngine layers a compiled rego query over the intersection baseline.
type OPAEngine struct {
	cfg      config.PolicyConfig
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
}

// NewEngine compiles the rego bundle when enabled. A missing or broken bundle
// is not fatal: the engine falls back to the baseline intersection rule.
func NewEngine(cfg config.PolicyConfig, logger *zap.Logger) (*OPAEngine, error) {
	e := &OPAEngine{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return e, nil
	}
	if err := e.loadPolicies(); err != nil {
		logger.Warn("Scope policies unavailable, using baseline intersection rule",
			zap.String("path", cfg.Path),
			zap.Error(err),
		)
	}
	return e, nil
}

func (e *OPAEngine) loadPolicies() error {
	modules := map[string]string{}
	root := e.cfg.Path
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat policy path: %w", err)
	}

	addFile := func(path string) error {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		modules[strings.TrimSuffix(filepath.Base(path), ".rego")] = string(content)
		return nil
	}

	if info.IsDir() {
		err = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() && strings.HasSuffix(fi.Name(), ".rego") {
				return addFile(path)
			}
			return nil
		})
		if err != nil {
			return err
		}
	} else if err := addFile(root); err != nil {
		return err
	}

	if len(modules) == 0 {
		return fmt.Errorf("no rego files under %s", root)
	}

	opts := []func(*rego.Rego){rego.Query("data.normlens.scope.decision")}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile scope policies: %w", err)
	}
	e.compiled = &compiled
	e.logger.Info("Scope policies compiled",
		zap.Int("module_count", len(modules)),
		zap.String("decision_query", "data.normlens.scope.decision"),
	)
	return nil
}

// IsEnabled reports whether a compiled rego bundle is active.
func (e *OPAEngine) IsEnabled() bool { return e.compiled != nil }

// Authorize computes the effective scope. The baseline rule always applies:
// explicit requests are intersected with the authorized set and an empty
// intersection denies; an implicit request gets the full authorized set. A
// compiled bundle can only tighten that result, never widen it.
func (e *OPAEngine) Authorize(ctx context.Context, input *ScopeInput) (*ScopeDecision, error) {
	decision := baseline(input)

	if decision.Allow && e.compiled != nil {
		if err := e.applyRego(ctx, input, decision); err != nil {
			// Evaluation trouble keeps the baseline result rather than
			// failing the whole request.
			e.logger.Warn("Scope policy evaluation failed",
				zap.String("tenant_id", input.TenantID),
				zap.Error(err),
			)
		}
	}

	outcome := "allow"
	if !decision.Allow {
		outcome = "deny"
	} else if len(decision.DeniedStandards) > 0 {
		outcome = "narrowed"
	}
	metrics.ScopeDecisions.WithLabelValues(outcome).Inc()

	e.logger.Debug("Scope authorized",
		zap.String("tenant_id", input.TenantID),
		zap.Bool("allow", decision.Allow),
		zap.Strings("effective_standards", decision.EffectiveStandards),
		zap.String("reason", decision.Reason),
	)
	return decision, nil
}

func (e *OPAEngine) applyRego(ctx context.Context, input *ScopeInput, decision *ScopeDecision) error {
	results, err := e.compiled.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"tenant_id":            input.TenantID,
		"authorized_standards": input.AuthorizedStandards,
		"requested_standards":  input.RequestedStandards,
		"requested_clauses":    input.RequestedClauses,
		"effective_standards":  decision.EffectiveStandards,
		"query":                input.Query,
	}))
	if err != nil {
		return err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil
	}
	value, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected decision shape %T", results[0].Expressions[0].Value)
	}

	if allow, ok := value["allow"].(bool); ok && !allow {
		decision.Allow = false
		decision.EffectiveStandards = nil
		decision.Reason = stringField(value, "reason", "denied by scope policy")
		return nil
	}
	if raw, ok := value["denied_standards"].([]interface{}); ok && len(raw) > 0 {
		denied := map[string]bool{}
		for _, v := range raw {
			if s, ok := v.(string); ok {
				denied[s] = true
			}
		}
		kept := decision.EffectiveStandards[:0]
		for _, s := range decision.EffectiveStandards {
			if denied[s] {
				decision.DeniedStandards = append(decision.DeniedStandards, s)
			} else {
				kept = append(kept, s)
			}
		}
		decision.EffectiveStandards = kept
		if len(kept) == 0 {
			decision.Allow = false
			decision.Reason = stringField(value, "reason", "all requested standards denied by scope policy")
		}
	}
	return nil
}

// baseline is the deterministic scope rule that holds with or without rego.
func baseline(input *ScopeInput) *ScopeDecision {
	authorized := map[string]bool{}
	for _, s := range input.AuthorizedStandards {
		authorized[normalize(s)] = true
	}

	if len(input.RequestedStandards) == 0 {
		effective := append([]string(nil), input.AuthorizedStandards...)
		sort.Strings(effective)
		return &ScopeDecision{
			Allow:              true,
			EffectiveStandards: effective,
			Reason:             "implicit scope, full authorized set",
		}
	}

	var effective, denied []string
	for _, s := range input.RequestedStandards {
		if authorized[normalize(s)] {
			effective = append(effective, s)
		} else {
			denied = append(denied, s)
		}
	}
	sort.Strings(effective)
	sort.Strings(denied)

	if len(effective) == 0 {
		return &ScopeDecision{
			Allow:           false,
			DeniedStandards: denied,
			Reason:          "none of the requested standards are authorized for this tenant",
		}
	}
	reason := "explicit scope authorized"
	if len(denied) > 0 {
		reason = "explicit scope partially authorized"
	}
	return &ScopeDecision{
		Allow:              true,
		EffectiveStandards: effective,
		DeniedStandards:    denied,
		Reason:             reason,
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(s)), " ")
}

func stringField(m map[string]interface{}, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
