// Package profile resolves the per-tenant behavioral configuration document
// ("cartridge") through a cascade of sources, validates it against the schema,
// and caches the outcome per tenant.
package profile

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Resolution sources, in cascade order.
const (
	SourceDB         = "db"
	SourceHeader     = "header"
	SourceTenantMap  = "tenant_map"
	SourceTenantYAML = "tenant_yaml"
	SourceBase       = "base"
)

// SearchHint expands a matched term into related vocabulary at planning time.
type SearchHint struct {
	Term     string   `yaml:"term" json:"term"`
	ExpandTo []string `yaml:"expand_to" json:"expand_to"`
}

// RouterHeuristics drives intent classification without per-tenant code.
type RouterHeuristics struct {
	ComparativeHints  []string `yaml:"comparative_hints" json:"comparative_hints"`
	GapHints          []string `yaml:"gap_hints" json:"gap_hints"`
	SummaryHints      []string `yaml:"summary_hints" json:"summary_hints"`
	ScopePatterns     []string `yaml:"scope_patterns" json:"scope_patterns"`
	ReferencePatterns []string `yaml:"reference_patterns" json:"reference_patterns"`
}

// RetrievalPolicy tunes dispatch depth and query expansion.
type RetrievalPolicy struct {
	ChunkK      int          `yaml:"chunk_k" json:"chunk_k"`
	SummaryK    int          `yaml:"summary_k" json:"summary_k"`
	MinScore    float64      `yaml:"min_score" json:"min_score"`
	SearchHints []SearchHint `yaml:"search_hints" json:"search_hints"`
}

// SufficiencyPolicy sets the evaluator's deterministic floor.
type SufficiencyPolicy struct {
	MinEvidence          int  `yaml:"min_evidence" json:"min_evidence"`
	RequireScopeCoverage bool `yaml:"require_scope_coverage" json:"require_scope_coverage"`
}

// CitationPolicy controls citation strictness during synthesis validation.
type CitationPolicy struct {
	Require       bool    `yaml:"require" json:"require"`
	Strict        bool    `yaml:"strict" json:"strict"`
	MinPerClaims  float64 `yaml:"min_per_claims" json:"min_per_claims"`
	LiteralQuotes bool    `yaml:"literal_quotes" json:"literal_quotes"`
}

// PromptDirectives is the behavioral guidance handed to synthesis.
type PromptDirectives struct {
	Persona     string   `yaml:"persona" json:"persona"`
	Rules       []string `yaml:"rules" json:"rules"`
	StrictStyle []string `yaml:"strict_style" json:"strict_style"`
	Fallback    string   `yaml:"fallback" json:"fallback"`
}

// ReflectionPolicy bounds the retry loop for this profile.
type ReflectionPolicy struct {
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
}

// AgentProfile is one versioned, validated cartridge document.
type AgentProfile struct {
	ID          string           `yaml:"profile_id" json:"profile_id"`
	Version     string           `yaml:"version" json:"version"`
	Status      string           `yaml:"status" json:"status"`
	Extends     string           `yaml:"extends,omitempty" json:"extends,omitempty"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Prompt      PromptDirectives `yaml:"prompt" json:"prompt"`
	Router      RouterHeuristics `yaml:"router" json:"router"`
	Retrieval   RetrievalPolicy  `yaml:"retrieval" json:"retrieval"`
	Sufficiency SufficiencyPolicy `yaml:"sufficiency" json:"sufficiency"`
	Citation    CitationPolicy   `yaml:"citation" json:"citation"`
	Reflection  ReflectionPolicy `yaml:"reflection" json:"reflection"`
}

// Resolved pairs a profile with the cascade step that produced it.
type Resolved struct {
	Profile   *AgentProfile `json:"profile"`
	Source    string        `json:"source"`
	Requested string        `json:"requested_profile_id,omitempty"`
	Reason    string        `json:"reason"`
}

// Validate checks the schema constraints. Invalid documents are never applied.
func (p *AgentProfile) Validate() error {
	if p == nil {
		return fmt.Errorf("profile is nil")
	}
	if p.ID == "" {
		return fmt.Errorf("profile_id is required")
	}
	if p.Version == "" {
		return fmt.Errorf("profile %q: version is required", p.ID)
	}
	if p.Status != "active" && p.Status != "draft" {
		return fmt.Errorf("profile %q: status must be active or draft, got %q", p.ID, p.Status)
	}
	if p.Retrieval.ChunkK < 0 || p.Retrieval.ChunkK > 500 {
		return fmt.Errorf("profile %q: chunk_k out of range", p.ID)
	}
	if p.Retrieval.SummaryK < 0 || p.Retrieval.SummaryK > 50 {
		return fmt.Errorf("profile %q: summary_k out of range", p.ID)
	}
	if p.Retrieval.MinScore < 0 || p.Retrieval.MinScore > 1 {
		return fmt.Errorf("profile %q: min_score out of range", p.ID)
	}
	if p.Sufficiency.MinEvidence < 0 || p.Sufficiency.MinEvidence > 100 {
		return fmt.Errorf("profile %q: min_evidence out of range", p.ID)
	}
	if p.Citation.MinPerClaims < 0 || p.Citation.MinPerClaims > 1 {
		return fmt.Errorf("profile %q: min_per_claims out of range", p.ID)
	}
	if p.Reflection.MaxIterations < 0 || p.Reflection.MaxIterations > 4 {
		return fmt.Errorf("profile %q: max_iterations out of range", p.ID)
	}
	return nil
}

// ParseDocument decodes and validates a YAML cartridge document.
func ParseDocument(data []byte) (*AgentProfile, error) {
	var p AgentProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse cartridge: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Base returns the built-in floor profile. It is always valid: the cascade can
// terminate on it no matter what external sources return.
func Base() *AgentProfile {
	return &AgentProfile{
		ID:      "base",
		Version: "1.0.0",
		Status:  "active",
		Prompt: PromptDirectives{
			Persona: "Answer strictly from the retrieved evidence; avoid unsupported claims.",
			Rules: []string{
				"Every relevant claim must reference retrieved evidence.",
				"State explicitly when evidence is insufficient.",
				"Never invent references or quotations.",
			},
			StrictStyle: []string{
				"For each claim: requirement, short quote, source.",
				"Do not paraphrase normative text when quoting is required.",
			},
			Fallback: "The retrieved context does not contain enough information to answer.",
		},
		Router: RouterHeuristics{
			ComparativeHints: []string{"compare", "difference", "versus", "vs"},
			GapHints:         []string{"gap", "missing", "not covered", "shortfall"},
			SummaryHints:     []string{"summarize", "summary", "overview"},
			ReferencePatterns: []string{
				`\b\d+(?:\.\d+)+\b`,
			},
		},
		Retrieval: RetrievalPolicy{
			ChunkK:   30,
			SummaryK: 5,
			MinScore: 0.5,
		},
		Sufficiency: SufficiencyPolicy{
			MinEvidence:          3,
			RequireScopeCoverage: true,
		},
		Citation: CitationPolicy{
			Require:      true,
			Strict:       false,
			MinPerClaims: 0.5,
		},
		Reflection: ReflectionPolicy{
			MaxIterations: 2,
		},
	}
}
