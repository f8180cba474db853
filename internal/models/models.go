package models

import (
	"time"
)

// Mode tags the overall outcome of one orchestration run.
type Mode string

const (
	ModeDirect            Mode = "direct"
	ModeRetried           Mode = "retried"
	ModeDegraded          Mode = "degraded"
	ModeUnauthorizedScope Mode = "unauthorized-scope"
)

// IntentCategory classifies what kind of answer the query is asking for.
type IntentCategory string

const (
	IntentLookup      IntentCategory = "lookup"
	IntentComparative IntentCategory = "comparative"
	IntentGapAnalysis IntentCategory = "gap_analysis"
	IntentSummary     IntentCategory = "summary"
)

// QueryRequest is one inbound question. It is created per call and owned
// exclusively by a single orchestration run.
type QueryRequest struct {
	RunID        string            `json:"run_id"`
	Query        string            `json:"query"`
	TenantID     string            `json:"tenant_id"`
	CollectionID string            `json:"collection_id,omitempty"`
	ProfileID    string            `json:"profile_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ScopeContext is the authorized retrieval scope for one run. Derived once,
// read-only afterwards.
type ScopeContext struct {
	TenantID            string   `json:"tenant_id"`
	AuthorizedStandards []string `json:"authorized_standards"`
	RequestedStandards  []string `json:"requested_standards"`
	RequestedClauses    []string `json:"requested_clauses"`
	// EffectiveStandards is the intersection of requested and authorized
	// standards, or all authorized standards when nothing was requested.
	EffectiveStandards []string `json:"effective_standards"`
	CollectionID       string   `json:"collection_id,omitempty"`
}

// Explicit reports whether the caller named a concrete scope in the query.
func (s ScopeContext) Explicit() bool {
	return len(s.RequestedStandards) > 0 || len(s.RequestedClauses) > 0
}

// SubQuery is one atomic retrieval unit inside a plan.
type SubQuery struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Standards []string `json:"standards,omitempty"`
	Clauses   []string `json:"clauses,omitempty"`
	Hints     []string `json:"hints,omitempty"`
	ChunkK    int      `json:"chunk_k"`
	SummaryK  int      `json:"summary_k"`
}

// RetrievalPlan is the ordered set of sub-queries for one reflection
// iteration. The reflection controller replaces it wholesale between
// iterations; it is never edited concurrently with dispatch.
type RetrievalPlan struct {
	Iteration  int            `json:"iteration"`
	Intent     IntentCategory `json:"intent"`
	SubQueries []SubQuery     `json:"sub_queries"`
	Scope      ScopeContext   `json:"scope"`
	// ScopeRelaxed marks a plan produced by reflection with scope filters
	// widened inside the authorized set.
	ScopeRelaxed bool `json:"scope_relaxed,omitempty"`
}

// CallOutcome records how a single sub-query retrieval call ended.
type CallOutcome string

const (
	OutcomeSuccess CallOutcome = "success"
	OutcomeTimeout CallOutcome = "timeout"
	OutcomeError   CallOutcome = "error"
)

// CallTrace is the per-sub-query record inside the retrieval trace.
type CallTrace struct {
	SubQueryID    string      `json:"sub_query_id"`
	Backend       string      `json:"backend"`
	Outcome       CallOutcome `json:"outcome"`
	LatencyMs     int64       `json:"latency_ms"`
	ChunkCount    int         `json:"chunk_count"`
	SummaryCount  int         `json:"summary_count"`
	Warning       string      `json:"warning,omitempty"`
	MissingScopes []string    `json:"missing_scopes,omitempty"`
	Iteration     int         `json:"iteration"`
}

// RetrievalTrace accumulates call records and evidence ids across the
// reflection iterations of one run. It is discarded with the run.
type RetrievalTrace struct {
	RunID       string      `json:"run_id"`
	Backend     string      `json:"backend"`
	Calls       []CallTrace `json:"calls"`
	EvidenceIDs []string    `json:"evidence_ids"`
	Iterations  int         `json:"iterations"`
	StartedAt   time.Time   `json:"started_at"`
}

// HasEvidence reports whether an evidence id appears in the trace.
func (t *RetrievalTrace) HasEvidence(id string) bool {
	for _, e := range t.EvidenceIDs {
		if e == id {
			return true
		}
	}
	return false
}

// EvidenceItem is one fused, ranked piece of retrieved material. Immutable
// once produced by fusion.
type EvidenceItem struct {
	ID             string   `json:"id"`
	SourceID       string   `json:"source_id"`
	Content        string   `json:"content"`
	Standard       string   `json:"standard,omitempty"`
	ClauseID       string   `json:"clause_id,omitempty"`
	Modality       string   `json:"modality"` // chunk | summary
	RawScore       float64  `json:"raw_score"`
	FusedScore     float64  `json:"fused_score"`
	RankContrib    float64  `json:"rank_contrib"`
	ScopePenalized bool     `json:"scope_penalized"`
	SubQueryIDs    []string `json:"sub_query_ids"`
}

// SufficiencyVerdict is produced once per reflection iteration.
type SufficiencyVerdict struct {
	Accepted         bool     `json:"accepted"`
	Issues           []string `json:"issues,omitempty"`
	MissingStandards []string `json:"missing_standards,omitempty"`
	MissingClauses   []string `json:"missing_clauses,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// Citation links one claim in the answer to one evidence item.
type Citation struct {
	Marker     string `json:"marker"`
	EvidenceID string `json:"evidence_id"`
	Claim      string `json:"claim,omitempty"`
	Valid      bool   `json:"valid"`
}

// ValidationRecord is the citation-validation outcome attached to a result.
type ValidationRecord struct {
	Accepted    bool     `json:"accepted"`
	Issues      []string `json:"issues,omitempty"`
	Regenerated bool     `json:"regenerated"`
	StrictMode  bool     `json:"strict_mode"`
}

// OrchestrationResult is the terminal payload of one run.
type OrchestrationResult struct {
	RunID          string             `json:"run_id"`
	TenantID       string             `json:"tenant_id"`
	ProfileID      string             `json:"profile_id"`
	ProfileVersion string             `json:"profile_version"`
	ProfileSource  string             `json:"profile_source"`
	Answer         string             `json:"answer"`
	Citations      []Citation         `json:"citations"`
	ContextChunks  []EvidenceItem     `json:"context_chunks"`
	Sufficiency    SufficiencyVerdict `json:"sufficiency"`
	Validation     ValidationRecord   `json:"validation"`
	Trace          *RetrievalTrace    `json:"trace"`
	Mode           Mode               `json:"mode"`
	ElapsedMs      int64              `json:"elapsed_ms"`
}
