// Package synthesis produces the final answer: it prompts the model with the
// profile's directives and the numbered evidence, then validates that every
// citation in the draft points at evidence that was actually retrieved. A
// draft that fails validation gets exactly one regeneration attempt.
package synthesis

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/llm"
	"github.com/normlens/orchestrator/internal/metrics"
	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/profile"
)

var (
	markerPattern   = regexp.MustCompile(`\[C(\d+)\]`)
	sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]`)
)

// Result is one synthesis outcome with its validation record.
type Result struct {
	Answer     string
	Citations  []models.Citation
	Validation models.ValidationRecord
}

// Synthesizer drives the draft/validate/regenerate cycle.
type Synthesizer struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewSynthesizer wires the synthesizer.
func NewSynthesizer(provider llm.Provider, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{provider: provider, logger: logger}
}

// Synthesize generates and validates an answer over the evidence. When the
// first draft fails citation validation one regeneration runs with the
// validation issues folded into the prompt; a second failure returns the
// second draft marked unvalidated rather than erroring.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, items []models.EvidenceItem, prof *profile.AgentProfile, trace *models.RetrievalTrace) (*Result, error) {
	prompt := s.prompt(query, items, prof, nil)
	answer, err := s.draft(ctx, prompt)
	if err != nil {
		return nil, err
	}

	// Grounding problems always trigger regeneration; only the "no citations
	// at all" check is conditional on the profile, inside validate.
	citations, record := s.validate(answer, items, prof.Citation, trace)
	if record.Accepted {
		return &Result{Answer: answer, Citations: citations, Validation: record}, nil
	}

	metrics.CitationValidationFailures.Inc()
	metrics.SynthesisRegenerations.Inc()
	s.logger.Warn("Citation validation failed, regenerating once",
		zap.Strings("issues", record.Issues),
	)

	prompt = s.prompt(query, items, prof, record.Issues)
	answer, err = s.draft(ctx, prompt)
	if err != nil {
		return nil, err
	}

	citations, second := s.validate(answer, items, prof.Citation, trace)
	second.Regenerated = true
	if !second.Accepted {
		metrics.CitationValidationFailures.Inc()
		s.logger.Warn("Regenerated answer still fails validation, returning unvalidated",
			zap.Strings("issues", second.Issues),
		)
	}
	return &Result{Answer: answer, Citations: citations, Validation: second}, nil
}

func (s *Synthesizer) draft(ctx context.Context, prompt string) (string, error) {
	resp, err := s.provider.Complete(ctx, llm.Request{Task: llm.TaskSynthesis, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("synthesize answer: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (s *Synthesizer) prompt(query string, items []models.EvidenceItem, prof *profile.AgentProfile, priorIssues []string) string {
	var b strings.Builder
	if prof.Prompt.Persona != "" {
		b.WriteString(prof.Prompt.Persona)
		b.WriteString("\n\n")
	}
	for _, rule := range prof.Prompt.Rules {
		b.WriteString("- ")
		b.WriteString(rule)
		b.WriteString("\n")
	}
	if prof.Citation.Strict {
		for _, rule := range prof.Prompt.StrictStyle {
			b.WriteString("- ")
			b.WriteString(rule)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nCite evidence inline with its marker, e.g. [C2]. Use only the evidence below.\n")
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\nEvidence:\n")
	for i, item := range items {
		fmt.Fprintf(&b, "[C%d] (%s %s) %s\n", i+1, item.Standard, item.ClauseID, item.Content)
	}
	if len(priorIssues) > 0 {
		b.WriteString("\nThe previous draft was rejected for these citation problems; fix them:\n")
		for _, issue := range priorIssues {
			b.WriteString("- ")
			b.WriteString(issue)
			b.WriteString("\n")
		}
	}
	if prof.Prompt.Fallback != "" {
		b.WriteString("\nIf the evidence cannot answer the question, reply: ")
		b.WriteString(prof.Prompt.Fallback)
		b.WriteString("\n")
	}
	return b.String()
}

// validate extracts the draft's citations and checks each against the
// evidence it was given and the run's retrieval trace.
func (s *Synthesizer) validate(answer string, items []models.EvidenceItem, policy profile.CitationPolicy, trace *models.RetrievalTrace) ([]models.Citation, models.ValidationRecord) {
	record := models.ValidationRecord{Accepted: true, StrictMode: policy.Strict}

	seen := map[string]bool{}
	var citations []models.Citation
	for _, m := range markerPattern.FindAllStringSubmatch(answer, -1) {
		marker := m[0]
		if seen[marker] {
			continue
		}
		seen[marker] = true

		idx, _ := strconv.Atoi(m[1])
		c := models.Citation{Marker: marker}
		if idx < 1 || idx > len(items) {
			record.Accepted = false
			record.Issues = append(record.Issues, fmt.Sprintf("citation %s does not match any provided evidence", marker))
		} else {
			c.EvidenceID = items[idx-1].ID
			c.Valid = true
			if trace != nil && !trace.HasEvidence(c.EvidenceID) {
				c.Valid = false
				record.Accepted = false
				record.Issues = append(record.Issues, fmt.Sprintf("citation %s references evidence outside this run", marker))
			}
		}
		citations = append(citations, c)
	}

	if policy.Require && len(citations) == 0 {
		record.Accepted = false
		record.Issues = append(record.Issues, "answer contains no citations")
	}

	if policy.Strict && policy.MinPerClaims > 0 {
		total, cited := citationDensity(answer)
		if total > 0 && float64(cited)/float64(total) < policy.MinPerClaims {
			record.Accepted = false
			record.Issues = append(record.Issues,
				fmt.Sprintf("only %d of %d sentences carry citations, need %.0f%%", cited, total, policy.MinPerClaims*100))
		}
	}
	return citations, record
}

// citationDensity counts sentences and how many of them carry a marker.
func citationDensity(answer string) (total, cited int) {
	for _, sentence := range sentencePattern.FindAllString(answer, -1) {
		if strings.TrimSpace(sentence) == "" {
			continue
		}
		total++
		if markerPattern.MatchString(sentence) {
			cited++
		}
	}
	return total, cited
}
