// Package orchestrator runs the full answer pipeline for one question:
// profile resolution, intent and scope analysis, planning, the bounded
// retrieval loop, and synthesis with citation validation. Each run is one
// request-scoped call tree under one context; nothing survives the request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/config"
	"github.com/normlens/orchestrator/internal/intent"
	"github.com/normlens/orchestrator/internal/metrics"
	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/observability"
	"github.com/normlens/orchestrator/internal/planner"
	"github.com/normlens/orchestrator/internal/profile"
	"github.com/normlens/orchestrator/internal/reflection"
	"github.com/normlens/orchestrator/internal/session"
	"github.com/normlens/orchestrator/internal/synthesis"
	"github.com/normlens/orchestrator/internal/tracing"
)

// Engine is the pipeline entry point.
type Engine struct {
	profiles    *profile.Resolver
	analyzer    *intent.Analyzer
	planner     *planner.Planner
	controller  *reflection.Controller
	synthesizer *synthesis.Synthesizer
	sessions    *session.Manager
	sink        *observability.Sink
	cfg         config.OrchestrationConfig
	logger      *zap.Logger
}

// NewEngine wires the pipeline. sessions may be nil when no session store is
// configured; follow-up resolution is then disabled.
func NewEngine(
	profiles *profile.Resolver,
	analyzer *intent.Analyzer,
	plnr *planner.Planner,
	controller *reflection.Controller,
	synthesizer *synthesis.Synthesizer,
	sessions *session.Manager,
	sink *observability.Sink,
	cfg config.OrchestrationConfig,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		profiles:    profiles,
		analyzer:    analyzer,
		planner:     plnr,
		controller:  controller,
		synthesizer: synthesizer,
		sessions:    sessions,
		sink:        sink,
		cfg:         cfg,
		logger:      logger,
	}
}

// Answer runs the pipeline for one question. The returned result is always
// complete: even degraded and unauthorized outcomes carry a full trace.
func (e *Engine) Answer(ctx context.Context, req models.QueryRequest) (*models.OrchestrationResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	start := time.Now()
	metrics.RunsStarted.WithLabelValues(req.TenantID).Inc()

	if e.cfg.RunDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RunDeadline)
		defer cancel()
	}

	ctx, span := tracing.StartStageSpan(ctx, "run", req.RunID)
	defer span.End()

	e.emit(req, "run_started", "", nil)

	resolved := e.profiles.Resolve(ctx, req.TenantID, req.ProfileID)
	prof := resolved.Profile
	e.emit(req, "profile_resolved", "", map[string]interface{}{
		"profile_id": prof.ID,
		"source":     resolved.Source,
	})

	var sess *session.State
	if e.sessions != nil && req.SessionID != "" {
		var err error
		sess, err = e.sessions.Get(ctx, req.SessionID)
		if err != nil {
			// Lost history only costs coreference, never the run.
			e.logger.Warn("Session read failed",
				zap.String("run_id", req.RunID),
				zap.Error(err),
			)
		}
	}

	analysis, err := e.analyzer.Analyze(ctx, req, prof, sess)
	if err != nil {
		if errors.Is(err, intent.ErrUnauthorizedScope) {
			return e.refuse(req, resolved, analysis, start), nil
		}
		return nil, fmt.Errorf("analyze query: %w", err)
	}
	e.emit(req, "query_analyzed", "", map[string]interface{}{
		"intent":              string(analysis.Intent),
		"effective_standards": analysis.Scope.EffectiveStandards,
	})

	plan := e.planner.Plan(ctx, req.Query, analysis.Intent, analysis.Scope, prof)
	trace := &models.RetrievalTrace{RunID: req.RunID, StartedAt: start}

	outcome, err := e.controller.Run(ctx, req.Query, plan, prof, trace, e.cfg.MaxIterations,
		func(state reflection.State, iteration int) {
			e.emit(req, string(state), "", map[string]interface{}{"iteration": iteration})
		})
	if err != nil {
		e.emit(req, "run_failed", err.Error(), nil)
		metrics.RunsCompleted.WithLabelValues(req.TenantID, "failed").Inc()
		return nil, fmt.Errorf("retrieve evidence: %w", err)
	}

	mode := models.ModeDirect
	switch {
	case outcome.State == reflection.StateExhausted:
		mode = models.ModeDegraded
	case outcome.Iterations > 1:
		mode = models.ModeRetried
	}

	synth, err := e.synthesizer.Synthesize(ctx, req.Query, outcome.Evidence, prof, trace)
	if err != nil {
		e.emit(req, "run_failed", err.Error(), nil)
		metrics.RunsCompleted.WithLabelValues(req.TenantID, "failed").Inc()
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	result := &models.OrchestrationResult{
		RunID:          req.RunID,
		TenantID:       req.TenantID,
		ProfileID:      prof.ID,
		ProfileVersion: prof.Version,
		ProfileSource:  resolved.Source,
		Answer:         synth.Answer,
		Citations:      synth.Citations,
		ContextChunks:  outcome.Evidence,
		Sufficiency:    outcome.Verdict,
		Validation:     synth.Validation,
		Trace:          trace,
		Mode:           mode,
		ElapsedMs:      time.Since(start).Milliseconds(),
	}

	e.recordTurn(ctx, req, analysis, mode)
	e.finish(req, mode, start)
	return result, nil
}

// refuse builds the structured unauthorized-scope result. It is a terminal
// outcome, not an error: the caller gets a clear denial with the scope that
// was attempted.
func (e *Engine) refuse(req models.QueryRequest, resolved *profile.Resolved, analysis *intent.Analysis, start time.Time) *models.OrchestrationResult {
	reason := "none of the requested standards are within this tenant's authorized scope"
	if analysis != nil && analysis.Decision != nil && analysis.Decision.Reason != "" {
		reason = analysis.Decision.Reason
	}
	e.emit(req, "scope_denied", reason, nil)

	result := &models.OrchestrationResult{
		RunID:          req.RunID,
		TenantID:       req.TenantID,
		ProfileID:      resolved.Profile.ID,
		ProfileVersion: resolved.Profile.Version,
		ProfileSource:  resolved.Source,
		Answer:         "This question cannot be answered: " + reason + ".",
		Sufficiency:    models.SufficiencyVerdict{Accepted: false, Reason: reason},
		Validation:     models.ValidationRecord{Accepted: true},
		Trace:          &models.RetrievalTrace{RunID: req.RunID, StartedAt: start},
		Mode:           models.ModeUnauthorizedScope,
		ElapsedMs:      time.Since(start).Milliseconds(),
	}
	if analysis != nil {
		result.Sufficiency.MissingStandards = analysis.Scope.RequestedStandards
	}
	e.finish(req, models.ModeUnauthorizedScope, start)
	return result
}

func (e *Engine) recordTurn(ctx context.Context, req models.QueryRequest, analysis *intent.Analysis, mode models.Mode) {
	if e.sessions == nil || req.SessionID == "" {
		return
	}
	err := e.sessions.RecordTurn(ctx, req.SessionID, req.TenantID, session.Turn{
		Query:     req.Query,
		Intent:    string(analysis.Intent),
		Standards: analysis.Scope.EffectiveStandards,
		Clauses:   analysis.Scope.RequestedClauses,
		Mode:      string(mode),
	})
	if err != nil {
		e.logger.Warn("Session write failed",
			zap.String("run_id", req.RunID),
			zap.Error(err),
		)
	}
}

func (e *Engine) finish(req models.QueryRequest, mode models.Mode, start time.Time) {
	elapsed := time.Since(start)
	metrics.RunsCompleted.WithLabelValues(req.TenantID, string(mode)).Inc()
	metrics.RunDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
	e.emit(req, "run_completed", "", map[string]interface{}{
		"mode":       string(mode),
		"elapsed_ms": elapsed.Milliseconds(),
	})
	e.logger.Info("Run completed",
		zap.String("run_id", req.RunID),
		zap.String("tenant_id", req.TenantID),
		zap.String("mode", string(mode)),
		zap.Duration("elapsed", elapsed),
	)
}

func (e *Engine) emit(req models.QueryRequest, stage, message string, fields map[string]interface{}) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(observability.Event{
		RunID:    req.RunID,
		TenantID: req.TenantID,
		Stage:    stage,
		Message:  message,
		Fields:   fields,
	})
}
