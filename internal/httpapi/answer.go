package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/backend"
	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/retrieval"
)

// answerRequest is the answer endpoint's body. tenant_id may be omitted when
// the bearer token carries it.
type answerRequest struct {
	Query        string            `json:"query"`
	TenantID     string            `json:"tenant_id,omitempty"`
	CollectionID string            `json:"collection_id,omitempty"`
	ProfileID    string            `json:"profile_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type answerResponse struct {
	RunID         string                    `json:"run_id"`
	Answer        string                    `json:"answer"`
	Citations     []models.Citation         `json:"citations"`
	ContextChunks []models.EvidenceItem     `json:"context_chunks"`
	Sufficiency   models.SufficiencyVerdict `json:"sufficiency"`
	Validation    models.ValidationRecord   `json:"validation"`
	Retrieval     retrievalSection          `json:"retrieval"`
	Profile       profileSection            `json:"profile"`
	Mode          models.Mode               `json:"mode"`
	ElapsedMs     int64                     `json:"elapsed_ms"`
}

type retrievalSection struct {
	Trace *models.RetrievalTrace `json:"trace"`
}

type profileSection struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Source  string `json:"source"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	// The token's tenant wins; a body tenant that disagrees is rejected.
	tenant := tokenTenant(r.Context())
	switch {
	case tenant == "":
		tenant = req.TenantID
	case req.TenantID != "" && req.TenantID != tenant:
		writeError(w, http.StatusForbidden, "tenant mismatch")
		return
	}
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	profileID := req.ProfileID
	if profileID == "" {
		profileID = r.Header.Get("X-Profile-ID")
	}

	result, err := s.engine.Answer(r.Context(), models.QueryRequest{
		Query:        req.Query,
		TenantID:     tenant,
		CollectionID: req.CollectionID,
		ProfileID:    profileID,
		SessionID:    req.SessionID,
		Metadata:     req.Metadata,
	})
	if err != nil {
		s.logger.Error("Answer failed",
			zap.String("tenant_id", tenant),
			zap.Error(err),
		)
		writeError(w, answerStatus(err), "answer failed: "+err.Error())
		return
	}

	// A scope refusal is a well-formed payload on a forbidden status.
	status := http.StatusOK
	if result.Mode == models.ModeUnauthorizedScope {
		status = http.StatusForbidden
	}
	writeJSON(w, status, answerResponse{
		RunID:         result.RunID,
		Answer:        result.Answer,
		Citations:     result.Citations,
		ContextChunks: result.ContextChunks,
		Sufficiency:   result.Sufficiency,
		Validation:    result.Validation,
		Retrieval:     retrievalSection{Trace: result.Trace},
		Profile: profileSection{
			ID:      result.ProfileID,
			Version: result.ProfileVersion,
			Source:  result.ProfileSource,
		},
		Mode:      result.Mode,
		ElapsedMs: result.ElapsedMs,
	})
}

func answerStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, backend.ErrBackendUnavailable), errors.Is(err, retrieval.ErrNoEvidence):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
