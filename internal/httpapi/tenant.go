package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// handleTenant routes /api/v1/tenants/{id}/profile-override.
func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tenants/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "profile-override" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	tenantID := parts[0]

	// A token-scoped caller may only manage its own tenant.
	if authed := tokenTenant(r.Context()); authed != "" && authed != tenantID {
		writeError(w, http.StatusForbidden, "cannot manage another tenant")
		return
	}
	if s.overrides == nil {
		writeError(w, http.StatusServiceUnavailable, "override store not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getOverride(w, r, tenantID)
	case http.MethodPut:
		s.setOverride(w, r, tenantID)
	case http.MethodDelete:
		s.clearOverride(w, r, tenantID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getOverride(w http.ResponseWriter, r *http.Request, tenantID string) {
	profileID, err := s.overrides.GetOverride(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("Override lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "override lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id":  tenantID,
		"profile_id": profileID,
	})
}

func (s *Server) setOverride(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body struct {
		ProfileID string `json:"profile_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ProfileID == "" {
		writeError(w, http.StatusBadRequest, "profile_id is required")
		return
	}

	// Refuse to point a tenant at a document that cannot resolve.
	if _, err := s.loader.Load(body.ProfileID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "profile does not exist or fails validation")
		return
	}

	if err := s.overrides.SetOverride(r.Context(), tenantID, body.ProfileID); err != nil {
		s.logger.Error("Override write failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "override write failed")
		return
	}
	s.profiles.Invalidate(tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id":  tenantID,
		"profile_id": body.ProfileID,
	})
}

func (s *Server) clearOverride(w http.ResponseWriter, r *http.Request, tenantID string) {
	if err := s.overrides.ClearOverride(r.Context(), tenantID); err != nil {
		s.logger.Error("Override delete failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "override delete failed")
		return
	}
	s.profiles.Invalidate(tenantID)
	w.WriteHeader(http.StatusNoContent)
}
