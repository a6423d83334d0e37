package httpapi

import (
	"net/http"
	"strings"
	"time"

	"starline.org/internal/audit"
	"starline.org/internal/compliance"
	"starline.org/internal/tenant"
)

type resolveViolationRequest struct {
	Note string `json:"note"`
}

func (a *API) handleViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, "compliance", "manage"); !ok {
		return
	}
	scope, ok := tenant.ScopeFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "organization context required")
		return
	}

	q := r.URL.Query()
	filter := compliance.Filter{
		OrganizationID: q.Get("organization_id"),
		Rule:           q.Get("rule"),
		Status:         compliance.Status(q.Get("status")),
		Severity:       compliance.Severity(q.Get("severity")),
		ActorID:        q.Get("actor_id"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		filter.To = t
	}
	if !scope.AllOrganizations {
		filter.OrganizationID = scope.OrganizationID
	}

	items, err := a.compliance.List(r.Context(), filter)
	if err != nil {
		handleComplianceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleViolationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/compliance/violations/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	violationID := parts[0]

	principal, ok := a.ensurePermission(w, r, "compliance", "manage")
	if !ok {
		return
	}

	v, err := a.compliance.Get(r.Context(), violationID)
	if err != nil {
		handleComplianceError(w, r, err)
		return
	}
	if !a.ensureScope(w, r, "compliance_violation", v.OrganizationID) {
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, v)
		return
	}
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	actorID := principal.User.ID
	var updated compliance.Violation
	switch parts[1] {
	case "acknowledge":
		updated, err = a.compliance.Acknowledge(r.Context(), v.ID, actorID)
	case "resolve":
		var req resolveViolationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err = a.compliance.Resolve(r.Context(), v.ID, actorID, req.Note)
	case "false-positive":
		var req resolveViolationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err = a.compliance.MarkFalsePositive(r.Context(), v.ID, actorID, req.Note)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		handleComplianceError(w, r, err)
		return
	}

	a.record(r, audit.Entry{
		OrganizationID: v.OrganizationID,
		ActorID:        actorID,
		Action:         audit.ActionUpdate,
		ResourceType:   "compliance_violation",
		ResourceID:     v.ID,
		OldValues:      map[string]any{"status": string(v.Status)},
		NewValues:      map[string]any{"status": string(updated.Status)},
		Success:        true,
	})
	writeJSON(w, http.StatusOK, updated)
}
