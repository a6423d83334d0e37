package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"starline.org/internal/audit"
	"starline.org/internal/tenant"
)

type auditQueryResponse struct {
	Items []audit.Record `json:"items"`
	Total int            `json:"total"`
}

func (a *API) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.ensurePermission(w, r, "audit", "read")
	if !ok {
		return
	}
	scope, ok := tenant.ScopeFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "organization context required")
		return
	}

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Non-wildcard scopes only ever see their own organization's trail.
	if !scope.AllOrganizations {
		filter.OrganizationID = scope.OrganizationID
	}

	export := r.URL.Query().Get("export") == "true"
	if export {
		if _, ok := a.ensurePermission(w, r, "audit", "export"); !ok {
			return
		}
		filter.Limit = 1000
	}

	items, err := a.auditStore.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}
	total, err := a.auditStore.Count(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}

	if export {
		a.record(r, audit.Entry{
			OrganizationID: filter.OrganizationID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionExport,
			ResourceType:   "audit_record",
			NewValues:      map[string]any{"count": len(items)},
			Success:        true,
		})
	}
	writeJSON(w, http.StatusOK, auditQueryResponse{Items: items, Total: total})
}

func (a *API) handleAuditRecordResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/audit/records/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	recordID := parts[0]

	switch {
	case len(parts) == 1:
		a.getAuditRecord(w, r, recordID)
	case len(parts) == 2 && parts[1] == "verify":
		a.verifyAuditRecord(w, r, recordID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getAuditRecord(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, "audit", "read"); !ok {
		return
	}
	rec, err := a.auditStore.Get(r.Context(), id)
	if err != nil {
		handleAuditError(w, r, err)
		return
	}
	if rec.OrganizationID != "" && !a.ensureScope(w, r, "audit_record", rec.OrganizationID) {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) verifyAuditRecord(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.ensurePermission(w, r, "compliance", "manage"); !ok {
		return
	}
	rec, err := a.auditStore.Get(r.Context(), id)
	if err != nil {
		handleAuditError(w, r, err)
		return
	}
	if rec.OrganizationID != "" && !a.ensureScope(w, r, "audit_record", rec.OrganizationID) {
		return
	}
	rec, err = a.recorder.Verify(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrIntegrity) {
			writeJSON(w, http.StatusOK, map[string]any{
				"record_id": id,
				"intact":    false,
			})
			return
		}
		handleAuditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_id": rec.ID,
		"intact":    true,
	})
}

// --- per-organization audit settings ---

func (a *API) handleAuditSettings(w http.ResponseWriter, r *http.Request, orgID string) {
	if !a.ensureScope(w, r, "settings", orgID) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "compliance", "manage"); !ok {
			return
		}
		settings, err := a.settings.OrganizationSettings(r.Context(), orgID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "settings lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		principal, ok := a.ensurePermission(w, r, "compliance", "manage")
		if !ok {
			return
		}
		var req audit.Settings
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		req.OrganizationID = orgID
		if err := req.Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.settings.SaveSettings(r.Context(), req); err != nil {
			writeError(w, r, http.StatusInternalServerError, "settings update failed")
			return
		}
		a.record(r, audit.Entry{
			OrganizationID: orgID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionConfigChange,
			ResourceType:   "settings",
			ResourceID:     orgID,
			NewValues: map[string]any{
				"retention_days":      req.RetentionDays,
				"async_enabled":       req.AsyncEnabled,
				"log_read_operations": req.LogReadOperations,
			},
			Success: true,
		})
		writeJSON(w, http.StatusOK, req)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

// handleAuditReport summarizes an organization's trail over a window.
func (a *API) handleAuditReport(w http.ResponseWriter, r *http.Request, orgID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureScope(w, r, "audit_record", orgID) {
		return
	}
	if _, ok := a.ensurePermission(w, r, "audit", "read"); !ok {
		return
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = t
	}

	base := audit.Filter{OrganizationID: orgID, From: from, To: to}
	total, err := a.auditStore.Count(r.Context(), base)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}
	byClass := make(map[string]int)
	for _, c := range []audit.Classification{
		audit.ClassPHI, audit.ClassPII, audit.ClassFinancial,
		audit.ClassAdministrative, audit.ClassGeneral,
	} {
		f := base
		f.Classification = c
		n, err := a.auditStore.Count(r.Context(), f)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "audit query failed")
			return
		}
		byClass[string(c)] = n
	}
	failures := base
	failures.FailuresOnly = true
	failed, err := a.auditStore.Count(r.Context(), failures)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id":   orgID,
		"from":              from,
		"to":                to,
		"total":             total,
		"by_classification": byClass,
		"failures":          failed,
	})
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		OrganizationID: q.Get("organization_id"),
		ActorID:        q.Get("actor_id"),
		ResourceType:   q.Get("resource_type"),
		ResourceID:     q.Get("resource_id"),
		Action:         audit.Action(q.Get("action")),
		Classification: audit.Classification(q.Get("classification")),
		PHIOnly:        q.Get("phi_only") == "true",
		FailuresOnly:   q.Get("failures_only") == "true",
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filter{}, errors.New("from must be RFC3339")
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filter{}, errors.New("to must be RFC3339")
		}
		f.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return audit.Filter{}, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return audit.Filter{}, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

func handleAuditError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "audit operation failed")
	}
}
