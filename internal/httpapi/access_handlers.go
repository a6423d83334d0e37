package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"starline.org/internal/access"
	"starline.org/internal/audit"
	"starline.org/internal/tenant"
)

type createOrganizationRequest struct {
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
}

type updateOrganizationRequest struct {
	Name   *string `json:"name"`
	Active *bool   `json:"active"`
}

type createUserRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type updateUserRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Status    *string `json:"status"`
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type customPermissionsRequest struct {
	Permissions          []string `json:"permissions"`
	UseCustomPermissions bool     `json:"use_custom_permissions"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// --- organizations ---

func (a *API) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createOrganization(w, r)
	case http.MethodGet:
		a.listOrganizations(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createOrganization(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.ensurePermission(w, r, "organizations", "manage")
	if !ok {
		return
	}
	var req createOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.access.CreateOrganization(r.Context(), req.Name, req.Subdomain)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.record(r, audit.Entry{
		OrganizationID: org.ID,
		ActorID:        principal.User.ID,
		Action:         audit.ActionCreate,
		ResourceType:   "organization",
		ResourceID:     org.ID,
		NewValues:      map[string]any{"name": org.Name, "subdomain": org.Subdomain},
		Success:        true,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s", org.ID))
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) listOrganizations(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, "organizations", "manage"); !ok {
		return
	}
	scope, _ := tenant.ScopeFromContext(r.Context())
	orgs, err := a.access.ListOrganizations(r.Context())
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if !scope.AllOrganizations {
		filtered := orgs[:0]
		for _, org := range orgs {
			if scope.Covers(org.ID) {
				filtered = append(filtered, org)
			}
		}
		orgs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": orgs})
}

func (a *API) handleOrganizationScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/organizations/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	orgID := parts[0]
	switch {
	case len(parts) == 1:
		a.handleOrganization(w, r, orgID)
	case len(parts) == 2 && parts[1] == "users":
		a.handleOrganizationUsers(w, r, orgID)
	case len(parts) == 2 && parts[1] == "roles":
		a.handleOrganizationRoles(w, r, orgID)
	case len(parts) == 2 && parts[1] == "audit-settings":
		a.handleAuditSettings(w, r, orgID)
	case len(parts) == 2 && parts[1] == "audit-report":
		a.handleAuditReport(w, r, orgID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleOrganization(w http.ResponseWriter, r *http.Request, orgID string) {
	if !a.ensureScope(w, r, "organization", orgID) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "organizations", "manage"); !ok {
			return
		}
		org, err := a.access.GetOrganization(r.Context(), orgID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, org)
	case http.MethodPatch:
		principal, ok := a.ensurePermission(w, r, "organizations", "manage")
		if !ok {
			return
		}
		var req updateOrganizationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		org, err := a.access.UpdateOrganization(r.Context(), orgID, access.OrganizationUpdate{
			Name:   req.Name,
			Active: req.Active,
		})
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.record(r, audit.Entry{
			OrganizationID: orgID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionUpdate,
			ResourceType:   "organization",
			ResourceID:     orgID,
			NewValues:      map[string]any{"name": org.Name, "active": org.Active},
			Success:        true,
		})
		writeJSON(w, http.StatusOK, org)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

// --- users ---

func (a *API) handleOrganizationUsers(w http.ResponseWriter, r *http.Request, orgID string) {
	if !a.ensureScope(w, r, "user", orgID) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.createUser(w, r, orgID)
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "users", "manage"); !ok {
			return
		}
		users, err := a.access.ListUsers(r.Context(), orgID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": users})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request, orgID string) {
	principal, ok := a.ensurePermission(w, r, "users", "manage")
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.access.CreateUser(r.Context(), orgID, req.Email, req.Password, req.FirstName, req.LastName)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.record(r, audit.Entry{
		OrganizationID: orgID,
		ActorID:        principal.User.ID,
		Action:         audit.ActionCreate,
		ResourceType:   "user",
		ResourceID:     user.ID,
		NewValues:      map[string]any{"email": user.Email},
		Success:        true,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]

	user, err := a.access.GetUser(r.Context(), userID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if !a.ensureScope(w, r, "user", user.OrganizationID) {
		return
	}

	switch {
	case len(parts) == 1:
		a.handleUser(w, r, user)
	case len(parts) == 2 && parts[1] == "role":
		a.assignUserRole(w, r, user)
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleUserPermissions(w, r, user)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request, user access.User) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "users", "manage"); !ok {
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		principal, ok := a.ensurePermission(w, r, "users", "manage")
		if !ok {
			return
		}
		var req updateUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := a.access.UpdateUser(r.Context(), user.ID, access.UserUpdate{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Status:    req.Status,
		})
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.record(r, audit.Entry{
			OrganizationID: user.OrganizationID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionUpdate,
			ResourceType:   "user",
			ResourceID:     user.ID,
			OldValues:      map[string]any{"status": user.Status},
			NewValues:      map[string]any{"status": updated.Status},
			Success:        true,
		})
		writeJSON(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

func (a *API) assignUserRole(w http.ResponseWriter, r *http.Request, user access.User) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	principal, ok := a.ensurePermission(w, r, "users", "manage")
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.RoleID = strings.TrimSpace(req.RoleID)
	if req.RoleID == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	if err := a.access.AssignRole(r.Context(), user.ID, req.RoleID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.record(r, audit.Entry{
		OrganizationID: user.OrganizationID,
		ActorID:        principal.User.ID,
		Action:         audit.ActionUpdate,
		ResourceType:   "user",
		ResourceID:     user.ID,
		OldValues:      map[string]any{"role_id": user.RoleID},
		NewValues:      map[string]any{"role_id": req.RoleID},
		Success:        true,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, user access.User) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "users", "manage"); !ok {
			return
		}
		set, err := a.access.Resolver().Resolve(r.Context(), user)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":                user.ID,
			"use_custom_permissions": user.UseCustomPermissions,
			"permissions":            set.Keys(),
		})
	case http.MethodPut:
		principal, ok := a.ensurePermission(w, r, "users", "manage")
		if !ok {
			return
		}
		var req customPermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.access.SetCustomPermissions(r.Context(), user.ID, req.Permissions, req.UseCustomPermissions); err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.record(r, audit.Entry{
			OrganizationID: user.OrganizationID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionUpdate,
			ResourceType:   "permission",
			ResourceID:     user.ID,
			NewValues: map[string]any{
				"use_custom_permissions": req.UseCustomPermissions,
				"permissions":            req.Permissions,
			},
			Success: true,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

// --- roles ---

func (a *API) handleOrganizationRoles(w http.ResponseWriter, r *http.Request, orgID string) {
	if !a.ensureScope(w, r, "role", orgID) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		principal, ok := a.ensurePermission(w, r, "roles", "manage")
		if !ok {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.access.CreateRole(r.Context(), orgID, req.Name, req.Description)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.record(r, audit.Entry{
			OrganizationID: orgID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionCreate,
			ResourceType:   "role",
			ResourceID:     role.ID,
			NewValues:      map[string]any{"name": role.Name},
			Success:        true,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "roles", "manage"); !ok {
			return
		}
		roles, err := a.access.ListRoles(r.Context(), orgID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	roleID := parts[0]

	role, err := a.access.GetRole(r.Context(), roleID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if role.OrganizationID != "" && !a.ensureScope(w, r, "role", role.OrganizationID) {
		return
	}

	switch {
	case len(parts) == 1:
		a.handleRole(w, r, role)
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleRolePermissions(w, r, role)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, role access.Role) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "roles", "manage"); !ok {
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPatch:
		principal, ok := a.ensurePermission(w, r, "roles", "manage")
		if !ok {
			return
		}
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := a.access.UpdateRole(r.Context(), role.ID, access.RoleUpdate{
			Name:        req.Name,
			Description: req.Description,
		})
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.record(r, audit.Entry{
			OrganizationID: role.OrganizationID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionUpdate,
			ResourceType:   "role",
			ResourceID:     role.ID,
			OldValues:      map[string]any{"name": role.Name},
			NewValues:      map[string]any{"name": updated.Name},
			Success:        true,
		})
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		principal, ok := a.ensurePermission(w, r, "roles", "manage")
		if !ok {
			return
		}
		if err := a.access.DeleteRole(r.Context(), role.ID); err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.record(r, audit.Entry{
			OrganizationID: role.OrganizationID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionDelete,
			ResourceType:   "role",
			ResourceID:     role.ID,
			OldValues:      map[string]any{"name": role.Name},
			Success:        true,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, role access.Role) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "roles", "manage"); !ok {
			return
		}
		set, err := a.access.RolePermissionKeys(r.Context(), role.ID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"role_id": role.ID, "permissions": set})
	case http.MethodPut:
		principal, ok := a.ensurePermission(w, r, "roles", "manage")
		if !ok {
			return
		}
		var req rolePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.access.SetRolePermissions(r.Context(), role.ID, req.Permissions); err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.record(r, audit.Entry{
			OrganizationID: role.OrganizationID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionUpdate,
			ResourceType:   "role",
			ResourceID:     role.ID,
			NewValues:      map[string]any{"permissions": req.Permissions},
			Success:        true,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

// --- catalog ---

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := access.PrincipalFromContext(r.Context()); !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	perms, err := a.access.ListPermissions(r.Context())
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}
