package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"starline.org/internal/access"
	"starline.org/internal/audit"
	"starline.org/internal/obs"
	"starline.org/internal/tenant"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.access == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		principal, err := a.access.AuthenticateToken(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, access.ErrInvalidToken), errors.Is(err, access.ErrUnauthorized),
				errors.Is(err, access.ErrNotFound):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := access.ContextWithPrincipal(r.Context(), principal)
		if a.guard != nil {
			scope, err := a.guard.Bind(ctx, principal, r.Host)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "organization context required")
				return
			}
			ctx = tenant.ContextWithScope(ctx, scope)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission authorizes the request for (resource, action). A super
// admin passes any check; the elevated access shows up in the audit trail.
// Denials are audited as ACCESS_DENIED before the 403 goes out.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, resource, action string) (access.Principal, bool) {
	principal, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return access.Principal{}, false
	}
	if principal.User.SuperAdmin || principal.Can(resource, action) {
		return principal, true
	}
	a.record(r, audit.Entry{
		OrganizationID: principal.User.OrganizationID,
		ActorID:        principal.User.ID,
		Action:         audit.ActionAccessDenied,
		ResourceType:   resource,
		Success:        false,
		ErrorMessage:   "missing permission " + resource + ":" + action,
	})
	writeError(w, r, http.StatusForbidden, "permission denied")
	return access.Principal{}, false
}

// ensureScope verifies the request's organization scope covers the target
// organization. A mismatch reads as not-found so resource existence never
// leaks across tenants, and the attempt is audited.
func (a *API) ensureScope(w http.ResponseWriter, r *http.Request, resourceType, organizationID string) bool {
	scope, ok := tenant.ScopeFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "organization context required")
		return false
	}
	if err := a.guard.Verify(scope, organizationID); err != nil {
		principal, _ := access.PrincipalFromContext(r.Context())
		a.record(r, audit.Entry{
			OrganizationID: principal.User.OrganizationID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionTenantMismatch,
			ResourceType:   resourceType,
			Success:        false,
			ErrorMessage:   "cross-organization access attempt",
		})
		writeError(w, r, http.StatusNotFound, "resource not found")
		return false
	}
	return true
}

// record writes a fire-and-forget audit entry enriched with request metadata.
// PHI-atomic paths call the recorder directly instead.
func (a *API) record(r *http.Request, e audit.Entry) {
	if a.recorder == nil {
		return
	}
	e.Meta = requestMeta(r)
	if principal, ok := access.PrincipalFromContext(r.Context()); ok {
		e.Elevated = e.Elevated || principal.User.SuperAdmin
	}
	if _, err := a.recorder.Record(r.Context(), e); err != nil {
		obs.LogEvent(map[string]any{
			"event": "audit_record_error",
			"error": err.Error(),
		})
	}
}

func requestMeta(r *http.Request) audit.RequestMeta {
	return audit.RequestMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: RequestIDFromContext(r.Context()),
		Endpoint:  r.URL.Path,
		Method:    r.Method,
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
