package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"starline.org/internal/access"
	"starline.org/internal/audit"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	access.TokenPair
	User access.User `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	meta := access.LoginMeta{IPAddress: clientIP(r), UserAgent: r.UserAgent()}
	pair, principal, err := a.access.Login(r.Context(), email, req.Password, meta)
	if err != nil {
		a.record(r, audit.Entry{
			OrganizationID: principal.User.OrganizationID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionLogin,
			ResourceType:   "session",
			Success:        false,
			ErrorMessage:   loginFailureReason(err),
			NewValues:      map[string]any{"email": email},
		})
		handleAccessError(w, r, err)
		return
	}

	a.record(r, audit.Entry{
		OrganizationID: principal.User.OrganizationID,
		ActorID:        principal.User.ID,
		Action:         audit.ActionLogin,
		ResourceType:   "session",
		Success:        true,
	})
	writeJSON(w, http.StatusOK, loginResponse{TokenPair: pair, User: principal.User})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	pair, principal, err := a.access.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{TokenPair: pair, User: principal.User})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.access.Logout(r.Context(), req.RefreshToken); err != nil {
		handleAccessError(w, r, err)
		return
	}
	if principal, ok := access.PrincipalFromContext(r.Context()); ok {
		a.record(r, audit.Entry{
			OrganizationID: principal.User.OrganizationID,
			ActorID:        principal.User.ID,
			Action:         audit.ActionLogout,
			ResourceType:   "session",
			Success:        true,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func loginFailureReason(err error) string {
	switch {
	case errors.Is(err, access.ErrAccountLocked):
		return "account locked"
	default:
		return "invalid credentials"
	}
}
