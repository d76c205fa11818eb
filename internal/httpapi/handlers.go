package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"aegisid.org/internal/audit"
	"aegisid.org/internal/authority"
	"aegisid.org/internal/federation"
)

// --- authentication handlers ---

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Handle   string `json:"handle"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, err := a.auth.Register(r.Context(), req.Handle, req.Password, nil)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.registered", map[string]any{"identity": identity.ID})
	writeJSON(w, http.StatusCreated, identityView(identity))
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, err := a.auth.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, authority.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "unknown verification token")
		case errors.Is(err, authority.ErrExpired):
			writeError(w, r, http.StatusGone, "verification token expired")
		default:
			writeServiceError(w, r, err)
		}
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.verified", map[string]any{"identity": identity.ID})
	writeJSON(w, http.StatusOK, identityView(identity))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Handle   string `json:"handle"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, identity, err := a.auth.Login(r.Context(), req.Handle, req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.login", map[string]any{"identity": identity.ID})
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleFederated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.broker == nil {
		writeError(w, r, http.StatusNotImplemented, "federation is not configured")
		return
	}
	var req struct {
		Provider  string `json:"provider"`
		Assertion string `json:"assertion"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, err := a.broker.ResolveOrCreate(r.Context(), req.Provider, req.Assertion)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	pair, err := a.auth.IssuePair(r.Context(), identity)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.federated_login", map[string]any{
		"identity": identity.ID,
		"provider": req.Provider,
	})
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes the presenting access token and, when supplied,
// the session's refresh token.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, _ := authority.ClaimsFromContext(r.Context())

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := a.auth.Revoke(r.Context(), claims.TokenID, "logout"); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if req.RefreshToken != "" {
		if rc, err := a.auth.Verify(r.Context(), req.RefreshToken); err == nil && rc.Subject == claims.Subject {
			_ = a.auth.Revoke(r.Context(), rc.TokenID, "logout")
		}
	}
	_ = audit.LogEvent(r.Context(), "identity.logout", map[string]any{"identity": claims.Subject})
	w.WriteHeader(http.StatusNoContent)
}

// handleChangePassword swaps the caller's password and revokes the
// presenting token so the session is re-established with the new secret.
func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, _ := authority.ClaimsFromContext(r.Context())

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.auth.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = a.auth.Revoke(r.Context(), claims.TokenID, "password change")
	_ = audit.LogEvent(r.Context(), "identity.password_changed", map[string]any{"identity": claims.Subject})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.jwks == nil {
		writeError(w, r, http.StatusNotImplemented, "key discovery is not configured")
		return
	}
	doc, err := a.jwks.JWKS()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "key set unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(doc)
}

// --- identity administration ---

// handleIdentity serves /v1/identities/{id} and /v1/identities/{id}/status.
func (a *API) handleIdentity(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/identities/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		a.handleIdentityGet(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "status":
		a.handleIdentityStatus(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleIdentityGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity, err := a.auth.Identity(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identityView(identity))
}

func (a *API) handleIdentityStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	switch authority.Status(req.Status) {
	case authority.StatusLocked:
		err = a.auth.Lock(r.Context(), id, req.Reason)
	case authority.StatusActive:
		err = a.auth.Unlock(r.Context(), id)
	default:
		writeError(w, r, http.StatusBadRequest, "status must be locked or active")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.status_changed", map[string]any{
		"identity": id,
		"status":   req.Status,
		"reason":   req.Reason,
	})
	w.WriteHeader(http.StatusNoContent)
}

type linkView struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
}

func identityView(identity *authority.Identity) map[string]any {
	view := map[string]any{
		"id":     identity.ID,
		"handle": identity.Handle,
		"status": identity.Status,
	}
	if len(identity.Roles) > 0 {
		view["roles"] = identity.Roles
	}
	if len(identity.Links) > 0 {
		links := make([]linkView, len(identity.Links))
		for i, l := range identity.Links {
			links[i] = linkView{Provider: l.Provider, Subject: l.Subject}
		}
		view["links"] = links
	}
	if !identity.CreatedAt.IsZero() {
		view["created_at"] = identity.CreatedAt
	}
	return view
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": RequestIDFromContext(r.Context()),
	})
}

// decodeJSON reads the request body into dst, answering 400 itself on
// failure. The return value tells the caller whether to continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// writeServiceError maps domain errors onto HTTP statuses. Credential
// failures answer with a deliberately uniform message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var policyErr *authority.PolicyError
	switch {
	case errors.As(err, &policyErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "password policy violated",
			"violations": policyErr.Violations,
			"request_id": RequestIDFromContext(r.Context()),
		})
	case errors.Is(err, authority.ErrInvalidCredentials),
		errors.Is(err, authority.ErrBadSignature),
		errors.Is(err, authority.ErrUnknownKey),
		errors.Is(err, authority.ErrExpired),
		errors.Is(err, authority.ErrRevoked):
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, authority.ErrNotVerified):
		writeError(w, r, http.StatusForbidden, "identity not verified")
	case errors.Is(err, authority.ErrIdentityDisabled):
		writeError(w, r, http.StatusForbidden, "identity disabled")
	case errors.Is(err, authority.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, authority.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, authority.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, authority.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, federation.ErrUntrustedProvider):
		writeError(w, r, http.StatusUnauthorized, "untrusted provider")
	case errors.Is(err, federation.ErrInvalidAssertion):
		writeError(w, r, http.StatusUnauthorized, "invalid assertion")
	case errors.Is(err, federation.ErrProviderUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "provider unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
