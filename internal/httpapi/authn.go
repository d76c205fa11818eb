package httpapi

import (
	"net/http"
	"strings"

	"aegisid.org/internal/authority"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// authenticated wraps a handler with bearer-token verification. Only
// access tokens pass; refresh tokens presented as bearer credentials are
// rejected. Any listed roles must all be present in the claims snapshot.
func (a *API) authenticated(next http.HandlerFunc, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r.Header.Get(authHeader))
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := a.auth.Verify(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		if claims.Kind != authority.KindAccess {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		for _, role := range roles {
			if !claims.HasRole(role) {
				writeError(w, r, http.StatusForbidden, "insufficient role")
				return
			}
		}

		ctx := authority.ContextWithClaims(r.Context(), claims)
		ctx = authority.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", false
	}
	return token, true
}
