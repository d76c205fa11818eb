package httpapi

import (
	"net/http"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"", "", false},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer   ", "", false},
		{"Bearer tok123", "tok123", true},
		{"bearer tok123", "tok123", true},
		{"  Bearer tok123  ", "tok123", true},
	}
	for _, tc := range cases {
		got, ok := extractBearerToken(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("extractBearerToken(%q) = %q, %v; want %q, %v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAuthenticatedRejectsMissingToken(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/auth/logout", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
}

func TestAuthenticatedRejectsGarbageToken(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/auth/logout", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAuthenticatedRejectsRefreshTokenAsBearer(t *testing.T) {
	f := newAPIFixture(t)
	mustActiveIdentity(t, f, "alice@example.com", "Sup3rSecret")
	_, refresh := loginPair(t, f, "alice@example.com", "Sup3rSecret")

	rr := f.do(t, http.MethodPost, "/v1/auth/logout", refresh, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh-as-bearer status = %d", rr.Code)
	}
}
