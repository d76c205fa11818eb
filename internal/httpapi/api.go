// Package httpapi is the HTTP surface of the identity authority. Every
// route speaks JSON; authentication is a bearer access token minted by
// the authority itself.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"aegisid.org/internal/authority"
	"aegisid.org/internal/obs"
)

// FederationBroker resolves provider assertions to internal identities.
type FederationBroker interface {
	ResolveOrCreate(ctx context.Context, provider, assertion string) (*authority.Identity, error)
}

// JWKSPublisher exposes the public signing keys for out-of-process
// verifiers.
type JWKSPublisher interface {
	JWKS() ([]byte, error)
}

// ReadyProbe checks backing-store readiness (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// RateLimitSettings throttle the credential-facing endpoints per client IP.
type RateLimitSettings struct {
	PerSecond int
	Burst     int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	auth       *authority.Service
	broker     FederationBroker
	jwks       JWKSPublisher
	readyProbe ReadyProbe
	version    string
	limits     RateLimitSettings
}

// Option configures the API.
type Option func(*API)

// WithBroker enables the federated sign-in route.
func WithBroker(b FederationBroker) Option {
	return func(a *API) { a.broker = b }
}

// WithJWKS enables the public key discovery route.
func WithJWKS(p JWKSPublisher) Option {
	return func(a *API) { a.jwks = p }
}

// WithReadyProbe wires the readiness check.
func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.readyProbe = rp }
}

// WithRateLimit overrides the default per-IP throttle.
func WithRateLimit(settings RateLimitSettings) Option {
	return func(a *API) {
		if settings.PerSecond > 0 && settings.Burst > 0 {
			a.limits = settings
		}
	}
}

func New(auth *authority.Service, version string, opts ...Option) *API {
	a := &API{
		mux:     http.NewServeMux(),
		auth:    auth,
		version: version,
		limits:  RateLimitSettings{PerSecond: 10, Burst: 20},
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/federated", a.handleFederated)
	a.mux.Handle("/v1/auth/logout", a.authenticated(a.handleLogout))
	a.mux.Handle("/v1/auth/password", a.authenticated(a.handleChangePassword))
	a.mux.HandleFunc("/v1/auth/jwks", a.handleJWKS)

	// identity administration
	a.mux.Handle("/v1/identities/", a.authenticated(a.handleIdentity, "admin"))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(h, a.limits.Burst, a.limits.PerSecond)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- service endpoints ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "aegis-id",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "aegis-id",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
