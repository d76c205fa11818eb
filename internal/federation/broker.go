// Package federation brokers sign-ins asserted by external trusted
// identity providers. The broker verifies provider assertions against
// each provider's published JWKS and maps the asserted subject onto an
// internal identity, creating or linking one when needed.
package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"aegisid.org/internal/authority"
	"aegisid.org/internal/ids"
	"aegisid.org/internal/obs"
)

var (
	// ErrUntrustedProvider rejects assertions from providers that are not
	// on the configured trust list.
	ErrUntrustedProvider = errors.New("federation: untrusted provider")

	// ErrInvalidAssertion covers malformed, mis-signed, expired, and
	// mis-addressed assertions.
	ErrInvalidAssertion = errors.New("federation: invalid assertion")

	// ErrProviderUnavailable indicates the provider's key material could
	// not be fetched; the caller should retry, not fail the account.
	ErrProviderUnavailable = errors.New("federation: provider unavailable")
)

// Provider describes one trusted external identity provider.
type Provider struct {
	Name     string `json:"name"`
	Issuer   string `json:"issuer"`
	Audience string `json:"audience"`
	JWKSURL  string `json:"jwks_url"`
}

type trustedProvider struct {
	Provider
	jwks *jwksCache
}

// Broker validates provider assertions and resolves them to identities.
type Broker struct {
	store     authority.Store
	providers map[string]*trustedProvider
	now       func() time.Time
}

// Option configures the Broker.
type Option func(*brokerConfig)

type brokerConfig struct {
	client   *http.Client
	cacheTTL time.Duration
	now      func() time.Time
}

// WithHTTPClient overrides the client used for JWKS fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *brokerConfig) {
		if c != nil {
			cfg.client = c
		}
	}
}

// WithJWKSCacheTTL overrides how long fetched provider keys are reused.
func WithJWKSCacheTTL(ttl time.Duration) Option {
	return func(cfg *brokerConfig) {
		if ttl > 0 {
			cfg.cacheTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(cfg *brokerConfig) {
		if fn != nil {
			cfg.now = fn
		}
	}
}

// New builds a Broker over the given trust list. Provider names must be
// unique; an empty trust list is allowed and rejects every assertion.
func New(store authority.Store, providers []Provider, opts ...Option) (*Broker, error) {
	if store == nil {
		return nil, errors.New("federation: store is required")
	}
	cfg := brokerConfig{
		client:   &http.Client{Timeout: 10 * time.Second},
		cacheTTL: time.Hour,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	trusted := make(map[string]*trustedProvider, len(providers))
	for _, p := range providers {
		name := strings.TrimSpace(strings.ToLower(p.Name))
		if name == "" || p.Issuer == "" || p.JWKSURL == "" {
			return nil, fmt.Errorf("federation: provider %q needs name, issuer, and jwks url", p.Name)
		}
		if _, dup := trusted[name]; dup {
			return nil, fmt.Errorf("federation: duplicate provider %q", name)
		}
		p.Name = name
		trusted[name] = &trustedProvider{
			Provider: p,
			jwks:     newJWKSCache(p.JWKSURL, cfg.client, cfg.cacheTTL),
		}
	}
	return &Broker{store: store, providers: trusted, now: cfg.now}, nil
}

// Providers returns the names on the trust list.
func (b *Broker) Providers() []string {
	out := make([]string, 0, len(b.providers))
	for name := range b.providers {
		out = append(out, name)
	}
	return out
}

type assertionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// errKeyFetch tags keyfunc failures caused by the provider endpoint so
// they can be told apart from signature problems after parsing.
var errKeyFetch = errors.New("federation: key fetch failed")

// ResolveOrCreate verifies an assertion from the named provider and
// returns the internal identity for its subject. First sight of a
// (provider, subject) pair links to an existing identity with the same
// handle, or creates a federation-only identity; either way link and
// identity land atomically, and repeats resolve to the same identity.
func (b *Broker) ResolveOrCreate(ctx context.Context, providerName, assertion string) (*authority.Identity, error) {
	provider, ok := b.providers[strings.TrimSpace(strings.ToLower(providerName))]
	if !ok {
		return nil, ErrUntrustedProvider
	}

	claims, err := b.verifyAssertion(ctx, provider, assertion)
	if err != nil {
		return nil, err
	}

	if identity, err := b.store.FindByFederatedSubject(ctx, provider.Name, claims.Subject); err == nil {
		return identity, nil
	} else if !errors.Is(err, authority.ErrNotFound) {
		return nil, err
	}

	handle := strings.TrimSpace(strings.ToLower(claims.Email))
	if handle == "" {
		handle = claims.Subject + "@" + provider.Name
	}

	link := authority.FederatedLink{Provider: provider.Name, Subject: claims.Subject}
	identity := &authority.Identity{Handle: handle, Status: authority.StatusActive}
	if existing, err := b.store.FindByHandle(ctx, handle); err == nil {
		// Same handle already registered locally: link rather than fork.
		identity = existing
	} else if !errors.Is(err, authority.ErrNotFound) {
		return nil, err
	} else {
		identity.ID = ids.New()
	}

	if err := b.store.LinkFederated(ctx, identity, link); err != nil {
		if errors.Is(err, authority.ErrAlreadyExists) {
			// Lost a race with a concurrent first sign-in for this subject.
			return b.store.FindByFederatedSubject(ctx, provider.Name, claims.Subject)
		}
		return nil, err
	}
	obs.Info("federated identity linked", map[string]any{
		"provider": provider.Name,
		"identity": identity.ID,
	})
	return b.store.FindByID(ctx, identity.ID)
}

func (b *Broker) verifyAssertion(ctx context.Context, provider *trustedProvider, assertion string) (*assertionClaims, error) {
	assertion = strings.TrimSpace(assertion)
	if assertion == "" {
		return nil, ErrInvalidAssertion
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithoutClaimsValidation(), // checked explicitly below
	)
	var claims assertionClaims
	_, err := parser.ParseWithClaims(assertion, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrInvalidAssertion
		}
		key, err := provider.jwks.key(ctx, kid)
		if err != nil {
			if errors.Is(err, errUnknownProviderKey) {
				return nil, ErrInvalidAssertion
			}
			return nil, fmt.Errorf("%w: %v", errKeyFetch, err)
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, errKeyFetch) {
			return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, provider.Name)
		}
		return nil, ErrInvalidAssertion
	}

	if claims.Issuer != provider.Issuer {
		return nil, ErrInvalidAssertion
	}
	if provider.Audience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == provider.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, ErrInvalidAssertion
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidAssertion
	}
	if claims.ExpiresAt == nil || b.now().UTC().After(claims.ExpiresAt.Time) {
		return nil, ErrInvalidAssertion
	}
	return &claims, nil
}
