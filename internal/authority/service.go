package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"aegisid.org/internal/ids"
	"aegisid.org/internal/keyring"
	"aegisid.org/internal/notify"
	"aegisid.org/internal/obs"
	"aegisid.org/internal/policy"
)

const (
	defaultAccessTTL      = 15 * time.Minute
	defaultRefreshTTL     = 24 * time.Hour * 7
	verificationTokenTTL  = 24 * time.Hour
	reasonRefreshRotation = "refresh rotation"
)

// Service is the Token Authority: it turns a proven identity into signed,
// time-bounded, revocable session credentials and re-validates them on
// every request. Safe for use from arbitrarily many goroutines.
type Service struct {
	store    Store
	ring     *keyring.Ring
	policy   *policy.Engine
	notifier notify.Emitter

	now        func() time.Time
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration

	// Revocation lookups may be cached for up to revocationCacheTTL; the
	// cache is the locally controllable part of the revoke-latency bound.
	revocationCacheTTL time.Duration
	revCacheMu         sync.Mutex
	revCache           map[string]revCacheEntry
	revCacheSweptAt    time.Time
}

type revCacheEntry struct {
	revoked   bool
	checkedAt time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithIssuer sets the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithNotifier wires the outbound notification hook.
func WithNotifier(n notify.Emitter) ServiceOption {
	return func(s *Service) error {
		s.notifier = n
		return nil
	}
}

// WithRevocationCacheTTL enables caching of revocation lookups. Zero
// (the default) checks the store on every verification.
func WithRevocationCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl < 0 {
			return errors.New("authority: revocation cache ttl must be non-negative")
		}
		s.revocationCacheTTL = ttl
		return nil
	}
}

// NewService constructs the authority over a credential store, a key
// ring, and a password policy engine.
func NewService(store Store, ring *keyring.Ring, pol *policy.Engine, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("authority: store is required")
	}
	if ring == nil {
		return nil, errors.New("authority: key ring is required")
	}
	if pol == nil {
		return nil, errors.New("authority: password policy is required")
	}
	svc := &Service{
		store:      store,
		ring:       ring,
		policy:     pol,
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		revCache:   make(map[string]revCacheEntry),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// RevokeLatencyBound is the upper bound on how long a revoked token may
// still verify on this node: the revocation cache TTL. Store replication
// delay, if any, adds on top and is the deployment's responsibility.
func (s *Service) RevokeLatencyBound() time.Duration { return s.revocationCacheTTL }

type tokenClaims struct {
	Roles []string `json:"roles,omitempty"`
	Kind  string   `json:"kind"`
	jwt.RegisteredClaims
}

// Issue signs a new token for the identity with the key ring's active
// key. The role snapshot is embedded as claims; the token record is
// immutable once returned.
func (s *Service) Issue(ctx context.Context, identity *Identity, kind TokenKind, ttl time.Duration) (Token, error) {
	if identity == nil || identity.ID == "" {
		return Token{}, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	if identity.Status != StatusActive {
		return Token{}, ErrIdentityDisabled
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	if kind != KindAccess && kind != KindRefresh {
		return Token{}, fmt.Errorf("%w: unknown token kind %q", ErrInvalidInput, kind)
	}

	key := s.ring.Active()
	now := s.now().UTC()
	expiresAt := now.Add(ttl)
	roles := dedupeRoles(identity.Roles)

	claims := tokenClaims{
		Roles: roles,
		Kind:  string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        ids.New(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Private)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}

	obs.TokenIssued(string(kind))
	return Token{
		ID:         claims.ID,
		Subject:    identity.ID,
		Kind:       kind,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		KeyID:      key.ID,
		Roles:      roles,
		Serialized: signed,
	}, nil
}

// IssuePair mints a fresh access+refresh token pair.
func (s *Service) IssuePair(ctx context.Context, identity *Identity) (TokenPair, error) {
	access, err := s.Issue(ctx, identity, KindAccess, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.Issue(ctx, identity, KindRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access.Serialized,
		RefreshToken:     refresh.Serialized,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// Verify validates a serialized token. Checks run in a fixed order so
// failure reasons are deterministic and structural failures do not reveal
// whether the subject exists: key resolution, signature, expiry,
// revocation, live identity status.
func (s *Service) Verify(ctx context.Context, serialized string) (VerifiedClaims, error) {
	claims, err := s.verify(ctx, serialized)
	if err != nil {
		obs.TokenVerification(RejectionCode(err))
		return VerifiedClaims{}, err
	}
	obs.TokenVerification("ok")
	return claims, nil
}

func (s *Service) verify(ctx context.Context, serialized string) (VerifiedClaims, error) {
	serialized = strings.TrimSpace(serialized)
	if serialized == "" {
		return VerifiedClaims{}, ErrBadSignature
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithoutClaimsValidation(), // expiry is checked below, in order
	)
	var claims tokenClaims
	_, err := parser.ParseWithClaims(serialized, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKey
		}
		key, err := s.ring.KeyFor(kid)
		if err != nil {
			return nil, ErrUnknownKey
		}
		return key.Public, nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return VerifiedClaims{}, ErrUnknownKey
		}
		return VerifiedClaims{}, ErrBadSignature
	}

	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return VerifiedClaims{}, ErrBadSignature
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return VerifiedClaims{}, ErrBadSignature
	}

	// A token is live strictly before its expiry instant.
	now := s.now().UTC()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return VerifiedClaims{}, ErrExpired
	}

	revoked, err := s.isRevoked(ctx, claims.ID)
	if err != nil {
		return VerifiedClaims{}, err
	}
	if revoked {
		return VerifiedClaims{}, ErrRevoked
	}

	identity, err := s.store.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return VerifiedClaims{}, ErrIdentityDisabled
		}
		return VerifiedClaims{}, err
	}
	if identity.Status != StatusActive {
		return VerifiedClaims{}, ErrIdentityDisabled
	}

	out := VerifiedClaims{
		Subject: claims.Subject,
		TokenID: claims.ID,
		Kind:    TokenKind(claims.Kind),
		Roles:   dedupeRoles(claims.Roles),
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	out.ExpiresAt = claims.ExpiresAt.Time
	return out, nil
}

func (s *Service) isRevoked(ctx context.Context, tokenID string) (bool, error) {
	if s.revocationCacheTTL <= 0 {
		return s.store.IsRevoked(ctx, tokenID)
	}
	now := s.now()
	s.revCacheMu.Lock()
	entry, ok := s.revCache[tokenID]
	s.revCacheMu.Unlock()
	// Revocation is monotonic, so a cached positive never goes stale.
	if ok && (entry.revoked || now.Sub(entry.checkedAt) < s.revocationCacheTTL) {
		return entry.revoked, nil
	}
	revoked, err := s.store.IsRevoked(ctx, tokenID)
	if err != nil {
		return false, err
	}
	s.revCacheMu.Lock()
	s.cacheRevocationLocked(tokenID, revCacheEntry{revoked: revoked, checkedAt: now})
	s.revCacheMu.Unlock()
	return revoked, nil
}

// cacheRevocationLocked records a lookup result and, at most once per TTL,
// drops negative entries past the TTL so the cache stays bounded by one
// TTL window of verify traffic. Positives are kept: revocation is
// monotonic and re-checking the store would return the same answer.
func (s *Service) cacheRevocationLocked(tokenID string, entry revCacheEntry) {
	now := entry.checkedAt
	if now.Sub(s.revCacheSweptAt) >= s.revocationCacheTTL {
		for id, e := range s.revCache {
			if !e.revoked && now.Sub(e.checkedAt) >= s.revocationCacheTTL {
				delete(s.revCache, id)
			}
		}
		s.revCacheSweptAt = now
	}
	s.revCache[tokenID] = entry
}

// Refresh verifies a refresh token, revokes it (refresh token rotation),
// and issues a fresh pair with a current claims snapshot.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.Verify(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.Kind != KindRefresh {
		return TokenPair{}, ErrInvalidCredentials
	}
	identity, err := s.store.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrIdentityDisabled
		}
		return TokenPair{}, err
	}
	if err := s.Revoke(ctx, claims.TokenID, reasonRefreshRotation); err != nil {
		return TokenPair{}, err
	}
	return s.IssuePair(ctx, identity)
}

// Revoke records a revocation. Idempotent: revoking an already-revoked
// token succeeds without side effects. Revocation never reverses.
func (s *Service) Revoke(ctx context.Context, tokenID, reason string) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return fmt.Errorf("%w: token id is required", ErrInvalidInput)
	}
	err := s.store.RecordRevocation(ctx, RevocationRecord{
		TokenID:   tokenID,
		RevokedAt: s.now().UTC(),
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	if s.revocationCacheTTL > 0 {
		s.revCacheMu.Lock()
		s.cacheRevocationLocked(tokenID, revCacheEntry{revoked: true, checkedAt: s.now()})
		s.revCacheMu.Unlock()
	}
	return nil
}

// Login authenticates handle+password and mints a token pair. Unknown
// handle, wrong password, and federation-only identities all fail with
// the same ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, handle, password string) (TokenPair, *Identity, error) {
	handle = strings.TrimSpace(strings.ToLower(handle))
	if handle == "" || password == "" {
		obs.LoginAttempt("rejected")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	identity, err := s.store.FindByHandle(ctx, handle)
	if err != nil {
		obs.LoginAttempt("rejected")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if identity.FederationOnly() {
		obs.LoginAttempt("rejected")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(identity.PasswordHash, password); err != nil {
		obs.LoginAttempt("rejected")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	switch identity.Status {
	case StatusPending:
		obs.LoginAttempt("rejected")
		return TokenPair{}, nil, ErrNotVerified
	case StatusActive:
	default:
		obs.LoginAttempt("rejected")
		return TokenPair{}, nil, ErrIdentityDisabled
	}
	pair, err := s.IssuePair(ctx, identity)
	if err != nil {
		obs.LoginAttempt("error")
		return TokenPair{}, nil, err
	}
	obs.LoginAttempt("ok")
	return pair, identity, nil
}

// Register creates a pending identity and emits a verification event.
// Re-registering an unverified handle re-issues the verification token;
// a verified handle fails with ErrAlreadyExists.
func (s *Service) Register(ctx context.Context, handle, password string, roles []string) (*Identity, error) {
	handle = strings.TrimSpace(strings.ToLower(handle))
	if handle == "" {
		return nil, fmt.Errorf("%w: handle is required", ErrInvalidInput)
	}

	if existing, err := s.store.FindByHandle(ctx, handle); err == nil {
		if existing.Status != StatusPending {
			return nil, ErrAlreadyExists
		}
		token := uuid.NewString()
		expiry := s.now().UTC().Add(verificationTokenTTL)
		if err := s.store.RefreshVerification(ctx, existing.ID, token, expiry); err != nil {
			return nil, err
		}
		existing.VerificationToken = token
		existing.VerificationExpiry = expiry
		s.emit(ctx, notify.Event{
			Kind:      notify.KindVerification,
			Subject:   existing.ID,
			Recipient: existing.Handle,
			Data:      map[string]string{"token": token},
		})
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if res := s.policy.Evaluate(password, policy.Context{Handle: handle}); !res.OK() {
		return nil, &PolicyError{Violations: res.Violations}
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	identity := &Identity{
		ID:                 ids.New(),
		Handle:             handle,
		PasswordHash:       hash,
		Roles:              dedupeRoles(roles),
		Status:             StatusPending,
		VerificationToken:  uuid.NewString(),
		VerificationExpiry: now.Add(verificationTokenTTL),
		CreatedAt:          now,
	}
	if err := s.store.Create(ctx, identity); err != nil {
		return nil, err
	}
	s.emit(ctx, notify.Event{
		Kind:      notify.KindVerification,
		Subject:   identity.ID,
		Recipient: identity.Handle,
		Data:      map[string]string{"token": identity.VerificationToken},
	})
	return identity, nil
}

// VerifyEmail consumes a verification token and activates the identity.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: verification token is required", ErrInvalidInput)
	}
	identity, err := s.store.FindByVerificationToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.now().UTC().After(identity.VerificationExpiry) {
		return nil, ErrExpired
	}
	if err := s.store.MarkVerified(ctx, identity.ID); err != nil {
		return nil, err
	}
	return s.store.FindByID(ctx, identity.ID)
}

// ChangePassword validates the current password, runs the candidate
// through policy (including history reuse), and swaps the hash. The
// notification event is emitted only after the write is durable.
func (s *Service) ChangePassword(ctx context.Context, id, current, next string) error {
	identity, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if identity.FederationOnly() {
		return ErrInvalidCredentials
	}
	if err := VerifyPassword(identity.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}

	priors := append([]string{identity.PasswordHash}, identity.PasswordHistory...)
	res := s.policy.Evaluate(next, policy.Context{Handle: identity.Handle, PriorHashes: priors})
	if !res.OK() {
		return &PolicyError{Violations: res.Violations}
	}

	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, id, hash, s.policy.HistoryWindow()); err != nil {
		return err
	}
	s.emit(ctx, notify.Event{
		Kind:      notify.KindPasswordChanged,
		Subject:   identity.ID,
		Recipient: identity.Handle,
	})
	return nil
}

// Lock disables logins and verification for the identity until unlocked.
// The identity is loaded first so the notification cannot be lost to a
// read failure after the status write lands.
func (s *Service) Lock(ctx context.Context, id, reason string) error {
	identity, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, id, StatusLocked); err != nil {
		return err
	}
	s.emit(ctx, notify.Event{
		Kind:      notify.KindAccountLocked,
		Subject:   identity.ID,
		Recipient: identity.Handle,
		Data:      map[string]string{"reason": reason},
	})
	return nil
}

// Unlock restores a locked identity to active.
func (s *Service) Unlock(ctx context.Context, id string) error {
	return s.store.SetStatus(ctx, id, StatusActive)
}

// Identity loads an identity by id.
func (s *Service) Identity(ctx context.Context, id string) (*Identity, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Emit(ctx, ev)
}
