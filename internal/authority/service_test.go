package authority

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aegisid.org/internal/keyring"
	"aegisid.org/internal/notify"
	"aegisid.org/internal/policy"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Emit(_ context.Context, ev notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Kind
	}
	return out
}

type testEnv struct {
	store    *InMemory
	ring     *keyring.Ring
	svc      *Service
	notifier *fakeNotifier
	now      *time.Time
}

func newTestEnv(t *testing.T, opts ...ServiceOption) *testEnv {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ring, err := keyring.New(14*24*time.Hour, keyring.WithKeySize(1024), keyring.WithClock(clock))
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	pol := policy.New(policy.Config{
		MinLength:       8,
		RequiredClasses: []policy.Class{policy.ClassUpper, policy.ClassLower, policy.ClassDigit},
		HistoryWindow:   3,
	})
	store := NewInMemory()
	notifier := &fakeNotifier{}

	base := []ServiceOption{
		WithClock(clock),
		WithIssuer("https://auth.test"),
		WithNotifier(notifier),
	}
	svc, err := NewService(store, ring, pol, append(base, opts...)...)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &testEnv{store: store, ring: ring, svc: svc, notifier: notifier, now: &now}
}

func (e *testEnv) advance(d time.Duration) { *e.now = e.now.Add(d) }

func (e *testEnv) mustCreateActive(t *testing.T, handle, password string, roles ...string) *Identity {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	identity := &Identity{
		ID:           "id-" + handle,
		Handle:       handle,
		PasswordHash: hash,
		Roles:        roles,
		Status:       StatusActive,
	}
	if err := e.store.Create(context.Background(), identity); err != nil {
		t.Fatalf("create: %v", err)
	}
	return identity
}

func TestIssueAndVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret", "admin", "Admin", "auditor")

	token, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token.ID == "" || token.Serialized == "" || token.KeyID == "" {
		t.Fatalf("incomplete token: %+v", token)
	}

	claims, err := env.svc.Verify(ctx, token.Serialized)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != identity.ID {
		t.Fatalf("subject = %q, want %q", claims.Subject, identity.ID)
	}
	if claims.Kind != KindAccess {
		t.Fatalf("kind = %q, want access", claims.Kind)
	}
	if claims.TokenID != token.ID {
		t.Fatalf("token id = %q, want %q", claims.TokenID, token.ID)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles = %v, want deduped pair", claims.Roles)
	}
	if !claims.HasRole("ADMIN") || !claims.HasRole("auditor") {
		t.Fatalf("missing roles in %v", claims.Roles)
	}
}

func TestVerifyExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	token, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.advance(16 * time.Minute)
	if _, err := env.svc.Verify(ctx, token.Serialized); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	env := newTestEnv(t)
	for _, tok := range []string{"", "not-a-token", "aaa.bbb.ccc"} {
		if _, err := env.svc.Verify(context.Background(), tok); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("Verify(%q) = %v, want ErrBadSignature", tok, err)
		}
	}
}

func TestVerifyWrongIssuer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	other, err := NewService(env.store, env.ring, policy.New(policy.Config{}),
		WithClock(func() time.Time { return *env.now }),
		WithIssuer("https://other.test"))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	token, err := other.Issue(ctx, identity, KindAccess, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.svc.Verify(ctx, token.Serialized); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestRevokeIsIdempotentAndFinal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	token, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := env.svc.Revoke(ctx, token.ID, "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := env.svc.Revoke(ctx, token.ID, "logout again"); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if _, err := env.svc.Verify(ctx, token.Serialized); !errors.Is(err, ErrRevoked) {
		t.Fatalf("err = %v, want ErrRevoked", err)
	}
}

func TestVerifyDisabledIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	token, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := env.store.SetStatus(ctx, identity.ID, StatusDisabled); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := env.svc.Verify(ctx, token.Serialized); !errors.Is(err, ErrIdentityDisabled) {
		t.Fatalf("err = %v, want ErrIdentityDisabled", err)
	}
}

func TestVerifySurvivesKeyRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	token, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.ring.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := env.svc.Verify(ctx, token.Serialized); err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}

	fresh, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue after rotation: %v", err)
	}
	if fresh.KeyID == token.KeyID {
		t.Fatal("new token should be signed with the promoted key")
	}
}

func TestVerifyRetiredKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	token, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.ring.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	env.advance(15 * 24 * time.Hour) // past the ring's max token lifetime
	if _, err := env.ring.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := env.svc.Verify(ctx, token.Serialized); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustCreateActive(t, "alice@example.com", "Sup3rSecret", "member")

	pair, identity, err := env.svc.Login(ctx, "  Alice@Example.com ", "Sup3rSecret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty token pair")
	}
	if identity.Handle != "alice@example.com" {
		t.Fatalf("handle = %q", identity.Handle)
	}
	if !pair.RefreshExpiresAt.After(pair.AccessExpiresAt) {
		t.Fatal("refresh token should outlive access token")
	}
}

func TestLoginUniformRejection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")
	if err := env.store.Create(ctx, &Identity{
		ID:     "id-fed",
		Handle: "fed@example.com",
		Status: StatusActive, // federation-only, no password hash
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name, handle, password string
	}{
		{"unknown handle", "nobody@example.com", "Sup3rSecret"},
		{"wrong password", "alice@example.com", "WrongPass1"},
		{"federation only", "fed@example.com", "Sup3rSecret"},
		{"empty password", "alice@example.com", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := env.svc.Login(ctx, tc.handle, tc.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestLoginStatusGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hash, _ := HashPassword("Sup3rSecret")
	for _, tc := range []struct {
		handle string
		status Status
		want   error
	}{
		{"pending@example.com", StatusPending, ErrNotVerified},
		{"locked@example.com", StatusLocked, ErrIdentityDisabled},
		{"disabled@example.com", StatusDisabled, ErrIdentityDisabled},
	} {
		if err := env.store.Create(ctx, &Identity{
			ID: "id-" + tc.handle, Handle: tc.handle, PasswordHash: hash, Status: tc.status,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, _, err := env.svc.Login(ctx, tc.handle, "Sup3rSecret"); !errors.Is(err, tc.want) {
			t.Fatalf("login %s: err = %v, want %v", tc.handle, err, tc.want)
		}
	}
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	pair, _, err := env.svc.Login(ctx, "alice@example.com", "Sup3rSecret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	env.advance(time.Second)
	next, err := env.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	// Old refresh token is dead after rotation.
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("err = %v, want ErrRevoked", err)
	}
	// New pair keeps working.
	if _, err := env.svc.Verify(ctx, next.AccessToken); err != nil {
		t.Fatalf("verify rotated access token: %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	pair, _, err := env.svc.Login(ctx, "alice@example.com", "Sup3rSecret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRegisterAndVerifyEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	identity, err := env.svc.Register(ctx, "Bob@Example.com", "Sup3rSecret", []string{"member"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if identity.Status != StatusPending {
		t.Fatalf("status = %q, want pending", identity.Status)
	}
	if identity.VerificationToken == "" {
		t.Fatal("no verification token issued")
	}
	if got := env.notifier.kinds(); len(got) != 1 || got[0] != notify.KindVerification {
		t.Fatalf("events = %v, want one verification", got)
	}

	// Unverified identities cannot log in yet.
	if _, _, err := env.svc.Login(ctx, "bob@example.com", "Sup3rSecret"); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("err = %v, want ErrNotVerified", err)
	}

	verified, err := env.svc.VerifyEmail(ctx, identity.VerificationToken)
	if err != nil {
		t.Fatalf("verify email: %v", err)
	}
	if verified.Status != StatusActive || verified.VerificationToken != "" {
		t.Fatalf("post-verification identity: %+v", verified)
	}
	if _, _, err := env.svc.Login(ctx, "bob@example.com", "Sup3rSecret"); err != nil {
		t.Fatalf("login after verification: %v", err)
	}
}

func TestRegisterResendsForPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Register(ctx, "bob@example.com", "Sup3rSecret", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	again, err := env.svc.Register(ctx, "bob@example.com", "whatever", nil)
	if err != nil {
		t.Fatalf("re-register pending: %v", err)
	}
	if again.ID != first.ID {
		t.Fatal("re-registration should reuse the pending identity")
	}
	if again.VerificationToken == first.VerificationToken {
		t.Fatal("verification token was not re-issued")
	}
	if _, err := env.svc.VerifyEmail(ctx, first.VerificationToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale token err = %v, want ErrNotFound", err)
	}
	if got := env.notifier.kinds(); len(got) != 2 {
		t.Fatalf("events = %v, want two verification events", got)
	}
}

func TestRegisterVerifiedHandleConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")
	if _, err := env.svc.Register(context.Background(), "alice@example.com", "An0therPass", nil); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestRegisterPolicyViolations(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Register(context.Background(), "carol@example.com", "abc123", nil)
	var pe *PolicyError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PolicyError", err)
	}
	want := []policy.Violation{policy.ViolationMinLength, policy.ViolationMissingUpper}
	if len(pe.Violations) != len(want) {
		t.Fatalf("violations = %v, want %v", pe.Violations, want)
	}
	for i := range want {
		if pe.Violations[i] != want[i] {
			t.Fatalf("violations = %v, want %v", pe.Violations, want)
		}
	}
}

func TestVerifyEmailExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity, err := env.svc.Register(ctx, "bob@example.com", "Sup3rSecret", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	env.advance(25 * time.Hour)
	if _, err := env.svc.VerifyEmail(ctx, identity.VerificationToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	if err := env.svc.ChangePassword(ctx, identity.ID, "wrong", "N3wSecret!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}

	var pe *PolicyError
	if err := env.svc.ChangePassword(ctx, identity.ID, "Sup3rSecret", "short"); !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PolicyError", err)
	}

	if err := env.svc.ChangePassword(ctx, identity.ID, "Sup3rSecret", "N3wSecret!"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if got := env.notifier.kinds(); len(got) != 1 || got[0] != notify.KindPasswordChanged {
		t.Fatalf("events = %v, want password change", got)
	}

	// Old password no longer works; reusing it is a policy violation.
	if _, _, err := env.svc.Login(ctx, "alice@example.com", "Sup3rSecret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password login err = %v", err)
	}
	if _, _, err := env.svc.Login(ctx, "alice@example.com", "N3wSecret!"); err != nil {
		t.Fatalf("new password login: %v", err)
	}
	err := env.svc.ChangePassword(ctx, identity.ID, "N3wSecret!", "Sup3rSecret")
	if !errors.As(err, &pe) {
		t.Fatalf("reuse err = %v, want *PolicyError", err)
	}
	found := false
	for _, v := range pe.Violations {
		if v == policy.ViolationReusedPassword {
			found = true
		}
	}
	if !found {
		t.Fatalf("violations = %v, want reusedPassword", pe.Violations)
	}
}

func TestLockAndUnlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	if err := env.svc.Lock(ctx, identity.ID, "too many failures"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, _, err := env.svc.Login(ctx, "alice@example.com", "Sup3rSecret"); !errors.Is(err, ErrIdentityDisabled) {
		t.Fatalf("locked login err = %v", err)
	}
	if got := env.notifier.kinds(); len(got) != 1 || got[0] != notify.KindAccountLocked {
		t.Fatalf("events = %v, want lock event", got)
	}

	if err := env.svc.Unlock(ctx, identity.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, _, err := env.svc.Login(ctx, "alice@example.com", "Sup3rSecret"); err != nil {
		t.Fatalf("login after unlock: %v", err)
	}
}

func TestVerifyAtExactExpiryInstant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	token, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// Live strictly before expiry; the expiry instant itself is expired.
	env.advance(15*time.Minute - time.Second)
	if _, err := env.svc.Verify(ctx, token.Serialized); err != nil {
		t.Fatalf("verify one second before expiry: %v", err)
	}
	env.advance(time.Second)
	if _, err := env.svc.Verify(ctx, token.Serialized); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired at the expiry instant", err)
	}
}

type failingReadStore struct {
	Store
	readErr error
}

func (f *failingReadStore) FindByID(ctx context.Context, id string) (*Identity, error) {
	return nil, f.readErr
}

func TestLockReadFailureLeavesStatusUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	readErr := errors.New("store offline")
	svc, err := NewService(&failingReadStore{Store: env.store, readErr: readErr},
		env.ring, policy.New(policy.Config{}),
		WithClock(func() time.Time { return *env.now }),
		WithNotifier(env.notifier))
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	if err := svc.Lock(ctx, identity.ID, "too many failures"); !errors.Is(err, readErr) {
		t.Fatalf("err = %v, want the read failure", err)
	}
	// The status write must not land when the lock event cannot be built.
	got, err := env.store.FindByID(ctx, identity.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("status = %q, want active", got.Status)
	}
	if kinds := env.notifier.kinds(); len(kinds) != 0 {
		t.Fatalf("events = %v, want none", kinds)
	}
}

func TestRevocationCache(t *testing.T) {
	env := newTestEnv(t, WithRevocationCacheTTL(30*time.Second))
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	if env.svc.RevokeLatencyBound() != 30*time.Second {
		t.Fatalf("latency bound = %v", env.svc.RevokeLatencyBound())
	}

	token, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.svc.Verify(ctx, token.Serialized); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// Revoking through the service updates the local cache immediately.
	if err := env.svc.Revoke(ctx, token.ID, "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.svc.Verify(ctx, token.Serialized); !errors.Is(err, ErrRevoked) {
		t.Fatalf("err = %v, want ErrRevoked", err)
	}
}

func TestRevocationCacheDropsStaleEntries(t *testing.T) {
	env := newTestEnv(t, WithRevocationCacheTTL(30*time.Second))
	ctx := context.Background()
	identity := env.mustCreateActive(t, "alice@example.com", "Sup3rSecret")

	cached := func(tokenID string) (revCacheEntry, bool) {
		env.svc.revCacheMu.Lock()
		defer env.svc.revCacheMu.Unlock()
		entry, ok := env.svc.revCache[tokenID]
		return entry, ok
	}

	first, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.svc.Verify(ctx, first.Serialized); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := env.svc.Revoke(ctx, "dead-token", "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// Once the TTL has passed, the next lookup sweeps the stale negative
	// entry; the cached positive stays because revocation never reverses.
	env.advance(31 * time.Second)
	second, err := env.svc.Issue(ctx, identity, KindAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.svc.Verify(ctx, second.Serialized); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if _, ok := cached(first.ID); ok {
		t.Fatal("stale negative entry was not evicted")
	}
	if _, ok := cached(second.ID); !ok {
		t.Fatal("fresh entry missing from cache")
	}
	if entry, ok := cached("dead-token"); !ok || !entry.revoked {
		t.Fatalf("revoked entry = %+v, %v; want retained positive", entry, ok)
	}
}
