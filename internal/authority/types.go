package authority

import (
	"slices"
	"strings"
	"time"
)

// Status of an identity. Identities are never physically removed; they are
// disabled instead so audit and session history keep a valid subject.
type Status string

const (
	StatusPending  Status = "pending" // registered, e-mail not yet verified
	StatusActive   Status = "active"
	StatusLocked   Status = "locked"
	StatusDisabled Status = "disabled"
)

// Identity is an authenticable account, local and/or federated.
type Identity struct {
	ID     string
	Handle string

	// PasswordHash is empty for federation-only identities, which cannot
	// authenticate through the password path.
	PasswordHash    string
	PasswordHistory []string // prior hashes, most recent first

	Roles  []string
	Status Status
	Links  []FederatedLink

	VerificationToken  string
	VerificationExpiry time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FederationOnly reports whether the identity has no local password.
func (i *Identity) FederationOnly() bool { return i.PasswordHash == "" }

// FederatedLink ties a provider subject to an internal identity.
// Unique on (Provider, Subject); removed only on explicit unlinking.
type FederatedLink struct {
	Provider   string
	Subject    string
	IdentityID string
	CreatedAt  time.Time
}

// RevocationRecord invalidates a token ahead of its natural expiry.
type RevocationRecord struct {
	TokenID   string
	RevokedAt time.Time
	Reason    string
}

// TokenKind distinguishes short-lived access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Token is the internal record of an issued credential. Immutable once
// issued; validity is a function of time, revocation state, and the key
// ring, never of in-place mutation.
type Token struct {
	ID         string
	Subject    string
	Kind       TokenKind
	IssuedAt   time.Time
	ExpiresAt  time.Time
	KeyID      string
	Roles      []string
	Serialized string
}

// TokenPair is what a successful authentication returns.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// VerifiedClaims is the fixed claim set attached to a request after a
// token passes verification. The role snapshot is advisory: it reflects
// the identity at issuance, and verification re-checks live status.
type VerifiedClaims struct {
	Subject   string
	TokenID   string
	Kind      TokenKind
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole reports whether the claims snapshot carries the role.
func (c VerifiedClaims) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	return role != "" && slices.Contains(c.Roles, role)
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
