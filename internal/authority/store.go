package authority

import (
	"context"
	"time"
)

// Store is the credential persistence contract the authority requires.
// Implementations must provide read-your-writes consistency for a single
// caller; cross-node revocation visibility may lag by a bounded
// propagation delay (see Service.RevokeLatencyBound).
type Store interface {
	Create(ctx context.Context, identity *Identity) error
	FindByID(ctx context.Context, id string) (*Identity, error)
	FindByHandle(ctx context.Context, handle string) (*Identity, error)
	FindByVerificationToken(ctx context.Context, token string) (*Identity, error)

	// UpdatePasswordHash swaps the hash, pushing the previous one onto the
	// history, trimmed to historyWindow entries.
	UpdatePasswordHash(ctx context.Context, id, newHash string, historyWindow int) error
	SetStatus(ctx context.Context, id string, status Status) error
	MarkVerified(ctx context.Context, id string) error
	RefreshVerification(ctx context.Context, id, token string, expiry time.Time) error

	// RecordRevocation is idempotent: recording an already-revoked token
	// id succeeds without observable side effects.
	RecordRevocation(ctx context.Context, rec RevocationRecord) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)

	// LinkFederated persists the link and, when identity.ID is not yet
	// stored, the identity itself, as one atomic unit. No orphan identity
	// may remain if link persistence fails.
	LinkFederated(ctx context.Context, identity *Identity, link FederatedLink) error
	FindByFederatedSubject(ctx context.Context, provider, subject string) (*Identity, error)
}
