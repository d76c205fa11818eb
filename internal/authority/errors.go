package authority

import (
	"errors"
	"fmt"
	"strings"

	"aegisid.org/internal/policy"
)

var (
	ErrNotFound      = errors.New("authority: not found")
	ErrAlreadyExists = errors.New("authority: already exists")
	ErrInvalidInput  = errors.New("authority: invalid input")

	// ErrInvalidCredentials covers unknown handle, wrong password, and
	// password logins against federation-only identities. The uniform
	// error prevents account enumeration.
	ErrInvalidCredentials = errors.New("authority: invalid credentials")

	// ErrNotVerified rejects logins before the e-mail verification step.
	ErrNotVerified = errors.New("authority: identity not verified")

	// Verification taxonomy, in check order.
	ErrUnknownKey       = errors.New("authority: unknown signing key")
	ErrBadSignature     = errors.New("authority: bad token signature")
	ErrExpired          = errors.New("authority: token expired")
	ErrRevoked          = errors.New("authority: token revoked")
	ErrIdentityDisabled = errors.New("authority: identity disabled")

	ErrForbidden = errors.New("authority: forbidden")
)

// PolicyError carries the full ordered violation list from a rejected
// password candidate.
type PolicyError struct {
	Violations []policy.Violation
}

func (e *PolicyError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = string(v)
	}
	return fmt.Sprintf("authority: password policy violated: %s", strings.Join(parts, ", "))
}

// RejectionCode maps a verification error to its stable reason code, used
// by transport layers and metrics. Unknown errors map to "error".
func RejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return "UnknownKey"
	case errors.Is(err, ErrBadSignature):
		return "BadSignature"
	case errors.Is(err, ErrExpired):
		return "Expired"
	case errors.Is(err, ErrRevoked):
		return "Revoked"
	case errors.Is(err, ErrIdentityDisabled):
		return "IdentityDisabled"
	case errors.Is(err, ErrInvalidCredentials):
		return "InvalidCredentials"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	default:
		return "error"
	}
}
