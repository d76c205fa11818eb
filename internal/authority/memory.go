package authority

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Used by
// tests and development mode; production deployments use PGStore.
type InMemory struct {
	mu          sync.RWMutex
	byID        map[string]*Identity
	byHandle    map[string]string // handle -> id
	byVerify    map[string]string // verification token -> id
	links       map[string]string // provider\x00subject -> id
	revocations map[string]RevocationRecord
}

// NewInMemory creates an empty credential store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:        make(map[string]*Identity),
		byHandle:    make(map[string]string),
		byVerify:    make(map[string]string),
		links:       make(map[string]string),
		revocations: make(map[string]RevocationRecord),
	}
}

func linkKey(provider, subject string) string {
	return provider + "\x00" + subject
}

func cloneIdentity(src *Identity) *Identity {
	cp := *src
	cp.PasswordHistory = append([]string(nil), src.PasswordHistory...)
	cp.Roles = append([]string(nil), src.Roles...)
	cp.Links = append([]FederatedLink(nil), src.Links...)
	return &cp
}

func (s *InMemory) Create(ctx context.Context, identity *Identity) error {
	if identity == nil || identity.ID == "" || identity.Handle == "" {
		return fmt.Errorf("%w: identity id and handle are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := strings.ToLower(identity.Handle)
	if _, ok := s.byHandle[handle]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.byID[identity.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	cp := cloneIdentity(identity)
	cp.Handle = handle
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.byID[cp.ID] = cp
	s.byHandle[handle] = cp.ID
	if cp.VerificationToken != "" {
		s.byVerify[cp.VerificationToken] = cp.ID
	}
	return nil
}

func (s *InMemory) FindByID(ctx context.Context, id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdentity(identity), nil
}

func (s *InMemory) FindByHandle(ctx context.Context, handle string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHandle[strings.ToLower(strings.TrimSpace(handle))]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdentity(s.byID[id]), nil
}

func (s *InMemory) FindByVerificationToken(ctx context.Context, token string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byVerify[token]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdentity(s.byID[id]), nil
}

func (s *InMemory) UpdatePasswordHash(ctx context.Context, id, newHash string, historyWindow int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if identity.PasswordHash != "" {
		identity.PasswordHistory = append([]string{identity.PasswordHash}, identity.PasswordHistory...)
		if historyWindow > 0 && len(identity.PasswordHistory) > historyWindow {
			identity.PasswordHistory = identity.PasswordHistory[:historyWindow]
		}
	}
	identity.PasswordHash = newHash
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) SetStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	identity.Status = status
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) MarkVerified(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if identity.VerificationToken != "" {
		delete(s.byVerify, identity.VerificationToken)
	}
	identity.VerificationToken = ""
	identity.VerificationExpiry = time.Time{}
	if identity.Status == StatusPending {
		identity.Status = StatusActive
	}
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) RefreshVerification(ctx context.Context, id, token string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if identity.VerificationToken != "" {
		delete(s.byVerify, identity.VerificationToken)
	}
	identity.VerificationToken = token
	identity.VerificationExpiry = expiry
	identity.UpdatedAt = time.Now().UTC()
	s.byVerify[token] = id
	return nil
}

func (s *InMemory) RecordRevocation(ctx context.Context, rec RevocationRecord) error {
	if rec.TokenID == "" {
		return fmt.Errorf("%w: token id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revocations[rec.TokenID]; ok {
		return nil // idempotent
	}
	if rec.RevokedAt.IsZero() {
		rec.RevokedAt = time.Now().UTC()
	}
	s.revocations[rec.TokenID] = rec
	return nil
}

func (s *InMemory) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revocations[tokenID]
	return ok, nil
}

func (s *InMemory) LinkFederated(ctx context.Context, identity *Identity, link FederatedLink) error {
	if identity == nil || identity.ID == "" || link.Provider == "" || link.Subject == "" {
		return fmt.Errorf("%w: identity and link are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey(link.Provider, link.Subject)
	if _, ok := s.links[key]; ok {
		return ErrAlreadyExists
	}

	stored, exists := s.byID[identity.ID]
	if !exists {
		handle := strings.ToLower(identity.Handle)
		if _, taken := s.byHandle[handle]; taken {
			return ErrAlreadyExists
		}
		stored = cloneIdentity(identity)
		stored.Handle = handle
		now := time.Now().UTC()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		s.byID[stored.ID] = stored
		s.byHandle[handle] = stored.ID
	}

	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	link.IdentityID = stored.ID
	stored.Links = append(stored.Links, link)
	if stored.Status == StatusPending {
		stored.Status = StatusActive // provider-asserted address counts as verified
	}
	stored.UpdatedAt = time.Now().UTC()
	s.links[key] = stored.ID
	return nil
}

func (s *InMemory) FindByFederatedSubject(ctx context.Context, provider, subject string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.links[linkKey(provider, subject)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdentity(s.byID[id]), nil
}
