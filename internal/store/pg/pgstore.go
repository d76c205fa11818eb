package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"aegisid.org/internal/authority"
)

const pgErrUniqueViolation = "23505"

// Store persists identities, federated links, and token revocations in
// PostgreSQL. Roles and password history are stored as JSONB.
type Store struct {
	db *sql.DB
}

var _ authority.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection pool (used by tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

const identityColumns = `id, handle, password_hash, password_history, roles, status,
	verification_token, verification_expiry, created_at, updated_at`

// Qualified variant for joins; identity_links carries its own created_at.
const identityColumnsQualified = `i.id, i.handle, i.password_hash, i.password_history, i.roles, i.status,
	i.verification_token, i.verification_expiry, i.created_at, i.updated_at`

func scanIdentity(row interface{ Scan(...any) error }) (*authority.Identity, error) {
	var (
		identity    authority.Identity
		rawHistory  []byte
		rawRoles    []byte
		status      string
		verifToken  sql.NullString
		verifExpiry sql.NullTime
	)
	err := row.Scan(
		&identity.ID, &identity.Handle, &identity.PasswordHash,
		&rawHistory, &rawRoles, &status,
		&verifToken, &verifExpiry,
		&identity.CreatedAt, &identity.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authority.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawHistory) > 0 {
		if err := json.Unmarshal(rawHistory, &identity.PasswordHistory); err != nil {
			return nil, fmt.Errorf("decode password history: %w", err)
		}
	}
	if len(rawRoles) > 0 {
		if err := json.Unmarshal(rawRoles, &identity.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	identity.Status = authority.Status(status)
	if verifToken.Valid {
		identity.VerificationToken = verifToken.String
	}
	if verifExpiry.Valid {
		identity.VerificationExpiry = verifExpiry.Time
	}
	return &identity, nil
}

func encodeStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func (s *Store) Create(ctx context.Context, identity *authority.Identity) error {
	if identity == nil || identity.ID == "" || identity.Handle == "" {
		return fmt.Errorf("%w: identity id and handle are required", authority.ErrInvalidInput)
	}
	history, err := encodeStrings(identity.PasswordHistory)
	if err != nil {
		return err
	}
	roles, err := encodeStrings(identity.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into identities (id, handle, password_hash, password_history, roles, status,
			verification_token, verification_expiry)
		values ($1, lower($2), $3, $4, $5, $6, nullif($7,''), $8)
	`, identity.ID, identity.Handle, identity.PasswordHash, history, roles,
		string(identity.Status), identity.VerificationToken, nullTime(identity.VerificationExpiry))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return authority.ErrAlreadyExists
	}
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *Store) FindByID(ctx context.Context, id string) (*authority.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id=$1`, id)
	identity, err := scanIdentity(row)
	if err != nil {
		return nil, err
	}
	return s.attachLinks(ctx, identity)
}

func (s *Store) FindByHandle(ctx context.Context, handle string) (*authority.Identity, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where handle=$1`, handle)
	identity, err := scanIdentity(row)
	if err != nil {
		return nil, err
	}
	return s.attachLinks(ctx, identity)
}

func (s *Store) FindByVerificationToken(ctx context.Context, token string) (*authority.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where verification_token=$1`, token)
	return scanIdentity(row)
}

func (s *Store) attachLinks(ctx context.Context, identity *authority.Identity) (*authority.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select provider, subject, identity_id, created_at
		from identity_links where identity_id=$1
	`, identity.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var link authority.FederatedLink
		if err := rows.Scan(&link.Provider, &link.Subject, &link.IdentityID, &link.CreatedAt); err != nil {
			return nil, err
		}
		identity.Links = append(identity.Links, link)
	}
	return identity, rows.Err()
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, newHash string, historyWindow int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current    string
		rawHistory []byte
	)
	err = tx.QueryRowContext(ctx,
		`select password_hash, password_history from identities where id=$1 for update`, id).
		Scan(&current, &rawHistory)
	if errors.Is(err, sql.ErrNoRows) {
		return authority.ErrNotFound
	}
	if err != nil {
		return err
	}

	var history []string
	if len(rawHistory) > 0 {
		if err := json.Unmarshal(rawHistory, &history); err != nil {
			return fmt.Errorf("decode password history: %w", err)
		}
	}
	if current != "" {
		history = append([]string{current}, history...)
		if historyWindow > 0 && len(history) > historyWindow {
			history = history[:historyWindow]
		}
	}
	encoded, err := encodeStrings(history)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update identities set password_hash=$2, password_history=$3, updated_at=now()
		where id=$1
	`, id, newHash, encoded); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetStatus(ctx context.Context, id string, status authority.Status) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set status=$2, updated_at=now() where id=$1`, id, string(status))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) MarkVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update identities
		set verification_token=null, verification_expiry=null,
			status=case when status='pending' then 'active' else status end,
			updated_at=now()
		where id=$1
	`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) RefreshVerification(ctx context.Context, id, token string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set verification_token=$2, verification_expiry=$3, updated_at=now()
		where id=$1
	`, id, token, expiry)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return authority.ErrNotFound
	}
	return nil
}

func (s *Store) RecordRevocation(ctx context.Context, rec authority.RevocationRecord) error {
	if rec.TokenID == "" {
		return fmt.Errorf("%w: token id is required", authority.ErrInvalidInput)
	}
	revokedAt := rec.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now().UTC()
	}
	// First writer wins; re-revoking is a no-op.
	_, err := s.db.ExecContext(ctx, `
		insert into revocations (token_id, revoked_at, reason)
		values ($1, $2, $3)
		on conflict (token_id) do nothing
	`, rec.TokenID, revokedAt, rec.Reason)
	return err
}

func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`select 1 from revocations where token_id=$1`, tokenID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) LinkFederated(ctx context.Context, identity *authority.Identity, link authority.FederatedLink) error {
	if identity == nil || identity.ID == "" || link.Provider == "" || link.Subject == "" {
		return fmt.Errorf("%w: identity and link are required", authority.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`select exists(select 1 from identities where id=$1)`, identity.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		history, err := encodeStrings(identity.PasswordHistory)
		if err != nil {
			return err
		}
		roles, err := encodeStrings(identity.Roles)
		if err != nil {
			return err
		}
		status := identity.Status
		if status == authority.StatusPending {
			// Provider-asserted address counts as verified.
			status = authority.StatusActive
		}
		if _, err := tx.ExecContext(ctx, `
			insert into identities (id, handle, password_hash, password_history, roles, status)
			values ($1, lower($2), $3, $4, $5, $6)
		`, identity.ID, identity.Handle, identity.PasswordHash, history, roles, string(status)); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return authority.ErrAlreadyExists
			}
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into identity_links (provider, subject, identity_id)
		values ($1, $2, $3)
	`, link.Provider, link.Subject, identity.ID); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authority.ErrAlreadyExists
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) FindByFederatedSubject(ctx context.Context, provider, subject string) (*authority.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+identityColumnsQualified+`
		from identities i
		join identity_links l on l.identity_id = i.id
		where l.provider=$1 and l.subject=$2
	`, provider, subject)
	identity, err := scanIdentity(row)
	if err != nil {
		return nil, err
	}
	return s.attachLinks(ctx, identity)
}
