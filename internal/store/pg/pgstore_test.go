package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"aegisid.org/internal/authority"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func identityRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "handle", "password_hash", "password_history", "roles", "status",
		"verification_token", "verification_expiry", "created_at", "updated_at",
	})
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into identities").
		WithArgs("id1", "alice@example.com", "hash", []byte(`[]`), []byte(`["member"]`),
			"pending", "tok", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Create(context.Background(), &authority.Identity{
		ID: "id1", Handle: "alice@example.com", PasswordHash: "hash",
		Roles: []string{"member"}, Status: authority.StatusPending,
		VerificationToken: "tok", VerificationExpiry: time.Now().Add(24 * time.Hour),
	})
	if !errors.Is(err, authority.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByHandle(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select (.+) from identities where handle=").
		WithArgs("alice@example.com").
		WillReturnRows(identityRows().AddRow(
			"id1", "alice@example.com", "hash", []byte(`["old"]`), []byte(`["member"]`),
			"active", nil, nil, now, now))
	mock.ExpectQuery("select provider, subject, identity_id, created_at").
		WithArgs("id1").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "subject", "identity_id", "created_at"}).
			AddRow("corp-oidc", "sub-1", "id1", now))

	got, err := store.FindByHandle(context.Background(), " Alice@Example.com ")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "id1" || got.Status != authority.StatusActive {
		t.Fatalf("got %+v", got)
	}
	if len(got.PasswordHistory) != 1 || got.PasswordHistory[0] != "old" {
		t.Fatalf("history = %v", got.PasswordHistory)
	}
	if len(got.Links) != 1 || got.Links[0].Provider != "corp-oidc" {
		t.Fatalf("links = %+v", got.Links)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select (.+) from identities where id=").
		WithArgs("missing").
		WillReturnRows(identityRows())

	if _, err := store.FindByID(context.Background(), "missing"); !errors.Is(err, authority.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdatePasswordHashTrimsHistory(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select password_hash, password_history from identities").
		WithArgs("id1").
		WillReturnRows(sqlmock.NewRows([]string{"password_hash", "password_history"}).
			AddRow("h2", []byte(`["h1","h0"]`)))
	mock.ExpectExec("update identities set password_hash=").
		WithArgs("id1", "h3", []byte(`["h2","h1"]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.UpdatePasswordHash(context.Background(), "id1", "h3", 2); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetStatusNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update identities set status=").
		WithArgs("missing", "locked").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.SetStatus(context.Background(), "missing", authority.StatusLocked); !errors.Is(err, authority.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordRevocationIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into revocations").
		WithArgs("tok", sqlmock.AnyArg(), "logout").
		WillReturnResult(sqlmock.NewResult(0, 0)) // conflict, no row written

	if err := store.RecordRevocation(context.Background(), authority.RevocationRecord{
		TokenID: "tok", Reason: "logout",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestIsRevoked(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select 1 from revocations").
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select 1 from revocations").
		WithArgs("fresh").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	revoked, err := store.IsRevoked(context.Background(), "tok")
	if err != nil || !revoked {
		t.Fatalf("revoked = %v, err = %v", revoked, err)
	}
	revoked, err = store.IsRevoked(context.Background(), "fresh")
	if err != nil || revoked {
		t.Fatalf("revoked = %v, err = %v", revoked, err)
	}
}

func TestLinkFederatedCreatesIdentityAtomically(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").
		WithArgs("id1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("insert into identities").
		WithArgs("id1", "fed@example.com", "", []byte(`[]`), []byte(`[]`), "active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into identity_links").
		WithArgs("corp-oidc", "sub-1", "id1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.LinkFederated(context.Background(),
		&authority.Identity{ID: "id1", Handle: "fed@example.com", Status: authority.StatusPending},
		authority.FederatedLink{Provider: "corp-oidc", Subject: "sub-1"})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByFederatedSubjectQualifiesJoinColumns(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	// Both identities and identity_links carry created_at; an unqualified
	// select list over the join is ambiguous and PostgreSQL rejects it.
	mock.ExpectQuery(`select i\.id, i\.handle, (.+) i\.created_at, i\.updated_at\s+from identities i\s+join identity_links l on l\.identity_id = i\.id`).
		WithArgs("corp-oidc", "sub-1").
		WillReturnRows(identityRows().AddRow(
			"id1", "fed@example.com", "", []byte(`[]`), []byte(`[]`),
			"active", nil, nil, now, now))
	mock.ExpectQuery("select provider, subject, identity_id, created_at").
		WithArgs("id1").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "subject", "identity_id", "created_at"}).
			AddRow("corp-oidc", "sub-1", "id1", now))

	got, err := store.FindByFederatedSubject(context.Background(), "corp-oidc", "sub-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "id1" || len(got.Links) != 1 {
		t.Fatalf("got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLinkFederatedDuplicateRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").
		WithArgs("id1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("insert into identity_links").
		WithArgs("corp-oidc", "sub-1", "id1").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := store.LinkFederated(context.Background(),
		&authority.Identity{ID: "id1", Handle: "fed@example.com"},
		authority.FederatedLink{Provider: "corp-oidc", Subject: "sub-1"})
	if !errors.Is(err, authority.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
