package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	store := NewPGStore(db)
	store.now = newTestClock().Now
	return store, mock
}

var (
	tokenCols = []string{"id", "user_id", "issued_at", "expires_at", "revoked_at", "replaced_by"}
	codeCols  = []string{"key", "phone", "code", "issued_at", "expires_at", "consumed_at", "attempts"}
)

func TestPGTokenCreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into authorization_tokens").
		WithArgs("jti-1", "u1", now, now.Add(2*time.Hour)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Tokens().Create(context.Background(), &TokenRecord{ID: "jti-1", UserID: "u1", IssuedAt: now, ExpiresAt: now.Add(2 * time.Hour)})
	if !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
}

func TestPGTokenFindMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select .* from authorization_tokens where id=\\$1").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Tokens().Find(context.Background(), "nope"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestPGTokenRotate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	next := &TokenRecord{ID: "new", UserID: "u1", IssuedAt: now, ExpiresAt: now.Add(2 * time.Hour)}

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from authorization_tokens where id=\\$1 for update").
		WithArgs("old").
		WillReturnRows(sqlmock.NewRows(tokenCols).AddRow("old", "u1", now.Add(-time.Hour), now.Add(time.Hour), nil, nil))
	mock.ExpectExec("insert into authorization_tokens").
		WithArgs("new", "u1", now, now.Add(2*time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update authorization_tokens set revoked_at=\\$2, replaced_by=\\$3 where id=\\$1").
		WithArgs("old", now, "new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var checked TokenRecord
	err := store.Tokens().Rotate(context.Background(), "old", now, next, func(rec TokenRecord) error {
		checked = rec
		return nil
	})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if checked.ID != "old" || checked.RevokedAt != nil {
		t.Fatalf("check saw unexpected record: %+v", checked)
	}
}

func TestPGTokenRotateRollsBackOnCheckFailure(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	revokedAt := now.Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from authorization_tokens where id=\\$1 for update").
		WithArgs("old").
		WillReturnRows(sqlmock.NewRows(tokenCols).AddRow("old", "u1", now.Add(-time.Hour), now.Add(time.Hour), revokedAt, "other"))
	mock.ExpectRollback()

	err := store.Tokens().Rotate(context.Background(), "old", now, &TokenRecord{ID: "new"}, func(rec TokenRecord) error {
		if rec.RevokedAt != nil {
			return ErrTokenRevoked
		}
		return nil
	})
	if !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestPGTokenRevokeIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := now.Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from authorization_tokens where id=\\$1 for update").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(tokenCols).AddRow("t1", "u1", now.Add(-time.Hour), now.Add(time.Hour), first, nil))
	mock.ExpectCommit()

	rec, err := store.Tokens().Revoke(context.Background(), "t1", now, func(TokenRecord) error { return nil })
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if rec.RevokedAt == nil || !rec.RevokedAt.Equal(first) {
		t.Fatalf("original revocation time must be kept: %+v", rec.RevokedAt)
	}
}

func TestPGTokenRevokeMarksLiveToken(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from authorization_tokens where id=\\$1 for update").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(tokenCols).AddRow("t1", "u1", now.Add(-time.Hour), now.Add(time.Hour), nil, nil))
	mock.ExpectExec("update authorization_tokens set revoked_at=\\$2 where id=\\$1").
		WithArgs("t1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.Tokens().Revoke(context.Background(), "t1", now, func(TokenRecord) error { return nil })
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if rec.RevokedAt == nil || !rec.RevokedAt.Equal(now) {
		t.Fatalf("unexpected revoked_at: %+v", rec.RevokedAt)
	}
}

func TestPGTokenRevokeChecksBeforeWriting(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from authorization_tokens where id=\\$1 for update").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(tokenCols).AddRow("t1", "u1", now.Add(-time.Hour), now.Add(time.Hour), nil, nil))
	mock.ExpectRollback()

	_, err := store.Tokens().Revoke(context.Background(), "t1", now, func(rec TokenRecord) error {
		if rec.UserID != "u2" {
			return ErrTokenNotFound
		}
		return nil
	})
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestPGTokenRevokeByUser(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("update authorization_tokens set revoked_at=\\$2").
		WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.Tokens().RevokeByUser(context.Background(), "u1", now)
	if err != nil || n != 3 {
		t.Fatalf("RevokeByUser: %d, %v", n, err)
	}
}

func TestPGCodeConsume(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from verification_codes where key=\\$1 for update").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(codeCols).AddRow("k1", "+15550100", "482913", now.Add(-time.Minute), now.Add(4*time.Minute), nil, 0))
	mock.ExpectExec("update verification_codes set consumed_at=\\$2 where key=\\$1").
		WithArgs("k1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	verifier := NewCodeVerifier(store.Codes(), func() time.Time { return now })
	id, err := verifier.Verify(context.Background(), CodeCredentials{Key: "k1", Code: "482913"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Phone != "+15550100" {
		t.Fatalf("unexpected phone: %s", id.Phone)
	}
}

func TestPGCodeConsumeRejectsUsedCode(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from verification_codes where key=\\$1 for update").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(codeCols).AddRow("k1", "+15550100", "482913", now.Add(-time.Minute), now.Add(4*time.Minute), now.Add(-time.Second), 0))
	mock.ExpectRollback()

	verifier := NewCodeVerifier(store.Codes(), func() time.Time { return now })
	if _, err := verifier.Verify(context.Background(), CodeCredentials{Key: "k1", Code: "482913"}); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}
}

func TestPGCodeWrongGuessIsCounted(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from verification_codes where key=\\$1 for update").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(codeCols).AddRow("k1", "+15550100", "482913", now.Add(-time.Minute), now.Add(4*time.Minute), nil, 2))
	mock.ExpectExec("update verification_codes set attempts=attempts\\+1 where key=\\$1").
		WithArgs("k1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	verifier := NewCodeVerifier(store.Codes(), func() time.Time { return now })
	if _, err := verifier.Verify(context.Background(), CodeCredentials{Key: "k1", Code: "000000"}); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}
}

func TestPGCodeLockedAfterTooManyGuesses(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from verification_codes where key=\\$1 for update").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(codeCols).AddRow("k1", "+15550100", "482913", now.Add(-time.Minute), now.Add(4*time.Minute), nil, maxCodeAttempts))
	mock.ExpectRollback()

	verifier := NewCodeVerifier(store.Codes(), func() time.Time { return now })
	if _, err := verifier.Verify(context.Background(), CodeCredentials{Key: "k1", Code: "482913"}); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}
}

func TestPGCodeRedeemCreatesUserInTx(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from verification_codes where key=\\$1 for update").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(codeCols).AddRow("k1", "+15550100", "482913", now.Add(-time.Minute), now.Add(4*time.Minute), nil, 0))
	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), "summer", nil, "+15550100", "hash", "", []byte("[]"), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update verification_codes set consumed_at=\\$2 where key=\\$1").
		WithArgs("k1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	verifier := NewCodeVerifier(store.Codes(), func() time.Time { return now })
	u := &User{Name: "summer", PasswordHash: "hash"}
	id, err := verifier.Redeem(context.Background(), CodeCredentials{Key: "k1", Code: "482913"}, u)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if u.ID == "" || u.Phone != "+15550100" || id.UserID != u.ID {
		t.Fatalf("unexpected user %+v identity %+v", u, id)
	}
}

func TestPGCodeRedeemConflictKeepsCode(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from verification_codes where key=\\$1 for update").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(codeCols).AddRow("k1", "+15550100", "482913", now.Add(-time.Minute), now.Add(4*time.Minute), nil, 0))
	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_name_key"})
	mock.ExpectRollback()

	verifier := NewCodeVerifier(store.Codes(), func() time.Time { return now })
	_, err := verifier.Redeem(context.Background(), CodeCredentials{Key: "k1", Code: "482913"}, &User{Name: "taken", PasswordHash: "hash"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPGUserCreateConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), "summer", nil, "+15550100", "hash", "", []byte("[]"), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_phone_key"})

	err := store.Users().Create(context.Background(), &User{Name: "summer", Phone: "+15550100", PasswordHash: "hash"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPGUserFindByLogin(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "name", "email", "phone", "password_hash", "introduction", "roles", "created_at", "updated_at"}

	mock.ExpectQuery("select .* from users\\s+where lower\\(email\\)=lower\\(\\$1\\)").
		WithArgs("summer").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "summer", nil, "+15550100", "hash", "", []byte(`["admin"]`), now, now))
	mock.ExpectQuery("select .* from users").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	u, err := store.Users().FindByLogin(context.Background(), "summer")
	if err != nil {
		t.Fatalf("FindByLogin: %v", err)
	}
	if u.ID != "u1" || u.Email != "" || u.Phone != "+15550100" || len(u.Roles) != 1 || u.Roles[0] != "admin" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := store.Users().FindByLogin(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGSocialCreateWithUserConflictRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into social_accounts").
		WithArgs("weixin", "o-1", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	u := &User{Name: "weixin_abc"}
	acc := &SocialAccount{Provider: "weixin", ProviderUserID: "o-1"}
	if err := store.SocialAccounts().CreateWithUser(context.Background(), u, acc); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if acc.UserID != "" {
		t.Fatalf("account must not be linked after rollback: %+v", acc)
	}
}
