package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"larabbs.org/internal/ids"
	"larabbs.org/internal/store/pg"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Multi-row operations run in a
// transaction and lock the rows they change with select .. for update.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

func (s *PGStore) Users() UserStore                   { return &pgUsers{s} }
func (s *PGStore) Codes() CodeStore                   { return &pgCodes{s} }
func (s *PGStore) Tokens() TokenStore                 { return &pgTokens{s} }
func (s *PGStore) SocialAccounts() SocialAccountStore { return &pgSocials{s} }

// User store ---------------------------------------------------------------
type pgUsers struct{ s *PGStore }

const userColumns = `id, name, email, phone, password_hash, introduction, roles, created_at, updated_at`

func (st *pgUsers) Create(ctx context.Context, u *User) error {
	return insertUser(ctx, st.s.db, u, st.s.now().UTC())
}

func insertUser(ctx context.Context, db pg.DBTX, u *User, now time.Time) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	roles, err := json.Marshal(nonNilRoles(u.Roles))
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`insert into users(id, name, email, phone, password_hash, introduction, roles, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$8)`,
		u.ID, u.Name, pg.NullIfEmpty(u.Email), pg.NullIfEmpty(u.Phone), u.PasswordHash, u.Introduction, roles, now,
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

func (st *pgUsers) Find(ctx context.Context, id string) (*User, error) {
	row := st.s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (st *pgUsers) FindByLogin(ctx context.Context, login string) (*User, error) {
	row := st.s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users
		 where lower(email)=lower($1) or phone=$1 or lower(name)=lower($1)
		 order by case when lower(email)=lower($1) then 0 when phone=$1 then 1 else 2 end
		 limit 1`, login)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u            User
		email, phone sql.NullString
		roles        []byte
	)
	err := row.Scan(&u.ID, &u.Name, &email, &phone, &u.PasswordHash, &u.Introduction, &roles, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Email, u.Phone = email.String, phone.String
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &u.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	if len(u.Roles) == 0 {
		u.Roles = nil
	}
	return &u, nil
}

func nonNilRoles(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}

// Verification code store --------------------------------------------------
type pgCodes struct{ s *PGStore }

func (st *pgCodes) Create(ctx context.Context, code *VerificationCode) error {
	if code.Key == "" {
		code.Key = ids.New()
	}
	_, err := st.s.db.ExecContext(ctx,
		`insert into verification_codes(key, phone, code, issued_at, expires_at) values($1,$2,$3,$4,$5)`,
		code.Key, code.Phone, code.Code, code.IssuedAt, code.ExpiresAt,
	)
	if pg.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (st *pgCodes) Consume(ctx context.Context, key string, at time.Time, check func(VerificationCode) error, u *User) (VerificationCode, error) {
	var (
		rec      VerificationCode
		mismatch error
	)
	err := pg.WithTx(ctx, st.s.db, func(ctx context.Context, tx pg.DBTX) error {
		var consumed sql.NullTime
		row := tx.QueryRowContext(ctx,
			`select key, phone, code, issued_at, expires_at, consumed_at, attempts
			 from verification_codes where key=$1 for update`, key)
		if err := row.Scan(&rec.Key, &rec.Phone, &rec.Code, &rec.IssuedAt, &rec.ExpiresAt, &consumed, &rec.Attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if consumed.Valid {
			t := consumed.Time
			rec.ConsumedAt = &t
		}
		if err := check(rec); err != nil {
			if !errors.Is(err, errCodeMismatch) {
				return err
			}
			// The failed attempt must be committed, so the error is
			// returned after the transaction.
			mismatch = err
			_, err = tx.ExecContext(ctx, `update verification_codes set attempts=attempts+1 where key=$1`, key)
			if err == nil {
				rec.Attempts++
			}
			return err
		}
		if u != nil {
			if err := insertUser(ctx, tx, u, at); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `update verification_codes set consumed_at=$2 where key=$1`, key, at); err != nil {
			return err
		}
		rec.ConsumedAt = &at
		return nil
	})
	if err == nil && mismatch != nil {
		err = mismatch
	}
	return rec, err
}

// Token store --------------------------------------------------------------
type pgTokens struct{ s *PGStore }

const tokenColumns = `id, user_id, issued_at, expires_at, revoked_at, replaced_by`

func (st *pgTokens) Create(ctx context.Context, rec *TokenRecord) error {
	return insertToken(ctx, st.s.db, rec)
}

func insertToken(ctx context.Context, db pg.DBTX, rec *TokenRecord) error {
	_, err := db.ExecContext(ctx,
		`insert into authorization_tokens(id, user_id, issued_at, expires_at) values($1,$2,$3,$4)`,
		rec.ID, rec.UserID, rec.IssuedAt, rec.ExpiresAt,
	)
	if pg.IsUniqueViolation(err) {
		return ErrDuplicateToken
	}
	return err
}

func (st *pgTokens) Find(ctx context.Context, id string) (TokenRecord, error) {
	row := st.s.db.QueryRowContext(ctx, `select `+tokenColumns+` from authorization_tokens where id=$1`, id)
	return scanToken(row)
}

func (st *pgTokens) Revoke(ctx context.Context, id string, at time.Time, check func(TokenRecord) error) (TokenRecord, error) {
	var rec TokenRecord
	err := pg.WithTx(ctx, st.s.db, func(ctx context.Context, tx pg.DBTX) error {
		var err error
		rec, err = scanToken(tx.QueryRowContext(ctx,
			`select `+tokenColumns+` from authorization_tokens where id=$1 for update`, id))
		if err != nil {
			return err
		}
		if err := check(rec); err != nil {
			return err
		}
		if rec.RevokedAt != nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `update authorization_tokens set revoked_at=$2 where id=$1`, id, at); err != nil {
			return err
		}
		rec.RevokedAt = &at
		return nil
	})
	if err != nil {
		return TokenRecord{}, err
	}
	return rec, nil
}

func (st *pgTokens) Rotate(ctx context.Context, oldID string, at time.Time, next *TokenRecord, check func(TokenRecord) error) error {
	return pg.WithTx(ctx, st.s.db, func(ctx context.Context, tx pg.DBTX) error {
		old, err := scanToken(tx.QueryRowContext(ctx,
			`select `+tokenColumns+` from authorization_tokens where id=$1 for update`, oldID))
		if err != nil {
			return err
		}
		if err := check(old); err != nil {
			return err
		}
		if err := insertToken(ctx, tx, next); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`update authorization_tokens set revoked_at=$2, replaced_by=$3 where id=$1`, oldID, at, next.ID)
		return err
	})
}

func (st *pgTokens) RevokeByUser(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := st.s.db.ExecContext(ctx,
		`update authorization_tokens set revoked_at=$2
		 where user_id=$1 and revoked_at is null and expires_at > $2`, userID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanToken(row *sql.Row) (TokenRecord, error) {
	var (
		rec        TokenRecord
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.IssuedAt, &rec.ExpiresAt, &revokedAt, &replacedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenRecord{}, ErrTokenNotFound
		}
		return TokenRecord{}, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		rec.RevokedAt = &t
	}
	rec.ReplacedBy = replacedBy.String
	return rec, nil
}

// Social account store -----------------------------------------------------
type pgSocials struct{ s *PGStore }

func (st *pgSocials) Find(ctx context.Context, provider, providerUserID string) (SocialAccount, error) {
	var (
		acc     SocialAccount
		unionID sql.NullString
	)
	err := st.s.db.QueryRowContext(ctx,
		`select provider, provider_user_id, union_id, user_id, created_at
		 from social_accounts where provider=$1 and provider_user_id=$2`, provider, providerUserID,
	).Scan(&acc.Provider, &acc.ProviderUserID, &unionID, &acc.UserID, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SocialAccount{}, ErrNotFound
		}
		return SocialAccount{}, err
	}
	acc.UnionID = unionID.String
	return acc, nil
}

func (st *pgSocials) CreateWithUser(ctx context.Context, u *User, acc *SocialAccount) error {
	now := st.s.now().UTC()
	return pg.WithTx(ctx, st.s.db, func(ctx context.Context, tx pg.DBTX) error {
		if err := insertUser(ctx, tx, u, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`insert into social_accounts(provider, provider_user_id, union_id, user_id, created_at)
			 values($1,$2,$3,$4,$5)`,
			acc.Provider, acc.ProviderUserID, pg.NullIfEmpty(acc.UnionID), u.ID, now,
		)
		if err != nil {
			if pg.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return err
		}
		acc.UserID = u.ID
		acc.CreatedAt = now
		return nil
	})
}
