// Package pg implements authcore.UserProvider on PostgreSQL via pgx.
//
// Expected schema: users, user_totp, user_backup_codes, and
// external_identities tables; see schema.sql in this directory.
package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkpress/authcore"
)

const pgUniqueViolation = "23505"

// Store is a PostgreSQL-backed [authcore.UserProvider].
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `id, username, email, phone, password_hash, status, roles, totp_enabled, mfa_preferred`

func (s *Store) scanUser(row pgx.Row) (authcore.UserRecord, error) {
	var (
		u      authcore.UserRecord
		status int16
		mfa    string
	)
	err := row.Scan(&u.UserID, &u.Username, &u.Email, &u.Phone, &u.PasswordHash, &status, &u.Roles, &u.TOTPEnabled, &mfa)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authcore.UserRecord{}, authcore.ErrUserNotFound
		}
		return authcore.UserRecord{}, fmt.Errorf("pg: scan user: %w", err)
	}
	u.Status = authcore.AccountStatus(status)
	u.MFAPreferred = authcore.MFAMethod(mfa)
	return u, nil
}

// GetUserByIdentifier resolves a login identifier against username and
// email.
func (s *Store) GetUserByIdentifier(ctx context.Context, identifier string) (authcore.UserRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1 OR email = $1`, identifier)
	return s.scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (authcore.UserRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return s.scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (authcore.UserRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return s.scanUser(row)
}

func (s *Store) CreateUser(ctx context.Context, input authcore.CreateUserInput) (authcore.UserRecord, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, phone, password_hash, status, roles, totp_enabled, mfa_preferred)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, '')`,
		id, input.Username, input.Email, input.Phone, input.PasswordHash, int16(input.Status), input.Roles)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return authcore.UserRecord{}, authcore.ErrAccountExists
		}
		return authcore.UserRecord{}, fmt.Errorf("pg: create user: %w", err)
	}
	return authcore.UserRecord{
		UserID:       id,
		Username:     input.Username,
		Email:        input.Email,
		Phone:        input.Phone,
		PasswordHash: input.PasswordHash,
		Status:       input.Status,
		Roles:        input.Roles,
	}, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	return s.execOne(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, userID, newHash)
}

func (s *Store) UpdateAccountStatus(ctx context.Context, userID string, status authcore.AccountStatus) error {
	return s.execOne(ctx,
		`UPDATE users SET status = $2 WHERE id = $1`, userID, int16(status))
}

func (s *Store) GetTOTPSecret(ctx context.Context, userID string) (*authcore.TOTPRecord, error) {
	var rec authcore.TOTPRecord
	err := s.pool.QueryRow(ctx,
		`SELECT secret, enabled, verified, last_used_counter FROM user_totp WHERE user_id = $1`,
		userID).Scan(&rec.Secret, &rec.Enabled, &rec.Verified, &rec.LastUsedCounter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrUserNotFound
		}
		return nil, fmt.Errorf("pg: totp secret: %w", err)
	}
	return &rec, nil
}

// EnableTOTP stores a pending secret. Re-enrollment replaces the previous
// secret and resets the verified flag and replay counter.
func (s *Store) EnableTOTP(ctx context.Context, userID string, secret []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_totp (user_id, secret, enabled, verified, last_used_counter)
		 VALUES ($1, $2, false, false, 0)
		 ON CONFLICT (user_id) DO UPDATE
		 SET secret = $2, enabled = false, verified = false, last_used_counter = 0`,
		userID, secret)
	if err != nil {
		return fmt.Errorf("pg: enable totp: %w", err)
	}
	return nil
}

func (s *Store) DisableTOTP(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pg: disable totp: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM user_totp WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("pg: disable totp: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET totp_enabled = false WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("pg: disable totp: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) MarkTOTPVerified(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pg: verify totp: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE user_totp SET enabled = true, verified = true WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("pg: verify totp: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET totp_enabled = true WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("pg: verify totp: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateTOTPLastUsedCounter(ctx context.Context, userID string, counter int64) error {
	// GREATEST keeps the counter monotonic under concurrent verifications.
	return s.execOne(ctx,
		`UPDATE user_totp SET last_used_counter = GREATEST(last_used_counter, $2) WHERE user_id = $1`,
		userID, counter)
}

func (s *Store) GetBackupCodes(ctx context.Context, userID string) ([]authcore.BackupCodeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code_hash FROM user_backup_codes WHERE user_id = $1 AND consumed_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("pg: backup codes: %w", err)
	}
	defer rows.Close()

	var codes []authcore.BackupCodeRecord
	for rows.Next() {
		var hash []byte
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("pg: backup codes: %w", err)
		}
		var rec authcore.BackupCodeRecord
		copy(rec.Hash[:], hash)
		codes = append(codes, rec)
	}
	return codes, rows.Err()
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codes []authcore.BackupCodeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pg: replace backup codes: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM user_backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("pg: replace backup codes: %w", err)
	}
	for _, code := range codes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_backup_codes (user_id, code_hash) VALUES ($1, $2)`,
			userID, code.Hash[:]); err != nil {
			return fmt.Errorf("pg: replace backup codes: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ConsumeBackupCode marks one code used. The conditional UPDATE is the
// single-use gate: a second consumption of the same hash matches zero rows.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, codeHash [32]byte) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_backup_codes SET consumed_at = now()
		 WHERE user_id = $1 AND code_hash = $2 AND consumed_at IS NULL`,
		userID, codeHash[:])
	if err != nil {
		return false, fmt.Errorf("pg: consume backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetUserByExternalIdentity(ctx context.Context, provider, externalID string) (authcore.UserRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		 JOIN external_identities ON external_identities.user_id = users.id
		 WHERE external_identities.provider = $1 AND external_identities.external_id = $2`,
		provider, externalID)
	return s.scanUser(row)
}

func (s *Store) LinkExternalIdentity(ctx context.Context, userID string, identity authcore.ExternalIdentity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO external_identities (user_id, provider, external_id, email, display_name)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, external_id) DO NOTHING`,
		userID, identity.Provider, identity.ExternalID, identity.Email, identity.DisplayName)
	if err != nil {
		return fmt.Errorf("pg: link identity: %w", err)
	}
	return nil
}

func (s *Store) execOne(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("pg: exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrUserNotFound
	}
	return nil
}

var _ authcore.UserProvider = (*Store)(nil)
