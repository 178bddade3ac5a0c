package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foliohq/folio/internal/auth/storage"
	"github.com/foliohq/folio/internal/auth/user"
)

const userColumns = `id, email, password_hash, email_verified_at,
two_factor_secret, two_factor_recovery_codes, two_factor_confirmed_at,
two_factor_version, created_at, updated_at`

// PutUser persists a user record, replacing any previous row.
func (s *Store) PutUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("user email is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (
	id, email, password_hash, email_verified_at,
	two_factor_secret, two_factor_recovery_codes, two_factor_confirmed_at,
	two_factor_version, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	email = excluded.email,
	password_hash = excluded.password_hash,
	email_verified_at = excluded.email_verified_at,
	updated_at = excluded.updated_at
`,
		u.ID,
		u.Email,
		u.PasswordHash,
		nullableMillis(u.EmailVerifiedAt),
		u.TwoFactorSecret,
		u.TwoFactorRecoveryCodes,
		nullableMillis(u.TwoFactorConfirmedAt),
		u.TwoFactorVersion,
		toMillis(u.CreatedAt),
		toMillis(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "users.email") {
			return storage.ErrEmailTaken
		}
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// CreateUserWithEvent inserts a user and its registered event in one
// transaction, so a notification row exists exactly when the user does.
func (s *Store) CreateUserWithEvent(ctx context.Context, u user.User, event storage.AuthEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO users (
	id, email, password_hash, email_verified_at,
	two_factor_secret, two_factor_recovery_codes, two_factor_confirmed_at,
	two_factor_version, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		u.ID,
		u.Email,
		u.PasswordHash,
		nullableMillis(u.EmailVerifiedAt),
		u.TwoFactorSecret,
		u.TwoFactorRecoveryCodes,
		nullableMillis(u.TwoFactorConfirmedAt),
		u.TwoFactorVersion,
		toMillis(u.CreatedAt),
		toMillis(u.UpdatedAt),
	)
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err, "users.email") {
			return storage.ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if err := enqueueAuthEvent(ctx, tx, event); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user transaction: %w", err)
	}
	return nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return user.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM users WHERE id = ?", userColumns), userID)
	return scanUser(row)
}

// GetUserByEmail fetches a user by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	normalized := user.NormalizeEmail(email)
	if normalized == "" {
		return user.User{}, fmt.Errorf("email is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM users WHERE email = ?", userColumns), normalized)
	return scanUser(row)
}

// UpdateTwoFactor conditionally rewrites a user's two-factor columns.
//
// The update applies only when two_factor_version still matches
// ExpectedVersion; the version is bumped on success. A mismatch surfaces
// ErrVersionConflict so callers can re-read and retry, which is what keeps
// a recovery code from being spent twice by concurrent requests.
func (s *Store) UpdateTwoFactor(ctx context.Context, update storage.TwoFactorUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(update.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE users SET
	two_factor_secret = ?,
	two_factor_recovery_codes = ?,
	two_factor_confirmed_at = ?,
	two_factor_version = two_factor_version + 1,
	updated_at = ?
WHERE id = ? AND two_factor_version = ?
`,
		update.Secret,
		update.RecoveryCodes,
		nullableMillis(update.ConfirmedAt),
		toMillis(update.UpdatedAt),
		update.UserID,
		update.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update two-factor columns: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update two-factor columns: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetUser(ctx, update.UserID); getErr != nil {
			return getErr
		}
		return storage.ErrVersionConflict
	}
	return nil
}

type userScanner interface {
	Scan(dest ...any) error
}

func scanUser(row userScanner) (user.User, error) {
	var u user.User
	var emailVerifiedAt sql.NullInt64
	var confirmedAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&emailVerifiedAt,
		&u.TwoFactorSecret,
		&u.TwoFactorRecoveryCodes,
		&confirmedAt,
		&u.TwoFactorVersion,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("scan user: %w", err)
	}
	if emailVerifiedAt.Valid {
		value := fromMillis(emailVerifiedAt.Int64)
		u.EmailVerifiedAt = &value
	}
	if confirmedAt.Valid {
		value := fromMillis(confirmedAt.Int64)
		u.TwoFactorConfirmedAt = &value
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

func nullableMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}
