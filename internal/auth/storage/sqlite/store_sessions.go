package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foliohq/folio/internal/auth/storage"
)

// PutFlowState persists login-flow progress keyed to the flow cookie.
func (s *Store) PutFlowState(ctx context.Context, state storage.FlowState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(state.ID) == "" {
		return fmt.Errorf("flow id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO auth_flow_sessions (
	id, two_factor_required, two_factor_user_id, remember,
	two_factor_verified_user_id, password_confirmed_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	two_factor_required = excluded.two_factor_required,
	two_factor_user_id = excluded.two_factor_user_id,
	remember = excluded.remember,
	two_factor_verified_user_id = excluded.two_factor_verified_user_id,
	password_confirmed_at = excluded.password_confirmed_at,
	expires_at = excluded.expires_at
`,
		state.ID,
		boolToInt(state.TwoFactorRequired),
		state.TwoFactorUserID,
		boolToInt(state.Remember),
		state.TwoFactorVerifiedUserID,
		nullableMillis(state.PasswordConfirmedAt),
		toMillis(state.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put flow state: %w", err)
	}
	return nil
}

// GetFlowState fetches login-flow state by flow ID.
func (s *Store) GetFlowState(ctx context.Context, id string) (storage.FlowState, error) {
	if err := ctx.Err(); err != nil {
		return storage.FlowState{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.FlowState{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.FlowState{}, fmt.Errorf("flow id is required")
	}

	var state storage.FlowState
	var twoFactorRequired int
	var remember int
	var passwordConfirmedAt sql.NullInt64
	var expiresAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, two_factor_required, two_factor_user_id, remember,
	two_factor_verified_user_id, password_confirmed_at, expires_at
FROM auth_flow_sessions WHERE id = ?
`, id).Scan(
		&state.ID,
		&twoFactorRequired,
		&state.TwoFactorUserID,
		&remember,
		&state.TwoFactorVerifiedUserID,
		&passwordConfirmedAt,
		&expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.FlowState{}, storage.ErrNotFound
		}
		return storage.FlowState{}, fmt.Errorf("get flow state: %w", err)
	}
	state.TwoFactorRequired = twoFactorRequired != 0
	state.Remember = remember != 0
	if passwordConfirmedAt.Valid {
		value := fromMillis(passwordConfirmedAt.Int64)
		state.PasswordConfirmedAt = &value
	}
	state.ExpiresAt = fromMillis(expiresAt)
	return state, nil
}

// DeleteFlowState removes login-flow state. Missing rows are not an error.
func (s *Store) DeleteFlowState(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("flow id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM auth_flow_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete flow state: %w", err)
	}
	return nil
}

// DeleteExpiredFlowStates sweeps flow states past their expiry.
func (s *Store) DeleteExpiredFlowStates(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM auth_flow_sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired flow states: %w", err)
	}
	return nil
}

// PutWebSession persists a durable authenticated session.
func (s *Store) PutWebSession(ctx context.Context, session storage.WebSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO web_sessions (id, user_id, created_at, expires_at, revoked_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	expires_at = excluded.expires_at,
	revoked_at = excluded.revoked_at
`,
		session.ID,
		session.UserID,
		toMillis(session.CreatedAt),
		toMillis(session.ExpiresAt),
		nullableMillis(session.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("put web session: %w", err)
	}
	return nil
}

// GetWebSession fetches a durable session by ID.
func (s *Store) GetWebSession(ctx context.Context, id string) (storage.WebSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.WebSession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.WebSession{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.WebSession{}, fmt.Errorf("session id is required")
	}

	var session storage.WebSession
	var createdAt int64
	var expiresAt int64
	var revokedAt sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, created_at, expires_at, revoked_at
FROM web_sessions WHERE id = ?
`, id).Scan(&session.ID, &session.UserID, &createdAt, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WebSession{}, storage.ErrNotFound
		}
		return storage.WebSession{}, fmt.Errorf("get web session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	if revokedAt.Valid {
		value := fromMillis(revokedAt.Int64)
		session.RevokedAt = &value
	}
	return session, nil
}

// RevokeWebSession marks a session revoked. Already-revoked sessions keep
// their original revocation time.
func (s *Store) RevokeWebSession(ctx context.Context, id string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE web_sessions SET revoked_at = ?
WHERE id = ? AND revoked_at IS NULL
`, toMillis(revokedAt), id)
	if err != nil {
		return fmt.Errorf("revoke web session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke web session: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetWebSession(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// DeleteExpiredWebSessions sweeps sessions past their expiry.
func (s *Store) DeleteExpiredWebSessions(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM web_sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired web sessions: %w", err)
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
