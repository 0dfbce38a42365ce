package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/repository"
)

const sessionsTable = "esign.user_sessions"

var sessionColumns = []string{
	"session_id",
	"user_id",
	"email",
	"refresh_token_hash",
	"role",
	"account_type",
	"created_at",
	"last_used_at",
	"user_agent",
	"ip_address",
	"totp_verified",
	"totp_verified_at",
	"totp_context",
}

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionRepository is the durable session tier backed by PostgreSQL.
type SessionRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewSessionRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewSessionRepository(exec pgExecutor) *SessionRepository {
	return &SessionRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Name identifies the tier in logs and metrics.
func (r *SessionRepository) Name() string {
	return "postgres"
}

// Ping verifies the database answers queries.
func (r *SessionRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.exec.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Put upserts the session row. Durable rows carry no TTL; retention is enforced by the sweep.
func (r *SessionRepository) Put(ctx context.Context, session domain.Session, _ time.Duration) error {
	stmt, args, err := r.builder.Insert(sessionsTable + " AS s").
		Columns(sessionColumns...).
		Values(
			session.ID,
			session.UserID,
			optionalString(session.Email),
			session.RefreshTokenHash,
			optionalString(session.Role),
			optionalString(session.AccountType),
			session.CreatedAt.UTC(),
			session.LastUsedAt.UTC(),
			optionalString(session.UserAgent),
			optionalString(session.IPAddress),
			session.TOTPVerified,
			optionalTime(session.TOTPVerifiedAt),
			optionalString(string(session.TOTPContext)),
		).
		Suffix(`ON CONFLICT (session_id) DO UPDATE SET
            refresh_token_hash = EXCLUDED.refresh_token_hash,
            last_used_at = GREATEST(s.last_used_at, EXCLUDED.last_used_at),
            totp_verified = EXCLUDED.totp_verified,
            totp_verified_at = EXCLUDED.totp_verified_at,
            totp_context = EXCLUDED.totp_context`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert session sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	return nil
}

// Get fetches a session by its identifier.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	stmt, args, err := r.builder.
		Select(sessionColumns...).
		From(sessionsTable).
		Where(squirrel.Eq{"session_id": sessionID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select session sql: %w", err)
	}

	session, err := scanSession(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	return session, nil
}

// UpdateRefreshHash overwrites the stored refresh digest.
func (r *SessionRepository) UpdateRefreshHash(ctx context.Context, sessionID, hash string) error {
	return r.update(ctx, "update refresh hash", sessionID, squirrel.Eq{"refresh_token_hash": hash})
}

// UpdateTOTP merges the step-up state into the row.
func (r *SessionRepository) UpdateTOTP(ctx context.Context, sessionID string, verified bool, totpCtx domain.TOTPContext, verifiedAt *time.Time) error {
	return r.update(ctx, "update totp status", sessionID, squirrel.Eq{
		"totp_verified":    verified,
		"totp_verified_at": optionalTime(verifiedAt),
		"totp_context":     optionalString(string(totpCtx)),
	})
}

// Touch moves last_used_at forward; it never moves it backwards.
func (r *SessionRepository) Touch(ctx context.Context, sessionID string, at time.Time) error {
	stmt, args, err := r.builder.Update(sessionsTable).
		Set("last_used_at", squirrel.Expr("GREATEST(last_used_at, ?)", at.UTC())).
		Where(squirrel.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build touch session sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes a single session row. Deleting an absent row is not an error.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	stmt, args, err := r.builder.Delete(sessionsTable).
		Where(squirrel.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete session sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteByUser removes every session owned by the user and reports how many were removed.
func (r *SessionRepository) DeleteByUser(ctx context.Context, userID string) (int, error) {
	stmt, args, err := r.builder.Delete(sessionsTable).
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete user sessions sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListByUser retrieves all sessions owned by the supplied user ordered by last activity.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	stmt, args, err := r.builder.
		Select(sessionColumns...).
		From(sessionsTable).
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("last_used_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// DeleteIdleBefore removes sessions whose last activity precedes cutoff and returns their ids.
func (r *SessionRepository) DeleteIdleBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	stmt, args, err := r.builder.Delete(sessionsTable).
		Where(squirrel.Lt{"last_used_at": cutoff.UTC()}).
		Suffix("RETURNING session_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sweep sessions sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("sweep sessions: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan swept session id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swept sessions: %w", err)
	}

	return ids, nil
}

func (r *SessionRepository) update(ctx context.Context, op, sessionID string, values squirrel.Eq) error {
	stmt, args, err := r.builder.Update(sessionsTable).
		SetMap(values).
		Where(squirrel.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build %s sql: %w", op, err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		session        domain.Session
		email          sql.NullString
		role           sql.NullString
		accountType    sql.NullString
		userAgent      sql.NullString
		ipAddress      sql.NullString
		totpVerifiedAt sql.NullTime
		totpContext    sql.NullString
	)

	if err := row.Scan(
		&session.ID,
		&session.UserID,
		&email,
		&session.RefreshTokenHash,
		&role,
		&accountType,
		&session.CreatedAt,
		&session.LastUsedAt,
		&userAgent,
		&ipAddress,
		&session.TOTPVerified,
		&totpVerifiedAt,
		&totpContext,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	session.Email = nullableString(email)
	session.Role = nullableString(role)
	session.AccountType = nullableString(accountType)
	session.UserAgent = nullableString(userAgent)
	session.IPAddress = nullableString(ipAddress)
	session.TOTPVerifiedAt = nullableTimePtr(totpVerifiedAt)
	session.TOTPContext = domain.TOTPContext(nullableString(totpContext))
	session.CreatedAt = session.CreatedAt.UTC()
	session.LastUsedAt = session.LastUsedAt.UTC()

	return &session, nil
}

func optionalString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func optionalTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return (*value).UTC()
}

func nullableString(value sql.NullString) string {
	if !value.Valid {
		return ""
	}
	return strings.TrimSpace(value.String)
}

func nullableTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

var (
	_ port.SweepableTier = (*SessionRepository)(nil)
	_ port.HealthChecker = (*SessionRepository)(nil)
)
