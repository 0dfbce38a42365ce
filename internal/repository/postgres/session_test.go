package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/repository"
)

var sessionRowColumns = []string{
	"session_id", "user_id", "email", "refresh_token_hash", "role", "account_type",
	"created_at", "last_used_at", "user_agent", "ip_address",
	"totp_verified", "totp_verified_at", "totp_context",
}

func newMockRepo(t *testing.T) (*SessionRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewSessionRepository(mock), mock
}

func TestSessionRepository_Put(t *testing.T) {
	repo, mock := newMockRepo(t)

	createdAt := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	session := domain.NewSession("session-123", "user-123", "signer@example.com", "hash-1", domain.SessionMeta{
		UserAgent: "Firefox",
		IPAddress: "198.51.100.10",
		Role:      "sender",
	}, createdAt)

	mock.ExpectExec(`INSERT INTO esign\.user_sessions AS s .* ON CONFLICT \(session_id\) DO UPDATE`).
		WithArgs(
			"session-123",
			"user-123",
			"signer@example.com",
			"hash-1",
			"sender",
			nil,
			createdAt,
			createdAt,
			"Firefox",
			"198.51.100.10",
			false,
			nil,
			nil,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := repo.Put(context.Background(), session, time.Hour); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionRepository_Get(t *testing.T) {
	repo, mock := newMockRepo(t)

	createdAt := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	verifiedAt := createdAt.Add(time.Minute)

	rows := pgxmock.NewRows(sessionRowColumns).AddRow(
		"session-1", "user-1", "signer@example.com", "hash-1", nil, "business",
		createdAt, verifiedAt, "UA", nil,
		true, verifiedAt, "signing",
	)

	mock.ExpectQuery(`SELECT .* FROM esign\.user_sessions WHERE session_id = \$1 LIMIT 1`).
		WithArgs("session-1").
		WillReturnRows(rows)

	session, err := repo.Get(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if session.UserID != "user-1" || session.RefreshTokenHash != "hash-1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.Role != "" || session.AccountType != "business" {
		t.Fatalf("unexpected passthrough claims role=%q account=%q", session.Role, session.AccountType)
	}
	if !session.TOTPVerified || session.TOTPContext != domain.TOTPContextSigning {
		t.Fatalf("expected signing verification, got %+v", session)
	}
	if session.TOTPVerifiedAt == nil || !session.TOTPVerifiedAt.Equal(verifiedAt) {
		t.Fatalf("unexpected verified at %v", session.TOTPVerifiedAt)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionRepository_GetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .* FROM esign\.user_sessions`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionRepository_UpdateRefreshHash(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE esign\.user_sessions SET refresh_token_hash = \$1 WHERE session_id = \$2`).
		WithArgs("hash-2", "session-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE esign\.user_sessions SET refresh_token_hash`).
		WithArgs("hash-3", "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := repo.UpdateRefreshHash(context.Background(), "session-1", "hash-2"); err != nil {
		t.Fatalf("UpdateRefreshHash returned error: %v", err)
	}
	if err := repo.UpdateRefreshHash(context.Background(), "gone", "hash-3"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionRepository_UpdateTOTP(t *testing.T) {
	repo, mock := newMockRepo(t)

	at := time.Date(2025, 2, 1, 9, 5, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE esign\.user_sessions SET totp_context = \$1, totp_verified = \$2, totp_verified_at = \$3 WHERE session_id = \$4`).
		WithArgs("both", true, at, "session-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := repo.UpdateTOTP(context.Background(), "session-1", true, domain.TOTPContextBoth, &at); err != nil {
		t.Fatalf("UpdateTOTP returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionRepository_DeleteByUser(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`DELETE FROM esign\.user_sessions WHERE user_id = \$1`).
		WithArgs("user-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	count, err := repo.DeleteByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("DeleteByUser returned error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 removed sessions, got %d", count)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionRepository_DeleteIdleBefore(t *testing.T) {
	repo, mock := newMockRepo(t)

	cutoff := time.Date(2025, 1, 25, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`DELETE FROM esign\.user_sessions WHERE last_used_at < \$1 RETURNING session_id`).
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"session_id"}).AddRow("old-1").AddRow("old-2"))

	ids, err := repo.DeleteIdleBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteIdleBefore returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "old-1" || ids[1] != "old-2" {
		t.Fatalf("unexpected swept ids %v", ids)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionRepository_ListByUser(t *testing.T) {
	repo, mock := newMockRepo(t)

	at := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows(sessionRowColumns).
		AddRow("s-2", "user-1", nil, "h2", nil, nil, at, at.Add(time.Hour), nil, nil, false, nil, nil).
		AddRow("s-1", "user-1", nil, "h1", nil, nil, at, at, nil, nil, false, nil, nil)

	mock.ExpectQuery(`SELECT .* FROM esign\.user_sessions WHERE user_id = \$1 ORDER BY last_used_at DESC`).
		WithArgs("user-1").
		WillReturnRows(rows)

	sessions, err := repo.ListByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListByUser returned error: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "s-2" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTOTPSecretRepository_TOTPSecret(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewTOTPSecretRepository(mock)

	mock.ExpectQuery(`SELECT secret FROM esign\.totp_enrollments WHERE enabled = \$1 AND user_id = \$2`).
		WithArgs(true, "user-1").
		WillReturnRows(pgxmock.NewRows([]string{"secret"}).AddRow("JBSWY3DPEHPK3PXP"))
	mock.ExpectQuery(`SELECT secret FROM esign\.totp_enrollments`).
		WithArgs(true, "user-2").
		WillReturnError(pgx.ErrNoRows)

	secret, err := repo.TOTPSecret(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("TOTPSecret returned error: %v", err)
	}
	if secret != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("unexpected secret %q", secret)
	}

	if _, err := repo.TOTPSecret(context.Background(), "user-2"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
