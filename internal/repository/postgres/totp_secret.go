package postgres

import (
	"context"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/repository"
)

// TOTPSecretRepository reads enrolled TOTP secrets written by the identity service.
type TOTPSecretRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewTOTPSecretRepository constructs the read-only enrollment lookup.
func NewTOTPSecretRepository(exec pgExecutor) *TOTPSecretRepository {
	return &TOTPSecretRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// TOTPSecret returns the active secret for the user or repository.ErrNotFound.
func (r *TOTPSecretRepository) TOTPSecret(ctx context.Context, userID string) (string, error) {
	stmt, args, err := r.builder.
		Select("secret").
		From("esign.totp_enrollments").
		Where(squirrel.Eq{"user_id": userID, "enabled": true}).
		Limit(1).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build select totp secret sql: %w", err)
	}

	var secret string
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("select totp secret: %w", err)
	}

	return secret, nil
}

var _ port.TOTPSecretSource = (*TOTPSecretRepository)(nil)
