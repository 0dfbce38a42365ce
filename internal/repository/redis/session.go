package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/repository"
)

const (
	defaultSessionPrefix = "esign:sess"

	fieldUserID           = "user_id"
	fieldEmail            = "email"
	fieldRefreshTokenHash = "refresh_token_hash"
	fieldRole             = "role"
	fieldAccountType      = "account_type"
	fieldCreatedAt        = "created_at"
	fieldLastUsedAt       = "last_used_at"
	fieldUserAgent        = "user_agent"
	fieldIPAddress        = "ip_address"
	fieldTOTPVerified     = "totp_verified"
	fieldTOTPVerifiedAt   = "totp_verified_at"
	fieldTOTPContext      = "totp_context"
)

// hsetIfExists writes hash fields only when the record is still present, so a
// late update never resurrects a revoked or expired session as a partial hash.
var hsetIfExists = red.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// SessionRepository is the fast session tier. Each session is a hash with a
// TTL equal to the refresh lifetime; a per-user set indexes ids for revoke-all.
type SessionRepository struct {
	client *red.Client
	prefix string
}

// NewSessionRepository constructs the Redis-backed session tier.
func NewSessionRepository(client *red.Client, keyPrefix string) *SessionRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultSessionPrefix
	}
	return &SessionRepository{client: client, prefix: prefix}
}

// Name identifies the tier in logs and metrics.
func (r *SessionRepository) Name() string {
	return "redis"
}

// Ping verifies the Redis server is reachable.
func (r *SessionRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Put writes the full session record and indexes it under its user.
func (r *SessionRepository) Put(ctx context.Context, session domain.Session, ttl time.Duration) error {
	key := r.key(session.ID)
	if key == "" {
		return fmt.Errorf("session id is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	userKey := r.userKey(session.UserID)

	_, err := r.client.TxPipelined(ctx, func(pipe red.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeSession(session))
		pipe.Expire(ctx, key, ttl)
		pipe.SAdd(ctx, userKey, session.ID)
		pipe.Expire(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}

	return nil
}

// Get loads the session hash or returns repository.ErrNotFound.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	key := r.key(sessionID)
	if key == "" {
		return nil, repository.ErrNotFound
	}

	values, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall session: %w", err)
	}
	if len(values) == 0 {
		return nil, repository.ErrNotFound
	}

	session, err := decodeSession(strings.TrimSpace(sessionID), values)
	if err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}

	return session, nil
}

// UpdateRefreshHash overwrites the stored refresh digest.
func (r *SessionRepository) UpdateRefreshHash(ctx context.Context, sessionID, hash string) error {
	return r.setFields(ctx, sessionID, fieldRefreshTokenHash, hash)
}

// UpdateTOTP merges the step-up state into the hash.
func (r *SessionRepository) UpdateTOTP(ctx context.Context, sessionID string, verified bool, totpCtx domain.TOTPContext, verifiedAt *time.Time) error {
	return r.setFields(ctx, sessionID,
		fieldTOTPVerified, formatBool(verified),
		fieldTOTPVerifiedAt, formatTimePtr(verifiedAt),
		fieldTOTPContext, string(totpCtx),
	)
}

// Touch records the latest activity timestamp.
func (r *SessionRepository) Touch(ctx context.Context, sessionID string, at time.Time) error {
	return r.setFields(ctx, sessionID, fieldLastUsedAt, formatTime(at))
}

// Delete removes the session hash and its index entry.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	key := r.key(sessionID)
	if key == "" {
		return nil
	}

	userID, err := r.client.HGet(ctx, key, fieldUserID).Result()
	if err != nil && !errors.Is(err, red.Nil) {
		return fmt.Errorf("redis hget session owner: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe red.Pipeliner) error {
		pipe.Del(ctx, key)
		if userID != "" {
			pipe.SRem(ctx, r.userKey(userID), strings.TrimSpace(sessionID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}

	return nil
}

// DeleteByUser removes every indexed session for the user.
func (r *SessionRepository) DeleteByUser(ctx context.Context, userID string) (int, error) {
	userKey := r.userKey(userID)

	ids, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis smembers user sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.key(id))
	}

	var removed *red.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe red.Pipeliner) error {
		removed = pipe.Del(ctx, keys...)
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis delete user sessions: %w", err)
	}

	return int(removed.Val()), nil
}

// ListByUser returns the user's sessions that are still present, pruning stale index entries.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	userKey := r.userKey(userID)

	ids, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers user sessions: %w", err)
	}

	cmds := make([]*red.MapStringStringCmd, len(ids))
	if len(ids) > 0 {
		_, err = r.client.Pipelined(ctx, func(pipe red.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.HGetAll(ctx, r.key(id))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("redis load user sessions: %w", err)
		}
	}

	sessions := make([]domain.Session, 0, len(ids))
	stale := make([]any, 0)
	for i, id := range ids {
		values := cmds[i].Val()
		if len(values) == 0 {
			stale = append(stale, id)
			continue
		}
		session, err := decodeSession(id, values)
		if err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, *session)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, userKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis prune user sessions: %w", err)
		}
	}

	return sessions, nil
}

func (r *SessionRepository) setFields(ctx context.Context, sessionID string, fieldValues ...any) error {
	key := r.key(sessionID)
	if key == "" {
		return repository.ErrNotFound
	}

	updated, err := hsetIfExists.Run(ctx, r.client, []string{key}, fieldValues...).Int()
	if err != nil {
		return fmt.Errorf("redis update session: %w", err)
	}
	if updated == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) key(sessionID string) string {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", r.prefix, trimmed)
}

func (r *SessionRepository) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", r.prefix, strings.TrimSpace(userID))
}

func encodeSession(session domain.Session) map[string]any {
	return map[string]any{
		fieldUserID:           session.UserID,
		fieldEmail:            session.Email,
		fieldRefreshTokenHash: session.RefreshTokenHash,
		fieldRole:             session.Role,
		fieldAccountType:      session.AccountType,
		fieldCreatedAt:        formatTime(session.CreatedAt),
		fieldLastUsedAt:       formatTime(session.LastUsedAt),
		fieldUserAgent:        session.UserAgent,
		fieldIPAddress:        session.IPAddress,
		fieldTOTPVerified:     formatBool(session.TOTPVerified),
		fieldTOTPVerifiedAt:   formatTimePtr(session.TOTPVerifiedAt),
		fieldTOTPContext:      string(session.TOTPContext),
	}
}

func decodeSession(id string, values map[string]string) (*domain.Session, error) {
	createdAt, err := parseTime(values[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldCreatedAt, err)
	}
	lastUsedAt, err := parseTime(values[fieldLastUsedAt])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldLastUsedAt, err)
	}

	session := &domain.Session{
		ID:               id,
		UserID:           values[fieldUserID],
		Email:            values[fieldEmail],
		RefreshTokenHash: values[fieldRefreshTokenHash],
		Role:             values[fieldRole],
		AccountType:      values[fieldAccountType],
		CreatedAt:        createdAt,
		LastUsedAt:       lastUsedAt,
		UserAgent:        values[fieldUserAgent],
		IPAddress:        values[fieldIPAddress],
		TOTPVerified:     values[fieldTOTPVerified] == "1",
		TOTPContext:      domain.TOTPContext(values[fieldTOTPContext]),
	}

	if raw := values[fieldTOTPVerifiedAt]; raw != "" {
		verifiedAt, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", fieldTOTPVerifiedAt, err)
		}
		session.TOTPVerifiedAt = &verifiedAt
	}

	return session, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

var (
	_ port.SessionTier   = (*SessionRepository)(nil)
	_ port.HealthChecker = (*SessionRepository)(nil)
)
