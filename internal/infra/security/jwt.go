package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/google/uuid"

	"github.com/arklim/esign-sessions/internal/core/domain"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	minSecretLength        = 32
)

// ErrSecretTooShort indicates the configured signing secret is unusable.
var ErrSecretTooShort = fmt.Errorf("jwt: signing secret must be at least %d bytes", minSecretLength)

// SessionClaims is the claim set carried by both access and refresh tokens.
type SessionClaims struct {
	UserID    string           `json:"uid"`
	Email     string           `json:"email,omitempty"`
	Role      string           `json:"role,omitempty"`
	SessionID string           `json:"sid"`
	Type      domain.TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// CodecOptions configures a TokenCodec.
type CodecOptions struct {
	Secret     []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenCodec issues and verifies HS256 session token pairs. It never touches
// storage: validity is signature, issuer, audience and expiry only.
type TokenCodec struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenCodec validates options and constructs a codec.
func NewTokenCodec(opts CodecOptions) (*TokenCodec, error) {
	if len(opts.Secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, fmt.Errorf("jwt: issuer is required")
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, fmt.Errorf("jwt: audience is required")
	}

	accessTTL := opts.AccessTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTokenTTL
	}
	refreshTTL := opts.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTokenTTL
	}

	secret := make([]byte, len(opts.Secret))
	copy(secret, opts.Secret)

	return &TokenCodec{
		secret:     secret,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// WithClock overrides the time source (primarily for tests).
func (c *TokenCodec) WithClock(now func() time.Time) *TokenCodec {
	if now != nil {
		c.now = now
	}
	return c
}

// AccessTTL exposes the configured access token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration {
	return c.accessTTL
}

// RefreshTTL exposes the configured refresh token lifetime.
func (c *TokenCodec) RefreshTTL() time.Duration {
	return c.refreshTTL
}

// Issue mints an access/refresh pair bound to the session.
func (c *TokenCodec) Issue(userID, email, sessionID, role string) (domain.TokenPair, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.TokenPair{}, fmt.Errorf("jwt: user id is required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.TokenPair{}, fmt.Errorf("jwt: session id is required")
	}

	issuedAt := c.now().UTC()
	accessExp := issuedAt.Add(c.accessTTL)

	access := c.claims(domain.TokenTypeAccess, userID, email, sessionID, role, issuedAt, accessExp)
	accessToken, err := c.sign(access)
	if err != nil {
		return domain.TokenPair{}, err
	}

	refresh := c.claims(domain.TokenTypeRefresh, userID, email, sessionID, "", issuedAt, issuedAt.Add(c.refreshTTL))
	refreshToken, err := c.sign(refresh)
	if err != nil {
		return domain.TokenPair{}, err
	}

	return domain.TokenPair{
		SessionID:    sessionID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    access.ExpiresAt.Unix(),
	}, nil
}

// Verify checks signature, issuer, audience and expiry. It returns
// domain.ErrTokenExpired only when expiry was the sole failure.
func (c *TokenCodec) Verify(raw string) (*SessionClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, domain.ErrTokenInvalid
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if expiredOnly(err) {
			return nil, domain.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}

	if claims.UserID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session claims", domain.ErrTokenInvalid)
	}

	return claims, nil
}

// VerifyAccess verifies the token and asserts it is an access token.
func (c *TokenCodec) VerifyAccess(raw string) (*SessionClaims, error) {
	return c.verifyType(raw, domain.TokenTypeAccess)
}

// VerifyRefresh verifies the token and asserts it is a refresh token.
func (c *TokenCodec) VerifyRefresh(raw string) (*SessionClaims, error) {
	return c.verifyType(raw, domain.TokenTypeRefresh)
}

func (c *TokenCodec) verifyType(raw string, want domain.TokenType) (*SessionClaims, error) {
	claims, err := c.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, domain.ErrWrongTokenType
	}
	return claims, nil
}

func (c *TokenCodec) claims(typ domain.TokenType, userID, email, sessionID, role string, issuedAt, expiresAt time.Time) *SessionClaims {
	return &SessionClaims{
		UserID:    userID,
		Email:     strings.TrimSpace(email),
		Role:      strings.TrimSpace(role),
		SessionID: sessionID,
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
}

func (c *TokenCodec) sign(claims *SessionClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}
	return signed, nil
}

func expiredOnly(err error) bool {
	if !errors.Is(err, jwt.ErrTokenExpired) {
		return false
	}
	for _, other := range []error{
		jwt.ErrTokenMalformed,
		jwt.ErrTokenSignatureInvalid,
		jwt.ErrTokenUnverifiable,
		jwt.ErrTokenInvalidIssuer,
		jwt.ErrTokenInvalidAudience,
		jwt.ErrTokenNotValidYet,
		jwt.ErrTokenUsedBeforeIssued,
		jwt.ErrTokenRequiredClaimMissing,
	} {
		if errors.Is(err, other) {
			return false
		}
	}
	return true
}
