package interceptors

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/infra/security"
)

const (
	authorizationKey = "authorization"
	bearerPrefix     = "bearer "
)

// AccessVerifier validates access tokens; it matches the HTTP RequireAuth contract.
type AccessVerifier interface {
	VerifyAccess(raw string) (*security.SessionClaims, error)
}

// AuthOptions fine-tunes interceptor behaviour.
type AuthOptions struct {
	// AllowMethods lists full method names that skip authentication.
	// An entry ending in "/" allows every method of that service.
	AllowMethods []string
	Logger       *zap.Logger
}

// AuthInterceptor validates incoming requests using session access tokens.
type AuthInterceptor struct {
	verifier AccessVerifier
	logger   *zap.Logger
	allow    map[string]struct{}
	prefixes []string
}

// NewAuthInterceptor constructs a new AuthInterceptor instance.
func NewAuthInterceptor(verifier AccessVerifier, opts AuthOptions) *AuthInterceptor {
	ai := &AuthInterceptor{
		verifier: verifier,
		logger:   opts.Logger,
		allow:    make(map[string]struct{}, len(opts.AllowMethods)),
	}
	if ai.logger == nil {
		ai.logger = zap.NewNop()
	}

	for _, method := range opts.AllowMethods {
		method = strings.TrimSpace(method)
		switch {
		case method == "":
		case strings.HasSuffix(method, "/"):
			ai.prefixes = append(ai.prefixes, method)
		default:
			ai.allow[method] = struct{}{}
		}
	}

	return ai
}

// UnaryServerInterceptor enforces authentication on unary calls.
func (ai *AuthInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if ai == nil || ai.verifier == nil || ai.allowed(info.FullMethod) {
			return handler(ctx, req)
		}

		claims, err := ai.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(WithClaims(ctx, claims), req)
	}
}

// StreamServerInterceptor enforces authentication on streaming calls.
func (ai *AuthInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if ai == nil || ai.verifier == nil || ai.allowed(info.FullMethod) {
			return handler(srv, ss)
		}

		claims, err := ai.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &claimsStream{ServerStream: ss, ctx: WithClaims(ss.Context(), claims)})
	}
}

func (ai *AuthInterceptor) allowed(method string) bool {
	if _, ok := ai.allow[method]; ok {
		return true
	}
	for _, prefix := range ai.prefixes {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

func (ai *AuthInterceptor) authenticate(ctx context.Context, method string) (*security.SessionClaims, error) {
	token, err := tokenFromMetadata(ctx)
	if err != nil {
		ai.logger.Warn("gRPC authentication failed", zap.String("method", method), zap.Error(err))
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	claims, err := ai.verifier.VerifyAccess(token)
	if err != nil {
		ai.logger.Warn("gRPC token validation failed", zap.String("method", method), zap.Error(err))
		switch {
		case errors.Is(err, domain.ErrTokenExpired):
			return nil, status.Error(codes.Unauthenticated, "access token expired")
		case errors.Is(err, domain.ErrWrongTokenType):
			return nil, status.Error(codes.Unauthenticated, "access token required")
		default:
			return nil, status.Error(codes.Unauthenticated, "invalid access token")
		}
	}
	return claims, nil
}

type claimsStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *claimsStream) Context() context.Context { return s.ctx }

type claimsContextKey struct{}

// WithClaims returns a derived context containing token claims.
func WithClaims(ctx context.Context, claims *security.SessionClaims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts token claims from context when available.
func ClaimsFromContext(ctx context.Context) (*security.SessionClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	claims, ok := ctx.Value(claimsContextKey{}).(*security.SessionClaims)
	return claims, ok && claims != nil
}

func tokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing metadata")
	}

	// Incoming metadata keys are lower-cased by grpc-go.
	values := md.Get(authorizationKey)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", errors.New("authorization token required")
	}

	value := strings.TrimSpace(values[0])
	if !strings.HasPrefix(strings.ToLower(value), bearerPrefix) {
		return "", errors.New("invalid authorization header")
	}

	token := strings.TrimSpace(value[len(bearerPrefix):])
	if token == "" {
		return "", errors.New("authorization token required")
	}
	return token, nil
}
