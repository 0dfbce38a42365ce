package domain

import "errors"

var (
	ErrTokenInvalid             = errors.New("token invalid")
	ErrTokenExpired             = errors.New("token expired")
	ErrWrongTokenType           = errors.New("wrong token type")
	ErrSessionNotFound          = errors.New("session not found")
	ErrReplayOrRotationMismatch = errors.New("refresh token replay or rotation mismatch")
	// ErrStorageUnavailable is returned only when every configured session tier failed.
	ErrStorageUnavailable = errors.New("session storage unavailable")
	ErrStepUpRequired     = errors.New("step-up verification required")
	ErrStepUpFailed       = errors.New("step-up verification failed")
	ErrRateLimited        = errors.New("too many attempts")
)
