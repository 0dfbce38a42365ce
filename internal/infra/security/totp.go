package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/arklim/esign-sessions/internal/core/port"
)

// ErrMissingSecret is returned when secret is empty.
var ErrMissingSecret = errors.New("totp secret is required")

// TOTPOptions tunes code validation. Zero values select RFC 6238 defaults.
type TOTPOptions struct {
	Period uint
	Skew   uint
	Digits int
}

// TOTPVerifier validates time-based one-time codes.
type TOTPVerifier struct {
	opts totp.ValidateOpts
	now  func() time.Time
}

// NewTOTPVerifier constructs a verifier using SHA-1 codes.
func NewTOTPVerifier(opts TOTPOptions) *TOTPVerifier {
	period := opts.Period
	if period == 0 {
		period = 30
	}
	digits := otp.DigitsSix
	if opts.Digits == 8 {
		digits = otp.DigitsEight
	}

	return &TOTPVerifier{
		opts: totp.ValidateOpts{
			Period:    period,
			Skew:      opts.Skew,
			Digits:    digits,
			Algorithm: otp.AlgorithmSHA1,
		},
		now: time.Now,
	}
}

// WithClock overrides the time source (primarily for tests).
func (v *TOTPVerifier) WithClock(now func() time.Time) *TOTPVerifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Validate reports whether code is currently valid for secret. A malformed
// code is reported as invalid rather than as an error.
func (v *TOTPVerifier) Validate(code, secret string) (bool, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false, ErrMissingSecret
	}

	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, v.now().UTC(), v.opts)
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, fmt.Errorf("validate totp: %w", err)
	}

	return ok, nil
}

var _ port.TOTPVerifier = (*TOTPVerifier)(nil)
