package connect

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/avixar/identity/internal/authcache"
)

var (
	// ErrVerificationTokenInvalid indicates the token was never issued,
	// expired, or was already consumed.
	ErrVerificationTokenInvalid = errors.New("connect.verification_token_invalid")
	// ErrOTPInvalid indicates the code did not match or was never issued.
	ErrOTPInvalid = errors.New("connect.otp_invalid")
	// ErrOTPTooManyAttempts indicates the attempt budget was exhausted; the
	// code is destroyed and a fresh one must be requested.
	ErrOTPTooManyAttempts = errors.New("connect.otp_too_many_attempts")
)

type verificationPayload struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

// VerificationTokens issues and redeems one-time email verification tokens
// held in the ephemeral cache under the verify: namespace.
type VerificationTokens struct {
	cache authcache.Cache
	users UserDirectory
	ttl   time.Duration
	clock Clock
}

// NewVerificationTokens wires the service.
func NewVerificationTokens(cache authcache.Cache, users UserDirectory, ttl time.Duration, clock Clock) *VerificationTokens {
	if ttl <= 0 {
		ttl = DefaultVerificationTokenTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &VerificationTokens{cache: cache, users: users, ttl: ttl, clock: clock}
}

// Issue mints a url-safe one-time token for the user's address.
func (tokens *VerificationTokens) Issue(ctx context.Context, userID string, email string) (string, error) {
	buffer := make([]byte, 32)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("connect.verification.issue: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buffer)
	payload, marshalErr := json.Marshal(verificationPayload{
		UserID:        userID,
		Email:         email,
		CreatedAtUnix: tokens.clock.Now().Unix(),
	})
	if marshalErr != nil {
		return "", fmt.Errorf("connect.verification.issue: %w", marshalErr)
	}
	if setErr := tokens.cache.Set(ctx, authcache.VerifyPrefix+token, payload, tokens.ttl); setErr != nil {
		return "", fmt.Errorf("connect.verification.issue: %w", setErr)
	}
	return token, nil
}

// Consume redeems a token exactly once and marks the account's email
// verified. A second redemption of the same token fails.
func (tokens *VerificationTokens) Consume(ctx context.Context, token string) (string, error) {
	payload, consumeErr := tokens.cache.GetDelete(ctx, authcache.VerifyPrefix+token)
	if consumeErr != nil {
		if errors.Is(consumeErr, authcache.ErrCacheMiss) {
			return "", ErrVerificationTokenInvalid
		}
		return "", fmt.Errorf("connect.verification.consume: %w", consumeErr)
	}
	var data verificationPayload
	if unmarshalErr := json.Unmarshal(payload, &data); unmarshalErr != nil {
		return "", fmt.Errorf("connect.verification.consume: %w", unmarshalErr)
	}
	if markErr := tokens.users.MarkEmailVerified(ctx, data.UserID); markErr != nil {
		return "", fmt.Errorf("connect.verification.consume: %w", markErr)
	}
	return data.UserID, nil
}

// OTPPurpose scopes a one-time code to the operation it authorizes.
type OTPPurpose string

// Supported OTP purposes.
const (
	OTPPurposeLogin         OTPPurpose = "login"
	OTPPurposePasswordReset OTPPurpose = "password_reset"
	OTPPurposeEmailChange   OTPPurpose = "email_change"
)

type otpPayload struct {
	Code          string `json:"code"`
	Email         string `json:"email"`
	Attempts      int    `json:"attempts"`
	ExpiresAtUnix int64  `json:"expires_at_unix"`
}

// OTPService mints and checks short numeric codes under the
// otp:{user}:{purpose} namespace. Delivery (email, SMS) is a collaborator
// concern; this service only issues and validates.
type OTPService struct {
	cache       authcache.Cache
	ttl         time.Duration
	maxAttempts int
	clock       Clock
}

// NewOTPService wires the service.
func NewOTPService(cache authcache.Cache, ttl time.Duration, maxAttempts int, clock Clock) *OTPService {
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultOTPMaxAttempts
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &OTPService{cache: cache, ttl: ttl, maxAttempts: maxAttempts, clock: clock}
}

func otpKey(userID string, purpose OTPPurpose) string {
	return authcache.OTPPrefix + userID + ":" + string(purpose)
}

// Generate issues a fresh 6-digit code, replacing any outstanding one for the
// same user and purpose.
func (service *OTPService) Generate(ctx context.Context, userID string, email string, purpose OTPPurpose) (string, error) {
	value, randErr := rand.Int(rand.Reader, big.NewInt(1000000))
	if randErr != nil {
		return "", fmt.Errorf("connect.otp.generate: %w", randErr)
	}
	code := fmt.Sprintf("%06d", value.Int64())
	payload, marshalErr := json.Marshal(otpPayload{
		Code:          code,
		Email:         email,
		ExpiresAtUnix: service.clock.Now().Add(service.ttl).Unix(),
	})
	if marshalErr != nil {
		return "", fmt.Errorf("connect.otp.generate: %w", marshalErr)
	}
	if setErr := service.cache.Set(ctx, otpKey(userID, purpose), payload, service.ttl); setErr != nil {
		return "", fmt.Errorf("connect.otp.generate: %w", setErr)
	}
	return code, nil
}

// Validate checks a submitted code. A correct code is consumed; a wrong one
// burns an attempt, and exhausting the budget destroys the code.
func (service *OTPService) Validate(ctx context.Context, userID string, purpose OTPPurpose, submittedCode string) error {
	key := otpKey(userID, purpose)
	stored, getErr := service.cache.Get(ctx, key)
	if getErr != nil {
		if errors.Is(getErr, authcache.ErrCacheMiss) {
			return ErrOTPInvalid
		}
		return fmt.Errorf("connect.otp.validate: %w", getErr)
	}
	var data otpPayload
	if unmarshalErr := json.Unmarshal(stored, &data); unmarshalErr != nil {
		return fmt.Errorf("connect.otp.validate: %w", unmarshalErr)
	}

	if data.Code == submittedCode {
		_ = service.cache.Delete(ctx, key)
		return nil
	}

	data.Attempts++
	if data.Attempts >= service.maxAttempts {
		_ = service.cache.Delete(ctx, key)
		return ErrOTPTooManyAttempts
	}
	remaining := time.Unix(data.ExpiresAtUnix, 0).Sub(service.clock.Now())
	if remaining <= 0 {
		_ = service.cache.Delete(ctx, key)
		return ErrOTPInvalid
	}
	updated, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		return fmt.Errorf("connect.otp.validate: %w", marshalErr)
	}
	if setErr := service.cache.Set(ctx, key, updated, remaining); setErr != nil {
		return fmt.Errorf("connect.otp.validate: %w", setErr)
	}
	return ErrOTPInvalid
}
