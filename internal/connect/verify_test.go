package connect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avixar/identity/internal/authcache"
)

func TestVerificationTokenConsumeMarksVerified(t *testing.T) {
	t.Parallel()
	clock := newControllableClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := authcache.NewMemoryCacheWithClock(clock.Now)
	directory := newFakeDirectory()
	ctx := context.Background()

	userID, _ := directory.RegisterLocal(ctx, "v@x.com", "pw123456", "V")
	tokens := NewVerificationTokens(cache, directory, 24*time.Hour, clock)

	token, issueErr := tokens.Issue(ctx, userID, "v@x.com")
	if issueErr != nil {
		t.Fatalf("issue: %v", issueErr)
	}

	consumedID, consumeErr := tokens.Consume(ctx, token)
	if consumeErr != nil {
		t.Fatalf("consume: %v", consumeErr)
	}
	if consumedID != userID {
		t.Fatalf("expected %s, got %s", userID, consumedID)
	}
	identity, _ := directory.GetUser(ctx, userID)
	if !identity.EmailVerified {
		t.Fatal("email not marked verified")
	}

	// One-time: a replay of the same token fails.
	if _, err := tokens.Consume(ctx, token); !errors.Is(err, ErrVerificationTokenInvalid) {
		t.Fatalf("expected ErrVerificationTokenInvalid on replay, got %v", err)
	}
}

func TestVerificationTokenExpires(t *testing.T) {
	t.Parallel()
	clock := newControllableClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := authcache.NewMemoryCacheWithClock(clock.Now)
	directory := newFakeDirectory()
	ctx := context.Background()

	userID, _ := directory.RegisterLocal(ctx, "w@x.com", "pw123456", "W")
	tokens := NewVerificationTokens(cache, directory, 24*time.Hour, clock)

	token, _ := tokens.Issue(ctx, userID, "w@x.com")
	clock.Advance(24*time.Hour + time.Minute)

	if _, err := tokens.Consume(ctx, token); !errors.Is(err, ErrVerificationTokenInvalid) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestVerificationTokenUnknown(t *testing.T) {
	t.Parallel()
	tokens := NewVerificationTokens(authcache.NewMemoryCache(), newFakeDirectory(), time.Hour, nil)
	if _, err := tokens.Consume(context.Background(), "never-issued"); !errors.Is(err, ErrVerificationTokenInvalid) {
		t.Fatalf("expected ErrVerificationTokenInvalid, got %v", err)
	}
}

func TestOTPGenerateAndValidate(t *testing.T) {
	t.Parallel()
	clock := newControllableClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := authcache.NewMemoryCacheWithClock(clock.Now)
	otp := NewOTPService(cache, 5*time.Minute, 3, clock)
	ctx := context.Background()

	code, generateErr := otp.Generate(ctx, "user-1", "o@x.com", OTPPurposeLogin)
	if generateErr != nil {
		t.Fatalf("generate: %v", generateErr)
	}
	if len(code) != 6 {
		t.Fatalf("expected a 6-digit code, got %q", code)
	}
	for _, digit := range code {
		if digit < '0' || digit > '9' {
			t.Fatalf("non-numeric code %q", code)
		}
	}

	if err := otp.Validate(ctx, "user-1", OTPPurposeLogin, code); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// Consumed on success.
	if err := otp.Validate(ctx, "user-1", OTPPurposeLogin, code); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected consumed code to be invalid, got %v", err)
	}
}

func TestOTPPurposesAreIsolated(t *testing.T) {
	t.Parallel()
	otp := NewOTPService(authcache.NewMemoryCache(), 5*time.Minute, 3, nil)
	ctx := context.Background()

	code, _ := otp.Generate(ctx, "user-1", "o@x.com", OTPPurposeLogin)
	if err := otp.Validate(ctx, "user-1", OTPPurposePasswordReset, code); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("login code accepted for password reset, got %v", err)
	}
}

func TestOTPAttemptBudget(t *testing.T) {
	t.Parallel()
	clock := newControllableClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := authcache.NewMemoryCacheWithClock(clock.Now)
	otp := NewOTPService(cache, 5*time.Minute, 3, clock)
	ctx := context.Background()

	code, _ := otp.Generate(ctx, "user-1", "o@x.com", OTPPurposeLogin)
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	if err := otp.Validate(ctx, "user-1", OTPPurposeLogin, wrong); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("attempt 1: expected ErrOTPInvalid, got %v", err)
	}
	if err := otp.Validate(ctx, "user-1", OTPPurposeLogin, wrong); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("attempt 2: expected ErrOTPInvalid, got %v", err)
	}
	if err := otp.Validate(ctx, "user-1", OTPPurposeLogin, wrong); !errors.Is(err, ErrOTPTooManyAttempts) {
		t.Fatalf("attempt 3: expected ErrOTPTooManyAttempts, got %v", err)
	}
	// The code is destroyed with the budget; even the right one fails now.
	if err := otp.Validate(ctx, "user-1", OTPPurposeLogin, code); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected destroyed code, got %v", err)
	}
}

func TestOTPExpires(t *testing.T) {
	t.Parallel()
	clock := newControllableClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := authcache.NewMemoryCacheWithClock(clock.Now)
	otp := NewOTPService(cache, 5*time.Minute, 3, clock)
	ctx := context.Background()

	code, _ := otp.Generate(ctx, "user-1", "o@x.com", OTPPurposeLogin)
	clock.Advance(5*time.Minute + time.Second)

	if err := otp.Validate(ctx, "user-1", OTPPurposeLogin, code); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected expired code to be invalid, got %v", err)
	}
}

func TestOTPRegenerateReplacesCode(t *testing.T) {
	t.Parallel()
	otp := NewOTPService(authcache.NewMemoryCache(), 5*time.Minute, 3, nil)
	ctx := context.Background()

	first, _ := otp.Generate(ctx, "user-1", "o@x.com", OTPPurposeLogin)
	second, _ := otp.Generate(ctx, "user-1", "o@x.com", OTPPurposeLogin)
	if first != second {
		if err := otp.Validate(ctx, "user-1", OTPPurposeLogin, first); !errors.Is(err, ErrOTPInvalid) {
			t.Fatalf("replaced code still valid, got %v", err)
		}
	}
	if err := otp.Validate(ctx, "user-1", OTPPurposeLogin, second); err != nil {
		t.Fatalf("latest code rejected: %v", err)
	}
}
