// Package tokenverifier lets resource servers verify access tokens minted by
// the identity provider without calling back to it. Validity is purely
// cryptographic plus expiry; there is no revocation check.
package tokenverifier

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Verifier.
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "access_claims"

// Sentinel errors exposed by the verifier.
var (
	ErrMissingSigningKey = errors.New("token.verifier.missing_signing_key")
	ErrMissingIssuer     = errors.New("token.verifier.missing_issuer")
	ErrMissingAudience   = errors.New("token.verifier.missing_audience")
	ErrMissingToken      = errors.New("token.verifier.missing_token")
	ErrInvalidToken      = errors.New("token.verifier.invalid_token")
	ErrTokenExpired      = errors.New("token.verifier.expired")
)

// Verifier validates access tokens issued by the provider.
type Verifier struct {
	signingKey []byte
	issuer     string
	audience   string
	clock      Clock
}

// Claims is the payload carried by provider access tokens.
type Claims struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	jwt.RegisteredClaims
}

// GetUserID returns the token subject.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetEmail returns the email claim.
func (claims *Claims) GetEmail() string {
	if claims == nil {
		return ""
	}
	return claims.Email
}

// GetDisplayName returns the display name claim.
func (claims *Claims) GetDisplayName() string {
	if claims == nil {
		return ""
	}
	return claims.DisplayName
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Verifier after validating the supplied configuration.
func New(configuration Config) (*Verifier, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("token.verifier.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("token.verifier.new: %w", ErrMissingIssuer)
	}
	if strings.TrimSpace(configuration.Audience) == "" {
		return nil, fmt.Errorf("token.verifier.new: %w", ErrMissingAudience)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Verifier{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		audience:   configuration.Audience,
		clock:      clock,
	}, nil
}

// VerifyToken validates the provided JWT string and returns the parsed claims.
func (verifier *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token.verifier.verify_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return verifier.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(verifier.issuer),
		jwt.WithAudience(verifier.audience),
		jwt.WithTimeFunc(func() time.Time {
			return verifier.clock.Now()
		}),
	)
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token.verifier.verify_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("token.verifier.verify_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("token.verifier.verify_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("token.verifier.verify_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// VerifyRequest extracts the Bearer token from the Authorization header and
// validates it.
func (verifier *Verifier) VerifyRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("token.verifier.verify_request: %w", ErrMissingToken)
	}
	header := request.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, fmt.Errorf("token.verifier.verify_request: %w", ErrMissingToken)
	}
	return verifier.VerifyToken(strings.TrimSpace(parts[1]))
}

// GinMiddleware returns a Gin middleware that validates the Bearer token and
// injects claims under contextKey.
func (verifier *Verifier) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := verifier.VerifyRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
