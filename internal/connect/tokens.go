package connect

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims is the claim set carried by minted access tokens. Validity is
// purely cryptographic plus expiry; jti is not tracked server-side, so a
// token cannot be revoked before its natural expiry.
type AccessClaims struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	jwt.RegisteredClaims
}

// TokenIssuer mints HS256 access tokens bound to an issuer and audience.
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	audience   string
	ttl        time.Duration
	clock      Clock
}

// NewTokenIssuer constructs an issuer. The signing key arrives from
// configuration and is validated non-empty at startup.
func NewTokenIssuer(signingKey []byte, issuer string, audience string, ttl time.Duration, clock Clock) (*TokenIssuer, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("connect.token_issuer: signing key must be non-empty")
	}
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &TokenIssuer{
		signingKey: signingKey,
		issuer:     issuer,
		audience:   audience,
		ttl:        ttl,
		clock:      clock,
	}, nil
}

// Mint signs a token for the subject and returns it with its expiry.
func (tokenIssuer *TokenIssuer) Mint(userID string, email string, displayName string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("connect.mint: subject must be non-empty")
	}
	issuedAt := tokenIssuer.clock.Now()
	expiresAt := issuedAt.Add(tokenIssuer.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		Email:       email,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer.issuer,
			Audience:  jwt.ClaimStrings{tokenIssuer.audience},
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, signErr := token.SignedString(tokenIssuer.signingKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("connect.mint: %w", signErr)
	}
	return signed, expiresAt, nil
}

// Parse validates signature, issuer, audience, and expiry, returning the
// claims on success.
func (tokenIssuer *TokenIssuer) Parse(tokenString string) (*AccessClaims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(parsed *jwt.Token) (any, error) {
		return tokenIssuer.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer.issuer),
		jwt.WithAudience(tokenIssuer.audience),
		jwt.WithTimeFunc(tokenIssuer.clock.Now),
	)
	if parseErr != nil {
		return nil, fmt.Errorf("connect.parse_token: %w", parseErr)
	}
	claims, ok := parsedToken.Claims.(*AccessClaims)
	if !ok || !parsedToken.Valid {
		return nil, errors.New("connect.parse_token: invalid claims")
	}
	return claims, nil
}

// TTL exposes the configured token lifetime for expires_in reporting.
func (tokenIssuer *TokenIssuer) TTL() time.Duration {
	return tokenIssuer.ttl
}
