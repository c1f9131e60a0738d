// Package connect is the authorization-server core: it validates clients and
// redirect bindings, issues and redeems single-use authorization codes, mints
// signed access tokens, and exposes the /connect HTTP surface. Authentication
// itself (establishing who the current principal is) belongs to collaborators;
// this package only consumes an already-resolved principal.
package connect

import (
	"net/http"
	"time"
)

// Config carries everything the connect surface needs. It is constructed once
// at startup from validated configuration; no component reads ambient state.
type Config struct {
	Issuer     string
	Audience   string
	SigningKey []byte

	// AccessTokenTTL bounds minted tokens; there is no refresh mechanism and
	// no server-side revocation before expiry.
	AccessTokenTTL time.Duration
	// AuthCodeTTL bounds authorization codes in the ephemeral cache.
	AuthCodeTTL time.Duration

	VerificationTokenTTL time.Duration
	OTPTTL               time.Duration
	OTPMaxAttempts       int

	SessionCookieName string
	CookieDomain      string
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool

	GoogleWebClientID string
}

// Defaults applied where a field is zero.
const (
	DefaultAccessTokenTTL       = 60 * time.Minute
	DefaultAuthCodeTTL          = 5 * time.Minute
	DefaultVerificationTokenTTL = 24 * time.Hour
	DefaultOTPTTL               = 5 * time.Minute
	DefaultOTPMaxAttempts       = 3
)

// WithDefaults fills zero-valued TTLs and limits.
func (config Config) WithDefaults() Config {
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.AuthCodeTTL <= 0 {
		config.AuthCodeTTL = DefaultAuthCodeTTL
	}
	if config.VerificationTokenTTL <= 0 {
		config.VerificationTokenTTL = DefaultVerificationTokenTTL
	}
	if config.OTPTTL <= 0 {
		config.OTPTTL = DefaultOTPTTL
	}
	if config.OTPMaxAttempts <= 0 {
		config.OTPMaxAttempts = DefaultOTPMaxAttempts
	}
	if config.SessionCookieName == "" {
		config.SessionCookieName = "idp_session"
	}
	return config
}
