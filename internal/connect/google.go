package connect

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/idtoken"

	"github.com/avixar/identity/internal/credstore"
)

// ErrInvalidGoogleToken covers every way an inbound Google ID token can fail
// verification: bad signature, wrong audience, wrong issuer, or an unverified
// email claim.
var ErrInvalidGoogleToken = errors.New("connect.invalid_google_token")

// GoogleTokenValidator validates a raw Google ID token against an audience.
// Satisfied by *idtoken.Validator; tests substitute a fake.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// GoogleVerifier turns raw Google ID tokens into verified external
// identities that the social login path can trust.
type GoogleVerifier struct {
	validator   GoogleTokenValidator
	webClientID string
}

// ExternalIdentity is a provider-attested identity ready for account
// resolution.
type ExternalIdentity struct {
	Provider    credstore.Provider
	SubjectID   string
	Email       string
	DisplayName string
	PictureURL  string
}

// NewGoogleVerifier wires a validator and the expected OAuth web client id.
func NewGoogleVerifier(validator GoogleTokenValidator, webClientID string) *GoogleVerifier {
	return &GoogleVerifier{validator: validator, webClientID: webClientID}
}

// BuildGoogleVerifier constructs a verifier backed by Google's certificate
// endpoints.
func BuildGoogleVerifier(ctx context.Context, webClientID string) (*GoogleVerifier, error) {
	validator, validatorErr := idtoken.NewValidator(ctx)
	if validatorErr != nil {
		return nil, fmt.Errorf("connect.google_verifier: %w", validatorErr)
	}
	return NewGoogleVerifier(validator, webClientID), nil
}

// Verify checks the token's signature and audience, then enforces the issuer
// and verified-email claims before admitting the identity.
func (verifier *GoogleVerifier) Verify(ctx context.Context, rawIDToken string) (*ExternalIdentity, error) {
	payload, validateErr := verifier.validator.Validate(ctx, rawIDToken, verifier.webClientID)
	if validateErr != nil {
		return nil, ErrInvalidGoogleToken
	}
	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		return nil, ErrInvalidGoogleToken
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	pictureURL, _ := payload.Claims["picture"].(string)

	if googleSub == "" || userEmail == "" || !emailVerified {
		return nil, ErrInvalidGoogleToken
	}
	return &ExternalIdentity{
		Provider:    credstore.ProviderGoogle,
		SubjectID:   googleSub,
		Email:       userEmail,
		DisplayName: userDisplayName,
		PictureURL:  pictureURL,
	}, nil
}
