package connect

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avixar/identity/internal/authcache"
	"github.com/avixar/identity/internal/credstore"
)

// UserDirectory is the slice of the credential store the orchestrator needs.
type UserDirectory interface {
	RegisterLocal(ctx context.Context, email string, password string, displayName string) (string, error)
	VerifyLogin(ctx context.Context, email string, password string) (*credstore.UserCredentials, error)
	LoginOrLinkSocial(ctx context.Context, provider credstore.Provider, subjectID string, email string, displayName string, pictureURL string) (string, error)
	GetUser(ctx context.Context, userID string) (*credstore.UserIdentity, error)
	GetProfile(ctx context.Context, userID string) (*credstore.UserCredentials, error)
	MarkEmailVerified(ctx context.Context, userID string) error
}

// Principal is an already-authenticated resource owner, resolved by a
// collaborator (session cookie, first-party login) before Authorize runs.
type Principal struct {
	UserID      string
	Email       string
	DisplayName string
}

// AuthorizeRequest carries the /connect/authorize query parameters.
type AuthorizeRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	State        string
	Nonce        string
}

// AuthCodeData is the cache-resident binding of an issued authorization code.
type AuthCodeData struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	Nonce         string `json:"nonce,omitempty"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

// TokenResult is the token-endpoint success envelope.
type TokenResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// UserProfile is the userinfo response shape.
type UserProfile struct {
	Sub     string `json:"sub"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture,omitempty"`
}

// Service is the authorization-server state machine:
// Requested -> ClientValidated -> RedirectValidated -> UserAuthenticated ->
// CodeIssued -> Redeemed | Expired.
type Service struct {
	registry *Registry
	cache    authcache.Cache
	users    UserDirectory
	issuer   *TokenIssuer
	codeTTL  time.Duration
	clock    Clock
	metrics  MetricsRecorder
	log      *zap.Logger
}

// NewService wires the orchestrator. All dependencies are explicit.
func NewService(registry *Registry, cache authcache.Cache, users UserDirectory, issuer *TokenIssuer, codeTTL time.Duration, clock Clock, metrics MetricsRecorder, log *zap.Logger) *Service {
	if codeTTL <= 0 {
		codeTTL = DefaultAuthCodeTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		registry: registry,
		cache:    cache,
		users:    users,
		issuer:   issuer,
		codeTTL:  codeTTL,
		clock:    clock,
		metrics:  metrics,
		log:      log,
	}
}

// Authorize validates the client and redirect binding, then issues a
// single-use authorization code for the principal. The redirect check runs
// before the authentication check so an unregistered redirect URI cannot
// probe login state. Returns the callback URL to redirect to.
func (service *Service) Authorize(ctx context.Context, request AuthorizeRequest, principal *Principal) (string, error) {
	client, clientErr := service.registry.GetClient(ctx, request.ClientID)
	if clientErr != nil {
		if errors.Is(clientErr, credstore.ErrClientNotFound) {
			service.metrics.Increment("authorize.invalid_client")
			return "", ErrInvalidClient
		}
		return "", service.translateInfra("authorize.get_client", clientErr)
	}

	if !service.registry.IsRedirectURIAllowed(client, request.RedirectURI) {
		service.metrics.Increment("authorize.unauthorized_redirect")
		service.log.Warn("redirect URI not on allow-list",
			zap.String("client_id", request.ClientID),
			zap.String("redirect_uri", request.RedirectURI))
		return "", ErrUnauthorizedRedirect
	}

	if request.ResponseType != "" && request.ResponseType != "code" {
		return "", ErrUnsupportedResponseType
	}

	if principal == nil || principal.UserID == "" {
		return "", ErrNeedsLogin
	}

	code, codeErr := generateOpaqueCode()
	if codeErr != nil {
		return "", fmt.Errorf("connect.authorize: %w", codeErr)
	}
	payload, marshalErr := json.Marshal(AuthCodeData{
		UserID:        principal.UserID,
		Email:         principal.Email,
		ClientID:      request.ClientID,
		RedirectURI:   request.RedirectURI,
		Nonce:         request.Nonce,
		CreatedAtUnix: service.clock.Now().Unix(),
	})
	if marshalErr != nil {
		return "", fmt.Errorf("connect.authorize: %w", marshalErr)
	}
	if setErr := service.cache.Set(ctx, authcache.AuthCodePrefix+code, payload, service.codeTTL); setErr != nil {
		return "", service.translateInfra("authorize.store_code", setErr)
	}

	service.metrics.Increment("authorize.code_issued")
	service.log.Info("authorization code issued",
		zap.String("client_id", request.ClientID),
		zap.String("user_id", principal.UserID))
	return buildCallbackURL(request.RedirectURI, code, request.State)
}

// ExchangeToken redeems an authorization code for a signed access token. The
// code is consumed atomically before any further work, so two concurrent
// redemptions of the same code cannot both succeed; a binding mismatch after
// consumption burns the code rather than handing it back.
func (service *Service) ExchangeToken(ctx context.Context, clientID string, clientSecret string, code string, redirectURI string) (*TokenResult, error) {
	if !service.registry.ValidateClientSecret(ctx, clientID, clientSecret) {
		service.metrics.Increment("token.invalid_client_credentials")
		return nil, ErrInvalidClientCredentials
	}

	payload, consumeErr := service.cache.GetDelete(ctx, authcache.AuthCodePrefix+code)
	if consumeErr != nil {
		if errors.Is(consumeErr, authcache.ErrCacheMiss) {
			service.metrics.Increment("token.invalid_code")
			return nil, ErrInvalidOrExpiredCode
		}
		// Never retried: a second GetDelete could double-consume a
		// concurrently-written code.
		return nil, service.translateInfra("token.consume_code", consumeErr)
	}

	var authData AuthCodeData
	if unmarshalErr := json.Unmarshal(payload, &authData); unmarshalErr != nil {
		return nil, fmt.Errorf("connect.exchange: %w", unmarshalErr)
	}

	if authData.ClientID != clientID || authData.RedirectURI != redirectURI {
		service.metrics.Increment("token.binding_mismatch")
		service.log.Warn("authorization code binding mismatch",
			zap.String("client_id", clientID),
			zap.String("issued_client_id", authData.ClientID))
		return nil, ErrCodeBindingMismatch
	}

	identity, userErr := service.getUserRetryOnce(ctx, authData.UserID)
	if userErr != nil {
		if errors.Is(userErr, credstore.ErrUserNotFound) {
			return nil, ErrInvalidOrExpiredCode
		}
		return nil, service.translateInfra("token.load_user", userErr)
	}

	result, mintErr := service.mintResult(authData.UserID, authData.Email, identity.DisplayName)
	if mintErr != nil {
		return nil, mintErr
	}
	service.metrics.Increment("token.issued")
	service.log.Info("access token issued",
		zap.String("client_id", clientID),
		zap.String("user_id", authData.UserID))
	return result, nil
}

// UserInfo resolves the profile for a subject extracted from an
// already-validated access token.
func (service *Service) UserInfo(ctx context.Context, subject string) (*UserProfile, error) {
	profile, profileErr := service.getProfileRetryOnce(ctx, subject)
	if profileErr != nil {
		if errors.Is(profileErr, credstore.ErrUserNotFound) {
			return nil, credstore.ErrUserNotFound
		}
		return nil, service.translateInfra("userinfo.load", profileErr)
	}
	return &UserProfile{
		Sub:     profile.UserID,
		Name:    profile.DisplayName,
		Email:   profile.Email,
		Picture: profile.ProfilePictureURL,
	}, nil
}

// ValidateLogoutURI applies the allow-list discipline to post-logout
// redirects. False for unknown clients, never an error.
func (service *Service) ValidateLogoutURI(ctx context.Context, clientID string, logoutURI string) bool {
	return service.registry.IsLogoutURIAllowed(ctx, clientID, logoutURI)
}

// PasswordLogin verifies an email/password pair and mints a token envelope.
// Failures are uniformly invalid credentials; the caller learns nothing about
// whether the email exists.
func (service *Service) PasswordLogin(ctx context.Context, email string, password string) (*TokenResult, *credstore.UserCredentials, error) {
	credentials, verifyErr := service.users.VerifyLogin(ctx, email, password)
	if verifyErr != nil {
		if errors.Is(verifyErr, credstore.ErrInvalidCredentials) {
			service.metrics.Increment("login.invalid_credentials")
			return nil, nil, credstore.ErrInvalidCredentials
		}
		return nil, nil, service.translateInfra("login.verify", verifyErr)
	}
	result, mintErr := service.mintResult(credentials.UserID, credentials.Email, credentials.DisplayName)
	if mintErr != nil {
		return nil, nil, mintErr
	}
	service.metrics.Increment("login.success")
	return result, credentials, nil
}

// MinPasswordLength mirrors the provisioning rule the registration surface
// enforces.
const MinPasswordLength = 6

// Register creates a local account and mints a token envelope for it.
func (service *Service) Register(ctx context.Context, email string, password string, displayName string) (*TokenResult, string, error) {
	if len(password) < MinPasswordLength {
		return nil, "", fmt.Errorf("connect.register: %w", credstore.ErrInvalidCredentials)
	}
	userID, registerErr := service.users.RegisterLocal(ctx, email, password, displayName)
	if registerErr != nil {
		if errors.Is(registerErr, credstore.ErrDuplicateUser) || errors.Is(registerErr, credstore.ErrEmailRequired) {
			return nil, "", registerErr
		}
		return nil, "", service.translateInfra("register", registerErr)
	}
	result, mintErr := service.mintResult(userID, email, displayName)
	if mintErr != nil {
		return nil, "", mintErr
	}
	service.metrics.Increment("register.success")
	return result, userID, nil
}

// SocialLogin resolves a verified external identity to a local account and
// mints a token envelope. The identity must already be verified by the
// provider boundary; this method trusts its inputs.
func (service *Service) SocialLogin(ctx context.Context, provider credstore.Provider, subjectID string, email string, displayName string, pictureURL string) (*TokenResult, string, error) {
	userID, linkErr := service.users.LoginOrLinkSocial(ctx, provider, subjectID, email, displayName, pictureURL)
	if linkErr != nil {
		return nil, "", service.translateInfra("social.link", linkErr)
	}
	result, mintErr := service.mintResult(userID, email, displayName)
	if mintErr != nil {
		return nil, "", mintErr
	}
	service.metrics.Increment("social.success")
	return result, userID, nil
}

func (service *Service) mintResult(userID string, email string, displayName string) (*TokenResult, error) {
	accessToken, _, mintErr := service.issuer.Mint(userID, email, displayName)
	if mintErr != nil {
		return nil, fmt.Errorf("connect.mint_result: %w", mintErr)
	}
	return &TokenResult{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(service.issuer.TTL() / time.Second),
	}, nil
}

// getUserRetryOnce retries an idempotent read a single time on transient
// failure. Definitive misses are never retried.
func (service *Service) getUserRetryOnce(ctx context.Context, userID string) (*credstore.UserIdentity, error) {
	identity, err := service.users.GetUser(ctx, userID)
	if err == nil || errors.Is(err, credstore.ErrUserNotFound) || ctx.Err() != nil {
		return identity, err
	}
	return service.users.GetUser(ctx, userID)
}

func (service *Service) getProfileRetryOnce(ctx context.Context, userID string) (*credstore.UserCredentials, error) {
	profile, err := service.users.GetProfile(ctx, userID)
	if err == nil || errors.Is(err, credstore.ErrUserNotFound) || ctx.Err() != nil {
		return profile, err
	}
	return service.users.GetProfile(ctx, userID)
}

// translateInfra folds timeouts and backend outages into the retryable
// ErrTemporaryUnavailable, keeping them distinct from definitive denials.
func (service *Service) translateInfra(operation string, err error) error {
	errorID := uuid.NewString()
	service.log.Error("infrastructure failure",
		zap.String("operation", operation),
		zap.String("error_id", errorID),
		zap.Error(err))
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, authcache.ErrUnavailable) {
		return fmt.Errorf("%w: error_id=%s", ErrTemporaryUnavailable, errorID)
	}
	return fmt.Errorf("connect.%s: error_id=%s: %w", operation, errorID, err)
}

// generateOpaqueCode returns a 256-bit random url-safe code, comfortably over
// the 128-bit floor single-use codes require.
func generateOpaqueCode() (string, error) {
	buffer := make([]byte, 32)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

func buildCallbackURL(redirectURI string, code string, state string) (string, error) {
	parsed, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		return "", fmt.Errorf("connect.callback_url: %w", parseErr)
	}
	query := parsed.Query()
	query.Set("code", code)
	if state != "" {
		// Passed through verbatim for the client's CSRF check; never
		// interpreted here.
		query.Set("state", state)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
