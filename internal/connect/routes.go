package connect

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/avixar/identity/internal/credstore"
)

// RouterDeps bundles everything the /connect surface needs. All collaborators
// are constructed at startup and injected here.
type RouterDeps struct {
	Config        Config
	Service       *Service
	Issuer        *TokenIssuer
	Verifications *VerificationTokens
	OTP           *OTPService
	Google        *GoogleVerifier
	Log           *zap.Logger
}

// MountConnectRoutes registers the authorization-server endpoints:
// /connect/authorize, /connect/token, /connect/userinfo, /connect/logout,
// plus the first-party account surface (register, login, social, verify, otp).
func MountConnectRoutes(router gin.IRouter, deps RouterDeps) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	configuration := deps.Config.WithDefaults()

	router.GET("/connect/authorize", func(contextGin *gin.Context) {
		request := AuthorizeRequest{
			ClientID:     contextGin.Query("client_id"),
			RedirectURI:  contextGin.Query("redirect_uri"),
			ResponseType: contextGin.Query("response_type"),
			State:        contextGin.Query("state"),
			Nonce:        contextGin.Query("nonce"),
		}
		principal := ResolveSessionPrincipal(contextGin, configuration, deps.Issuer)

		callbackURL, authorizeErr := deps.Service.Authorize(contextGin.Request.Context(), request, principal)
		switch {
		case authorizeErr == nil:
			contextGin.Redirect(http.StatusFound, callbackURL)
		case errors.Is(authorizeErr, ErrNeedsLogin):
			returnURL := contextGin.Request.URL.String()
			contextGin.Redirect(http.StatusFound, "/login?return_url="+url.QueryEscape(returnURL))
		case errors.Is(authorizeErr, ErrInvalidClient):
			// Validation failures never redirect: the redirect URI is not
			// trusted until both checks pass.
			contextGin.JSON(http.StatusBadRequest, gin.H{"error": WireErrorInvalidClient})
		case errors.Is(authorizeErr, ErrUnauthorizedRedirect):
			contextGin.JSON(http.StatusBadRequest, gin.H{"error": WireErrorInvalidRequest, "error_description": "redirect_uri is not registered for this client"})
		case errors.Is(authorizeErr, ErrUnsupportedResponseType):
			contextGin.JSON(http.StatusBadRequest, gin.H{"error": WireErrorInvalidRequest, "error_description": "only response_type=code is supported"})
		case errors.Is(authorizeErr, ErrTemporaryUnavailable):
			contextGin.JSON(http.StatusServiceUnavailable, gin.H{"error": WireErrorTemporarilyUnavail})
		default:
			deps.Log.Error("authorize failed", zap.Error(authorizeErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"error": WireErrorServerError})
		}
	})

	router.POST("/connect/token", func(contextGin *gin.Context) {
		grantType := contextGin.PostForm("grant_type")
		switch grantType {
		case "authorization_code":
			result, exchangeErr := deps.Service.ExchangeToken(
				contextGin.Request.Context(),
				contextGin.PostForm("client_id"),
				contextGin.PostForm("client_secret"),
				contextGin.PostForm("code"),
				contextGin.PostForm("redirect_uri"),
			)
			if exchangeErr != nil {
				writeTokenError(contextGin, deps.Log, exchangeErr)
				return
			}
			contextGin.JSON(http.StatusOK, result)
		case "password":
			result, _, loginErr := deps.Service.PasswordLogin(
				contextGin.Request.Context(),
				contextGin.PostForm("username"),
				contextGin.PostForm("password"),
			)
			if loginErr != nil {
				writeTokenError(contextGin, deps.Log, loginErr)
				return
			}
			contextGin.JSON(http.StatusOK, result)
		default:
			contextGin.JSON(http.StatusBadRequest, gin.H{"error": WireErrorUnsupportedGrantType})
		}
	})

	router.GET("/connect/userinfo", RequireBearer(deps.Issuer), func(contextGin *gin.Context) {
		principal := PrincipalFromContext(contextGin)
		if principal == nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		profile, profileErr := deps.Service.UserInfo(contextGin.Request.Context(), principal.UserID)
		if profileErr != nil {
			if errors.Is(profileErr, credstore.ErrUserNotFound) {
				contextGin.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
				return
			}
			if errors.Is(profileErr, ErrTemporaryUnavailable) {
				contextGin.JSON(http.StatusServiceUnavailable, gin.H{"error": WireErrorTemporarilyUnavail})
				return
			}
			deps.Log.Error("userinfo failed", zap.Error(profileErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"error": WireErrorServerError})
			return
		}
		contextGin.JSON(http.StatusOK, profile)
	})

	router.GET("/connect/logout", func(contextGin *gin.Context) {
		clearSessionCookie(contextGin, configuration)
		clientID := contextGin.Query("client_id")
		postLogoutURI := contextGin.Query("post_logout_redirect_uri")
		if clientID != "" && postLogoutURI != "" &&
			deps.Service.ValidateLogoutURI(contextGin.Request.Context(), clientID, postLogoutURI) {
			contextGin.Redirect(http.StatusFound, postLogoutURI)
			return
		}
		contextGin.Redirect(http.StatusFound, "/")
	})

	router.POST("/connect/register", func(contextGin *gin.Context) {
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		var inbound struct {
			Email       string `json:"email"`
			Password    string `json:"password"`
			DisplayName string `json:"display_name"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		result, userID, registerErr := deps.Service.Register(contextGin.Request.Context(), inbound.Email, inbound.Password, inbound.DisplayName)
		if registerErr != nil {
			switch {
			case errors.Is(registerErr, credstore.ErrDuplicateUser):
				contextGin.JSON(http.StatusConflict, gin.H{"error": "user_exists"})
			case errors.Is(registerErr, credstore.ErrEmailRequired):
				contextGin.JSON(http.StatusBadRequest, gin.H{"error": "email_required"})
			case errors.Is(registerErr, credstore.ErrInvalidCredentials):
				contextGin.JSON(http.StatusBadRequest, gin.H{"error": "password_too_short"})
			case errors.Is(registerErr, ErrTemporaryUnavailable):
				contextGin.JSON(http.StatusServiceUnavailable, gin.H{"error": WireErrorTemporarilyUnavail})
			default:
				deps.Log.Error("register failed", zap.Error(registerErr))
				contextGin.JSON(http.StatusInternalServerError, gin.H{"error": WireErrorServerError})
			}
			return
		}
		issueSession(contextGin, configuration, deps, userID)
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":      userID,
			"access_token": result.AccessToken,
			"token_type":   result.TokenType,
			"expires_in":   result.ExpiresIn,
		})
	})

	router.POST("/connect/login", func(contextGin *gin.Context) {
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		result, credentials, loginErr := deps.Service.PasswordLogin(contextGin.Request.Context(), inbound.Email, inbound.Password)
		if loginErr != nil {
			if errors.Is(loginErr, credstore.ErrInvalidCredentials) {
				contextGin.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
				return
			}
			if errors.Is(loginErr, ErrTemporaryUnavailable) {
				contextGin.JSON(http.StatusServiceUnavailable, gin.H{"error": WireErrorTemporarilyUnavail})
				return
			}
			deps.Log.Error("login failed", zap.Error(loginErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"error": WireErrorServerError})
			return
		}
		issueSession(contextGin, configuration, deps, credentials.UserID)
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":      credentials.UserID,
			"display":      credentials.DisplayName,
			"access_token": result.AccessToken,
			"token_type":   result.TokenType,
			"expires_in":   result.ExpiresIn,
		})
	})

	router.POST("/connect/social", func(contextGin *gin.Context) {
		var inbound struct {
			GoogleIDToken string `json:"google_id_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		if deps.Google == nil {
			contextGin.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "social_login_disabled"})
			return
		}
		identity, verifyErr := deps.Google.Verify(contextGin.Request.Context(), inbound.GoogleIDToken)
		if verifyErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
			return
		}
		result, userID, socialErr := deps.Service.SocialLogin(
			contextGin.Request.Context(),
			identity.Provider, identity.SubjectID, identity.Email, identity.DisplayName, identity.PictureURL,
		)
		if socialErr != nil {
			if errors.Is(socialErr, ErrTemporaryUnavailable) {
				contextGin.JSON(http.StatusServiceUnavailable, gin.H{"error": WireErrorTemporarilyUnavail})
				return
			}
			deps.Log.Error("social login failed", zap.Error(socialErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"error": WireErrorServerError})
			return
		}
		issueSession(contextGin, configuration, deps, userID)
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":      userID,
			"user_email":   identity.Email,
			"display":      identity.DisplayName,
			"access_token": result.AccessToken,
			"token_type":   result.TokenType,
			"expires_in":   result.ExpiresIn,
		})
	})

	router.POST("/connect/verify/request", RequireBearer(deps.Issuer), func(contextGin *gin.Context) {
		principal := PrincipalFromContext(contextGin)
		token, issueErr := deps.Verifications.Issue(contextGin.Request.Context(), principal.UserID, principal.Email)
		if issueErr != nil {
			deps.Log.Error("verification issue failed", zap.Error(issueErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"error": WireErrorServerError})
			return
		}
		// Delivery is a mail-pipeline concern; the token is returned so the
		// caller can hand it to the delivery channel.
		contextGin.JSON(http.StatusOK, gin.H{"verification_token": token})
	})

	router.POST("/connect/verify/confirm", func(contextGin *gin.Context) {
		var inbound struct {
			Token string `json:"token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Token) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		userID, consumeErr := deps.Verifications.Consume(contextGin.Request.Context(), inbound.Token)
		if consumeErr != nil {
			if errors.Is(consumeErr, ErrVerificationTokenInvalid) {
				contextGin.JSON(http.StatusBadRequest, gin.H{"error": "invalid_or_expired_token"})
				return
			}
			deps.Log.Error("verification confirm failed", zap.Error(consumeErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"error": WireErrorServerError})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user_id": userID, "email_verified": true})
	})

	router.POST("/connect/otp/request", RequireBearer(deps.Issuer), func(contextGin *gin.Context) {
		var inbound struct {
			Purpose string `json:"purpose"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		purpose, okPurpose := parseOTPPurpose(inbound.Purpose)
		if !okPurpose {
			contextGin.JSON(http.StatusBadRequest, gin.H{"error": "unknown_purpose"})
			return
		}
		principal := PrincipalFromContext(contextGin)
		code, generateErr := deps.OTP.Generate(contextGin.Request.Context(), principal.UserID, principal.Email, purpose)
		if generateErr != nil {
			deps.Log.Error("otp generate failed", zap.Error(generateErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"error": WireErrorServerError})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"code": code})
	})

	router.POST("/connect/otp/validate", RequireBearer(deps.Issuer), func(contextGin *gin.Context) {
		var inbound struct {
			Purpose string `json:"purpose"`
			Code    string `json:"code"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		purpose, okPurpose := parseOTPPurpose(inbound.Purpose)
		if !okPurpose {
			contextGin.JSON(http.StatusBadRequest, gin.H{"error": "unknown_purpose"})
			return
		}
		principal := PrincipalFromContext(contextGin)
		validateErr := deps.OTP.Validate(contextGin.Request.Context(), principal.UserID, purpose, inbound.Code)
		switch {
		case validateErr == nil:
			contextGin.JSON(http.StatusOK, gin.H{"valid": true})
		case errors.Is(validateErr, ErrOTPTooManyAttempts):
			contextGin.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts"})
		case errors.Is(validateErr, ErrOTPInvalid):
			contextGin.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_code"})
		default:
			deps.Log.Error("otp validate failed", zap.Error(validateErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"error": WireErrorServerError})
		}
	})
}

func issueSession(contextGin *gin.Context, configuration Config, deps RouterDeps, userID string) {
	profile, getErr := deps.Service.users.GetProfile(contextGin.Request.Context(), userID)
	if getErr != nil {
		return
	}
	sessionToken, expiresAt, mintErr := deps.Issuer.Mint(userID, profile.Email, profile.DisplayName)
	if mintErr != nil {
		return
	}
	writeSessionCookie(contextGin, configuration, sessionToken, expiresAt)
}

func parseOTPPurpose(raw string) (OTPPurpose, bool) {
	switch OTPPurpose(raw) {
	case OTPPurposeLogin, OTPPurposePasswordReset, OTPPurposeEmailChange:
		return OTPPurpose(raw), true
	}
	return "", false
}

func writeTokenError(contextGin *gin.Context, log *zap.Logger, tokenErr error) {
	switch {
	case errors.Is(tokenErr, ErrInvalidClientCredentials):
		contextGin.JSON(http.StatusUnauthorized, gin.H{"error": WireErrorInvalidClient})
	case errors.Is(tokenErr, ErrInvalidOrExpiredCode):
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": WireErrorInvalidGrant})
	case errors.Is(tokenErr, ErrCodeBindingMismatch):
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": WireErrorInvalidGrant, "error_description": "code was issued to a different client or redirect_uri"})
	case errors.Is(tokenErr, credstore.ErrInvalidCredentials):
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": WireErrorInvalidGrant})
	case errors.Is(tokenErr, ErrTemporaryUnavailable):
		contextGin.JSON(http.StatusServiceUnavailable, gin.H{"error": WireErrorTemporarilyUnavail})
	default:
		log.Error("token endpoint failed", zap.Error(tokenErr))
		contextGin.JSON(http.StatusInternalServerError, gin.H{"error": WireErrorServerError})
	}
}
