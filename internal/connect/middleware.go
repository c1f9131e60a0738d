package connect

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const principalContextKey = "connect.principal"

// RequireBearer guards resource endpoints: it parses the Authorization
// header, validates the token, and stashes the resulting principal in the
// request context. Missing or invalid tokens abort with 401.
func RequireBearer(issuer *TokenIssuer) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		header := contextGin.GetHeader("Authorization")
		if header == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_authorization_header"})
			return
		}
		claims, parseErr := issuer.Parse(strings.TrimSpace(parts[1]))
		if parseErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		contextGin.Set(principalContextKey, &Principal{
			UserID:      claims.Subject,
			Email:       claims.Email,
			DisplayName: claims.DisplayName,
		})
		contextGin.Next()
	}
}

// PrincipalFromContext returns the principal set by RequireBearer or by the
// session cookie resolver, or nil when the request is anonymous.
func PrincipalFromContext(contextGin *gin.Context) *Principal {
	value, exists := contextGin.Get(principalContextKey)
	if !exists {
		return nil
	}
	principal, ok := value.(*Principal)
	if !ok {
		return nil
	}
	return principal
}

// ResolveSessionPrincipal reads the first-party session cookie and, when it
// holds a valid token, returns the principal it names. Absent or invalid
// cookies resolve to nil; the authorize endpoint treats that as needs-login
// rather than an error.
func ResolveSessionPrincipal(contextGin *gin.Context, configuration Config, issuer *TokenIssuer) *Principal {
	sessionCookie, cookieErr := contextGin.Request.Cookie(configuration.SessionCookieName)
	if cookieErr != nil || sessionCookie == nil || strings.TrimSpace(sessionCookie.Value) == "" {
		return nil
	}
	claims, parseErr := issuer.Parse(sessionCookie.Value)
	if parseErr != nil {
		return nil
	}
	return &Principal{
		UserID:      claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
	}
}

func writeSessionCookie(contextGin *gin.Context, configuration Config, sessionToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearSessionCookie(contextGin *gin.Context, configuration Config) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	return false
}
