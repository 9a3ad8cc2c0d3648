package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/gotrs-io/whups/internal/auth"
)

const (
	claimsKey     = "whups.claims"
	sessionCookie = "whups_token"
)

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	}
}

// requireToken rejects requests without a valid bearer token. A nil manager
// rejects everything, so the API stays closed until a secret is configured.
func requireToken(tokens *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if tokens == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication is not configured"})
			return
		}
		claims, err := tokens.ValidateToken(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// requireSession guards the HTML pages. The token is taken from the bearer
// header, the session cookie or, on GET, a token query parameter. A token
// accepted from the query is moved into an HttpOnly cookie so later form
// posts carry it without putting it in the page.
func requireSession(tokens *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, fromQuery := sessionToken(c)
		if raw == "" || tokens == nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, err := tokens.ValidateToken(raw)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if fromQuery {
			maxAge := 0
			if claims.ExpiresAt != nil {
				maxAge = int(time.Until(claims.ExpiresAt.Time).Seconds())
			}
			c.SetSameSite(http.SameSiteStrictMode)
			c.SetCookie(sessionCookie, raw, maxAge, "/", "", c.Request.TLS != nil, true)
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func sessionToken(c *gin.Context) (string, bool) {
	if raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && raw != "" {
		return raw, false
	}
	if raw, err := c.Cookie(sessionCookie); err == nil && raw != "" {
		return raw, false
	}
	if c.Request.Method == http.MethodGet {
		if raw := c.Query("token"); raw != "" {
			return raw, true
		}
	}
	return "", false
}
