package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/jx4life/postbridge/internal/config"
)

const userIDKey = "user_id"

// Auth validates the app-issued session JWT on API routes. The token is
// HS256-signed with the shared application secret; its subject is the user
// id every credential operation is scoped to.
type Auth struct {
	secret []byte
	now    func() time.Time
}

// NewAuth constructs the JWT middleware.
func NewAuth(cfg config.Config) *Auth {
	return &Auth{secret: []byte(cfg.JWTSecret), now: time.Now}
}

// ValidateJWT aborts with 401 unless the request carries a valid bearer
// token, and stores the subject in the gin context.
func (a *Auth) ValidateJWT(c *gin.Context) {
	raw := bearerToken(c.GetHeader("Authorization"))
	if raw == "" {
		abortUnauthorized(c, "missing bearer token")
		return
	}

	token, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		abortUnauthorized(c, "malformed token")
		return
	}

	var claims jwt.Claims
	if err := token.Claims(a.secret, &claims); err != nil {
		abortUnauthorized(c, "invalid token signature")
		return
	}
	if err := claims.Validate(jwt.Expected{Time: a.now()}); err != nil {
		abortUnauthorized(c, "token expired")
		return
	}
	if claims.Subject == "" {
		abortUnauthorized(c, "token has no subject")
		return
	}

	c.Set(userIDKey, claims.Subject)
	c.Next()
}

// UserID returns the authenticated user id set by ValidateJWT.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func abortUnauthorized(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":             "unauthorized",
		"error_description": reason,
	})
}
