package middleware

import (
	"errors"
	"net/http"
	"strings"

	"hierarchyflow/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// userIDKey is the gin context key holding the authenticated principal id.
const userIDKey = "userID"

// SetTokenCookies sets the access_token cookie read by RequireAuth and the websocket endpoint
func SetTokenCookies(c *gin.Context, accessToken string, maxAge int) {
	// Production (cross-origin): SameSiteNoneMode + Secure=true
	// Development (same-site):   SameSiteLaxMode  + Secure=false
	sameSite := http.SameSiteLaxMode
	secure := false
	if gin.Mode() == gin.ReleaseMode {
		sameSite = http.SameSiteNoneMode
		secure = true
	}

	c.SetSameSite(sameSite)
	c.SetCookie("access_token", accessToken, maxAge, "/", "", secure, true)
}

// ClearTokenCookies removes the access_token cookie
func ClearTokenCookies(c *gin.Context) {
	SetTokenCookies(c, "", -1)
}

// BearerToken returns the token from the access_token cookie, falling back to
// the Authorization header.
func BearerToken(c *gin.Context) (string, error) {
	if token, err := c.Cookie("access_token"); err == nil && token != "" {
		return token, nil
	}
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", errors.New("Authorization is missing")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("Invalid authorization format. Expected 'Bearer <token>'")
	}
	return parts[1], nil
}

// ParseSubject validates an HMAC-signed token and returns its subject.
func ParseSubject(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// RequireAuth validates the JWT and stores its subject as the acting principal.
// Authorization against the hierarchy happens in the workflow service, which
// consults the directory on every call.
func RequireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := BearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, err.Error()))
			return
		}

		sub, err := ParseSubject(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid token: "+err.Error()))
			return
		}

		c.Set(userIDKey, sub)
		c.Next()
	}
}

// UserID returns the principal id set by RequireAuth.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
