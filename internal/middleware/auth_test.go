package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var secret = []byte("test-secret")

func sign(t *testing.T, claims jwt.Claims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func router(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(log))
	r.GET("/who", RequireAuth(secret), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	r := router(zap.NewNop())
	valid := sign(t, jwt.RegisteredClaims{Subject: "adv-x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, secret)

	cases := []struct {
		name   string
		setup  func(*http.Request)
		status int
		body   string
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) }, http.StatusOK, "adv-x"},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "access_token", Value: valid}) }, http.StatusOK, "adv-x"},
		{"missing", func(*http.Request) {}, http.StatusUnauthorized, ""},
		{"malformed header", func(r *http.Request) { r.Header.Set("Authorization", "Token "+valid) }, http.StatusUnauthorized, ""},
		{"wrong key", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+sign(t, jwt.RegisteredClaims{Subject: "adv-x"}, []byte("other")))
		}, http.StatusUnauthorized, ""},
		{"expired", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+sign(t, jwt.RegisteredClaims{Subject: "adv-x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}, secret))
		}, http.StatusUnauthorized, ""},
		{"no subject", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+sign(t, jwt.RegisteredClaims{}, secret))
		}, http.StatusUnauthorized, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/who", nil)
			tc.setup(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}

func TestRequestLoggerRecordsPrincipal(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := router(zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.RegisteredClaims{Subject: "exec-1"}, secret))
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/who", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.Equal(t, "exec-1", fields["user_id"])
}
