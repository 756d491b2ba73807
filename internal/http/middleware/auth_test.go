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

	"github.com/yungbote/autoflow-backend/internal/platform/ctxutil"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

func authRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewAdminAuth(logger.Nop(), secret).RequireOperator())
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, ctxutil.GetOperator(c.Request.Context()))
	})
	return r
}

func get(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequireOperatorAcceptsIssuedToken(t *testing.T) {
	tok, err := IssueOperatorToken("s3cret", "oncall@example.com", time.Hour, time.Now())
	require.NoError(t, err)

	rec := get(authRouter("s3cret"), tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "oncall@example.com", rec.Body.String())
}

func TestRequireOperatorRejects(t *testing.T) {
	r := authRouter("s3cret")

	assert.Equal(t, http.StatusUnauthorized, get(r, "").Code)

	wrongKey, err := IssueOperatorToken("other", "oncall", time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, wrongKey).Code)

	expired, err := IssueOperatorToken("s3cret", "oncall", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, expired).Code)

	notOperator, err := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "someone",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, notOperator).Code)
}

func TestRequireOperatorWithoutSecret(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, get(authRouter(""), "anything").Code)
}
