package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/autoflow-backend/internal/platform/ctxutil"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

// RoleOperator is the only role admitted to the admin API.
const RoleOperator = "operator"

type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type AdminAuth struct {
	log    *logger.Logger
	secret []byte
	now    func() time.Time
}

func NewAdminAuth(log *logger.Logger, secret string) *AdminAuth {
	return &AdminAuth{
		log:    log.With("Middleware", "AdminAuth"),
		secret: []byte(secret),
		now:    time.Now,
	}
}

// IssueOperatorToken signs an HS256 operator token for subject.
func IssueOperatorToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("admin jwt secret is empty")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	claims := OperatorClaims{
		Role: RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (a *AdminAuth) parse(tokenString string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Role != RoleOperator || claims.Subject == "" {
		return nil, errors.New("token is not an operator token")
	}
	return claims, nil
}

func (a *AdminAuth) RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(a.secret) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": gin.H{"message": "admin auth not configured", "code": "unavailable"},
			})
			return
		}
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		claims, err := a.parse(tokenString)
		if err != nil {
			a.log.Debug("operator token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		c.Request = c.Request.WithContext(ctxutil.WithOperator(c.Request.Context(), claims.Subject))
		c.Set("operator", claims.Subject)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
