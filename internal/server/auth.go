package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const userContextKey = "UserID"

// UserClaims are the JWT claims carried by API tokens. Admin tokens set adm;
// the auth service issuing tokens shares the HS256 secret with this node.
type UserClaims struct {
	UserID string `json:"uid"`
	Admin  bool   `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for a user. Exposed for tests and local tooling.
func GenerateToken(userID uuid.UUID, admin bool, secret string, expiresAt time.Time) (string, error) {
	claims := UserClaims{
		UserID: userID.String(),
		Admin:  admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// AuthMiddleware enforces JWT auth and resolves the caller's user id.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, secret)
		if !ok {
			return
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "token subject is not a user id",
			})
			return
		}

		c.Set(userContextKey, userID)
		c.Next()
	}
}

// AdminMiddleware enforces JWT auth plus the admin claim.
func AdminMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, secret)
		if !ok {
			return
		}
		if !claims.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":  "FORBIDDEN",
				"error": "admin token required",
			})
			return
		}
		c.Next()
	}
}

func bearerClaims(c *gin.Context, secret string) (*UserClaims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":  "MISSING_TOKEN",
			"error": "missing Authorization header",
		})
		return nil, false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_AUTH_HEADER",
			"error": "invalid Authorization header",
		})
		return nil, false
	}

	claims, err := parseToken(parts[1], secret)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_TOKEN",
			"error": "invalid or expired token",
		})
		return nil, false
	}
	return claims, true
}

// currentUserID returns the authenticated user id set by AuthMiddleware.
func currentUserID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(uuid.UUID); okCast {
			return id
		}
	}
	return uuid.Nil
}
