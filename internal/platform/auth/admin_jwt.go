package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/n3health/pix/internal/platform/fault"
)

// AdminClaims are the JWT claims carried by administrative credentials.
type AdminClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry the given role.
func (c *AdminClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NewAdminToken mints a signed HS256 JWT granting the admin role. Used by the
// token management CLI and by tests.
func NewAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &AdminClaims{
		Roles: []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAdminToken verifies the signature and expiry of an admin JWT and
// returns its claims.
func ParseAdminToken(secret, raw string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// AdminJWT returns middleware that guards administrative routes. It expects an
// "Authorization: Bearer <jwt>" header signed with the configured secret and
// carrying the admin role. Failures respond with the invalid-system fault.
func AdminJWT(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return reject(c, "missing authorization header")
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return reject(c, "malformed authorization header")
			}

			claims, err := ParseAdminToken(secret, parts[1])
			if err != nil {
				return reject(c, "invalid credentials")
			}
			if !claims.HasRole("admin") {
				return reject(c, "admin role required")
			}

			c.Set("admin_subject", claims.Subject)
			return next(c)
		}
	}
}

func reject(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, fault.InvalidSystem(msg))
}
