package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"medagenda/internal/domain"
)

const claimsContextKey = "auth.claims"

// Claims is what the core consumes from the identity service: an opaque
// authenticated subject id plus a role claim, trusted as given.
type Claims struct {
	Subject string
	Role    domain.Role
}

func JWTMiddleware(secret string) echo.MiddlewareFunc {
	key := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := parseBearer(c.Request().Header.Get(echo.HeaderAuthorization), key)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
			}
			c.Set(claimsContextKey, claims)
			return next(c)
		}
	}
}

func parseBearer(header string, key []byte) (Claims, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Claims{}, errors.New("missing bearer token")
	}

	token, err := jwt.Parse(strings.TrimPrefix(header, prefix), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, errors.New("invalid token")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid claims")
	}
	sub, _ := mapClaims["sub"].(string)
	role, _ := mapClaims["role"].(string)
	if sub == "" {
		return Claims{}, errors.New("missing subject")
	}
	switch domain.Role(role) {
	case domain.RoleDoctor, domain.RolePatient:
	default:
		return Claims{}, errors.New("unknown role")
	}
	return Claims{Subject: sub, Role: domain.Role(role)}, nil
}

func RequireRole(roles ...domain.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := ClaimsFrom(c)
			for _, r := range roles {
				if claims.Role == r {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}

func ClaimsFrom(c echo.Context) Claims {
	claims, _ := c.Get(claimsContextKey).(Claims)
	return claims
}
