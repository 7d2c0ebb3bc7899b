package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// BearerToken extracts the token from an Authorization header, or "" when the
// header is missing or not a bearer credential.
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// JWTMiddleware verifies the bearer token with v and stores the identity on the
// request context and as "user_id" on the echo context.
func JWTMiddleware(v Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			token := BearerToken(authHeader)
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			id, err := v.Verify(c.Request().Context(), token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			setIdentity(c, id)
			return next(c)
		}
	}
}

// DevAuthMiddleware accepts bearer tokens when present and otherwise builds the
// identity from X-User-ID, X-User-Role, X-User-Name and X-Hospital headers,
// defaulting to a staff member of "Dev Hospital".
func DevAuthMiddleware(v Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if token := BearerToken(req.Header.Get("Authorization")); token != "" && v != nil {
				id, err := v.Verify(req.Context(), token)
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
				}
				setIdentity(c, id)
				return next(c)
			}

			id := &Identity{
				UserID:       headerOr(req, "X-User-ID", "dev-user"),
				Name:         headerOr(req, "X-User-Name", "Dev User"),
				Role:         headerOr(req, "X-User-Role", RoleStaff),
				HospitalName: headerOr(req, "X-Hospital", "Dev Hospital"),
			}
			setIdentity(c, id)
			return next(c)
		}
	}
}

func headerOr(req *http.Request, name, def string) string {
	if v := req.Header.Get(name); v != "" {
		return v
	}
	return def
}

func setIdentity(c echo.Context, id *Identity) {
	c.Set("user_id", id.UserID)
	c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
}
