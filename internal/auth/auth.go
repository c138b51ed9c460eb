// Package auth guards the HTTP surface with a shared API key.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// skipPaths are reachable without credentials.
var skipPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// APIKeyMiddleware checks X-API-Key or an Authorization header against the
// configured key. An empty configured key disables auth for local
// development.
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" || skipPaths[c.Path()] {
				return next(c)
			}

			presented := presentedKey(c.Request())
			if presented == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error":      "missing API key",
					"error_type": "authentication",
				})
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error":      "invalid API key",
					"error_type": "authentication",
				})
			}
			return next(c)
		}
	}
}

// presentedKey extracts the credential from X-API-Key or from an
// Authorization header using the Bearer or ApiKey scheme.
func presentedKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	header := r.Header.Get("Authorization")
	for _, scheme := range []string{"Bearer ", "ApiKey "} {
		if len(header) > len(scheme) && strings.EqualFold(header[:len(scheme)], scheme) {
			return strings.TrimSpace(header[len(scheme):])
		}
	}
	return ""
}
