// Package echo provides Echo middleware for upload quota enforcement
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	quotahttp "github.com/cropdrive/opadvisor/middleware/http"
	"github.com/cropdrive/opadvisor/pkg/account"
)

// UserKey is the Echo context key under which the consumed user record is stored
const UserKey = "opadvisor.user"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the account manager instance
	Manager *account.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// QuotaExceededStatusCode is the HTTP status code to return when quota is exceeded
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, uses default response: QuotaExceededStatusCode JSON with usage info
	OnQuotaExceeded func(c echo.Context, user *account.User) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the user is unknown or an internal error occurs
	// If nil, returns 404 for unknown users and 500 otherwise
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that spends one upload per request
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("opadvisor/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("opadvisor/echo: Config.GetUserID is required")
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			user, err := cfg.Manager.ConsumeUpload(c.Request().Context(), userID)
			if user != nil {
				quotahttp.SetUsageHeaders(c.Response().Header(), user)
			}
			if err != nil {
				if errors.Is(err, account.ErrQuotaExceeded) && user != nil {
					if cfg.OnQuotaExceeded != nil {
						return cfg.OnQuotaExceeded(c, user)
					}
					return c.JSON(cfg.QuotaExceededStatusCode, quotahttp.QuotaExceededBody(user))
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				status, msg := quotahttp.ErrorStatus(err)
				return c.JSON(status, map[string]string{"error": msg})
			}

			c.Set(UserKey, user)
			return next(c)
		}
	}
}

// UserFromContext returns the user record stored by Middleware, if any
func UserFromContext(c echo.Context) (*account.User, bool) {
	user, ok := c.Get(UserKey).(*account.User)
	return user, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
