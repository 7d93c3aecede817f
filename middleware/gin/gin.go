// Package gin provides Gin middleware for upload quota enforcement
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	quotahttp "github.com/cropdrive/opadvisor/middleware/http"
	"github.com/cropdrive/opadvisor/pkg/account"
)

// UserKey is the Gin context key under which the consumed user record is stored
const UserKey = "opadvisor.user"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnQuotaExceeded func(c *gongin.Context, user *account.User)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the user is unknown or an internal error occurs
	// If nil, returns 404 for unknown users and 500 otherwise
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that spends one upload per request
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("opadvisor/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("opadvisor/gin: Config.GetUserID is required")
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		user, err := cfg.Manager.ConsumeUpload(c.Request.Context(), userID)
		if user != nil {
			quotahttp.SetUsageHeaders(c.Writer.Header(), user)
		}
		if err != nil {
			switch {
			case errors.Is(err, account.ErrQuotaExceeded) && user != nil:
				if cfg.OnQuotaExceeded != nil {
					cfg.OnQuotaExceeded(c, user)
				} else {
					c.JSON(cfg.QuotaExceededStatusCode, quotahttp.QuotaExceededBody(user))
				}
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				status, msg := quotahttp.ErrorStatus(err)
				c.JSON(status, gongin.H{"error": msg})
			}
			c.Abort()
			return
		}

		c.Set(UserKey, user)
		c.Next()
	}
}

// UserFromContext returns the user record stored by Middleware, if any
func UserFromContext(c *gongin.Context) (*account.User, bool) {
	val, exists := c.Get(UserKey)
	if !exists {
		return nil, false
	}
	user, ok := val.(*account.User)
	return user, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
