// Package fiber provides Fiber middleware for upload quota enforcement
package fiber

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	quotahttp "github.com/cropdrive/opadvisor/middleware/http"
	"github.com/cropdrive/opadvisor/pkg/account"
)

// UserKey is the Locals key under which the consumed user record is stored
const UserKey = "opadvisor.user"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnQuotaExceeded func(c *fiber.Ctx, user *account.User) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the user is unknown or an internal error occurs
	// If nil, returns 404 for unknown users and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that spends one upload per request
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("opadvisor/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("opadvisor/fiber: Config.GetUserID is required")
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = fiber.StatusTooManyRequests
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		user, err := cfg.Manager.ConsumeUpload(c.UserContext(), userID)
		if user != nil {
			c.Set(quotahttp.HeaderUploadsUsed, strconv.Itoa(user.UploadsUsed))
			c.Set(quotahttp.HeaderUploadsLimit, strconv.Itoa(user.UploadsLimit))
		}
		if err != nil {
			if errors.Is(err, account.ErrQuotaExceeded) && user != nil {
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, user)
				}
				return c.Status(cfg.QuotaExceededStatusCode).JSON(quotahttp.QuotaExceededBody(user))
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			status, msg := quotahttp.ErrorStatus(err)
			return c.Status(status).JSON(fiber.Map{"error": msg})
		}

		c.Locals(UserKey, user)
		return c.Next()
	}
}

// UserFromContext returns the user record stored by Middleware, if any
func UserFromContext(c *fiber.Ctx) (*account.User, bool) {
	user, ok := c.Locals(UserKey).(*account.User)
	return user, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// set by auth middleware via c.Locals("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
