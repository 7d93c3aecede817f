// Package http provides net/http middleware that gates requests on the
// user's upload quota.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cropdrive/opadvisor/pkg/account"
)

// Usage headers set on every request whose user record was resolved.
const (
	HeaderUploadsUsed  = "X-Uploads-Used"
	HeaderUploadsLimit = "X-Uploads-Limit"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the account manager instance
	Manager *account.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// QuotaExceededStatusCode is returned when the quota is used up
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when the user has no uploads left
	// If nil, writes QuotaExceededStatusCode JSON with usage info
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, user *account.User)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the user is unknown or an internal error occurs
	// If nil, returns 404 for unknown users and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that spends one upload per request
// and rejects the request once the quota is used up.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("opadvisor/http: Config.Manager is required")
	}
	if config.GetUserID == nil {
		panic("opadvisor/http: Config.GetUserID is required")
	}
	if config.QuotaExceededStatusCode == 0 {
		config.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
				}
				return
			}

			user, err := config.Manager.ConsumeUpload(r.Context(), userID)
			if user != nil {
				SetUsageHeaders(w.Header(), user)
			}
			if err != nil {
				if errors.Is(err, account.ErrQuotaExceeded) && user != nil {
					if config.OnQuotaExceeded != nil {
						config.OnQuotaExceeded(w, r, user)
					} else {
						writeJSON(w, config.QuotaExceededStatusCode, QuotaExceededBody(user))
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					defaultError(w, err)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces the upload quota (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// SetUsageHeaders writes the user's upload counters. A limit of -1 means unlimited.
func SetUsageHeaders(h http.Header, user *account.User) {
	h.Set(HeaderUploadsUsed, strconv.Itoa(user.UploadsUsed))
	h.Set(HeaderUploadsLimit, strconv.Itoa(user.UploadsLimit))
}

// QuotaExceededBody is the default JSON body for an exhausted quota.
// The framework adapters share it.
func QuotaExceededBody(user *account.User) map[string]any {
	return map[string]any{
		"error": "Upload quota exceeded",
		"plan":  string(user.Plan),
		"used":  user.UploadsUsed,
		"limit": user.UploadsLimit,
	}
}

// ErrorStatus maps a consumption error to a response status and message.
func ErrorStatus(err error) (int, string) {
	if errors.Is(err, account.ErrUserNotFound) {
		return http.StatusNotFound, "User not found"
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

func defaultError(w http.ResponseWriter, err error) {
	status, msg := ErrorStatus(err)
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "opadvisor:userID"

	userKey ContextKey = "opadvisor:user"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithUser stores the user record returned by the quota check.
func WithUser(ctx context.Context, user *account.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the user record stored by Middleware, if any.
func UserFromContext(ctx context.Context) (*account.User, bool) {
	user, ok := ctx.Value(userKey).(*account.User)
	return user, ok
}
