package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropdrive/opadvisor/pkg/account"
	"github.com/cropdrive/opadvisor/storage/memory"
)

type failingStore struct {
	account.Store
}

func (failingStore) ConsumeUpload(context.Context, string) (*account.User, error) {
	return nil, errors.New("connection refused")
}

func setupTestManager(t *testing.T, store account.Store, planID account.PlanID, used int) *account.Manager {
	t.Helper()

	if planID != "" {
		plan := account.Plans[planID]
		require.NoError(t, store.CreateUser(context.Background(), &account.User{
			ID:           "user1",
			Plan:         plan.ID,
			UploadsLimit: plan.UploadsLimit,
			UploadsUsed:  used,
		}))
	}

	manager, err := account.NewManager(store, account.Config{
		Retry: account.RetryConfig{MaxAttempts: 1, Backoff: time.Millisecond},
	})
	require.NoError(t, err)
	return manager
}

func setupEcho(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.POST("/upload", func(c echo.Context) error {
		user, ok := UserFromContext(c)
		if !ok {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, map[string]string{"user": user.ID})
	})
	return e
}

func do(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/upload", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t, memory.New(), account.PlanPrecision, 7)
	e := setupEcho(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})

	rec := do(e, "user1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"user1"}`, rec.Body.String())
	assert.Equal(t, "8", rec.Header().Get("X-Uploads-Used"))
	assert.Equal(t, "-1", rec.Header().Get("X-Uploads-Limit"))
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	manager := setupTestManager(t, memory.New(), account.PlanSmart, 49)
	e := setupEcho(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})

	require.Equal(t, http.StatusOK, do(e, "user1").Code)

	rec := do(e, "user1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "50", rec.Header().Get("X-Uploads-Used"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "smart", body["plan"])
	assert.Equal(t, float64(50), body["used"])

	e = setupEcho(Config{
		Manager:                 manager,
		GetUserID:               FromHeader("X-User-ID"),
		QuotaExceededStatusCode: http.StatusForbidden,
	})
	assert.Equal(t, http.StatusForbidden, do(e, "user1").Code)
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t, memory.New(), account.PlanStart, 0)
	e := setupEcho(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})
	assert.Equal(t, http.StatusUnauthorized, do(e, "").Code)

	e = setupEcho(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		OnUnauthorized: func(c echo.Context) error {
			return c.String(http.StatusUnauthorized, "sign in first")
		},
	})
	rec := do(e, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "sign in first", rec.Body.String())
}

func TestMiddleware_Errors(t *testing.T) {
	manager := setupTestManager(t, memory.New(), "", 0)
	e := setupEcho(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})
	assert.Equal(t, http.StatusNotFound, do(e, "user1").Code)

	manager = setupTestManager(t, failingStore{}, "", 0)
	e = setupEcho(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})
	assert.Equal(t, http.StatusInternalServerError, do(e, "user1").Code)

	e = setupEcho(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c echo.Context, err error) error {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		},
	})
	rec := do(e, "user1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMiddleware_FromContext(t *testing.T) {
	manager := setupTestManager(t, memory.New(), account.PlanStart, 0)

	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", c.Request().Header.Get("X-User-ID"))
			return next(c)
		}
	})
	e.Use(Middleware(Config{Manager: manager, GetUserID: FromContext("UserID")}))
	e.POST("/upload", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	assert.Equal(t, http.StatusNoContent, do(e, "user1").Code)
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetUserID: FromHeader("X-User-ID")}) })
}
