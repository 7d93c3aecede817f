package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropdrive/opadvisor/pkg/account"
	"github.com/cropdrive/opadvisor/storage/memory"
)

type failingStore struct {
	account.Store
}

func (failingStore) ConsumeUpload(context.Context, string) (*account.User, error) {
	return nil, errors.New("connection reset")
}

// Test helper to create a test manager with one seeded user
func setupTestManager(t *testing.T, store account.Store, planID account.PlanID, used int) *account.Manager {
	t.Helper()

	if planID != "" {
		plan := account.Plans[planID]
		require.NoError(t, store.CreateUser(context.Background(), &account.User{
			ID:           "user1",
			Plan:         plan.ID,
			UploadsLimit: plan.UploadsLimit,
			UploadsUsed:  used,
			Status:       account.UserStatusActive,
		}))
	}

	manager, err := account.NewManager(store, account.Config{
		Retry: account.RetryConfig{MaxAttempts: 1, Backoff: time.Millisecond},
	})
	require.NoError(t, err)
	return manager
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "user1", user.ID)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})
}

func serve(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/authorize", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t, memory.New(), account.PlanSmart, 3)
	handler := Middleware(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(okHandler(t))

	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
	assert.Equal(t, "4", rec.Header().Get(HeaderUploadsUsed))
	assert.Equal(t, "50", rec.Header().Get(HeaderUploadsLimit))
}

func TestMiddleware_Unlimited(t *testing.T) {
	manager := setupTestManager(t, memory.New(), account.PlanPrecision, 1000)
	handler := Middleware(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(okHandler(t))

	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1001", rec.Header().Get(HeaderUploadsUsed))
	assert.Equal(t, "-1", rec.Header().Get(HeaderUploadsLimit))
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	manager := setupTestManager(t, memory.New(), account.PlanStart, 9)
	handler := Middleware(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(okHandler(t))

	require.Equal(t, http.StatusOK, serve(handler, "user1").Code)

	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get(HeaderUploadsUsed))
	assert.Equal(t, "10", rec.Header().Get(HeaderUploadsLimit))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Upload quota exceeded", body["error"])
	assert.Equal(t, "start", body["plan"])
	assert.Equal(t, float64(10), body["used"])
	assert.Equal(t, float64(10), body["limit"])
}

func TestMiddleware_CustomQuotaExceeded(t *testing.T) {
	manager := setupTestManager(t, memory.New(), account.PlanStart, 10)

	var got *account.User
	handler := Middleware(Config{
		Manager:                 manager,
		GetUserID:               FromHeader("X-User-ID"),
		QuotaExceededStatusCode: http.StatusPaymentRequired,
	})(okHandler(t))
	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	handler = Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		OnQuotaExceeded: func(w http.ResponseWriter, r *http.Request, user *account.User) {
			got = user
			w.WriteHeader(http.StatusForbidden)
		},
	})(okHandler(t))
	rec = serve(handler, "user1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, 10, got.UploadsUsed)
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t, memory.New(), account.PlanStart, 0)
	handler := Middleware(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(okHandler(t))

	rec := serve(handler, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	called := false
	handler = Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		OnUnauthorized: func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		},
	})(okHandler(t))
	rec = serve(handler, "")
	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddleware_UnknownUser(t *testing.T) {
	manager := setupTestManager(t, memory.New(), "", 0)
	handler := Middleware(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(okHandler(t))

	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderUploadsUsed))
}

func TestMiddleware_StoreError(t *testing.T) {
	manager := setupTestManager(t, failingStore{}, "", 0)

	handler := Middleware(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(okHandler(t))
	assert.Equal(t, http.StatusInternalServerError, serve(handler, "user1").Code)

	var gotErr error
	handler = Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})(okHandler(t))
	assert.Equal(t, http.StatusServiceUnavailable, serve(handler, "user1").Code)
	assert.Error(t, gotErr)
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetUserID: FromHeader("X-User-ID")}) })
	manager := setupTestManager(t, memory.New(), "", 0)
	assert.Panics(t, func() { Middleware(Config{Manager: manager}) })
}

func TestHandlerFunc(t *testing.T) {
	manager := setupTestManager(t, memory.New(), account.PlanStart, 0)
	mw := HandlerFunc(Config{Manager: manager, GetUserID: FromContext(UserIDKey)})

	handler := mw(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithUserID(req.Context(), "user1"))
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(HeaderUploadsUsed))
}

func TestFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, FromContext(UserIDKey)(req))

	_, ok := UserFromContext(req.Context())
	assert.False(t, ok)
}
