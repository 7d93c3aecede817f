package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	quotahttp "github.com/cropdrive/opadvisor/middleware/http"
	"github.com/cropdrive/opadvisor/pkg/account"
	"github.com/cropdrive/opadvisor/pkg/api"
	"github.com/cropdrive/opadvisor/pkg/billing"
)

type routerDeps struct {
	manager       *account.Manager
	provider      billing.Provider
	userIDHeader  string
	internalToken string
	ping          func(context.Context) error
	logger        account.Logger
}

func newRouter(deps routerDeps) (http.Handler, error) {
	accountHandler, err := api.NewHandler(api.Config{
		Manager:   deps.manager,
		GetUserID: api.FromHeader(deps.userIDHeader),
		Logger:    deps.logger,
	})
	if err != nil {
		return nil, err
	}

	uploadGate := quotahttp.Middleware(quotahttp.Config{
		Manager:   deps.manager,
		GetUserID: quotahttp.FromHeader(deps.userIDHeader),
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// The provider answers non-POST methods itself.
	r.Handle("/api/stripe/webhook", deps.provider.WebhookHandler())

	r.Get("/api/account", accountHandler.GetAccount)
	r.With(uploadGate).Post("/api/uploads/authorize", authorizeUpload)

	if deps.internalToken != "" {
		r.With(requireToken(deps.internalToken)).
			Post("/internal/stripe/subscriptions/{id}/sync", syncSubscription(deps.provider, deps.logger))
	}

	return r, nil
}

// authorizeUpload runs after the quota gate spent one upload.
func authorizeUpload(w http.ResponseWriter, r *http.Request) {
	user, _ := quotahttp.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": true,
		"uploads": map[string]int{
			"limit":     user.UploadsLimit,
			"used":      user.UploadsUsed,
			"remaining": user.UploadsRemaining(),
		},
	})
}

func syncSubscription(provider billing.Provider, logger account.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res, err := provider.SyncSubscription(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{
				"outcome":         string(res.Outcome),
				"reason":          string(res.Reason),
				"user_id":         res.UserID,
				"subscription_id": res.SubscriptionID,
				"plan":            string(res.NewPlan),
			})
		case errors.Is(err, account.ErrInvalidSubscription):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "subscription id is required"})
		case errors.Is(err, billing.ErrAPIKeyNotConfigured):
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "stripe api key not configured"})
		default:
			logger.Error("subscription resync failed",
				account.F("subscription_id", id),
				account.F("error", err),
			)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "resync failed"})
		}
	}
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
