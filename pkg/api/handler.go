package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cropdrive/opadvisor/pkg/account"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for account inspection
type Handler struct {
	config Config
}

// GetAccount returns the user's plan, upload usage and subscription
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	ms, err := h.config.Manager.Membership(r.Context(), userID)
	if err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			h.handleError(w, r, err, http.StatusNotFound)
			return
		}
		h.config.Logger.Error("failed to load membership", account.F("user_id", userID), account.F("error", err))
		h.handleError(w, r, fmt.Errorf("failed to load account"), http.StatusInternalServerError)
		return
	}

	response := AccountResponse{
		UserID:   userID,
		Plan:     string(ms.User.Plan),
		PlanName: ms.Plan.Name,
		Status:   ms.Status(h.config.Now()),
		Uploads: UploadsUsage{
			Limit:     ms.User.UploadsLimit,
			Used:      ms.User.UploadsUsed,
			Remaining: ms.User.UploadsRemaining(),
		},
	}
	if sub := ms.Subscription; sub != nil {
		response.Subscription = &SubscriptionInfo{
			ID:                 sub.ID,
			Status:             string(sub.Status),
			CurrentPeriodStart: sub.CurrentPeriodStart,
			CurrentPeriodEnd:   sub.CurrentPeriodEnd,
			CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.config.Logger.Debug("failed to encode account response", account.F("error", err))
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if encodeErr := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); encodeErr != nil {
		h.config.Logger.Debug("failed to encode error response",
			account.F("status", statusCode),
			account.F("error", encodeErr),
		)
	}
}
