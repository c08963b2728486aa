package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	logger "github.com/sirupsen/logrus"

	"signalrelay/src/auth"
	"signalrelay/src/connectors"
	"signalrelay/src/controller"
	"signalrelay/src/externalmodel"
	"signalrelay/src/safety"
)

type signalDispatcher interface {
	HandleSignal(ctx context.Context, sig *externalmodel.WebhookSignal) (*controller.SignalResult, error)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithError(err).Error("failed to write response")
	}
}

// WebhookHandler returns the POST /webhook handler: decode, validate,
// dispatch to the controller, and map the outcome to an HTTP status.
func WebhookHandler(dispatcher signalDispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sig externalmodel.WebhookSignal
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
			return
		}

		if sig.FundManagerID == "" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "fund_manager_id is required"})
			return
		}

		if err := sig.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		ctx := auth.WithFundManager(r.Context(), sig.FundManagerID)

		logger.WithFields(map[string]interface{}{
			"mode":            sig.Mode,
			"symbol":          sig.Symbol,
			"exchange":        sig.Exchange,
			"fund_manager_id": sig.FundManagerID,
		}).Info("webhook signal received")

		result, err := dispatcher.HandleSignal(ctx, &sig)
		if err != nil {
			var holdErr *safety.HoldError
			if errors.As(err, &holdErr) {
				writeJSON(w, http.StatusConflict, result)
				return
			}
			var apiErr *connectors.APIError
			if errors.As(err, &apiErr) {
				writeJSON(w, http.StatusBadGateway, result)
				return
			}
			writeJSON(w, http.StatusInternalServerError, result)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}
