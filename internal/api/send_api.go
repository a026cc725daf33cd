package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-gateway/internal/engine"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// Dispatcher is the slice of the dispatch engine the HTTP API needs.
type Dispatcher interface {
	Send(n *push.Notification) (*push.Receipt, error)
	Cancel(id uuid.UUID) bool
	Metrics() engine.MetricsSnapshot
}

// SendAPI serves direct sends past the ingestion bus, plus cancellation and
// the engine counters. The bus is the normal path; this one exists for
// operator tooling and tests.
type SendAPI struct {
	Engine Dispatcher
	Logger *slog.Logger
}

func NewSendAPI(eng Dispatcher, logger *slog.Logger) *SendAPI {
	return &SendAPI{
		Engine: eng,
		Logger: logger,
	}
}

// SendRequest targets one explicit device. Token text encoding follows the
// vendor convention, same as device registration.
type SendRequest struct {
	Vendor      string       `json:"vendor"`
	DeviceToken string       `json:"device_token"`
	Payload     push.Payload `json:"payload"`
	Priority    int          `json:"priority,omitempty"`
	Expiry      time.Time    `json:"expiry,omitempty"`
}

type SendResponse struct {
	NotificationID string `json:"notification_id"`
}

func (api *SendAPI) SendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := middleware.GetUserHandleFromContext(ctx); !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	vendor := push.Vendor(req.Vendor)
	if !vendor.Valid() {
		response.WriteJSONError(w, http.StatusBadRequest, "unknown vendor")
		return
	}
	token, err := push.DecodeToken(vendor, req.DeviceToken)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid device token")
		return
	}

	priority := push.Priority(req.Priority)
	if priority == 0 {
		priority = push.PriorityHigh
	}
	n := &push.Notification{
		ID:          uuid.New(),
		Vendor:      vendor,
		DeviceToken: token,
		Payload:     req.Payload,
		Priority:    priority,
		Expiry:      req.Expiry,
	}

	receipt, err := api.Engine.Send(n)
	if err != nil {
		api.writeSendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SendResponse{NotificationID: receipt.NotificationID().String()})
}

// writeSendError maps the engine's synchronous rejections onto HTTP codes.
// Queue saturation is the caller's backpressure signal, not a server fault.
func (api *SendAPI) writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, push.ErrQueueFull):
		response.WriteJSONError(w, http.StatusTooManyRequests, "dispatch queue full")
	case errors.Is(err, push.ErrPayloadTooLarge):
		response.WriteJSONError(w, http.StatusRequestEntityTooLarge, "payload too large for vendor")
	case errors.Is(err, push.ErrEngineClosed):
		response.WriteJSONError(w, http.StatusServiceUnavailable, "engine shutting down")
	case errors.Is(err, push.ErrUnsupportedField),
		errors.Is(err, push.ErrUnknownVendor),
		errors.Is(err, push.ErrEmptyDeviceToken):
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
	default:
		api.Logger.Error("send failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "send failed")
	}
}

// CancelNotification removes a still-queued notification. Once the frame has
// been handed to a vendor connection there is nothing left to cancel, which
// reports as a conflict.
func (api *SendAPI) CancelNotification(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserHandleFromContext(r.Context()); !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid notification id")
		return
	}

	if !api.Engine.Cancel(id) {
		response.WriteJSONError(w, http.StatusConflict, "notification not queued")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMetrics returns the engine counters. It sits outside auth so probes and
// scrapers can reach it.
func (api *SendAPI) GetMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(api.Engine.Metrics())
}
