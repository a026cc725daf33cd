package api

import (
	"encoding/json"
	"net/http"

	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// TokenAPI serves device registration for the authenticated user. Tokens
// registered here are what the ingestion pipeline fans recipient URNs out to.
type TokenAPI struct {
	Registry   push.TokenRegistry
	Suppressor push.Suppressor
	Logger     *slog.Logger
}

func NewTokenAPI(registry push.TokenRegistry, suppressor push.Suppressor, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Registry:   registry,
		Suppressor: suppressor,
		Logger:     logger,
	}
}

// DeviceRequest is the register/unregister body. Token is the vendor text
// form: base64 for APNs, verbatim for GCM registration ids and BB10 PINs.
type DeviceRequest struct {
	Vendor string `json:"vendor"`
	Token  string `json:"token"`
}

func (api *TokenAPI) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid user identity")
		return
	}

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	vendor := push.Vendor(req.Vendor)
	if !vendor.Valid() {
		response.WriteJSONError(w, http.StatusBadRequest, "unknown vendor")
		return
	}
	token, err := push.DecodeToken(vendor, req.Token)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid token")
		return
	}

	if err := api.Registry.Register(ctx, userURN.String(), vendor, token); err != nil {
		api.Logger.Error("failed to register device", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	// A re-registered token is live again, whatever feedback said earlier.
	if api.Suppressor != nil {
		if err := api.Suppressor.Lift(ctx, vendor, token); err != nil {
			api.Logger.Warn("failed to lift suppression on register", "err", err)
		}
	}
	api.Logger.Info("Device registered", "user", userURN, "vendor", string(vendor))

	w.WriteHeader(http.StatusNoContent)
}

func (api *TokenAPI) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid user identity")
		return
	}

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	vendor := push.Vendor(req.Vendor)
	if !vendor.Valid() {
		response.WriteJSONError(w, http.StatusBadRequest, "unknown vendor")
		return
	}
	token, err := push.DecodeToken(vendor, req.Token)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid token")
		return
	}

	if err := api.Registry.Unregister(ctx, userURN.String(), vendor, token); err != nil {
		// Log but don't fail hard; idempotency is preferred for unregister.
		api.Logger.Warn("failed to unregister device", "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}
