package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
)

// Column limits of the device record.
const (
	maxDeviceIDLength       = 50
	maxRegistrationIDLength = 255
)

type DeviceAPI struct {
	Store  dispatch.Store
	Logger *slog.Logger
}

func NewDeviceAPI(store dispatch.Store, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		Store:  store,
		Logger: logger,
	}
}

type RegisterRequest struct {
	DeviceID       string `json:"device_id,omitempty"`
	RegistrationID string `json:"registration_id"`
	Name           string `json:"name,omitempty"`
}

type UnregisterRequest struct {
	DeviceID string `json:"device_id"`
}

// Register creates the device or reactivates it with a fresh registration ID.
func (api *DeviceAPI) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RegistrationID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing registration_id")
		return
	}
	if len(req.RegistrationID) > maxRegistrationIDLength || len(req.DeviceID) > maxDeviceIDLength {
		response.WriteJSONError(w, http.StatusBadRequest, "identifier too long")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = uuid.NewString()
	}

	d, err := api.Store.Register(ctx, device.Device{
		DeviceID:       req.DeviceID,
		RegistrationID: req.RegistrationID,
		Name:           req.Name,
		OwnerID:        userID,
	})
	if errors.Is(err, dispatch.ErrRegistrationInUse) {
		response.WriteJSONError(w, http.StatusConflict, "registration id in use")
		return
	}
	if errors.Is(err, dispatch.ErrNotDeviceOwner) {
		api.Logger.Warn("Register: device owned by another user", "user", userID, "device_id", req.DeviceID)
		response.WriteJSONError(w, http.StatusConflict, "device id in use")
		return
	}
	if err != nil {
		api.Logger.Error("Register: storage failed", "err", err, "device_id", req.DeviceID)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Register: device registered", "user", userID, "device_id", d.DeviceID)

	w.WriteHeader(http.StatusNoContent)
}

// Unregister deactivates the device. Unknown devices and devices owned by
// another user get the same empty success, so the response never reveals
// whether someone else's device exists.
func (api *DeviceAPI) Unregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UnregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing device_id")
		return
	}

	d, err := api.Store.Get(ctx, req.DeviceID)
	if errors.Is(err, dispatch.ErrDeviceNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		api.Logger.Error("Unregister: lookup failed", "err", err, "device_id", req.DeviceID)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	if d.OwnerID != "" && d.OwnerID != userID {
		api.Logger.Warn("Unregister: device owned by another user", "user", userID, "device_id", d.DeviceID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := api.Store.Deactivate(ctx, d, device.ReasonUnregistered); err != nil {
		api.Logger.Error("Unregister: deactivate failed", "err", err, "device_id", req.DeviceID)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Unregister: device deactivated", "user", userID, "device_id", d.DeviceID)

	w.WriteHeader(http.StatusNoContent)
}
