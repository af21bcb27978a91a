// Package dispatch defines the contracts between the delivery core and its
// collaborators: the messaging gateway and the device store.
package dispatch

import (
	"context"
	"errors"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

var (
	// ErrDeviceNotFound is returned by RegistrationStore.Get for unknown devices.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrRegistrationInUse is returned when a registration ID already belongs to another device.
	ErrRegistrationInUse = errors.New("registration id already assigned to another device")
	// ErrNotDeviceOwner is returned when a device is registered by a user other than its owner.
	ErrNotDeviceOwner = errors.New("device belongs to another user")
)

// GatewayClient defines the contract for a cloud messaging gateway.
// The returned response must hold exactly one result per registration ID,
// in the same order as the request. When a later chunk of a large request
// fails, the error is returned together with the results of the chunks
// already delivered, which then cover a prefix of the request.
type GatewayClient interface {
	Send(ctx context.Context, registrationIDs []string, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error)
}

// DeviceStore is the persistence contract used by delivery and reconciliation.
type DeviceStore interface {
	// FindByRegistrationIDs returns the devices holding any of the given IDs.
	// The order of the result is unspecified; IDs without a device are skipped.
	FindByRegistrationIDs(ctx context.Context, registrationIDs []string) ([]device.Device, error)

	// Deactivate marks the device inactive, recording reason and modification time.
	// Deactivating a missing or already-inactive device is not an error.
	Deactivate(ctx context.Context, d device.Device, reason string) error

	// ListActiveRegistrationIDs returns the registration IDs of active devices
	// matching filter, most recently modified first.
	ListActiveRegistrationIDs(ctx context.Context, filter device.Filter) ([]string, error)
}

// RegistrationStore manages the registration flow that creates and
// reactivates devices.
type RegistrationStore interface {
	// Register upserts the device by DeviceID and marks it active. A device
	// already owned by another user is left untouched and ErrNotDeviceOwner
	// is returned.
	Register(ctx context.Context, d device.Device) (device.Device, error)

	// Get returns the device or ErrDeviceNotFound.
	Get(ctx context.Context, deviceID string) (device.Device, error)
}

// Store is implemented by every concrete persistence backend.
type Store interface {
	DeviceStore
	RegistrationStore
}
