// Package device holds the device record and the capability interface used to
// address devices through a messaging gateway.
package device

import (
	"context"
	"sort"
	"time"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

// ReasonUnregistered is recorded when a device is deactivated by its owner
// rather than by a gateway error.
const ReasonUnregistered = "Unregistered"

// Device is a single app installation that can receive push messages.
type Device struct {
	DeviceID           string    `db:"dev_id" json:"device_id"`
	RegistrationID     string    `db:"reg_id" json:"registration_id"`
	Name               string    `db:"name" json:"name,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	ModifiedAt         time.Time `db:"modified_at" json:"modified_at"`
	IsActive           bool      `db:"is_active" json:"is_active"`
	DeactivationReason string    `db:"deactivation_reason" json:"deactivation_reason,omitempty"`
	// OwnerID is the user that registered the device. Empty for devices
	// created outside the API.
	OwnerID string `db:"owner_id" json:"owner_id,omitempty"`
}

func (d Device) String() string {
	return d.DeviceID
}

// MessageSender is anything able to deliver a payload to a set of
// registration IDs. The dispatcher implements it; devices compose over it.
type MessageSender interface {
	Send(ctx context.Context, registrationIDs []string, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error)
}

// SendMessage delivers payload to this device only.
func (d Device) SendMessage(ctx context.Context, sender MessageSender, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error) {
	return sender.Send(ctx, []string{d.RegistrationID}, payload, collapseKey)
}

// Devices is an ordered collection of device records.
type Devices []Device

// RegistrationIDs returns the registration IDs in collection order.
func (ds Devices) RegistrationIDs() []string {
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		ids = append(ids, d.RegistrationID)
	}
	return ids
}

// Active returns the subset of devices that may still be addressed.
func (ds Devices) Active() Devices {
	active := make(Devices, 0, len(ds))
	for _, d := range ds {
		if d.IsActive {
			active = append(active, d)
		}
	}
	return active
}

// SortByRecency orders devices most recently modified first, ties by device ID.
func (ds Devices) SortByRecency() {
	sort.SliceStable(ds, func(i, j int) bool {
		if !ds[i].ModifiedAt.Equal(ds[j].ModifiedAt) {
			return ds[i].ModifiedAt.After(ds[j].ModifiedAt)
		}
		return ds[i].DeviceID < ds[j].DeviceID
	})
}

// SendMessage delivers payload to every device in the collection.
// An empty collection returns (nil, nil) without contacting the sender.
func (ds Devices) SendMessage(ctx context.Context, sender MessageSender, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	return sender.Send(ctx, ds.RegistrationIDs(), payload, collapseKey)
}

// Filter narrows ListActiveRegistrationIDs. The zero value selects every
// active device.
type Filter struct {
	DeviceIDs []string
	Limit     int
}

// IsZero reports whether the filter selects every active device.
func (f Filter) IsZero() bool {
	return len(f.DeviceIDs) == 0 && f.Limit <= 0
}
