// Package pipeline contains the core message processing components for the service.
package pipeline

import (
	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

// PushRequest is the JSON body of an ingested Pub/Sub message.
// An empty DeviceIDs list addresses every active device.
type PushRequest struct {
	DeviceIDs   []string    `json:"device_ids,omitempty"`
	Data        gcm.Payload `json:"data"`
	CollapseKey string      `json:"collapse_key,omitempty"`
	Limit       int         `json:"limit,omitempty"`
}

// Filter converts the addressing fields into a store filter.
func (r PushRequest) Filter() device.Filter {
	return device.Filter{DeviceIDs: r.DeviceIDs, Limit: r.Limit}
}
