// Package memory is an in-process device store for local runs and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
)

// Store keeps devices in a map keyed by device ID.
type Store struct {
	mu      sync.RWMutex
	devices map[string]device.Device
	now     func() time.Time
}

func NewStore(devices ...device.Device) *Store {
	s := &Store{
		devices: make(map[string]device.Device, len(devices)),
		now:     time.Now,
	}
	for _, d := range devices {
		s.devices[d.DeviceID] = d
	}
	return s
}

func (s *Store) FindByRegistrationIDs(_ context.Context, registrationIDs []string) ([]device.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(registrationIDs))
	for _, id := range registrationIDs {
		wanted[id] = struct{}{}
	}

	var found []device.Device
	for _, d := range s.devices {
		if _, ok := wanted[d.RegistrationID]; ok {
			found = append(found, d)
		}
	}
	return found, nil
}

func (s *Store) Deactivate(_ context.Context, d device.Device, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.devices[d.DeviceID]
	if !ok || !current.IsActive {
		return nil
	}
	current.IsActive = false
	current.DeactivationReason = reason
	current.ModifiedAt = s.now()
	s.devices[d.DeviceID] = current
	return nil
}

func (s *Store) ListActiveRegistrationIDs(_ context.Context, filter device.Filter) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var only map[string]struct{}
	if len(filter.DeviceIDs) > 0 {
		only = make(map[string]struct{}, len(filter.DeviceIDs))
		for _, id := range filter.DeviceIDs {
			only[id] = struct{}{}
		}
	}

	active := make(device.Devices, 0, len(s.devices))
	for _, d := range s.devices {
		if !d.IsActive {
			continue
		}
		if only != nil {
			if _, ok := only[d.DeviceID]; !ok {
				continue
			}
		}
		active = append(active, d)
	}
	active.SortByRecency()

	if filter.Limit > 0 && len(active) > filter.Limit {
		active = active[:filter.Limit]
	}
	return active.RegistrationIDs(), nil
}

func (s *Store) Register(_ context.Context, d device.Device) (device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, other := range s.devices {
		if id != d.DeviceID && other.RegistrationID == d.RegistrationID {
			return device.Device{}, dispatch.ErrRegistrationInUse
		}
	}

	now := s.now()
	if existing, ok := s.devices[d.DeviceID]; ok {
		if existing.OwnerID != "" && existing.OwnerID != d.OwnerID {
			return device.Device{}, dispatch.ErrNotDeviceOwner
		}
		d.CreatedAt = existing.CreatedAt
	} else {
		d.CreatedAt = now
	}
	d.ModifiedAt = now
	d.IsActive = true
	d.DeactivationReason = ""
	s.devices[d.DeviceID] = d
	return d, nil
}

func (s *Store) Get(_ context.Context, deviceID string) (device.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return device.Device{}, dispatch.ErrDeviceNotFound
	}
	return d, nil
}
