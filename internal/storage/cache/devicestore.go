// Package cache adds read-aside caching in front of a device store.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
)

// ActiveRegistrationsKey holds the unfiltered active registration list.
const ActiveRegistrationsKey = "gcm:devices:active"

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachedDeviceStore decorates a dispatch.Store. Only the unfiltered fan-out
// list is cached; every write invalidates it so deactivated devices stop
// receiving pushes immediately.
type CachedDeviceStore struct {
	dispatch.Store
	cache  CacheClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedDeviceStore(store dispatch.Store, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedDeviceStore {
	return &CachedDeviceStore{
		Store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "DeviceCache"),
	}
}

func (s *CachedDeviceStore) ListActiveRegistrationIDs(ctx context.Context, filter device.Filter) ([]string, error) {
	if !filter.IsZero() {
		return s.Store.ListActiveRegistrationIDs(ctx, filter)
	}

	var cached []string
	if err := s.cache.Get(ctx, ActiveRegistrationsKey, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.Store.ListActiveRegistrationIDs(ctx, filter)
	if err != nil {
		return nil, err
	}

	// Caching is an optimisation; a Redis outage just means reading the store.
	if err := s.cache.Set(ctx, ActiveRegistrationsKey, fresh, s.ttl); err != nil {
		s.logger.Warn("Failed to populate cache", "err", err)
	}
	return fresh, nil
}

func (s *CachedDeviceStore) Deactivate(ctx context.Context, d device.Device, reason string) error {
	if err := s.Store.Deactivate(ctx, d, reason); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedDeviceStore) Register(ctx context.Context, d device.Device) (device.Device, error) {
	registered, err := s.Store.Register(ctx, d)
	if err != nil {
		return device.Device{}, err
	}
	s.invalidate(ctx)
	return registered, nil
}

func (s *CachedDeviceStore) invalidate(ctx context.Context) {
	if err := s.cache.Del(ctx, ActiveRegistrationsKey); err != nil {
		s.logger.Warn("Failed to invalidate cache", "err", err)
	}
}
