package cache_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-gcm-device-service/internal/storage/cache"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
)

// --- Mocks ---
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest any) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}
func (m *MockCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}
func (m *MockCache) Del(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type MockRealStore struct {
	mock.Mock
}

func (m *MockRealStore) FindByRegistrationIDs(ctx context.Context, ids []string) ([]device.Device, error) {
	args := m.Called(ctx, ids)
	devices, _ := args.Get(0).([]device.Device)
	return devices, args.Error(1)
}
func (m *MockRealStore) Deactivate(ctx context.Context, d device.Device, reason string) error {
	return m.Called(ctx, d, reason).Error(0)
}
func (m *MockRealStore) ListActiveRegistrationIDs(ctx context.Context, filter device.Filter) ([]string, error) {
	args := m.Called(ctx, filter)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}
func (m *MockRealStore) Register(ctx context.Context, d device.Device) (device.Device, error) {
	args := m.Called(ctx, d)
	return args.Get(0).(device.Device), args.Error(1)
}
func (m *MockRealStore) Get(ctx context.Context, deviceID string) (device.Device, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(device.Device), args.Error(1)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCachedStore_ReadAside(t *testing.T) {
	ctx := context.Background()
	key := cache.ActiveRegistrationsKey

	t.Run("Cache hit skips the store", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedDeviceStore(mockDB, mockCache, time.Hour, newLogger())

		mockCache.On("Get", ctx, key, mock.Anything).Run(func(args mock.Arguments) {
			dest := args.Get(2).(*[]string)
			*dest = []string{"reg-1", "reg-2"}
		}).Return(nil)

		ids, err := store.ListActiveRegistrationIDs(ctx, device.Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"reg-1", "reg-2"}, ids)
		mockDB.AssertNotCalled(t, "ListActiveRegistrationIDs", mock.Anything, mock.Anything)
	})

	t.Run("Cache miss reads the store and populates", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedDeviceStore(mockDB, mockCache, time.Hour, newLogger())

		mockCache.On("Get", ctx, key, mock.Anything).Return(redis.Nil)
		mockDB.On("ListActiveRegistrationIDs", ctx, device.Filter{}).Return([]string{"reg-9"}, nil)
		mockCache.On("Set", ctx, key, []string{"reg-9"}, time.Hour).Return(errors.New("redis down"))

		ids, err := store.ListActiveRegistrationIDs(ctx, device.Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"reg-9"}, ids)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Filtered lists bypass the cache", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedDeviceStore(mockDB, mockCache, time.Hour, newLogger())
		filter := device.Filter{DeviceIDs: []string{"dev-1"}}

		mockDB.On("ListActiveRegistrationIDs", ctx, filter).Return([]string{"reg-1"}, nil)

		ids, err := store.ListActiveRegistrationIDs(ctx, filter)
		require.NoError(t, err)
		assert.Equal(t, []string{"reg-1"}, ids)
		mockCache.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestCachedStore_ImmediateInvalidation(t *testing.T) {
	ctx := context.Background()
	key := cache.ActiveRegistrationsKey
	d := device.Device{DeviceID: "dev-1", RegistrationID: "reg-1", IsActive: true}

	t.Run("Deactivate invalidates cache immediately", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedDeviceStore(mockDB, mockCache, time.Hour, newLogger())

		mockDB.On("Deactivate", ctx, d, "NotRegistered").Return(nil)
		mockCache.On("Del", ctx, key).Return(nil)

		require.NoError(t, store.Deactivate(ctx, d, "NotRegistered"))
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Register invalidates even when Redis fails", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedDeviceStore(mockDB, mockCache, time.Hour, newLogger())

		mockDB.On("Register", ctx, d).Return(d, nil)
		mockCache.On("Del", ctx, key).Return(errors.New("redis down"))

		got, err := store.Register(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, d, got)
		mockCache.AssertExpectations(t)
	})

	t.Run("Failed writes leave the cache alone", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedDeviceStore(mockDB, mockCache, time.Hour, newLogger())

		mockDB.On("Deactivate", ctx, d, "NotRegistered").Return(errors.New("db down"))

		err := store.Deactivate(ctx, d, "NotRegistered")
		assert.Error(t, err)
		mockCache.AssertNotCalled(t, "Del", mock.Anything, mock.Anything)
	})
}
