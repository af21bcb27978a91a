package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-gcm-device-service/internal/reconcile"
	"github.com/tinywideclouds/go-gcm-device-service/internal/storage/memory"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockDeviceStore struct {
	mock.Mock
}

func (m *mockDeviceStore) FindByRegistrationIDs(ctx context.Context, ids []string) ([]device.Device, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]device.Device), args.Error(1)
}

func (m *mockDeviceStore) Deactivate(ctx context.Context, d device.Device, reason string) error {
	return m.Called(ctx, d, reason).Error(0)
}

func (m *mockDeviceStore) ListActiveRegistrationIDs(ctx context.Context, filter device.Filter) ([]string, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]string), args.Error(1)
}

func activeDevice(id string) device.Device {
	return device.Device{DeviceID: "dev-" + id, RegistrationID: id, IsActive: true}
}

func TestEngine_Reconcile(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()

	t.Run("No failures never touches the store", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)

		// Even a permanent error in the results is ignored when failure == 0.
		resp := &gcm.SendResponse{
			Success: 1,
			Failure: 0,
			Results: []gcm.Result{{MessageID: "m1"}, {Error: gcm.ErrorNotRegistered}},
		}

		require.NoError(t, engine.Reconcile(ctx, []string{"A", "B"}, resp))
		store.AssertNotCalled(t, "FindByRegistrationIDs", mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "Deactivate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Nil response is a no-op", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)

		require.NoError(t, engine.Reconcile(ctx, []string{"A"}, nil))
		store.AssertNotCalled(t, "FindByRegistrationIDs", mock.Anything, mock.Anything)
	})

	t.Run("Classifies by position", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)
		b := activeDevice("B")

		store.On("FindByRegistrationIDs", ctx, []string{"B"}).Return([]device.Device{b}, nil)
		store.On("Deactivate", ctx, b, gcm.ErrorNotRegistered).Return(nil)

		resp := &gcm.SendResponse{
			Success: 1,
			Failure: 2,
			Results: []gcm.Result{{MessageID: "m1"}, {Error: gcm.ErrorNotRegistered}, {Error: "QuotaExceeded"}},
		}

		require.NoError(t, engine.Reconcile(ctx, []string{"A", "B", "C"}, resp))
		store.AssertExpectations(t)
		store.AssertNumberOfCalls(t, "Deactivate", 1)
	})

	t.Run("Non-permanent codes never deactivate", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)

		resp := &gcm.SendResponse{
			Failure: 2,
			Results: []gcm.Result{{Error: gcm.ErrorMessageTooBig}, {Error: gcm.ErrorUnavailable}},
		}

		require.NoError(t, engine.Reconcile(ctx, []string{"A", "B"}, resp))
		store.AssertNotCalled(t, "FindByRegistrationIDs", mock.Anything, mock.Anything)
	})

	t.Run("Pairs reasons by registration ID not store order", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)
		a, b, c := activeDevice("A"), activeDevice("B"), activeDevice("C")

		// Store returns the devices in reverse order.
		store.On("FindByRegistrationIDs", ctx, []string{"A", "B", "C"}).Return([]device.Device{c, b, a}, nil)
		store.On("Deactivate", ctx, a, gcm.ErrorInvalidRegistration).Return(nil)
		store.On("Deactivate", ctx, b, gcm.ErrorNotRegistered).Return(nil)
		store.On("Deactivate", ctx, c, gcm.ErrorMismatchSenderID).Return(nil)

		resp := &gcm.SendResponse{
			Failure: 3,
			Results: []gcm.Result{
				{Error: gcm.ErrorInvalidRegistration},
				{Error: gcm.ErrorNotRegistered},
				{Error: gcm.ErrorMismatchSenderID},
			},
		}

		require.NoError(t, engine.Reconcile(ctx, []string{"A", "B", "C"}, resp))
		store.AssertExpectations(t)
	})

	t.Run("Missing devices are skipped", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)

		store.On("FindByRegistrationIDs", ctx, []string{"gone"}).Return([]device.Device{}, nil)

		resp := &gcm.SendResponse{Failure: 1, Results: []gcm.Result{{Error: gcm.ErrorNotRegistered}}}

		require.NoError(t, engine.Reconcile(ctx, []string{"gone"}, resp))
		store.AssertNotCalled(t, "Deactivate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Already inactive devices are left alone", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)
		inactive := device.Device{DeviceID: "dev-A", RegistrationID: "A", IsActive: false}

		store.On("FindByRegistrationIDs", ctx, []string{"A"}).Return([]device.Device{inactive}, nil)

		resp := &gcm.SendResponse{Failure: 1, Results: []gcm.Result{{Error: gcm.ErrorNotRegistered}}}

		require.NoError(t, engine.Reconcile(ctx, []string{"A"}, resp))
		store.AssertNotCalled(t, "Deactivate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("A store failure does not block other devices", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)
		a, b := activeDevice("A"), activeDevice("B")
		writeErr := errors.New("write conflict")

		store.On("FindByRegistrationIDs", ctx, []string{"A", "B"}).Return([]device.Device{a, b}, nil)
		store.On("Deactivate", ctx, a, gcm.ErrorNotRegistered).Return(writeErr)
		store.On("Deactivate", ctx, b, gcm.ErrorNotRegistered).Return(nil)

		resp := &gcm.SendResponse{
			Failure: 2,
			Results: []gcm.Result{{Error: gcm.ErrorNotRegistered}, {Error: gcm.ErrorNotRegistered}},
		}

		err := engine.Reconcile(ctx, []string{"A", "B"}, resp)

		require.Error(t, err)
		assert.ErrorIs(t, err, writeErr)
		assert.Contains(t, err.Error(), "dev-A")
		store.AssertExpectations(t)
	})

	t.Run("Lookup failure is returned", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)
		lookupErr := errors.New("db down")

		store.On("FindByRegistrationIDs", ctx, []string{"A"}).Return(nil, lookupErr)

		resp := &gcm.SendResponse{Failure: 1, Results: []gcm.Result{{Error: gcm.ErrorNotRegistered}}}

		err := engine.Reconcile(ctx, []string{"A"}, resp)
		assert.ErrorIs(t, err, lookupErr)
	})

	t.Run("Short result list only zips the common prefix", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)
		a := activeDevice("A")

		store.On("FindByRegistrationIDs", ctx, []string{"A"}).Return([]device.Device{a}, nil)
		store.On("Deactivate", ctx, a, gcm.ErrorNotRegistered).Return(nil)

		resp := &gcm.SendResponse{Failure: 1, Results: []gcm.Result{{Error: gcm.ErrorNotRegistered}}}

		require.NoError(t, engine.Reconcile(ctx, []string{"A", "B"}, resp))
		store.AssertExpectations(t)
	})

	t.Run("Duplicate registration IDs are looked up once", func(t *testing.T) {
		store := new(mockDeviceStore)
		engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), logger)
		a := activeDevice("A")

		store.On("FindByRegistrationIDs", ctx, []string{"A"}).Return([]device.Device{a}, nil)
		store.On("Deactivate", ctx, a, gcm.ErrorNotRegistered).Return(nil).Once()

		resp := &gcm.SendResponse{
			Failure: 2,
			Results: []gcm.Result{{Error: gcm.ErrorNotRegistered}, {Error: gcm.ErrorNotRegistered}},
		}

		require.NoError(t, engine.Reconcile(ctx, []string{"A", "A"}, resp))
		store.AssertExpectations(t)
	})
}

func TestEngine_WithMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(activeDevice("A"), activeDevice("B"), activeDevice("C"))
	engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(), newTestLogger())

	resp := &gcm.SendResponse{
		Success: 1,
		Failure: 2,
		Results: []gcm.Result{{MessageID: "m1"}, {Error: gcm.ErrorNotRegistered}, {Error: "QuotaExceeded"}},
	}
	require.NoError(t, engine.Reconcile(ctx, []string{"A", "B", "C"}, resp))

	for id, wantActive := range map[string]bool{"dev-A": true, "dev-B": false, "dev-C": true} {
		d, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, wantActive, d.IsActive, id)
	}
	b, _ := store.Get(ctx, "dev-B")
	assert.Equal(t, gcm.ErrorNotRegistered, b.DeactivationReason)
}

func TestPolicy(t *testing.T) {
	t.Run("Default closed set", func(t *testing.T) {
		p := reconcile.DefaultPolicy()
		assert.True(t, p.IsPermanent(gcm.ErrorInvalidRegistration))
		assert.True(t, p.IsPermanent(gcm.ErrorNotRegistered))
		assert.True(t, p.IsPermanent(gcm.ErrorMismatchSenderID))
		assert.False(t, p.IsPermanent(gcm.ErrorMessageTooBig))
		assert.False(t, p.IsPermanent(""))
	})

	t.Run("Configured codes replace the default", func(t *testing.T) {
		p := reconcile.NewPolicy([]string{" NotRegistered ", "MessageTooBig", ""})
		assert.Equal(t, []string{"MessageTooBig", "NotRegistered"}, p.Codes())
		assert.False(t, p.IsPermanent(gcm.ErrorInvalidRegistration))
	})

	t.Run("Blank configuration falls back to the default", func(t *testing.T) {
		p := reconcile.NewPolicy([]string{"", "  "})
		assert.ElementsMatch(t, reconcile.DefaultInvalidErrorCodes, p.Codes())
	})
}
