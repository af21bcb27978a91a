// Package dispatcher sends messages through a gateway and reconciles device
// state with the outcome before returning to the caller.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-gcm-device-service/internal/reconcile"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

// Reconciler applies a send outcome to device state.
type Reconciler interface {
	Reconcile(ctx context.Context, registrationIDs []string, resp *gcm.SendResponse) error
}

// Dispatcher implements device.MessageSender.
type Dispatcher struct {
	gateway    dispatch.GatewayClient
	reconciler Reconciler
	store      dispatch.DeviceStore
	logger     *slog.Logger
}

var _ device.MessageSender = (*Dispatcher)(nil)

// New wires a dispatcher whose reconciliation engine uses the same store.
func New(gateway dispatch.GatewayClient, store dispatch.DeviceStore, policy reconcile.Policy, logger *slog.Logger) *Dispatcher {
	return NewWithReconciler(gateway, reconcile.NewEngine(store, policy, logger), store, logger)
}

func NewWithReconciler(gateway dispatch.GatewayClient, reconciler Reconciler, store dispatch.DeviceStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		gateway:    gateway,
		reconciler: reconciler,
		store:      store,
		logger:     logger.With("component", "Dispatcher"),
	}
}

// Send delivers payload to registrationIDs and reconciles the response.
//
// A gateway error is returned unmodified. If the gateway delivered some chunks
// before failing, those results are reconciled first. When reconciliation of a
// complete send fails the gateway response is still returned alongside the error.
func (d *Dispatcher) Send(ctx context.Context, registrationIDs []string, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error) {
	if len(registrationIDs) == 0 {
		d.logger.Debug("Send skipped: no registration ids")
		return nil, nil
	}

	resp, err := d.gateway.Send(ctx, registrationIDs, payload, collapseKey)
	if err != nil {
		if resp != nil && len(resp.Results) > 0 {
			d.reconcilePartial(ctx, registrationIDs, resp)
		}
		return nil, err
	}

	d.logger.Debug("Gateway responded",
		"recipients", len(registrationIDs),
		"success", resp.Success,
		"failure", resp.Failure,
	)

	if err := d.reconciler.Reconcile(ctx, registrationIDs, resp); err != nil {
		return resp, fmt.Errorf("reconcile failed: %w", err)
	}
	return resp, nil
}

// reconcilePartial retires dead registrations from the delivered prefix before
// the caller retries the whole send.
func (d *Dispatcher) reconcilePartial(ctx context.Context, registrationIDs []string, resp *gcm.SendResponse) {
	delivered := registrationIDs[:min(len(resp.Results), len(registrationIDs))]
	d.logger.Warn("Gateway failed after partial delivery",
		"delivered", len(delivered),
		"recipients", len(registrationIDs),
	)
	if err := d.reconciler.Reconcile(ctx, delivered, resp); err != nil {
		d.logger.Error("Reconcile of partial delivery failed", "err", err)
	}
}

// SendToDevice sends to a single device.
func (d *Dispatcher) SendToDevice(ctx context.Context, dev device.Device, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error) {
	return dev.SendMessage(ctx, d, payload, collapseKey)
}

// SendToDevices sends to a pre-filtered collection in its given order.
// An empty collection returns (nil, nil).
func (d *Dispatcher) SendToDevices(ctx context.Context, devices []device.Device, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error) {
	return device.Devices(devices).SendMessage(ctx, d, payload, collapseKey)
}

// SendToFilter sends to every active device selected by filter.
// No matching devices returns (nil, nil).
func (d *Dispatcher) SendToFilter(ctx context.Context, filter device.Filter, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error) {
	ids, err := d.store.ListActiveRegistrationIDs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list active registrations: %w", err)
	}
	if len(ids) == 0 {
		d.logger.Info("No active devices matched filter; nothing sent.")
		return nil, nil
	}
	return d.Send(ctx, ids, payload, collapseKey)
}
