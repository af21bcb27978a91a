package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

// Engine deactivates devices whose registration IDs the gateway reported as
// permanently invalid. It holds no per-call state.
type Engine struct {
	store  dispatch.DeviceStore
	policy Policy
	logger *slog.Logger
}

func NewEngine(store dispatch.DeviceStore, policy Policy, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		policy: policy,
		logger: logger.With("component", "ReconcileEngine"),
	}
}

// Reconcile inspects resp, whose results are aligned by index with
// registrationIDs, and deactivates every device holding an ID rejected with a
// permanent error. Store failures for individual devices are joined and
// returned after all candidates have been attempted.
func (e *Engine) Reconcile(ctx context.Context, registrationIDs []string, resp *gcm.SendResponse) error {
	if resp == nil || resp.Failure == 0 {
		return nil
	}

	ids, reasons := e.invalidRegistrations(registrationIDs, resp.Results)
	if len(ids) == 0 {
		return nil
	}

	devices, err := e.store.FindByRegistrationIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to look up invalid registrations: %w", err)
	}
	if len(devices) < len(ids) {
		e.logger.Debug("Some invalid registrations have no device", "requested", len(ids), "found", len(devices))
	}

	var errs []error
	for _, d := range devices {
		reason, ok := reasons[d.RegistrationID]
		if !ok {
			continue
		}
		if !d.IsActive {
			e.logger.Debug("Device already inactive", "device_id", d.DeviceID)
			continue
		}
		if err := e.store.Deactivate(ctx, d, reason); err != nil {
			e.logger.Error("Failed to deactivate device", "device_id", d.DeviceID, "reason", reason, "err", err)
			errs = append(errs, fmt.Errorf("deactivate device %s: %w", d.DeviceID, err))
			continue
		}
		e.logger.Info("Device deactivated", "device_id", d.DeviceID, "reason", reason)
	}
	return errors.Join(errs...)
}

// invalidRegistrations zips IDs and results by position and keeps the
// permanently invalid ones in request order, plus the error code per ID.
func (e *Engine) invalidRegistrations(registrationIDs []string, results []gcm.Result) ([]string, map[string]string) {
	n := len(registrationIDs)
	if len(results) != n {
		e.logger.Warn("Result count does not match request",
			"requested", len(registrationIDs),
			"results", len(results),
		)
		n = min(n, len(results))
	}

	var ids []string
	reasons := make(map[string]string)
	for i := 0; i < n; i++ {
		code := results[i].Error
		if !e.policy.IsPermanent(code) {
			continue
		}
		id := registrationIDs[i]
		if _, seen := reasons[id]; !seen {
			ids = append(ids, id)
		}
		reasons[id] = code
	}
	return ids, reasons
}
