package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

// Broadcaster delivers a payload to every active device matching a filter.
// A non-nil response alongside an error means delivery happened but
// reconciliation did not complete.
type Broadcaster interface {
	SendToFilter(ctx context.Context, filter device.Filter, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error)
}

// NewProcessor creates the logic that handles the fan-out of a push request.
func NewProcessor(
	broadcaster Broadcaster,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[PushRequest] {

	return func(ctx context.Context, original messagepipeline.Message, request *PushRequest) error {
		procLogger := logger.With(
			"pubsub_msg_id", original.ID,
			"collapse_key", request.CollapseKey,
		)

		resp, err := broadcaster.SendToFilter(ctx, request.Filter(), request.Data, request.CollapseKey)
		if err != nil && resp == nil {
			procLogger.Error("Push delivery failed", "err", err)
			return err // Retryable
		}
		if err != nil {
			// The push went out; redelivering the message would send it twice.
			procLogger.Warn("Delivered but reconciliation incomplete", "err", err)
		}
		if resp == nil {
			procLogger.Info("No active devices matched; dropping push.")
			return nil
		}

		procLogger.Info("Push delivered",
			"success", resp.Success,
			"failure", resp.Failure,
			"canonical_ids", resp.CanonicalIDs,
			"errors", resp.ErrorCounts(),
		)
		return nil
	}
}
