package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

// PushRequestTransformer is a dataflow Transformer that unmarshals and
// validates a raw message payload into a PushRequest.
//
// Invalid messages are reported with skip=true so the StreamingService can
// hand them to the dead-letter path instead of retrying forever.
func PushRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*PushRequest, bool, error) {
	var req PushRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal push request from message %s: %w", msg.ID, err)
	}
	if len(req.Data) == 0 {
		return nil, true, fmt.Errorf("push request in message %s: %w", msg.ID, errEmptyData)
	}
	if req.Limit < 0 {
		return nil, true, fmt.Errorf("push request in message %s: negative limit %d", msg.ID, req.Limit)
	}
	if req.CollapseKey == "" {
		req.CollapseKey = gcm.DefaultCollapseKey
	}
	return &req, false, nil
}

var errEmptyData = errors.New("data payload is empty")
