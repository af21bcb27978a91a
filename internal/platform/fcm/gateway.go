// Package fcm adapts the Firebase Admin messaging client to the GCM multicast
// response contract.
package fcm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

// MaxMulticastTokens is the FCM limit for a single multicast call.
const MaxMulticastTokens = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Gateway struct {
	client    MessagingClient
	batchSize int
	logger    *slog.Logger
}

var _ dispatch.GatewayClient = (*Gateway)(nil)

// NewGateway accepts the concrete client but stores it as the interface.
// *messaging.Client satisfies MessagingClient. A batchSize outside
// (0, MaxMulticastTokens] is clamped to MaxMulticastTokens.
func NewGateway(client MessagingClient, batchSize int, logger *slog.Logger) *Gateway {
	if batchSize <= 0 || batchSize > MaxMulticastTokens {
		batchSize = MaxMulticastTokens
	}
	return &Gateway{
		client:    client,
		batchSize: batchSize,
		logger:    logger.With("component", "FCMGateway"),
	}
}

// Send multicasts payload to tokens. The returned results line up with tokens.
func (g *Gateway) Send(ctx context.Context, tokens []string, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error) {
	out := &gcm.SendResponse{Results: make([]gcm.Result, 0, len(tokens))}

	for _, batch := range gcm.Batch(tokens, g.batchSize) {
		resp, err := g.sendBatch(ctx, batch, payload, collapseKey)
		if err != nil {
			// Earlier chunks were delivered and a retry will resend them;
			// their results are still returned so they can be reconciled.
			if len(out.Results) > 0 {
				return out, err
			}
			return nil, err
		}
		out.Merge(resp)
	}
	return out, nil
}

func (g *Gateway) sendBatch(ctx context.Context, tokens []string, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error) {
	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   payload,
		Android: &messaging.AndroidConfig{
			CollapseKey: collapseKey,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-collapse-id": collapseKey},
		},
	}

	br, err := g.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("fcm transport failed: %w", err)
	}
	if len(br.Responses) != len(tokens) {
		return nil, fmt.Errorf("fcm returned %d responses for %d tokens", len(br.Responses), len(tokens))
	}

	resp := &gcm.SendResponse{
		Success: br.SuccessCount,
		Failure: br.FailureCount,
		Results: make([]gcm.Result, len(tokens)),
	}
	for idx, r := range br.Responses {
		if r.Success {
			resp.Results[idx] = gcm.Result{MessageID: r.MessageID}
			continue
		}
		code := errorCode(r.Error)
		if code == gcm.ErrorUnknown {
			g.logger.Warn("Unclassified FCM error", "err", r.Error)
		}
		resp.Results[idx] = gcm.Result{Error: code}
	}
	return resp, nil
}

// errorCode maps a Firebase per-token error onto the GCM error vocabulary.
func errorCode(err error) string {
	switch {
	case err == nil:
		return gcm.ErrorUnknown
	case messaging.IsUnregistered(err), messaging.IsRegistrationTokenNotRegistered(err):
		return gcm.ErrorNotRegistered
	case messaging.IsSenderIDMismatch(err):
		return gcm.ErrorMismatchSenderID
	case messaging.IsInvalidArgument(err):
		return invalidArgumentCode(err)
	case messaging.IsQuotaExceeded(err):
		return gcm.ErrorDeviceMessageRateExceeded
	case messaging.IsUnavailable(err):
		return gcm.ErrorUnavailable
	case messaging.IsInternal(err):
		return gcm.ErrorInternalServerError
	default:
		return gcm.ErrorUnknown
	}
}

// invalidArgumentCode separates a malformed token from a malformed message.
// FCM reports both as INVALID_ARGUMENT; only the former condemns the token,
// so anything else stays Unknown and is logged by the caller.
func invalidArgumentCode(err error) string {
	if strings.Contains(strings.ToLower(err.Error()), "registration token") {
		return gcm.ErrorInvalidRegistration
	}
	return gcm.ErrorUnknown
}
