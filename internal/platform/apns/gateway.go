// Package apns provides a gateway client for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

type Gateway struct {
	client APNSClient
	topic  string // The App Bundle ID (e.g. com.tinywide.messenger)
	logger *slog.Logger
}

var _ dispatch.GatewayClient = (*Gateway)(nil)

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	Sandbox      bool
}

// NewGateway creates a configured APNs gateway.
// It parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	client := apns2.NewTokenClient(tokenSource)
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return newGateway(client, cfg.BundleID, logger), nil
}

func newGateway(client APNSClient, topic string, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSGateway"),
	}
}

// Send pushes payload to each token in turn. APNs has no multicast endpoint,
// so the aligned result list is assembled one response at a time.
// A transport error on a single token is reported as Unavailable for that
// token; if every token fails at the transport level the last error is returned.
func (g *Gateway) Send(ctx context.Context, tokens []string, data gcm.Payload, collapseKey string) (*gcm.SendResponse, error) {
	builder := payload.NewPayload().ContentAvailable()
	for k, v := range data {
		builder.Custom(k, v)
	}

	resp := &gcm.SendResponse{Results: make([]gcm.Result, len(tokens))}
	var lastTransportErr error
	transportFailures := 0

	for idx, deviceToken := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n := &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       g.topic,
			Payload:     builder,
			CollapseID:  collapseKey,
		}

		res, err := g.client.Push(n)
		if err != nil {
			g.logger.Error("APNs transport failed", "token", deviceToken, "err", err)
			lastTransportErr = err
			transportFailures++
			resp.Failure++
			resp.Results[idx] = gcm.Result{Error: gcm.ErrorUnavailable}
			continue
		}

		if res.Sent() {
			resp.Success++
			resp.Results[idx] = gcm.Result{MessageID: res.ApnsID}
			continue
		}

		resp.Failure++
		code := reasonCode(res.Reason)
		if code == res.Reason {
			g.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
		resp.Results[idx] = gcm.Result{Error: code}
	}

	if len(tokens) > 0 && transportFailures == len(tokens) {
		return nil, fmt.Errorf("apns transport failed: %w", lastTransportErr)
	}
	return resp, nil
}

// reasonCode maps APNs rejection reasons that mean the token is dead onto the
// GCM error vocabulary. Other reasons pass through unchanged.
// See: https://developer.apple.com/documentation/usernotifications/setting_up_a_remote_notification_server/handling_notification_responses_from_apns
func reasonCode(reason string) string {
	switch reason {
	case apns2.ReasonBadDeviceToken:
		return gcm.ErrorInvalidRegistration
	case apns2.ReasonUnregistered:
		return gcm.ErrorNotRegistered
	case apns2.ReasonDeviceTokenNotForTopic:
		return gcm.ErrorMismatchSenderID
	case "":
		return gcm.ErrorUnknown
	default:
		return reason
	}
}
