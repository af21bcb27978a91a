// Package gcmhttp talks to the legacy GCM/FCM HTTP endpoint, which accepts a
// registration_ids array and answers with one result per ID.
package gcmhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

const (
	DefaultEndpoint = "https://fcm.googleapis.com/fcm/send"
	// MaxRegistrationIDs is the per-request limit of the legacy endpoint.
	MaxRegistrationIDs = 1000
)

type Config struct {
	Endpoint  string
	ServerKey string
	Timeout   time.Duration
	BatchSize int
}

type Gateway struct {
	endpoint  string
	serverKey string
	batchSize int
	client    *http.Client
	logger    *slog.Logger
}

var _ dispatch.GatewayClient = (*Gateway)(nil)

func NewGateway(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxRegistrationIDs {
		cfg.BatchSize = MaxRegistrationIDs
	}
	return &Gateway{
		endpoint:  cfg.Endpoint,
		serverKey: cfg.ServerKey,
		batchSize: cfg.BatchSize,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger.With("component", "GCMHTTPGateway"),
	}
}

type sendRequest struct {
	RegistrationIDs []string    `json:"registration_ids"`
	Data            gcm.Payload `json:"data,omitempty"`
	CollapseKey     string      `json:"collapse_key,omitempty"`
}

func (g *Gateway) Send(ctx context.Context, registrationIDs []string, payload gcm.Payload, collapseKey string) (*gcm.SendResponse, error) {
	out := &gcm.SendResponse{Results: make([]gcm.Result, 0, len(registrationIDs))}

	for _, batch := range gcm.Batch(registrationIDs, g.batchSize) {
		resp, err := g.post(ctx, sendRequest{
			RegistrationIDs: batch,
			Data:            payload,
			CollapseKey:     collapseKey,
		})
		if err != nil {
			// Delivered chunks are returned with the error for reconciliation.
			if len(out.Results) > 0 {
				return out, err
			}
			return nil, err
		}
		out.Merge(resp)
	}
	return out, nil
}

func (g *Gateway) post(ctx context.Context, body sendRequest) (*gcm.SendResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gcm: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gcm: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+g.serverKey)

	res, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gcm transport failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		g.logger.Warn("GCM rejected request", "status", res.StatusCode, "body", string(snippet))
		return nil, fmt.Errorf("gcm: received status %d", res.StatusCode)
	}

	var resp gcm.SendResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("gcm: malformed response: %w", err)
	}
	if len(resp.Results) != len(body.RegistrationIDs) {
		return nil, fmt.Errorf("gcm: malformed response: %d results for %d registration ids",
			len(resp.Results), len(body.RegistrationIDs))
	}
	return &resp, nil
}
