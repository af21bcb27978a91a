package gcmhttp_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-gcm-device-service/internal/platform/gcmhttp"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

type capturedRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Data            map[string]string `json:"data"`
	CollapseKey     string            `json:"collapse_key"`
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGateway_Send(t *testing.T) {
	ctx := context.Background()
	payload := gcm.Payload{"title": "hello"}

	t.Run("Decodes aligned results", func(t *testing.T) {
		var got capturedRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "key=secret", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

			_, _ = w.Write([]byte(`{"multicast_id":42,"success":1,"failure":2,"canonical_ids":0,
				"results":[{"message_id":"m1"},{"error":"NotRegistered"},{"error":"Unavailable"}]}`))
		}))
		defer server.Close()

		gateway := gcmhttp.NewGateway(gcmhttp.Config{Endpoint: server.URL, ServerKey: "secret"}, newTestLogger())

		resp, err := gateway.Send(ctx, []string{"A", "B", "C"}, payload, "news")

		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, got.RegistrationIDs)
		assert.Equal(t, "news", got.CollapseKey)
		assert.Equal(t, "hello", got.Data["title"])

		assert.Equal(t, int64(42), resp.MulticastID)
		assert.Equal(t, 2, resp.Failure)
		assert.Equal(t, []gcm.Result{
			{MessageID: "m1"},
			{Error: gcm.ErrorNotRegistered},
			{Error: gcm.ErrorUnavailable},
		}, resp.Results)
	})

	t.Run("Splits into batches", func(t *testing.T) {
		var mu sync.Mutex
		var batches [][]string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req capturedRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			mu.Lock()
			batches = append(batches, req.RegistrationIDs)
			mu.Unlock()

			resp := gcm.SendResponse{Success: len(req.RegistrationIDs)}
			for _, id := range req.RegistrationIDs {
				resp.Results = append(resp.Results, gcm.Result{MessageID: "msg-" + id})
			}
			_ = json.NewEncoder(w).Encode(resp)
		}))
		defer server.Close()

		gateway := gcmhttp.NewGateway(gcmhttp.Config{Endpoint: server.URL, BatchSize: 2}, newTestLogger())

		resp, err := gateway.Send(ctx, []string{"A", "B", "C"}, payload, "news")

		require.NoError(t, err)
		assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, batches)
		assert.Equal(t, 3, resp.Success)
		assert.Equal(t, "msg-C", resp.Results[2].MessageID)
	})

	t.Run("Later batch failure returns the delivered prefix", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n > 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"success":1,"failure":1,"results":[{"message_id":"m1"},{"error":"NotRegistered"}]}`))
		}))
		defer server.Close()

		gateway := gcmhttp.NewGateway(gcmhttp.Config{Endpoint: server.URL, BatchSize: 2}, newTestLogger())

		resp, err := gateway.Send(ctx, []string{"A", "B", "C"}, payload, "news")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
		require.NotNil(t, resp)
		assert.Equal(t, []gcm.Result{{MessageID: "m1"}, {Error: gcm.ErrorNotRegistered}}, resp.Results)
	})

	t.Run("Non-200 is a transport failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		gateway := gcmhttp.NewGateway(gcmhttp.Config{Endpoint: server.URL}, newTestLogger())

		resp, err := gateway.Send(ctx, []string{"A"}, payload, "news")

		require.Error(t, err)
		assert.Nil(t, resp)
		assert.Contains(t, err.Error(), "401")
	})

	t.Run("Result count mismatch is a malformed response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":1,"failure":0,"results":[{"message_id":"m1"}]}`))
		}))
		defer server.Close()

		gateway := gcmhttp.NewGateway(gcmhttp.Config{Endpoint: server.URL}, newTestLogger())

		_, err := gateway.Send(ctx, []string{"A", "B"}, payload, "news")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "malformed response")
	})

	t.Run("Garbage body is a malformed response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}))
		defer server.Close()

		gateway := gcmhttp.NewGateway(gcmhttp.Config{Endpoint: server.URL}, newTestLogger())

		_, err := gateway.Send(ctx, []string{"A"}, payload, "news")
		assert.ErrorContains(t, err, "malformed response")
	})
}
