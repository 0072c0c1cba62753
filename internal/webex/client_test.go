package webex

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		BaseURL: server.URL + "/",
		Token:   "bot-token",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		client, err := NewClient(ClientConfig{Token: "x"})
		require.NoError(t, err)
		assert.Equal(t, DefaultBaseURL, client.baseURL)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := NewClient(ClientConfig{BaseURL: "http://localhost"})
		assert.Error(t, err)
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{BaseURL: "://invalid", Token: "x"})
		assert.Error(t, err)
	})
}

func TestCreateMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "Bearer bot-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "room-1", body["roomId"])
		assert.Equal(t, "**hello**", body["markdown"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg-1","roomId":"room-1","markdown":"**hello**"}`))
	})

	message, err := client.CreateMessage(context.Background(), "room-1", "**hello**")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", message.ID)
	assert.Equal(t, "room-1", message.RoomID)
}

func TestCreateMessageRequiresRoom(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	})

	assert.Error(t, client.PostMessage(context.Background(), "", "text"))
}

func TestAPIErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		message   string
		retryable bool
	}{
		{"not found", http.StatusNotFound, `{"message":"Could not find a room with provided ID.","trackingId":"ROUTER_1"}`, "Could not find a room with provided ID.", false},
		{"unauthorized", http.StatusUnauthorized, `not json`, "not json", false},
		{"rate limited", http.StatusTooManyRequests, `{"message":"Too Many Requests"}`, "Too Many Requests", true},
		{"server error", http.StatusBadGateway, ``, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			err := client.PostMessage(context.Background(), "room-1", "text")
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.status, apiErr.StatusCode)
			assert.Equal(t, tc.message, apiErr.Message)
			assert.Equal(t, tc.retryable, apiErr.Retryable())
		})
	}
}

func TestAPIErrorString(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "gone", TrackingID: "T1"}
	assert.Equal(t, "webex: 404 gone (tracking id T1)", err.Error())
}
