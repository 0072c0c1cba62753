// Package webex posts markdown messages to Webex Teams rooms through the
// messages REST API.
package webex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public Webex API endpoint.
const DefaultBaseURL = "https://webexapis.com"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the API root. Empty selects DefaultBaseURL.
	BaseURL string
	// Token is the bot access token sent as a bearer credential.
	Token string
	// HTTPClient is used for all requests. If nil, a client with a 15s timeout is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client talks to the Webex messages API as one bot.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient validates config and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("webex: Token is required")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("webex: invalid BaseURL %q: %w", baseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Message is the subset of the message resource this service reads back.
type Message struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	Markdown string `json:"markdown,omitempty"`
	Created  string `json:"created,omitempty"`
}

type createMessageRequest struct {
	RoomID   string `json:"roomId"`
	Markdown string `json:"markdown"`
}

// CreateMessage posts markdown to roomID and returns the created message.
func (c *Client) CreateMessage(ctx context.Context, roomID, markdown string) (*Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("webex: room id is required")
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/messages", createMessageRequest{
		RoomID:   roomID,
		Markdown: markdown,
	})
	if err != nil {
		return nil, fmt.Errorf("webex: create message failed: %w", err)
	}

	var message Message
	if err := json.Unmarshal(body, &message); err != nil {
		return nil, fmt.Errorf("webex: failed to parse message response: %w", err)
	}

	c.logger.Debug("posted webex message", "room_id", roomID, "message_id", message.ID)
	return &message, nil
}

// PostMessage posts markdown to roomID, discarding the created message.
func (c *Client) PostMessage(ctx context.Context, roomID, markdown string) error {
	_, err := c.CreateMessage(ctx, roomID, markdown)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("webex: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("webex: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+c.token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("webex: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("webex: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	apiErr := &APIError{
		StatusCode: response.StatusCode,
		TrackingID: response.Header.Get("Trackingid"),
	}
	if jsonErr := json.Unmarshal(responseBody, apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(responseBody))
	}
	return nil, apiErr
}
