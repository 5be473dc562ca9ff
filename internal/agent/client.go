package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const (
	requestTimeout = 10 * time.Second

	// Transient failures are retried a few times before the attempt counts
	// against the circuit breaker.
	maxRequestRetries = 3
)

// ErrUnauthorized is returned when the server rejects the device key.
var ErrUnauthorized = errors.New("server rejected device key")

// ErrNotFound is returned when the device is not registered on the server.
var ErrNotFound = errors.New("device not registered on server")

// apiError is a non-retryable rejection from the server.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.status, e.message)
}

// Telemetry is the optional sensor state attached to a heartbeat.
type Telemetry struct {
	RSSI            *int   `json:"rssi,omitempty"`
	FirmwareVersion string `json:"fw_version,omitempty"`
	IPAddress       string `json:"ip_address,omitempty"`
	Hostname        string `json:"device_hostname,omitempty"`
}

// Command is a server-issued command delivered on a heartbeat response.
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HeartbeatReply is the server's answer to an accepted heartbeat.
type HeartbeatReply struct {
	DeviceID      string   `json:"device_id"`
	Status        string   `json:"status"`
	ConfigVersion int      `json:"config_version"`
	Timestamp     string   `json:"timestamp"`
	Command       *Command `json:"command,omitempty"`
}

// ConfigSensor is one sensor slot in a pulled configuration.
type ConfigSensor struct {
	SensorType string `json:"sensor_type"`
	PortID     string `json:"port_id"`
	Name       string `json:"name,omitempty"`
}

// DeviceConfig is the full sensor configuration served by the config pull
// endpoint.
type DeviceConfig struct {
	DeviceID      string         `json:"device_id"`
	ConfigVersion int            `json:"config_version"`
	Sensors       []ConfigSensor `json:"sensors"`
}

// ClientConfig holds the configuration for the Client.
type ClientConfig struct {
	Logger  *slog.Logger
	BaseURL string

	// Exactly one of CompositeID and LegacyUUID identifies this device.
	CompositeID string
	LegacyUUID  string

	DeviceKey string

	// HTTPClient is optional and defaults to a client with a request timeout.
	HTTPClient *http.Client
}

// Client talks to the heartbeat server. Transient failures are retried with
// exponential backoff; repeated failures trip a circuit breaker so an
// unreachable server does not pile up blocked requests.
type Client struct {
	logger  *slog.Logger
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	baseURL string

	compositeID string
	legacyUUID  string
	deviceKey   string
}

// NewClient creates a new Client instance.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.CompositeID == "" && cfg.LegacyUUID == "" {
		return nil, errors.New("device identifier cannot be empty")
	}
	if cfg.DeviceKey == "" {
		return nil, errors.New("device key cannot be empty")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "heartbeat-server",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		logger:      cfg.Logger,
		http:        httpClient,
		breaker:     breaker,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		compositeID: cfg.CompositeID,
		legacyUUID:  cfg.LegacyUUID,
		deviceKey:   cfg.DeviceKey,
	}, nil
}

// Heartbeat sends one heartbeat and returns the server's reply.
func (c *Client) Heartbeat(ctx context.Context, telemetry Telemetry) (*HeartbeatReply, error) {
	body, err := json.Marshal(telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	var reply HeartbeatReply
	if err := c.do(ctx, http.MethodPost, "/api/v1/heartbeat", body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// FetchConfig pulls the device's full sensor configuration.
func (c *Client) FetchConfig(ctx context.Context) (*DeviceConfig, error) {
	id := c.compositeID
	if id == "" {
		id = c.legacyUUID
	}

	var config DeviceConfig
	path := fmt.Sprintf("/api/v1/devices/%s/config", url.PathEscape(id))
	if err := c.do(ctx, http.MethodGet, path, nil, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// AckCommand reports a command execution result to the server.
func (c *Client) AckCommand(ctx context.Context, commandID string, success bool, errorMessage string) error {
	body, err := json.Marshal(map[string]interface{}{
		"command_id":    commandID,
		"success":       success,
		"error_message": errorMessage,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ack: %w", err)
	}

	return c.do(ctx, http.MethodPost, "/api/v1/commands/ack", body, nil)
}

// do runs one API call through the circuit breaker, retrying transient
// failures with exponential backoff. Rejections (4xx) are permanent and fail
// immediately.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 250 * time.Millisecond
		bo.MaxElapsedTime = 30 * time.Second

		op := func() error {
			return c.request(ctx, method, path, body, out)
		}
		return nil, backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRequestRetries), ctx))
	})
	if err != nil {
		// Unwrap breaker/backoff plumbing down to the protocol error.
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			switch apiErr.status {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.message)
			}
		}
		return err
	}
	return nil
}

// request performs a single HTTP exchange.
func (c *Client) request(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-device-key", c.deviceKey)
	if c.compositeID != "" {
		req.Header.Set("x-composite-device-id", c.compositeID)
	} else {
		req.Header.Set("x-device-uuid", c.legacyUUID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		message := resp.Status
		var errBody struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errBody) == nil && errBody.Error != "" {
			message = errBody.Error
		}
		return backoff.Permanent(&apiError{status: resp.StatusCode, message: message})
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
	}

	return nil
}
