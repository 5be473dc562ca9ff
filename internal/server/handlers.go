// Package server provides the HTTP API devices talk to: heartbeat ingestion,
// sensor configuration pulls, command acknowledgements, and the externally
// scheduled offline sweep.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"greenhouse.dev/pulse/internal/heartbeat"
	"greenhouse.dev/pulse/internal/registry"
	"greenhouse.dev/pulse/internal/sweeper"
	"greenhouse.dev/pulse/pkg/deviceid"
	"greenhouse.dev/pulse/pkg/keyhash"
	"greenhouse.dev/pulse/pkg/metrics"
)

// maxBodyBytes caps heartbeat and ack request bodies. Device payloads are a
// few hundred bytes at most.
const maxBodyBytes = 64 * 1024

// HeartbeatProcessor handles one heartbeat request.
type HeartbeatProcessor interface {
	Process(ctx context.Context, legacyUUID, compositeID, presentedKey string, body []byte) (*heartbeat.Result, error)
}

// SweepRunner executes one offline sweep.
type SweepRunner interface {
	Run(ctx context.Context) (int64, error)
}

// DeviceStore is the registry surface the config and ack endpoints need.
type DeviceStore interface {
	FindByIdentifier(ctx context.Context, id deviceid.Identifier) (*registry.Device, error)
	SensorConfigs(ctx context.Context, deviceID string) ([]registry.SensorConfig, error)
	AckCommand(ctx context.Context, commandID string, success bool, errorMessage string) error
}

// APIConfig holds the configuration for the API.
type APIConfig struct {
	Logger  *slog.Logger
	Service HeartbeatProcessor
	Sweeper SweepRunner
	Store   DeviceStore

	// Metrics is optional.
	Metrics *metrics.ServerMetrics
}

// API implements the HTTP handlers for the heartbeat service.
type API struct {
	logger  *slog.Logger
	service HeartbeatProcessor
	sweeper SweepRunner
	store   DeviceStore
	metrics *metrics.ServerMetrics
}

// NewAPI creates a new API instance.
func NewAPI(cfg *APIConfig) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Service == nil {
		return nil, errors.New("heartbeat service cannot be nil")
	}
	if cfg.Sweeper == nil {
		return nil, errors.New("sweeper cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	return &API{
		logger:  cfg.Logger,
		service: cfg.Service,
		sweeper: cfg.Sweeper,
		store:   cfg.Store,
		metrics: cfg.Metrics,
	}, nil
}

// Routes configures the HTTP routes.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)

	mux.HandleFunc("POST /api/v1/heartbeat", a.handleHeartbeat)
	mux.HandleFunc("OPTIONS /api/v1/heartbeat", a.handlePreflight)
	mux.HandleFunc("POST /api/v1/sweep", a.handleSweep)
	mux.HandleFunc("GET /api/v1/devices/{id}/config", a.handleDeviceConfig)
	mux.HandleFunc("POST /api/v1/commands/ack", a.handleCommandAck)

	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// heartbeatResponse is the success body for an accepted heartbeat.
type heartbeatResponse struct {
	Success       bool             `json:"success"`
	DeviceID      string           `json:"device_id"`
	Status        string           `json:"status"`
	ConfigVersion int              `json:"config_version"`
	Timestamp     string           `json:"timestamp"`
	Command       *commandResponse `json:"command,omitempty"`
}

// commandResponse is a pending command attached to a heartbeat response.
type commandResponse struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// errorResponse is the body for every rejected request.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// setCORSHeaders opens the API to any origin. Devices and the dashboard call
// it from arbitrary networks.
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "content-type, x-device-uuid, x-composite-device-id, x-device-key")
}

// handlePreflight answers CORS preflight requests.
func (a *API) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports service liveness.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHeartbeat ingests one device heartbeat.
func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		// Oversized or unreadable bodies are treated like malformed
		// telemetry: the heartbeat itself still counts.
		body = nil
	}

	result, err := a.service.Process(
		r.Context(),
		r.Header.Get("x-device-uuid"),
		r.Header.Get("x-composite-device-id"),
		r.Header.Get("x-device-key"),
		body,
	)
	if a.metrics != nil {
		a.metrics.HeartbeatDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		a.writeHeartbeatError(w, err)
		return
	}

	a.countHeartbeat("accepted")
	if a.metrics != nil {
		if result.FirstContact {
			a.metrics.FirstContactsTotal.Inc()
		}
		if result.Command != nil {
			a.metrics.CommandsDelivered.Inc()
		}
	}

	response := heartbeatResponse{
		Success:       true,
		DeviceID:      result.DeviceID,
		Status:        result.Status,
		ConfigVersion: result.ConfigVersion,
		Timestamp:     result.Timestamp.Format(time.RFC3339),
	}
	if result.Command != nil {
		response.Command = &commandResponse{
			ID:   result.Command.CommandID,
			Type: result.Command.Type,
		}
		if json.Valid([]byte(result.Command.Payload)) {
			response.Command.Payload = json.RawMessage(result.Command.Payload)
		}
	}

	a.writeJSON(w, http.StatusOK, response)
}

// writeHeartbeatError maps protocol errors onto HTTP statuses: 400 for
// malformed input, 401 for auth failures, 404 for unknown devices, 500 for
// storage failures.
func (a *API) writeHeartbeatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deviceid.ErrMissingIdentifier):
		a.countHeartbeat("missing_identifier")
		a.writeError(w, http.StatusBadRequest, "Missing device identifier", err)
	case errors.Is(err, deviceid.ErrInvalidFormat):
		a.countHeartbeat("invalid_identifier")
		a.writeError(w, http.StatusBadRequest, "Invalid device identifier format", err)
	case errors.Is(err, heartbeat.ErrMissingCredential):
		a.countHeartbeat("missing_credential")
		a.writeError(w, http.StatusUnauthorized, "Missing device key", err)
	case errors.Is(err, heartbeat.ErrCredentialMismatch):
		a.countHeartbeat("credential_mismatch")
		a.writeError(w, http.StatusUnauthorized, "Invalid device key", err)
	case errors.Is(err, registry.ErrDeviceNotFound):
		a.countHeartbeat("not_found")
		a.writeError(w, http.StatusNotFound, "Device not found", err)
	case errors.Is(err, heartbeat.ErrTelemetryWriteFailed):
		a.countHeartbeat("storage_error")
		a.writeError(w, http.StatusInternalServerError, "Failed to record telemetry", err)
	default:
		a.countHeartbeat("storage_error")
		a.logger.Error("heartbeat processing failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

// sweepResponse is the success body for a sweep run.
type sweepResponse struct {
	Processed        int64  `json:"processed"`
	ThresholdSeconds int    `json:"threshold_seconds"`
	Timestamp        string `json:"timestamp"`
}

// handleSweep runs one offline sweep on behalf of the external scheduler.
func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	processed, err := a.sweeper.Run(r.Context())
	if err != nil {
		if a.metrics != nil {
			a.metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		}
		a.logger.Error("sweep run failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "offline sweep failed",
		})
		return
	}

	if a.metrics != nil {
		a.metrics.SweepRunsTotal.WithLabelValues("success").Inc()
		a.metrics.SweptDevicesTotal.Add(float64(processed))
	}

	a.writeJSON(w, http.StatusOK, sweepResponse{
		Processed:        processed,
		ThresholdSeconds: int(sweeper.Threshold / time.Second),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	})
}

// sensorConfigResponse is one sensor slot in the config endpoint's response.
type sensorConfigResponse struct {
	SensorType string `json:"sensor_type"`
	PortID     string `json:"port_id"`
	Name       string `json:"name,omitempty"`
}

// deviceConfigResponse is the body of the config pull endpoint.
type deviceConfigResponse struct {
	DeviceID      string                 `json:"device_id"`
	ConfigVersion int                    `json:"config_version"`
	Sensors       []sensorConfigResponse `json:"sensors"`
}

// handleDeviceConfig serves a device's full sensor configuration. Devices
// call it after a heartbeat reports a newer config_version.
func (a *API) handleDeviceConfig(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	rawID := r.PathValue("id")
	var (
		id  deviceid.Identifier
		err error
	)
	if deviceid.IsComposite(rawID) {
		id, err = deviceid.Parse("", rawID)
	} else {
		id, err = deviceid.Parse(rawID, "")
	}
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid device identifier format", err)
		return
	}

	device, err := a.store.FindByIdentifier(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			a.writeError(w, http.StatusNotFound, "Device not found", err)
			return
		}
		a.logger.Error("device lookup failed", "device_id", rawID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	key := r.Header.Get("x-device-key")
	if key == "" {
		a.writeError(w, http.StatusUnauthorized, "Missing device key", nil)
		return
	}
	if !device.Registered() || !keyhash.Equal(*device.KeyDigest, keyhash.Digest(key)) {
		a.writeError(w, http.StatusUnauthorized, "Invalid device key", nil)
		return
	}

	configs, err := a.store.SensorConfigs(r.Context(), device.CanonicalID())
	if err != nil {
		a.logger.Error("sensor config lookup failed", "device_id", rawID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "Failed to load sensor configuration", nil)
		return
	}

	response := deviceConfigResponse{
		DeviceID:      device.CanonicalID(),
		ConfigVersion: device.ConfigVersion,
		Sensors:       make([]sensorConfigResponse, 0, len(configs)),
	}
	for _, c := range configs {
		response.Sensors = append(response.Sensors, sensorConfigResponse{
			SensorType: c.SensorType,
			PortID:     c.PortID,
			Name:       c.Name,
		})
	}

	a.writeJSON(w, http.StatusOK, response)
}

// commandAckRequest is the body devices post after executing a command.
type commandAckRequest struct {
	CommandID    string `json:"command_id"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// handleCommandAck records a device's command execution result.
func (a *API) handleCommandAck(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	var ack commandAckRequest
	if err := json.Unmarshal(body, &ack); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if ack.CommandID == "" {
		a.writeError(w, http.StatusBadRequest, "Missing command_id", nil)
		return
	}

	if err := a.store.AckCommand(r.Context(), ack.CommandID, ack.Success, ack.ErrorMessage); err != nil {
		if errors.Is(err, registry.ErrCommandNotFound) {
			a.writeError(w, http.StatusNotFound, "Command not found", err)
			return
		}
		a.logger.Error("command ack failed", "command_id", ack.CommandID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "Failed to acknowledge command", nil)
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) countHeartbeat(outcome string) {
	if a.metrics != nil {
		a.metrics.HeartbeatsTotal.WithLabelValues(outcome).Inc()
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string, err error) {
	response := errorResponse{Success: false, Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	a.logger.Debug("request rejected",
		"status", strconv.Itoa(status),
		"error", message,
	)
	a.writeJSON(w, status, response)
}
