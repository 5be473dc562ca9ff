// Package heartbeat implements the device heartbeat protocol: first-contact
// key registration, returning-device verification, telemetry recording, and
// liveness bookkeeping.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"greenhouse.dev/pulse/internal/registry"
	"greenhouse.dev/pulse/pkg/deviceid"
	"greenhouse.dev/pulse/pkg/keyhash"
)

// Store is the registry persistence surface the heartbeat path needs.
// *registry.Store satisfies it; tests substitute an in-memory fake.
type Store interface {
	FindByIdentifier(ctx context.Context, id deviceid.Identifier) (*registry.Device, error)
	FindByID(ctx context.Context, id uint) (*registry.Device, error)
	ClaimKeyDigest(ctx context.Context, deviceID uint, digest string) (bool, error)
	RecordHeartbeat(ctx context.Context, event *registry.HeartbeatEvent) error
	TouchLiveness(ctx context.Context, deviceID uint, seenAt time.Time, firmwareVersion, hostname *string) error
	NextPendingCommand(ctx context.Context, deviceID string) (*registry.DeviceCommand, error)
}

// Publisher pushes accepted-heartbeat events to a message queue for
// downstream dashboards. Publishing is best-effort.
type Publisher interface {
	Push(ctx context.Context, data []byte) error
}

// ServiceConfig holds the configuration for the Service.
type ServiceConfig struct {
	Logger *slog.Logger
	Store  Store

	// Publisher is optional; nil disables event publishing.
	Publisher Publisher

	// Now is the clock used for event timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Service processes heartbeat requests.
type Service struct {
	logger    *slog.Logger
	store     Store
	publisher Publisher
	now       func() time.Time
}

// NewService creates a new Service instance.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		logger:    cfg.Logger,
		store:     cfg.Store,
		publisher: cfg.Publisher,
		now:       now,
	}, nil
}

// Result is the outcome of an accepted heartbeat.
type Result struct {
	DeviceID      string
	Status        string
	ConfigVersion int
	Timestamp     time.Time

	// FirstContact reports whether this heartbeat registered the device key.
	FirstContact bool

	// Command is a pending command riding along on the response, if any.
	Command *registry.DeviceCommand
}

// Process handles one heartbeat request end to end.
//
// The presented key either registers the device (key digest still null) or
// must match the stored digest. Registration is one-shot: the digest write is
// conditioned on the column still being null, so a concurrent first contact
// that loses the race falls through to verification against the winner's
// digest.
func (s *Service) Process(ctx context.Context, legacyUUID, compositeID, presentedKey string, body []byte) (*Result, error) {
	id, err := deviceid.Parse(legacyUUID, compositeID)
	if err != nil {
		return nil, err
	}

	if presentedKey == "" {
		return nil, ErrMissingCredential
	}

	device, err := s.store.FindByIdentifier(ctx, id)
	if err != nil {
		return nil, err
	}

	digest := keyhash.Digest(presentedKey)
	firstContact := false

	if !device.Registered() {
		claimed, err := s.store.ClaimKeyDigest(ctx, device.ID, digest)
		if err != nil {
			return nil, err
		}
		if claimed {
			firstContact = true
			device.KeyDigest = &digest
			s.logger.Info("device key registered on first contact",
				"device_id", device.CanonicalID(),
			)
		} else {
			// Another first contact won the race; reload and verify.
			device, err = s.store.FindByID(ctx, device.ID)
			if err != nil {
				return nil, err
			}
		}
	}

	if !firstContact {
		if device.KeyDigest == nil || !keyhash.Equal(*device.KeyDigest, digest) {
			return nil, ErrCredentialMismatch
		}
	}

	telemetry := DecodeTelemetry(body)
	seenAt := s.now().UTC()
	canonical := device.CanonicalID()

	event := &registry.HeartbeatEvent{
		DeviceID:        canonical,
		Timestamp:       seenAt,
		RSSI:            telemetry.RSSI,
		FirmwareVersion: telemetry.FirmwareVersion,
		IPAddress:       telemetry.IPAddress,
		Hostname:        telemetry.Hostname,
	}
	if err := s.store.RecordHeartbeat(ctx, event); err != nil {
		s.logger.Error("failed to record heartbeat event",
			"device_id", canonical,
			"error", err,
		)
		return nil, ErrTelemetryWriteFailed
	}

	// Liveness bookkeeping is best-effort: the heartbeat is already durably
	// recorded, so a failed status update must not fail the request.
	if err := s.store.TouchLiveness(ctx, device.ID, seenAt, telemetry.FirmwareVersion, telemetry.Hostname); err != nil {
		s.logger.Warn("failed to update device liveness",
			"device_id", canonical,
			"error", err,
		)
	}

	command, err := s.store.NextPendingCommand(ctx, canonical)
	if err != nil {
		s.logger.Warn("failed to fetch pending command",
			"device_id", canonical,
			"error", err,
		)
		command = nil
	}

	result := &Result{
		DeviceID:      canonical,
		Status:        registry.StatusOnline,
		ConfigVersion: device.ConfigVersion,
		Timestamp:     seenAt,
		FirstContact:  firstContact,
		Command:       command,
	}

	s.publish(ctx, result, telemetry)

	return result, nil
}

// heartbeatEvent is the JSON payload published to the message queue.
type heartbeatEvent struct {
	Event           string    `json:"event"`
	DeviceID        string    `json:"device_id"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	FirstContact    bool      `json:"first_contact,omitempty"`
	RSSI            *int      `json:"rssi,omitempty"`
	FirmwareVersion *string   `json:"fw_version,omitempty"`
}

// publish pushes an accepted-heartbeat event to the queue. Errors are logged
// and swallowed; publishing can never fail a heartbeat.
func (s *Service) publish(ctx context.Context, result *Result, telemetry Telemetry) {
	if s.publisher == nil {
		return
	}

	payload, err := json.Marshal(heartbeatEvent{
		Event:           "heartbeat.accepted",
		DeviceID:        result.DeviceID,
		Status:          result.Status,
		Timestamp:       result.Timestamp,
		FirstContact:    result.FirstContact,
		RSSI:            telemetry.RSSI,
		FirmwareVersion: telemetry.FirmwareVersion,
	})
	if err != nil {
		s.logger.Error("failed to marshal heartbeat event", "error", err)
		return
	}

	if err := s.publisher.Push(ctx, payload); err != nil {
		s.logger.Warn("failed to publish heartbeat event",
			"device_id", result.DeviceID,
			"error", err,
		)
	}
}
