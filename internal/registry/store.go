package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"greenhouse.dev/pulse/pkg/deviceid"
)

var (
	// ErrDeviceNotFound is returned when no device matches the supplied identifier.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrCommandNotFound is returned when an acknowledged command id is unknown.
	ErrCommandNotFound = errors.New("command not found")
)

// Store provides registry persistence operations on top of GORM.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore creates a new Store on top of an open database handle. Callers
// validate the handle and logger when opening the connection.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// FindByIdentifier resolves a validated identifier to a device row.
// Returns ErrDeviceNotFound when no row matches.
func (s *Store) FindByIdentifier(ctx context.Context, id deviceid.Identifier) (*Device, error) {
	var device Device

	query := s.db.WithContext(ctx)
	switch id.Kind {
	case deviceid.KindComposite:
		query = query.Where("composite_id = ?", id.Value)
	default:
		query = query.Where("device_uuid = ?", id.Value)
	}

	if err := query.First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}

	return &device, nil
}

// FindByID reloads a device row by primary key.
func (s *Store) FindByID(ctx context.Context, id uint) (*Device, error) {
	var device Device
	if err := s.db.WithContext(ctx).First(&device, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to load device %d: %w", id, err)
	}
	return &device, nil
}

// CreateDevice inserts a new device row. Registration itself happens outside
// the heartbeat path; this exists for provisioning tools and tests.
func (s *Store) CreateDevice(ctx context.Context, device *Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}
	if device.Status == "" {
		device.Status = StatusOffline
	}
	if device.ConfigVersion == 0 {
		device.ConfigVersion = 1
	}
	if err := s.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

// ClaimKeyDigest performs the one-shot first-contact key registration.
// The update is conditioned on key_digest still being null so that concurrent
// first contacts cannot overwrite an already-claimed digest; the second writer
// sees claimed=false and must re-read the row and verify instead.
func (s *Store) ClaimKeyDigest(ctx context.Context, deviceID uint, digest string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ? AND key_digest IS NULL", deviceID).
		Update("key_digest", digest)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim key digest: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RecordHeartbeat appends one immutable heartbeat event row.
func (s *Store) RecordHeartbeat(ctx context.Context, event *HeartbeatEvent) error {
	if event == nil {
		return errors.New("heartbeat event cannot be nil")
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to record heartbeat event: %w", err)
	}
	return nil
}

// TouchLiveness marks a device online and stamps last_seen_at. Firmware
// version and hostname are updated only when the heartbeat carried them.
func (s *Store) TouchLiveness(ctx context.Context, deviceID uint, seenAt time.Time, firmwareVersion, hostname *string) error {
	updates := map[string]interface{}{
		"status":       StatusOnline,
		"last_seen_at": seenAt,
	}
	if firmwareVersion != nil {
		updates["firmware_version"] = *firmwareVersion
	}
	if hostname != nil {
		updates["hostname"] = *hostname
	}

	result := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ?", deviceID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update device liveness: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// SweepOffline flips every online device whose last_seen_at is strictly older
// than cutoff to offline in a single bulk update, and returns how many rows
// changed. The update either commits for all matched rows or for none.
func (s *Store) SweepOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("status = ? AND last_seen_at < ?", StatusOnline, cutoff).
		Update("status", StatusOffline)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to sweep stale devices: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// SensorConfigs returns a device's sensor configuration rows ordered by port.
func (s *Store) SensorConfigs(ctx context.Context, deviceID string) ([]SensorConfig, error) {
	var configs []SensorConfig
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("port_id").
		Find(&configs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sensor configs: %w", err)
	}
	return configs, nil
}

// ReplaceSensorConfigs swaps a device's sensor configuration and bumps the
// device's config_version, all in one transaction. Devices observe the new
// version on their next heartbeat and re-pull the configuration.
func (s *Store) ReplaceSensorConfigs(ctx context.Context, device *Device, configs []SensorConfig) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}

	canonical := device.CanonicalID()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", canonical).Delete(&SensorConfig{}).Error; err != nil {
			return fmt.Errorf("failed to clear sensor configs: %w", err)
		}
		for i := range configs {
			configs[i].DeviceID = canonical
			configs[i].ID = 0
		}
		if len(configs) > 0 {
			if err := tx.Create(&configs).Error; err != nil {
				return fmt.Errorf("failed to insert sensor configs: %w", err)
			}
		}
		result := tx.Model(&Device{}).
			Where("id = ?", device.ID).
			Update("config_version", gorm.Expr("config_version + 1"))
		if result.Error != nil {
			return fmt.Errorf("failed to bump config version: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrDeviceNotFound
		}
		return nil
	})
}

// NextPendingCommand pops the oldest pending command for a device, marking it
// delivered. Returns (nil, nil) when the queue is empty.
func (s *Store) NextPendingCommand(ctx context.Context, deviceID string) (*DeviceCommand, error) {
	var command DeviceCommand
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, CommandPending).
		Order("created_at").
		First(&command).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load pending command: %w", err)
	}

	result := s.db.WithContext(ctx).
		Model(&DeviceCommand{}).
		Where("id = ? AND status = ?", command.ID, CommandPending).
		Update("status", CommandDelivered)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to mark command delivered: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost a race with a concurrent heartbeat; treat as empty queue.
		return nil, nil
	}

	command.Status = CommandDelivered
	return &command, nil
}

// EnqueueCommand queues an administrative command for a device.
func (s *Store) EnqueueCommand(ctx context.Context, command *DeviceCommand) error {
	if command == nil {
		return errors.New("command cannot be nil")
	}
	if command.Status == "" {
		command.Status = CommandPending
	}
	if err := s.db.WithContext(ctx).Create(command).Error; err != nil {
		return fmt.Errorf("failed to enqueue command: %w", err)
	}
	return nil
}

// AckCommand records a device's execution result for a delivered command.
func (s *Store) AckCommand(ctx context.Context, commandID string, success bool, errorMessage string) error {
	status := CommandAcked
	if !success {
		status = CommandFailed
	}

	result := s.db.WithContext(ctx).
		Model(&DeviceCommand{}).
		Where("command_id = ?", commandID).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to acknowledge command: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCommandNotFound
	}
	return nil
}
