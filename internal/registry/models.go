// Package registry provides the persistent device registry backed by PostgreSQL.
//
// It owns the device rows (identity, key digest, liveness, config version),
// the immutable heartbeat event log, per-device sensor configuration, and the
// pending command queue consumed through heartbeat responses.
package registry

import (
	"time"
)

// Device status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Command lifecycle states.
const (
	CommandPending   = "pending"
	CommandDelivered = "delivered"
	CommandAcked     = "acked"
	CommandFailed    = "failed"
)

// Command types understood by device firmware.
const (
	CommandTypeReset          = "reset"
	CommandTypeWiFiUpdate     = "wifi_update"
	CommandTypeFirmwareUpdate = "firmware_update"
)

// Device represents a registered greenhouse controller.
//
// A device is identified by either a legacy UUID or a composite
// project-scoped identifier; at least one must be set. KeyDigest is nil until
// the device's first authenticated contact and never changes through the
// heartbeat path afterwards.
type Device struct {
	DeviceUUID      *string    `gorm:"uniqueIndex"`
	CompositeID     *string    `gorm:"uniqueIndex"`
	KeyDigest       *string
	Name            string
	FirmwareVersion string
	Hostname        string
	Status          string     `gorm:"not null;default:offline;index:idx_status_last_seen"`
	ConfigVersion   int        `gorm:"not null;default:1"`
	LastSeenAt      *time.Time `gorm:"index:idx_status_last_seen"`
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
	ID              uint       `gorm:"primaryKey"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// CanonicalID returns the identifier reported back to the device: the
// composite identifier when present, the legacy UUID otherwise.
func (d *Device) CanonicalID() string {
	if d.CompositeID != nil && *d.CompositeID != "" {
		return *d.CompositeID
	}
	if d.DeviceUUID != nil {
		return *d.DeviceUUID
	}
	return ""
}

// Registered reports whether the device has completed first-contact key
// registration.
func (d *Device) Registered() bool {
	return d.KeyDigest != nil && *d.KeyDigest != ""
}

// HeartbeatEvent is one accepted heartbeat. Rows are append-only; nothing in
// this subsystem updates or deletes them.
type HeartbeatEvent struct {
	Timestamp       time.Time `gorm:"index:idx_hb_device_timestamp;index:idx_hb_timestamp;not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	DeviceID        string    `gorm:"index:idx_hb_device_timestamp;not null"`
	RSSI            *int
	FirmwareVersion *string
	IPAddress       *string
	Hostname        *string
	ID              uint `gorm:"primaryKey"`
}

// TableName specifies the table name for HeartbeatEvent model.
func (HeartbeatEvent) TableName() string {
	return "heartbeat_events"
}

// SensorConfig is one sensor slot in a device's cloud-managed configuration.
type SensorConfig struct {
	DeviceID   string    `gorm:"index:idx_sensor_device;not null"`
	SensorType string    `gorm:"not null"`
	PortID     string    `gorm:"not null"`
	Name       string
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
	ID         uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for SensorConfig model.
func (SensorConfig) TableName() string {
	return "sensor_configs"
}

// DeviceCommand is an administrative command queued for a device. Commands
// ride along on heartbeat responses one at a time and are acknowledged through
// a separate endpoint.
type DeviceCommand struct {
	CommandID    string    `gorm:"uniqueIndex;not null"`
	DeviceID     string    `gorm:"index:idx_cmd_device_status;not null"`
	Type         string    `gorm:"not null"`
	Payload      string
	Status       string    `gorm:"not null;default:pending;index:idx_cmd_device_status"`
	ErrorMessage string
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
	ID           uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for DeviceCommand model.
func (DeviceCommand) TableName() string {
	return "device_commands"
}
