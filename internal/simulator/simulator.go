// Package simulator drives a fake greenhouse fleet against a running
// heartbeat server for demos and load testing.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"greenhouse.dev/pulse/internal/agent"
	"greenhouse.dev/pulse/internal/registry"
	"greenhouse.dev/pulse/pkg/generator"
)

// Seeder creates device rows ahead of the first heartbeat. *registry.Store
// satisfies it.
type Seeder interface {
	CreateDevice(ctx context.Context, device *registry.Device) error
}

// Config holds the configuration for the Simulator.
type Config struct {
	Logger  *slog.Logger
	BaseURL string

	// Project is the fleet's project token. Randomly generated when empty.
	Project string

	// Devices is the fleet size. Defaults to 3.
	Devices int

	// Interval between heartbeat rounds. Defaults to agent.DefaultInterval.
	Interval time.Duration
}

// simDevice bundles one fake device with its API client and signal model.
type simDevice struct {
	device *generator.FleetDevice
	client *agent.Client
	rssi   *generator.RSSIGenerator
}

// Simulator sends heartbeats for a fleet of fake devices.
type Simulator struct {
	logger   *slog.Logger
	project  string
	interval time.Duration
	devices  []*simDevice
}

// New creates a new Simulator with a freshly generated fleet.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}

	project := cfg.Project
	if project == "" {
		project = generator.NewProjectToken()
	}

	count := cfg.Devices
	if count <= 0 {
		count = 3
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = agent.DefaultInterval
	}

	devices := make([]*simDevice, 0, count)
	for unit := 1; unit <= count; unit++ {
		device, err := generator.NewFleetDevice(project, unit)
		if err != nil {
			return nil, fmt.Errorf("failed to generate device: %w", err)
		}

		client, err := agent.NewClient(&agent.ClientConfig{
			Logger:      cfg.Logger,
			BaseURL:     cfg.BaseURL,
			CompositeID: device.CompositeID,
			DeviceKey:   device.DeviceKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create client for %s: %w", device.CompositeID, err)
		}

		devices = append(devices, &simDevice{
			device: device,
			client: client,
			rssi:   generator.NewRSSIGenerator(),
		})
	}

	return &Simulator{
		logger:   cfg.Logger,
		project:  project,
		interval: interval,
		devices:  devices,
	}, nil
}

// Project returns the fleet's project token.
func (s *Simulator) Project() string {
	return s.project
}

// Fleet returns the generated devices.
func (s *Simulator) Fleet() []*generator.FleetDevice {
	fleet := make([]*generator.FleetDevice, 0, len(s.devices))
	for _, d := range s.devices {
		fleet = append(fleet, d.device)
	}
	return fleet
}

// Seed registers the fleet's device rows so heartbeats find them. Keys stay
// unset; the first heartbeat from each device claims its key.
func (s *Simulator) Seed(ctx context.Context, seeder Seeder) error {
	if seeder == nil {
		return errors.New("seeder cannot be nil")
	}

	for _, d := range s.devices {
		compositeID := d.device.CompositeID
		row := &registry.Device{
			CompositeID:     &compositeID,
			Name:            d.device.Hostname,
			FirmwareVersion: d.device.Firmware,
		}
		if err := seeder.CreateDevice(ctx, row); err != nil {
			return fmt.Errorf("failed to seed device %s: %w", compositeID, err)
		}
		s.logger.Info("seeded device", "device_id", compositeID)
	}

	return nil
}

// Run sends heartbeat rounds until the context is canceled. The first round
// goes out immediately.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("starting fleet simulation",
		"project", s.project,
		"devices", len(s.devices),
		"interval", s.interval.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Round(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("fleet simulation stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Round(ctx)
		}
	}
}

// Round sends one heartbeat per device. Individual failures are logged and
// the round carries on.
func (s *Simulator) Round(ctx context.Context) {
	now := time.Now()
	for _, d := range s.devices {
		rssi := d.rssi.Next(now)
		reply, err := d.client.Heartbeat(ctx, agent.Telemetry{
			RSSI:            &rssi,
			FirmwareVersion: d.device.Firmware,
			IPAddress:       d.device.IPAddress,
			Hostname:        d.device.Hostname,
		})
		if err != nil {
			s.logger.Warn("simulated heartbeat failed",
				"device_id", d.device.CompositeID,
				"error", err,
			)
			continue
		}
		s.logger.Debug("simulated heartbeat accepted",
			"device_id", reply.DeviceID,
			"config_version", reply.ConfigVersion,
		)
	}
}
