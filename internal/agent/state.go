// Package agent implements the device-side half of the heartbeat protocol: a
// periodic heartbeat loop, pull-based configuration sync, and execution of
// server-issued commands. It stands in for the greenhouse controller firmware
// on hosts that run Linux instead of a microcontroller.
package agent

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"greenhouse.dev/pulse/pkg/keyhash"
)

// SensorSlot is one locally applied sensor configuration entry.
type SensorSlot struct {
	SensorType string `yaml:"sensor_type"`
	PortID     string `yaml:"port_id"`
	Name       string `yaml:"name,omitempty"`
}

// State is the agent's persistent cache: the device key minted on first run
// and the last configuration applied. It mirrors what firmware keeps in flash.
type State struct {
	DeviceKey     string       `yaml:"device_key"`
	ConfigVersion int          `yaml:"config_version"`
	Sensors       []SensorSlot `yaml:"sensors,omitempty"`
}

// LoadState reads the cached state from path. When the file does not exist a
// fresh state is returned with a newly generated device key and config
// version zero, which forces a sync on the first heartbeat.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			key, err := keyhash.NewKey()
			if err != nil {
				return nil, fmt.Errorf("failed to generate device key: %w", err)
			}
			return &State{DeviceKey: key}, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.DeviceKey == "" {
		return nil, errors.New("state file has no device key")
	}

	return &state, nil
}

// SaveState writes the state to path. The file holds the device key, so it is
// created owner-readable only.
func SaveState(path string, state *State) error {
	if state == nil {
		return errors.New("state cannot be nil")
	}

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}
