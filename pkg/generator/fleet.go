// Package generator produces fake greenhouse fleets for load testing and
// demos.
package generator

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"greenhouse.dev/pulse/pkg/keyhash"
)

// FleetDevice is one simulated greenhouse controller.
type FleetDevice struct {
	CompositeID string
	DeviceKey   string
	Hostname    string `fake:"{adjective}-{animal}"`
	IPAddress   string `fake:"{ipv4address}"`
	Firmware    string `fake:"{appversion}"`
}

// NewProjectToken returns a random project token usable in composite device
// identifiers.
func NewProjectToken() string {
	return strings.ToUpper(gofakeit.LetterN(5))
}

// NewFleetDevice creates a simulated device for the given project and unit
// number, with a freshly minted device key.
// Note: Uses math/rand driven fake data which is acceptable for simulation.
func NewFleetDevice(project string, unit int) (*FleetDevice, error) {
	var device FleetDevice
	if err := gofakeit.Struct(&device); err != nil {
		return nil, err
	}

	key, err := keyhash.NewKey()
	if err != nil {
		return nil, err
	}

	device.CompositeID = fmt.Sprintf("%s-ESP%d", project, unit)
	device.DeviceKey = key
	return &device, nil
}

// RSSIGenerator produces WiFi signal strength readings with realistic drift.
type RSSIGenerator struct {
	baseline int
	drift    float64
}

// NewRSSIGenerator creates a generator with a random baseline in the range a
// controller a few rooms from its access point would see.
func NewRSSIGenerator() *RSSIGenerator {
	return &RSSIGenerator{
		baseline: -45 - rand.Intn(30), // -45 to -74 dBm #nosec G404 - weak random is acceptable for simulation
	}
}

// Next returns the next RSSI sample.
func (g *RSSIGenerator) Next(t time.Time) int {
	// Slow random walk so consecutive samples stay plausible
	g.drift += (rand.Float64() - 0.5) * 2
	if g.drift > 8 {
		g.drift = 8
	}
	if g.drift < -8 {
		g.drift = -8
	}

	// Nightly dip: greenhouses power irrigation pumps on the same circuit
	hour := float64(t.Hour())
	var dip float64
	if hour >= 22 || hour < 4 {
		dip = 3
	}

	noise := rand.Intn(5) - 2

	// Occasional deep fade (3% chance)
	if rand.Float64() < 0.03 {
		noise -= 10 + rand.Intn(10)
	}

	rssi := g.baseline + int(g.drift-dip) + noise
	if rssi > -20 {
		rssi = -20
	}
	if rssi < -95 {
		rssi = -95
	}
	return rssi
}
