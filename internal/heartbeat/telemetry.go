package heartbeat

import "encoding/json"

// Telemetry holds the optional fields a device may attach to a heartbeat.
// Nil means the field was absent or malformed in the request.
type Telemetry struct {
	// RSSI is whole dBm, matching what the radio firmware reports; a
	// fractional value in the request truncates toward zero.
	RSSI            *int
	FirmwareVersion *string
	IPAddress       *string
	Hostname        *string
}

// DecodeTelemetry parses an optional heartbeat body permissively.
//
// Devices in the field send anything from an empty body to partially
// well-formed JSON, so decoding never fails: a field of the wrong type is
// treated as absent, and a body that is not a JSON object yields empty
// telemetry.
func DecodeTelemetry(body []byte) Telemetry {
	var t Telemetry

	if len(body) == 0 {
		return t
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return t
	}

	if v, ok := raw["rssi"]; ok {
		var rssi float64
		if err := json.Unmarshal(v, &rssi); err == nil {
			n := int(rssi)
			t.RSSI = &n
		}
	}
	t.FirmwareVersion = stringField(raw, "fw_version")
	t.IPAddress = stringField(raw, "ip_address")
	t.Hostname = stringField(raw, "device_hostname")

	return t
}

func stringField(raw map[string]json.RawMessage, key string) *string {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil
	}
	return &s
}
