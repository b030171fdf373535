// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/sweeney/power-meter/internal/hlw"
)

// DefaultTopicPrefix is the topic root when none is configured.
const DefaultTopicPrefix = "energy/power-meter"

// Topics are the MQTT topics the meter publishes to.
type Topics struct {
	Telemetry string
	System    string
}

// NewTopics derives the topic set from a prefix.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{
		Telemetry: prefix + "/telemetry",
		System:    prefix + "/system",
	}
}

// Publisher publishes telemetry and lifecycle events to MQTT.
type Publisher interface {
	// Publish sends one telemetry sample to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(t Telemetry) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Telemetry is one sample of the meter readings. Energies are kWh.
type Telemetry struct {
	Timestamp     time.Time
	Power         float64
	EnergyTotal   float64
	EnergyPartial float64
	Voltage       float64
	Current       float64
	PowerFactor   float64
}

// TelemetryFromReadings builds a sample from engine readings.
func TelemetryFromReadings(ts time.Time, r hlw.Readings) Telemetry {
	return Telemetry{
		Timestamp:     ts,
		Power:         r.Power,
		EnergyTotal:   r.EnergyTotal,
		EnergyPartial: r.EnergyPartial,
		Voltage:       r.Voltage,
		Current:       r.Current,
		PowerFactor:   r.PowerFactor,
	}
}

// Payload represents the MQTT telemetry payload structure.
type Payload struct {
	Meter MeterPayload `json:"meter"`
}

// MeterPayload carries every value as a preformatted decimal string so the
// precision is fixed by the publisher, not the JSON encoder.
type MeterPayload struct {
	Timestamp     string `json:"timestamp"`
	Power         string `json:"power"`
	EnergyTotal   string `json:"energy_total"`
	EnergyPartial string `json:"energy_partial"`
	Voltage       string `json:"voltage"`
	Current       string `json:"current"`
	PowerFactor   string `json:"power_factor"`
}

// Base decimals per value; FormatPayload adds the configured extra digits.
const (
	decimalsPower   = 1
	decimalsEnergy  = 3
	decimalsVoltage = 1
	decimalsCurrent = 3
	decimalsPF      = 2
)

// FormatValue renders v with the given number of decimals, or "nan".
func FormatValue(v float64, decimals int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// FormatPayload creates the JSON payload for a telemetry sample.
func FormatPayload(t Telemetry, extraDigits int) ([]byte, error) {
	payload := Payload{
		Meter: MeterPayload{
			Timestamp:     t.Timestamp.UTC().Format(time.RFC3339),
			Power:         FormatValue(t.Power, decimalsPower+extraDigits),
			EnergyTotal:   FormatValue(t.EnergyTotal, decimalsEnergy+extraDigits),
			EnergyPartial: FormatValue(t.EnergyPartial, decimalsEnergy+extraDigits),
			Voltage:       FormatValue(t.Voltage, decimalsVoltage+extraDigits),
			Current:       FormatValue(t.Current, decimalsCurrent+extraDigits),
			PowerFactor:   FormatValue(t.PowerFactor, decimalsPF+extraDigits),
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
