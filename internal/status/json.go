package status

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sweeney/power-meter/internal/hlw"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	DeviceID      string       `json:"device_id,omitempty"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Meter         MeterJSON    `json:"meter"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MeterJSON is the JSON representation of the engine readings. Values that
// are not currently known are null.
type MeterJSON struct {
	Power         *float64 `json:"power"`
	Voltage       *float64 `json:"voltage"`
	Current       *float64 `json:"current"`
	PowerFactor   *float64 `json:"power_factor"`
	EnergyTotal   float64  `json:"energy_total_kwh"`
	EnergyPartial float64  `json:"energy_partial_kwh"`
	PulsesTotal   uint64   `json:"pulses_total"`
	PulsesPartial uint64   `json:"pulses_partial"`
	Mode          string   `json:"mode"`
	Selection     string   `json:"selection"`
	Noise         float64  `json:"noise"`
	Noisy         bool     `json:"noisy"`
	Calibration   string   `json:"calibration"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Queued    int    `json:"queued"`
	Dropped   uint64 `json:"dropped"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	LoopMs      int64  `json:"loop_ms"`
	PublishMs   int64  `json:"publish_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPPort    string `json:"http_port"`
	Console     string `json:"console,omitempty"`
}

// known returns nil for values JSON cannot carry.
func known(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func buildMeter(snap Snapshot) MeterJSON {
	r := snap.Readings
	return MeterJSON{
		Power:         known(r.Power),
		Voltage:       known(r.Voltage),
		Current:       known(r.Current),
		PowerFactor:   known(r.PowerFactor),
		EnergyTotal:   r.EnergyTotal,
		EnergyPartial: r.EnergyPartial,
		PulsesTotal:   r.Pulses[hlw.CounterTotal],
		PulsesPartial: r.Pulses[hlw.CounterPartial],
		Mode:          r.Mode.String(),
		Selection:     r.Selection.String(),
		Noise:         r.Noise,
		Noisy:         r.Noisy,
		Calibration:   r.Calibrating.String(),
	}
}

func buildInner(snap Snapshot) StatusInner {
	return StatusInner{
		DeviceID:      snap.Config.DeviceID,
		Ready:         snap.Running,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Meter:         buildMeter(snap),
		MQTT: MQTTStatus{
			Connected: snap.MQTT.Connected,
			Broker:    snap.Config.Broker,
			Queued:    snap.MQTT.Queued,
			Dropped:   snap.MQTT.Dropped,
		},
		Config: ConfigJSON{
			LoopMs:      snap.Config.LoopMs,
			PublishMs:   snap.Config.PublishMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			Console:     snap.Config.Console,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
