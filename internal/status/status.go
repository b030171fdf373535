// Package status provides a thread-safe status tracker for the power-meter daemon.
// It is read by the HTTP handlers and used to build MQTT status events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/power-meter/internal/hlw"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	DeviceID    string
	LoopMs      int64
	PublishMs   int64
	HeartbeatMs int64
	Broker      string
	HTTPPort    string
	Console     string
}

// MQTTInfo reports the publisher side of the daemon.
type MQTTInfo struct {
	Connected bool
	Queued    int
	Dropped   uint64
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Readings  hlw.Readings
	Running   bool
	StartTime time.Time
	Now       time.Time
	MQTT      MQTTInfo
	Network   *NetworkInfo
	Config    Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update stores the latest engine readings.
// Called from runLoop after every engine pass that publishes.
func (t *Tracker) Update(r hlw.Readings, running bool) {
	t.mu.Lock()
	t.snap.Readings = r
	t.snap.Running = running
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTT.Connected = connected
	t.mu.Unlock()
}

// SetMQTTQueue records the offline queue depth and lifetime drops.
func (t *Tracker) SetMQTTQueue(queued int, dropped uint64) {
	t.mu.Lock()
	t.snap.MQTT.Queued = queued
	t.snap.MQTT.Dropped = dropped
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
