package web

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/power-meter/internal/hlw"
	"github.com/sweeney/power-meter/internal/status"
)

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		DeviceID:    "kitchen",
		LoopMs:      10,
		PublishMs:   10000,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		HTTPPort:    ":80",
	}
	tr := status.NewTracker(start, cfg)
	srv := New(":0", tr)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func sampleReadings() hlw.Readings {
	return hlw.Readings{
		Power:         1500.5,
		Voltage:       230.1,
		Current:       6.52,
		PowerFactor:   0.99,
		EnergyTotal:   12.5,
		EnergyPartial: 0.25,
		Pulses:        hlw.Counters{5000, 100},
		Mode:          hlw.ModeCurrent,
	}
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(sampleReadings(), true)
	tr.SetMQTTConnected(true)

	resp, body := get(t, ts.URL+"/index.json")

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.Unmarshal([]byte(body), &sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q, want tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
	}
	if sj.Status.Meter.Power == nil || *sj.Status.Meter.Power != 1500.5 {
		t.Errorf("Power: got %v, want 1500.5", sj.Status.Meter.Power)
	}
	if sj.Status.Meter.EnergyPartial != 0.25 {
		t.Errorf("EnergyPartial: got %v, want 0.25", sj.Status.Meter.EnergyPartial)
	}
	if sj.Status.Config.PublishMs != 10000 {
		t.Errorf("Config.PublishMs: got %d, want 10000", sj.Status.Config.PublishMs)
	}
}

func TestJSONBeforeFirstReading(t *testing.T) {
	ts, _ := newTestServer(t)

	_, body := get(t, ts.URL+"/index.json")

	var sj status.StatusJSON
	if err := json.Unmarshal([]byte(body), &sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if sj.Status.Ready {
		t.Error("expected Ready=false before the engine runs")
	}
	if sj.Status.Meter.Power == nil || *sj.Status.Meter.Power != 0 {
		t.Errorf("Power: got %v, want 0", sj.Status.Meter.Power)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	_, body := get(t, ts.URL+"/index.json")

	var sj status.StatusJSON
	json.Unmarshal([]byte(body), &sj)

	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t)
	r := sampleReadings()
	r.Voltage = math.NaN()
	tr.Update(r, true)

	resp, body := get(t, ts.URL+"/")

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	for _, want := range []string{"1500.5 W", "n/a V", "6.520 A", "12.500 kWh", "kitchen"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := get(t, ts.URL+"/index.html")

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := get(t, ts.URL+"/nonexistent")

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(sampleReadings(), true)
	tr.SetMQTTConnected(true)
	tr.SetMQTTQueue(4, 1)

	resp, body := get(t, ts.URL+"/metrics")

	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	for _, want := range []string{
		"power_meter_power_watts 1500.5",
		"power_meter_voltage_volts 230.1",
		`power_meter_energy_kwh{counter="total"} 12.5`,
		`power_meter_energy_kwh{counter="partial"} 0.25`,
		`power_meter_energy_pulses_total{counter="total"} 5000`,
		"power_meter_voltage_mode 0",
		"power_meter_running 1",
		"power_meter_mqtt_connected 1",
		"power_meter_mqtt_queued_messages 4",
		"power_meter_mqtt_dropped_messages_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	_, body := get(t, ts.URL+"/index.json")
	var sj1 status.StatusJSON
	json.Unmarshal([]byte(body), &sj1)
	if sj1.Status.Ready {
		t.Error("expected Ready=false initially")
	}

	r := sampleReadings()
	r.Noisy = true
	tr.Update(r, true)
	tr.SetMQTTConnected(true)

	_, body = get(t, ts.URL+"/index.json")
	var sj2 status.StatusJSON
	json.Unmarshal([]byte(body), &sj2)

	if !sj2.Status.Ready {
		t.Error("expected Ready=true after update")
	}
	if !sj2.Status.Meter.Noisy {
		t.Error("expected Noisy=true after update")
	}
	if !sj2.Status.MQTT.Connected {
		t.Error("expected MQTT connected after update")
	}
}

func TestHealthTracksEngine(t *testing.T) {
	ts, tr := newTestServer(t)

	resp, body := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("before start: got %d, want 503", resp.StatusCode)
	}
	if body != "stopped\n" {
		t.Errorf("body: got %q, want %q", body, "stopped\n")
	}

	tr.Update(sampleReadings(), true)
	resp, body = get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("running: got %d, want 200", resp.StatusCode)
	}
	if body != "ok\n" {
		t.Errorf("body: got %q, want %q", body, "ok\n")
	}

	tr.Update(sampleReadings(), false)
	resp, _ = get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("after shutdown: got %d, want 503", resp.StatusCode)
	}
}

func TestReadingsAreNotCached(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/", "/index.json", "/healthz"} {
		resp, _ := get(t, ts.URL+path)
		if got := resp.Header.Get("Cache-Control"); got != "no-store" {
			t.Errorf("%s Cache-Control: got %q, want no-store", path, got)
		}
	}
}

func TestWritesRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/index.json", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
	if got := resp.Header.Get("Allow"); got != "GET, HEAD" {
		t.Errorf("Allow: got %q, want %q", got, "GET, HEAD")
	}
}

func TestServeStopsWithContext(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{DeviceID: "kitchen"})
	srv := New("127.0.0.1:0", tr)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	tr.Update(sampleReadings(), true)
	resp, _ := get(t, "http://"+ln.Addr().String()+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: got %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
