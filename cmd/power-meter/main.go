// Command power-meter reads an HLW8012 family energy-metering chip over GPIO
// and publishes power, voltage, current and energy to MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sweeney/power-meter/internal/config"
	"github.com/sweeney/power-meter/internal/console"
	"github.com/sweeney/power-meter/internal/gpio"
	"github.com/sweeney/power-meter/internal/hal"
	"github.com/sweeney/power-meter/internal/hlw"
	"github.com/sweeney/power-meter/internal/mqtt"
	"github.com/sweeney/power-meter/internal/status"
	"github.com/sweeney/power-meter/internal/store"
	"github.com/sweeney/power-meter/internal/web"
)

// loopInterval paces the metering loop. Edge capture is asynchronous, so
// this only bounds the latency of window closes and mode switches.
const loopInterval = 10 * time.Millisecond

// off disables a component when passed to an override flag.
const off = "off"

func main() {
	configPath := flag.String("config", "/etc/power-meter/config.yaml", "Path to YAML configuration")
	broker := flag.String("broker", "", `MQTT broker address (overrides config, "off" disables)`)
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	consolePort := flag.String("console", "", `Console serial port or "stdin" (overrides config, "off" disables)`)

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	applyOverrides(cfg, *broker, *httpAddr, *consolePort)

	if err := run(cfg, *configPath); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// applyOverrides layers non-empty flag values over the file configuration.
func applyOverrides(cfg *config.Config, broker, httpAddr, consolePort string) {
	override := func(dst *string, v string) {
		switch v {
		case "":
		case off:
			*dst = ""
		default:
			*dst = v
		}
	}
	override(&cfg.MQTT.Broker, broker)
	override(&cfg.HTTP.Addr, httpAddr)
	override(&cfg.Console.Port, consolePort)
}

func run(cfg *config.Config, configPath string) error {
	lines, err := gpio.NewRealLines(cfg.GPIO.Chip)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer lines.Close()

	// con is set once the engine exists; results arrive on the loop goroutine.
	var con *console.Console
	deps := hlw.Deps{
		Lines: lines,
		Clock: hal.NewSystemClock(),
		Store: store.NewFileStore(cfg.Energy.Path),
		OnCalibration: func(res hlw.CalResult) {
			if con != nil {
				con.ReportCalibration(res)
			}
		},
	}
	if cfg.Energy.BackupPath != "" {
		deps.Backup = store.NewFileStore(cfg.Energy.BackupPath)
	}

	engine, err := hlw.New(cfg.EngineConfig(), deps)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	if err := engine.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if _, err := engine.SetMode(cfg.Selection(), cfg.Mux.IntervalMs); err != nil {
		engine.Shutdown()
		return fmt.Errorf("set mode: %w", err)
	}

	tracker := status.NewTracker(time.Now(), status.Config{
		DeviceID:    strconv.FormatUint(uint64(cfg.DeviceID), 10),
		LoopMs:      loopInterval.Milliseconds(),
		PublishMs:   cfg.MQTT.Interval.Milliseconds(),
		HeartbeatMs: cfg.MQTT.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPPort:    cfg.HTTP.Addr,
		Console:     cfg.Console.Port,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	tracker.Update(engine.Readings(), engine.Running())

	l := &loop{
		engine:    engine,
		tracker:   tracker,
		now:       time.Now,
		heartbeat: cfg.MQTT.Heartbeat,
	}

	if cfg.MQTT.Broker != "" {
		publisher, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    "power-meter-" + strconv.FormatUint(uint64(cfg.DeviceID), 10),
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ExtraDigits: cfg.MQTT.ExtraDigits,
			BufferSize:  cfg.MQTT.Buffer,
		})
		if err != nil {
			engine.Shutdown()
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer publisher.Close()
		l.publisher = publisher
		l.mqttStatus = publisher
		l.queue = publisher
		tracker.SetMQTTConnected(publisher.IsConnected())

		// Publish startup event with full status snapshot
		snap := tracker.Snapshot()
		startupEvent := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := publisher.PublishSystem(startupEvent); err != nil {
			log.Printf("failed to publish startup event: %v", err)
		} else {
			log.Printf("published startup event")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Printf("http server error: %v", err)
			}
		}()
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}
	if cfg.Console.Port != "" {
		port, err := console.Open(cfg.Console.Port, cfg.Console.Baud)
		if err != nil {
			engine.Shutdown()
			return fmt.Errorf("init console: %w", err)
		}
		defer port.Close()
		con = console.New(engine, port, func() { persistSettings(cfg, configPath, engine) })
		l.console = con
		commands := make(chan string)
		go console.ReadLines(ctx, port, commands)
		l.commands = commands
		log.Printf("console on %s", cfg.Console.Port)
	}

	log.Printf("started: mode=%s interval=%v broker=%s heartbeat=%v",
		cfg.Mux.Mode, cfg.MQTT.Interval, cfg.MQTT.Broker, cfg.MQTT.Heartbeat)

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()
	var publishTick <-chan time.Time
	if cfg.MQTT.Interval > 0 {
		pt := time.NewTicker(cfg.MQTT.Interval)
		defer pt.Stop()
		publishTick = pt.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return l.run(ticker.C, publishTick, sigCh)
}

// persistSettings writes runtime tuning and mode changes back to the config
// file so they survive a restart.
func persistSettings(cfg *config.Config, path string, engine *hlw.Engine) {
	cfg.ApplyTunings(engine.Tunings())
	cfg.Mux.Mode = engine.Readings().Selection.String()
	cfg.Mux.IntervalMs = engine.MuxInterval()
	if err := cfg.Save(path); err != nil {
		log.Printf("config: save failed: %v", err)
		return
	}
	log.Printf("config: saved to %s", path)
}

// meter is the engine surface the loop drives.
type meter interface {
	Loop()
	Readings() hlw.Readings
	Running() bool
	Shutdown() error
}

// queueStatus reports the publisher's offline queue.
type queueStatus interface {
	Pending() (queued int, dropped uint64)
}

// loop owns the engine: every engine call happens on the goroutine running
// loop.run.
type loop struct {
	engine     meter
	publisher  mqtt.Publisher // nil disables telemetry
	mqttStatus mqtt.ConnectionStatus
	queue      queueStatus
	tracker    *status.Tracker
	console    *console.Console
	commands   <-chan string
	now        func() time.Time
	heartbeat  time.Duration

	lastHeartbeat time.Time
}

func (l *loop) run(tick, publish <-chan time.Time, sig <-chan os.Signal) error {
	l.lastHeartbeat = l.now()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}

			err := l.engine.Shutdown()
			if err != nil {
				log.Printf("engine shutdown: %v", err)
			}
			l.refresh()

			if l.publisher != nil {
				event := mqtt.SystemEvent{
					Timestamp:  l.now(),
					Event:      "SHUTDOWN",
					Reason:     signalName,
					Retained:   true,
					RawPayload: status.FormatStatusEvent(l.tracker.Snapshot(), "SHUTDOWN", signalName),
				}
				if perr := l.publisher.PublishSystem(event); perr != nil {
					log.Printf("failed to publish shutdown event: %v", perr)
				} else {
					log.Printf("published shutdown event")
				}
			}
			return err

		case line, ok := <-l.commands:
			if !ok {
				log.Printf("console: input closed")
				l.commands = nil
				continue
			}
			l.console.Handle(line)

		case <-publish:
			t := l.now()
			r := l.engine.Readings()
			if l.publisher == nil {
				continue
			}
			if err := l.publisher.Publish(mqtt.TelemetryFromReadings(t, r)); err != nil {
				log.Printf("publish error: %v", err)
				// Don't crash on publish failure
			}

		case <-tick:
			l.engine.Loop()
			l.refresh()

			t := l.now()
			if l.heartbeat > 0 && t.Sub(l.lastHeartbeat) >= l.heartbeat {
				l.lastHeartbeat = t
				l.sendHeartbeat(t)
			}
		}
	}
}

// refresh copies engine and publisher state into the tracker for the HTTP
// consumers.
func (l *loop) refresh() {
	l.tracker.Update(l.engine.Readings(), l.engine.Running())
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
	if l.queue != nil {
		l.tracker.SetMQTTQueue(l.queue.Pending())
	}
}

func (l *loop) sendHeartbeat(t time.Time) {
	r := l.engine.Readings()
	log.Printf("heartbeat: power=%.1fW energy=%.3fkWh mode=%s noisy=%v",
		r.Power, r.EnergyTotal, r.Mode, r.Noisy)
	if l.publisher == nil {
		return
	}
	// Refresh network info for heartbeat
	if net := readNetworkInfo(); net != nil {
		l.tracker.SetNetwork(net)
	}
	event := mqtt.SystemEvent{
		Timestamp:  t,
		Event:      "HEARTBEAT",
		RawPayload: status.FormatStatusEvent(l.tracker.Snapshot(), "HEARTBEAT", ""),
	}
	if err := l.publisher.PublishSystem(event); err != nil {
		log.Printf("heartbeat publish error: %v", err)
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
