package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/db"
	"github.com/thatsimonsguy/instrument-controller/internal/api"
	"github.com/thatsimonsguy/instrument-controller/internal/config"
	"github.com/thatsimonsguy/instrument-controller/internal/controllers/failsafecontroller"
	"github.com/thatsimonsguy/instrument-controller/internal/datadog"
	"github.com/thatsimonsguy/instrument-controller/internal/device"
	"github.com/thatsimonsguy/instrument-controller/internal/gpio"
	"github.com/thatsimonsguy/instrument-controller/internal/influx"
	"github.com/thatsimonsguy/instrument-controller/internal/logging"
	"github.com/thatsimonsguy/instrument-controller/internal/mqtt"
	"github.com/thatsimonsguy/instrument-controller/internal/notifications"
	"github.com/thatsimonsguy/instrument-controller/internal/runner"
	"github.com/thatsimonsguy/instrument-controller/internal/telemetry"
	"github.com/thatsimonsguy/instrument-controller/system/shutdown"
	"github.com/thatsimonsguy/instrument-controller/system/startup"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	if cfg.InstallService {
		if err := startup.Install(&cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to install services")
		}
		log.Info().
			Str("boot_script", cfg.Service.BootScript).
			Str("unit", cfg.Service.MainServicePath).
			Msg("Services installed")
		return
	}

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Int("pdus", len(cfg.PDUs)).
		Int("stage_buses", len(cfg.Stages)).
		Int("cameras", len(cfg.Cameras)).
		Msg("Starting instrument controller")

	gpio.SetSafeMode(cfg.SafeMode)
	if cfg.SafeMode {
		log.Warn().Msg("SAFE MODE ENABLED, relay GPIO writes are disabled system-wide")
	}

	if err := gpio.ValidateStartupPins(cfg.RelayPins()); err != nil {
		log.Fatal().Err(err).Msg("Refusing to drive relay board due to unsafe pin states")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		shutdown.ShutdownWithError(&cfg, err, "Failed to open database")
		return
	}
	// Shutdown exits the process, so deferred calls would never run.
	var closers []func()
	closers = append(closers, func() { conn.Close() })

	notifications.Init(cfg.NtfyTopic)
	if cfg.Datadog.Enabled {
		datadog.InitMetrics(cfg.Datadog.Addr, cfg.Datadog.Namespace, cfg.Datadog.Tags)
	}

	recOpts := []telemetry.Option{telemetry.WithDB(conn)}
	if notifications.Enabled() {
		recOpts = append(recOpts, telemetry.WithNotifier(notifications.Send))
	}
	if cfg.Influx.Enabled() {
		ic, err := influx.Connect(cfg.Influx)
		if err != nil {
			log.Warn().Err(err).Msg("InfluxDB unavailable, continuing without it")
		} else {
			closers = append(closers, func() { ic.Close() })
			recOpts = append(recOpts, telemetry.WithInflux(ic))
		}
	}
	rec := telemetry.New(recOpts...)

	devices, pdus, err := buildDevices(&cfg)
	if err != nil {
		shutdown.ShutdownWithError(&cfg, err, "Failed to configure devices")
		return
	}
	for _, dev := range devices.All() {
		rec.Attach(dev)
	}

	if cfg.MQTT.Broker != "" {
		mc, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			log.Warn().Err(err).Msg("MQTT broker unavailable, continuing without it")
		} else {
			closers = append(closers, mc.Close)
			for _, dev := range devices.All() {
				if err := mc.Attach(dev.Properties()); err != nil {
					log.Warn().Err(err).Str("device", dev.Name()).Msg("Failed to attach device to MQTT")
				}
			}
		}
	}

	switchers := make(map[string]failsafecontroller.Switcher, len(pdus))
	for name, pdu := range pdus {
		switchers[name] = pdu
	}
	fsOpts := []failsafecontroller.Option{}
	if notifications.Enabled() {
		fsOpts = append(fsOpts, failsafecontroller.WithNotifier(notifications.Send))
	}
	failsafe, err := failsafecontroller.New(&cfg, devices, switchers, fsOpts...)
	if err != nil {
		shutdown.ShutdownWithError(&cfg, err, "Failed to configure failsafe")
		return
	}
	go failsafe.Run(ctx)

	server := api.NewServer(devices, conn)
	go func() {
		if err := server.Start(ctx, cfg.APIListen); err != nil {
			log.Error().Err(err).Msg("REST API server stopped")
		}
	}()

	runner.RunAll(ctx, devices,
		runner.WithLoopPause(cfg.LoopPause),
		runner.WithObserver(rec.Observe),
		runner.WithExitHandler(func(dev device.Device, err error) {
			if err != nil {
				log.Error().Err(err).Str("device", dev.Name()).Msg("Device loop ended")
			}
		}),
	)

	log.Info().Msg("Stopping instrument controller")
	for name, pdu := range pdus {
		if err := pdu.AllOff(); err != nil {
			log.Warn().Err(err).Str("device", name).Msg("Failed to sequence channels off")
		}
	}
	if err := devices.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close devices")
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	shutdown.Shutdown(&cfg)
}
