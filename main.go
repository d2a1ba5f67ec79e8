package main

import (
	"context"
	"flag"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/cepro/powerguard/cloudmirror"
	"github.com/cepro/powerguard/config"
	"github.com/cepro/powerguard/platform"
	"github.com/cepro/powerguard/priority"
	"github.com/cepro/powerguard/store"
	"github.com/cepro/powerguard/supervisor"
	"github.com/google/uuid"
)

const meterEventPeriod = time.Second * 2

func main() {

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	var configFilePath string
	flag.StringVar(&configFilePath, "f", "./config.json", "Specify config file path")
	flag.Parse()

	slog.Info("Starting", "config_file", configFilePath)

	cfg, err := config.Read(configFilePath)
	if err != nil {
		slog.Error("Failed to read config", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	// When embedded into a host automation app the app supplies the real
	// platform.Platform; this binary drives the engine against an emulated
	// installation so the whole control loop can be exercised end to end.
	plat := platform.NewEmulated()
	meterID, lampID, chargerID := buildEmulatedInstallation(plat)

	st, err := store.New(plat, cfg.Store.DbPath, cfg.Store.BackupPath, logger)
	if err != nil {
		slog.Error("Failed to open settings store", "error", err)
		return
	}

	var mirror *cloudmirror.Client
	if cfg.CloudMirror.Enabled {
		anonKey := config.CloudMirrorAnonKey()
		if anonKey == "" {
			slog.Error("Cloud mirror enabled but POWERGUARD_CLOUD_ANON_KEY is not set")
			return
		}
		mirror = cloudmirror.New(cfg.CloudMirror.Url, anonKey, config.CloudMirrorUserKey(), cfg.CloudMirror.Schema, cfg.CloudMirror.Table)
	}

	sup := supervisor.New(plat, plat, platform.NewEmulatedVirtualDevice(), st, mirror)

	seedDemoSettings(sup, meterID, lampID, chargerID)

	if err := sup.Start(ctx); err != nil {
		slog.Error("Failed to start supervisor", "error", err)
		return
	}
	go sup.Run(ctx)

	go driveEmulatedMeter(ctx, plat, meterID)

	// periodically log what the settings UI would show
	go func() {
		statusTicker := time.NewTicker(time.Second * 30)
		defer statusTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-statusTicker.C:
				status := sup.Status()
				slog.Info("status",
					"power_w", status.CurrentPowerW,
					"limit_w", status.LimitW,
					"over_limit_count", status.OverLimitCount,
					"mitigated", len(status.MitigatedDevices),
					"monthly_kw", status.EffektTariff.MonthlyKW,
					"tier", status.EffektTariff.Tier.Label,
				)
			}
		}
	}()

	// wait for a ctrl-c interrupt before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan

	// cancel any open go-routines and give them up to 100ms to gracefully shutdown
	cancel()
	time.Sleep(time.Millisecond * 100)

	slog.Info("Exiting")
	os.Exit(0)
}

// buildEmulatedInstallation registers a HAN meter, a space heater on onoff
// control and an Easee-like EV charger with the emulated platform.
func buildEmulatedInstallation(plat *platform.Emulated) (meterID, lampID, chargerID uuid.UUID) {
	meterID = uuid.New()
	plat.AddDevice(platform.Device{
		ID:           meterID,
		Name:         "HAN meter",
		Class:        "meter",
		Manufacturer: "Tibber",
		Capabilities: []string{"measure_power", "measure_current.L1", "measure_current.L2", "measure_current.L3"},
	}, platform.Snapshot{
		"measure_power":      0.0,
		"measure_current.L1": 0.0,
		"measure_current.L2": 0.0,
		"measure_current.L3": 0.0,
	})

	lampID = uuid.New()
	plat.AddDevice(platform.Device{
		ID:           lampID,
		Name:         "Hallway heater",
		Class:        "heater",
		Capabilities: []string{"onoff", "measure_power"},
	}, platform.Snapshot{"onoff": true, "measure_power": 800.0})

	chargerID = uuid.New()
	plat.AddDevice(platform.Device{
		ID:           chargerID,
		Name:         "Garage charger",
		Class:        "evcharger",
		Capabilities: []string{"onoff", "target_charger_current", "target_circuit_current", "charger_status", "measure_power", "measure_current.offered"},
	}, platform.Snapshot{
		"onoff":                   true,
		"target_charger_current":  16.0,
		"charger_status":          "charging",
		"measure_power":           7000.0,
		"measure_current.offered": 16.0,
	})

	return meterID, lampID, chargerID
}

// seedDemoSettings installs a priority list covering the emulated devices if
// no settings have been persisted yet.
func seedDemoSettings(sup *supervisor.Supervisor, meterID, lampID, chargerID uuid.UUID) {
	settings := store.DefaultSettings()
	meter := meterID.String()
	settings.SelectedMeterDeviceID = &meter
	settings.PriorityList = []priority.Entry{
		{DeviceID: lampID, Name: "Hallway heater", Priority: 1, Action: priority.ActionOnoff, Enabled: true},
		{DeviceID: chargerID, Name: "Garage charger", Priority: 2, Action: priority.ActionDynamicCurrent, Enabled: true, CircuitLimitA: 32, ChargerPhases: 3},
	}
	sup.SeedSettings(settings)
}

// driveEmulatedMeter pushes a slowly-oscillating household load through the
// emulated meter so the pipeline, charger controller and mitigation engine
// all see realistic movement.
func driveEmulatedMeter(ctx context.Context, plat *platform.Emulated, meterID uuid.UUID) {
	readingTicker := time.NewTicker(meterEventPeriod)
	defer readingTicker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-readingTicker.C:
			elapsed := t.Sub(start).Seconds()
			baseW := 4000 + 3500*math.Sin(elapsed/120)
			phaseA := baseW / 3 / 230
			plat.SetValue(meterID, "measure_current.L1", phaseA)
			plat.SetValue(meterID, "measure_current.L2", phaseA*0.9)
			plat.SetValue(meterID, "measure_current.L3", phaseA*1.1)
			plat.SetValue(meterID, "measure_power", baseW)
		}
	}
}
