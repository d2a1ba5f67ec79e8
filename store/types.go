// Package store owns persistence: the authoritative Settings record, the
// operational state that survives a restart (mitigated devices, hourly
// energy history, daily peaks), a JSON file backup, and a capped write-retry
// queue for settings writes the host platform rejects.
package store

import (
	"time"

	"github.com/cepro/powerguard/energy"
	"github.com/cepro/powerguard/priority"
)

// VoltageSystem identifies how the installation's supply voltage is
// determined.
type VoltageSystem string

const (
	VoltageAuto   VoltageSystem = "auto"
	Voltage230V1P VoltageSystem = "230v-1phase"
	Voltage400V3P VoltageSystem = "400v-3phase"
)

// Profile identifies which effective-limit multiplier applies.
type Profile string

const (
	ProfileNormal Profile = "normal"
	ProfileStrict Profile = "strict"
	ProfileSolar  Profile = "solar"
)

// ProfileLimitFactor is the fixed per-profile multiplier on powerLimitW.
var ProfileLimitFactor = map[Profile]float64{
	ProfileNormal: 1.0,
	ProfileStrict: 0.8,
	ProfileSolar:  1.2,
}

// EffectiveLimit computes powerLimitW * PROFILE_LIMIT_FACTOR[profile].
func (s Settings) EffectiveLimit() float64 {
	factor, ok := ProfileLimitFactor[s.Profile]
	if !ok {
		factor = 1.0
	}
	return s.PowerLimitW * factor
}

// Settings is the authoritative, persisted user configuration.
type Settings struct {
	Enabled              bool
	Profile              Profile
	PowerLimitW          float64
	PhaseLimitA          [3]float64 // indices 0..2 correspond to phases 1..3
	SmoothingWindow      int
	SpikeMultiplier      float64
	HysteresisCount      int
	CooldownSeconds      int
	VoltageSystem        VoltageSystem
	PhaseDistribution    map[string]float64 // per-phase nominal load share, display/estimation only
	MainCircuitA         float64
	PriorityList         []priority.Entry
	SelectedMeterDeviceID *string
}

// DefaultSettings returns the defaults used when no persisted settings
// exist yet.
func DefaultSettings() Settings {
	return Settings{
		Enabled:         true,
		Profile:         ProfileNormal,
		PowerLimitW:     10_000,
		SmoothingWindow: 5,
		SpikeMultiplier: 2,
		HysteresisCount: 3,
		CooldownSeconds: 30,
		VoltageSystem:   VoltageAuto,
		MainCircuitA:    32,
	}
}

// PersistedState bundles the diagnostic/operational mirrors that survive a
// restart alongside Settings: _mitigatedDevices, _hourlyEnergyHistory,
// _dailyPeaks.
type PersistedState struct {
	MitigatedDevices []priority.MitigatedEntry
	HourlyHistory    []energy.HourlyHistoryEntry
	DailyPeaks       map[string]float64
	SavedAt          time.Time
}
