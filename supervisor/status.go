package supervisor

import (
	"time"

	"github.com/cepro/powerguard/charger"
	"github.com/cepro/powerguard/energy"
	"github.com/cepro/powerguard/mitigation"
	"github.com/cepro/powerguard/priority"
	"github.com/cepro/powerguard/store"
	"github.com/google/uuid"
)

// EvChargerStatus is one entry of the status payload's evChargers list.
type EvChargerStatus struct {
	DeviceID      uuid.UUID
	Name          string
	PowerW        float64
	IsCharging    bool
	Status        string // idle|connected|waiting|completed|charging|dynamic|paused
	ChargerStatus string
	CurrentA      *float64
	CircuitLimitA float64
	Confirmed     bool
	Reliability   float64
	OfferedCurrent float64
}

// Status is the full payload handed to the settings UI.
type Status struct {
	Enabled         bool
	Profile         store.Profile
	CurrentPowerW   float64
	LimitW          float64
	OverLimitCount  int
	MitigatedDevices []priority.MitigatedEntry
	HanConnected    bool
	HanDeviceName   string
	HanLastSeen     time.Time
	Log             []mitigation.LogEntry
	EvChargers      []EvChargerStatus
	HourlyEnergy    []energy.HourlyHistoryEntry
	EffektTariff    energy.Status
	LastMitigationScan time.Time
}

// evChargerLabel derives the status label from a charger's live telemetry,
// one of: idle, connected, waiting, completed, charging, dynamic, paused.
func evChargerLabel(live charger.EvLiveData, connected bool, mitigated bool, paused bool) string {
	switch {
	case !connected:
		return "idle"
	case paused:
		return "paused"
	case mitigated:
		return "dynamic"
	case live.ChargerStatus == "completed" || live.ChargerStatus == "4":
		return "completed"
	case live.ChargerStatus == "awaiting_start" || live.ChargerStatus == "2" || live.ChargerStatus == "WaitingForSchedule":
		return "waiting"
	case live.IsCharging:
		return "charging"
	default:
		return "connected"
	}
}
