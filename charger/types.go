// Package charger is the vendor-abstract EV charger driver: one operation,
// SetChargerCurrent, dispatched over three known control dialects, with
// command bookkeeping updated immediately around every dispatch regardless
// of whether the device has actually obeyed yet.
package charger

import (
	"time"

	"github.com/cepro/powerguard/brand"
)

// Defaults is the fixed charger parameter table.
var Defaults = struct {
	MinCurrent             float64
	MaxCurrent             float64
	StartCurrent           float64
	ConfirmationTimeout    time.Duration
	ToggleConfirmedDelay   time.Duration
	ToggleUnconfirmedDelay time.Duration
	ToggleEmergencyDelay   time.Duration
	PendingCommandGuard    time.Duration
}{
	MinCurrent:             7,
	MaxCurrent:             32,
	StartCurrent:           11,
	ConfirmationTimeout:    60 * time.Second,
	ToggleConfirmedDelay:   15 * time.Second,
	ToggleUnconfirmedDelay: 45 * time.Second,
	ToggleEmergencyDelay:   5 * time.Second,
	PendingCommandGuard:    15 * time.Second,
}

// ChargerState tracks the outcome of the last command dispatched to a
// charger, independent of whether the device has confirmed it yet.
type ChargerState struct {
	LastCommandA   *float64 // nil means the last command was a pause
	CommandTime    time.Time
	Confirmed      bool
	TimedOut       bool
	Reliability    float64 // EMA in [0,1], initial 0.5
	LastAdjustTime time.Time

	commanded bool
}

// HasCommanded reports whether any command has ever been dispatched to this
// charger. Distinguishes "never touched" from "currently paused" — both
// present as a nil LastCommandA.
func (s *ChargerState) HasCommanded() bool {
	return s.commanded
}

// NewChargerState returns a ChargerState with the neutral initial reliability.
func NewChargerState() *ChargerState {
	return &ChargerState{Reliability: 0.5}
}

// recordCommand updates the bookkeeping fields every dispatched command
// must set.
func (s *ChargerState) recordCommand(amps *float64, now time.Time) {
	s.LastCommandA = amps
	s.CommandTime = now
	s.Confirmed = false
	s.TimedOut = false
	s.commanded = true
}

// EvLiveData is the live telemetry snapshot for one charger, as reported by
// the vendor's own capabilities.
type EvLiveData struct {
	PowerW           float64
	IsCharging       bool
	ChargerStatus    string
	CarConnectedAlarm bool
	OfferedCurrent   float64
}

// easeeConnectedStatuses are the Easee chargerStatus numeric codes meaning a
// car is physically connected (awaiting start / charging / completed).
var easeeConnectedStatuses = map[string]bool{
	"2": true, "3": true, "4": true,
	"awaiting_start": true, "charging": true, "completed": true,
}

// enuaConnectedStatuses are the Enua chargerStatus strings meaning connected.
var enuaConnectedStatuses = map[string]bool{
	"Connected": true, "Paused": true, "ScheduledCharging": true,
	"WaitingForSchedule": true, "Charging": true,
}

// IsConnected reports the vendor-status half of car-connected detection.
// The powerW>100 clause is evaluated by the caller, which also knows the
// global wattage threshold independent of vendor.
func (d EvLiveData) IsConnected(b brand.Brand) bool {
	switch b {
	case brand.Zaptec:
		return d.CarConnectedAlarm
	case brand.Enua:
		return enuaConnectedStatuses[d.ChargerStatus]
	case brand.EaseeLike:
		return easeeConnectedStatuses[d.ChargerStatus]
	default:
		return false
	}
}

// Result describes the outcome of dispatching a command. Success means the
// command was dispatched and recorded for confirmation tracking — it does
// not imply the charger has obeyed yet.
type Result struct {
	Dispatched bool
	Redirected bool // true if the command was sent to a sibling device via Zaptec auto-redirect
}
