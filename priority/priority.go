// Package priority holds the two data model types shared between the
// mitigation engine and the charger controller: the configured priority
// list and the record of what's currently mitigated. Split out as its own
// package so both can depend on the shapes without the charger controller
// importing the mitigation engine's control logic.
package priority

import (
	"time"

	"github.com/cepro/powerguard/platform"
	"github.com/google/uuid"
)

// Action identifies what a priority entry does when mitigated.
type Action string

const (
	ActionOnoff          Action = "onoff"
	ActionDim            Action = "dim"
	ActionTargetTemp     Action = "target_temperature"
	ActionHoiaxPower     Action = "hoiax_power"
	ActionChargePause    Action = "charge_pause"
	ActionDynamicCurrent Action = "dynamic_current"
)

// defaultChargerPhases is used when an entry's ChargerPhases is unset. It
// only fills in the zero value and never overrides an explicit 1; the
// configured priority list is always the source of truth.
const defaultChargerPhases = 3

// defaultCircuitLimitA is the charger circuit limit assumed when unset.
const defaultCircuitLimitA = 32

// Entry is one configured priority-list item.
type Entry struct {
	DeviceID          uuid.UUID
	Name              string
	Priority          int // lower = earlier
	Action            Action
	Enabled           bool
	MinRuntimeSeconds int
	MinOffTimeSeconds int
	CircuitLimitA     float64 // charger entries only
	ChargerPhases     int     // charger entries only: 1 or 3
	StartedAt         *time.Time
}

// EffectiveCircuitLimitA returns CircuitLimitA, defaulting to 32A if unset.
func (e Entry) EffectiveCircuitLimitA() float64 {
	if e.CircuitLimitA <= 0 {
		return defaultCircuitLimitA
	}
	return e.CircuitLimitA
}

// EffectiveChargerPhases returns ChargerPhases, defaulting to 3 if unset.
func (e Entry) EffectiveChargerPhases() int {
	if e.ChargerPhases == 0 {
		return defaultChargerPhases
	}
	return e.ChargerPhases
}

// MitigatedEntry records an in-force mitigation. Invariant: at most one
// MitigatedEntry exists per DeviceID at any instant. PreviousState is set on
// first mitigation and never overwritten across step-downs of the same
// device — it is the restore target.
type MitigatedEntry struct {
	DeviceID       uuid.UUID
	Action         Action
	PreviousState  platform.PreviousState
	MitigatedAt    time.Time
	CurrentTargetA *float64 // charger only; nil or 0 means paused

	// HoiaxStepW tracks the current stepped max_power_* value for
	// hoiax_power mitigations, so a repeated mitigation of the same device
	// steps further down the ladder instead of restarting it.
	HoiaxStepW *float64
}
