package mitigation

import (
	"context"

	"github.com/cepro/powerguard/platform"
	"github.com/cepro/powerguard/priority"
	"github.com/google/uuid"
)

// thermostatStepDownC is the fixed delta subtracted from a thermostat's
// current target on each target_temperature mitigation.
const thermostatStepDownC = 3.0

// thermostatMinC is the floor a target_temperature mitigation will not cross.
const thermostatMinC = 5.0

// hoiaxLadder is the fixed step-down ladder for hoiax_power mitigations,
// highest first.
var hoiaxLadder = []float64{3000, 2000, 1000, 500, 0}

// applyResult communicates what the action table actually did, so the
// engine can decide how (or whether) to update the MitigatedEntry.
type applyResult struct {
	applied    bool
	hoiaxStepW *float64 // set only for ActionHoiaxPower
}

// applyAction maps a priority action onto device capability writes. snap
// is the device's capability snapshot taken immediately before this call;
// currentStep is the device's existing HoiaxStepW, if any (nil on first
// mitigation). charge_pause and dynamic_current are never passed here — the
// engine delegates those to the charger adapter directly.
func applyAction(ctx context.Context, plat platform.Platform, dev platform.Device, snap platform.Snapshot, action priority.Action, currentStep *float64) (applyResult, error) {
	switch action {
	case priority.ActionOnoff:
		return applyOnoff(ctx, plat, dev)
	case priority.ActionDim:
		return applyDim(ctx, plat, dev)
	case priority.ActionTargetTemp:
		return applyTargetTemperature(ctx, plat, dev, snap)
	case priority.ActionHoiaxPower:
		return applyHoiaxStep(ctx, plat, dev, snap, currentStep)
	default:
		return applyResult{}, nil
	}
}

func applyOnoff(ctx context.Context, plat platform.Platform, dev platform.Device) (applyResult, error) {
	if !dev.HasCapability("onoff") {
		return applyResult{}, nil
	}
	if err := setCap(ctx, plat, dev.ID, "onoff", false); err != nil {
		return applyResult{}, err
	}
	return applyResult{applied: true}, nil
}

func applyDim(ctx context.Context, plat platform.Platform, dev platform.Device) (applyResult, error) {
	if !dev.HasCapability("dim") {
		return applyResult{}, nil
	}
	// No per-model minimum-dim table is configured; 0 is the floor for every
	// dimmable light this engine has seen in the field.
	if err := setCap(ctx, plat, dev.ID, "dim", 0.0); err != nil {
		return applyResult{}, err
	}
	return applyResult{applied: true}, nil
}

func applyTargetTemperature(ctx context.Context, plat platform.Platform, dev platform.Device, snap platform.Snapshot) (applyResult, error) {
	if !dev.HasCapability("target_temperature") {
		return applyResult{}, nil
	}
	current, ok := toFloat(snap["target_temperature"])
	if !ok {
		return applyResult{}, nil
	}
	next := current - thermostatStepDownC
	if next < thermostatMinC {
		next = thermostatMinC
	}
	if next >= current {
		return applyResult{}, nil // already at or below the floor
	}

	if mode, ok := snap["thermostat_mode"].(string); ok && dev.HasCapability("thermostat_mode") && mode != "heat" {
		// Set mode to heat first so the cloud schedule doesn't immediately
		// overwrite the lowered setpoint.
		if err := setCap(ctx, plat, dev.ID, "thermostat_mode", "heat"); err != nil {
			return applyResult{}, err
		}
	}

	if err := setCap(ctx, plat, dev.ID, "target_temperature", next); err != nil {
		return applyResult{}, err
	}
	return applyResult{applied: true}, nil
}

func applyHoiaxStep(ctx context.Context, plat platform.Platform, dev platform.Device, snap platform.Snapshot, currentStep *float64) (applyResult, error) {
	capability, ok := dev.FirstCapability("max_power_3000", "max_power")
	if !ok {
		return applyResult{}, nil
	}

	var current float64
	if currentStep != nil {
		current = *currentStep
	} else if v, ok := toFloat(snap[capability]); ok {
		current = v
	} else {
		return applyResult{}, nil
	}

	next, ok := nextHoiaxRung(current)
	if !ok {
		return applyResult{}, nil // already at the bottom rung
	}

	if err := setCap(ctx, plat, dev.ID, capability, next); err != nil {
		return applyResult{}, err
	}
	return applyResult{applied: true, hoiaxStepW: &next}, nil
}

// nextHoiaxRung returns the first ladder rung strictly below current.
func nextHoiaxRung(current float64) (float64, bool) {
	for _, rung := range hoiaxLadder {
		if rung < current {
			return rung, true
		}
	}
	return 0, false
}

// restoreDevice re-applies the captured previousState for every capability
// the device still exposes. For a
// hoiax_power mitigation the max_power_* capability is restored to its
// snapshotted value in a single step, not incrementally.
func restoreDevice(ctx context.Context, plat platform.Platform, dev platform.Device, entry priority.MitigatedEntry) error {
	ps := entry.PreviousState

	type capSet struct {
		name  string
		value interface{}
	}
	var sets []capSet

	if ps.Onoff != nil && dev.HasCapability("onoff") {
		sets = append(sets, capSet{"onoff", *ps.Onoff})
	}
	if ps.Dim != nil && dev.HasCapability("dim") {
		sets = append(sets, capSet{"dim", *ps.Dim})
	}
	if ps.ThermostatMode != nil && dev.HasCapability("thermostat_mode") {
		sets = append(sets, capSet{"thermostat_mode", *ps.ThermostatMode})
	}
	if ps.TargetTemperature != nil && dev.HasCapability("target_temperature") {
		sets = append(sets, capSet{"target_temperature", *ps.TargetTemperature})
	}
	if ps.TargetCurrent != nil && dev.HasCapability("target_current") {
		sets = append(sets, capSet{"target_current", *ps.TargetCurrent})
	}
	if ps.TargetChargerCurrent != nil && dev.HasCapability("target_charger_current") {
		sets = append(sets, capSet{"target_charger_current", *ps.TargetChargerCurrent})
	}
	if ps.TargetCircuitCurrent != nil && dev.HasCapability("target_circuit_current") {
		sets = append(sets, capSet{"target_circuit_current", *ps.TargetCircuitCurrent})
	}
	if ps.ToggleChargingCapability != nil && dev.HasCapability("toggleChargingCapability") {
		sets = append(sets, capSet{"toggleChargingCapability", *ps.ToggleChargingCapability})
	}
	if ps.MaxPower3000 != nil && dev.HasCapability("max_power_3000") {
		sets = append(sets, capSet{"max_power_3000", *ps.MaxPower3000})
	}
	if ps.MaxPower != nil && dev.HasCapability("max_power") {
		sets = append(sets, capSet{"max_power", *ps.MaxPower})
	}

	for _, s := range sets {
		if err := setCap(ctx, plat, dev.ID, s.name, s.value); err != nil {
			return err
		}
	}
	return nil
}

func setCap(ctx context.Context, plat platform.Platform, dev uuid.UUID, capability string, value interface{}) error {
	setCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	defer cancel()
	return plat.SetCapability(setCtx, dev, capability, value)
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
