package charger

import (
	"context"
	"fmt"

	"github.com/cepro/powerguard/platform"
	"github.com/google/uuid"
)

// easeeCurrentCapabilities lists the dynamic-current capabilities in the
// order Easee-like firmwares are tried; the first one present wins.
var easeeCurrentCapabilities = []string{
	"dynamic_charger_current", "dynamicChargerCurrent", "dynamicCircuitCurrentP1", "target_charger_current",
}

func pauseEaseeLike(ctx context.Context, plat platform.Platform, dev platform.Device) error {
	if err := setCap(ctx, plat, dev.ID, "onoff", false); err != nil {
		return err
	}
	if dev.HasCapability("target_circuit_current") {
		if err := setCap(ctx, plat, dev.ID, "target_circuit_current", float64(0)); err != nil {
			return err
		}
	}
	return nil
}

func setEaseeLike(ctx context.Context, plat platform.Platform, dev platform.Device, amps, circuitLimitA float64) error {
	cap, ok := dev.FirstCapability(easeeCurrentCapabilities...)
	if !ok {
		return platform.WrapCapabilityUnsupported(fmt.Sprintf("easee-like charger %s has no current capability", dev.ID))
	}
	if err := setCap(ctx, plat, dev.ID, cap, amps); err != nil {
		return err
	}
	if dev.HasCapability("target_circuit_current") {
		if err := setCap(ctx, plat, dev.ID, "target_circuit_current", circuitLimitA); err != nil {
			return err
		}
	}
	return nil
}

func resumeEaseeLike(ctx context.Context, plat platform.Platform, dev platform.Device, amps float64) error {
	cap, ok := dev.FirstCapability(easeeCurrentCapabilities...)
	if !ok {
		return platform.WrapCapabilityUnsupported(fmt.Sprintf("easee-like charger %s has no current capability", dev.ID))
	}
	target := amps
	if Defaults.StartCurrent > target {
		target = Defaults.StartCurrent
	}
	if err := setCap(ctx, plat, dev.ID, cap, target); err != nil {
		return err
	}
	return setCap(ctx, plat, dev.ID, "onoff", true)
}

const zaptecAppURI = "homey:app:com.zaptec"

func pauseZaptec(ctx context.Context, plat platform.Platform, dev uuid.UUID, actionID string) error {
	if err := setCap(ctx, plat, dev, "charging_button", false); err != nil {
		return err
	}
	// Best-effort: zero every phase via the flow action, but don't fail the
	// pause if the platform doesn't enumerate the action yet.
	_ = plat.RunFlowAction(ctx, zaptecAppURI, actionID, map[string]interface{}{
		"device": dev, "current1": 0, "current2": 0, "current3": 0,
	})
	return nil
}

func setZaptec(ctx context.Context, plat platform.Platform, dev uuid.UUID, actionID string, amps float64) error {
	clamped := clamp(amps, Defaults.MinCurrent, 40)
	return plat.RunFlowAction(ctx, zaptecAppURI, actionID, map[string]interface{}{
		"device": dev, "current1": clamped, "current2": clamped, "current3": clamped,
	})
}

func resumeZaptec(ctx context.Context, plat platform.Platform, dev uuid.UUID, actionID string, amps float64) error {
	if err := setZaptec(ctx, plat, dev, actionID, amps); err != nil {
		return err
	}
	return setCap(ctx, plat, dev, "charging_button", true)
}

const enuaAppURI = "homey:app:no.enua"

func pauseEnua(ctx context.Context, plat platform.Platform, dev uuid.UUID) error {
	return setCap(ctx, plat, dev, "toggleChargingCapability", false)
}

func setEnua(ctx context.Context, plat platform.Platform, dev uuid.UUID, actionID string, amps float64) error {
	clamped := clamp(amps, Defaults.MinCurrent, 32)
	return plat.RunFlowAction(ctx, enuaAppURI, actionID, map[string]interface{}{
		"device": dev, "current": clamped,
	})
}

func resumeEnua(ctx context.Context, plat platform.Platform, dev uuid.UUID, actionID string, amps float64) error {
	if err := setEnua(ctx, plat, dev, actionID, amps); err != nil {
		return err
	}
	return setCap(ctx, plat, dev, "toggleChargingCapability", true)
}

func setCap(ctx context.Context, plat platform.Platform, dev uuid.UUID, capability string, value interface{}) error {
	setCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	defer cancel()
	return plat.SetCapability(setCtx, dev, capability, value)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
