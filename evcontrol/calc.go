// Package evcontrol allocates available power headroom to EV chargers:
// every accepted meter reading recomputes a target current per connected
// charger, phase-aware when per-phase readings exist and watt-only
// otherwise.
package evcontrol

import (
	"math"

	"github.com/cepro/powerguard/charger"
	"github.com/cepro/powerguard/electrical"
	"github.com/cepro/powerguard/priority"
)

// phaseFuseMultiplier is √3 for 3-phase watt-ceiling math, 1 for 1-phase.
func phaseFuseMultiplier(phases int) float64 {
	if phases == 3 {
		return math.Sqrt(3)
	}
	return 1
}

// PhaseCurrents is the optional per-phase amperage reading used by the
// phase-aware allocation path. A nil pointer means that phase's reading is
// unavailable.
type PhaseCurrents struct {
	A, B, C *float64
}

// Available reports whether at least one phase reading is present.
func (p *PhaseCurrents) Available() bool {
	return p != nil && (p.A != nil || p.B != nil || p.C != nil)
}

func (p *PhaseCurrents) usedPhases() []float64 {
	var out []float64
	if p.A != nil {
		out = append(out, *p.A)
	}
	if p.B != nil {
		out = append(out, *p.B)
	}
	if p.C != nil {
		out = append(out, *p.C)
	}
	return out
}

// CalcInput bundles everything calcOptimal needs for one charger.
type CalcInput struct {
	Entry         priority.Entry
	Smoothed      float64 // whole-house smoothed wattage
	EffectiveLimit float64
	MainCircuitA  float64
	Phases        *PhaseCurrents // nil if unavailable
	Live          charger.EvLiveData
}

// phaseHeadroomMarginA is the safety margin subtracted from mainCircuitA
// when computing per-phase available headroom.
const phaseHeadroomMarginA = 1.5

// wattSafetyMarginW is the fixed safety margin subtracted from the watt
// budget in both the phase-aware and watt-only paths.
const wattSafetyMarginW = 200

// CalcOptimal computes the target current for one charger given the current
// house load. A nil *float64 result means "pause".
func CalcOptimal(in CalcInput) *float64 {
	minCurrent := charger.Defaults.MinCurrent
	maxCurrent := math.Min(charger.Defaults.MaxCurrent, in.Entry.EffectiveCircuitLimitA())
	phases := in.Entry.EffectiveChargerPhases()
	voltage := electrical.Voltage(phases)

	if in.Phases.Available() {
		return calcPhaseAware(in, minCurrent, maxCurrent, phases, voltage)
	}
	return calcWattOnly(in, minCurrent, maxCurrent, voltage)
}

func chargerContributionPerPhase(live charger.EvLiveData, phases int, voltage float64) float64 {
	if live.OfferedCurrent > 0 && live.PowerW > 200 {
		return live.OfferedCurrent
	}
	if live.PowerW > 0 {
		return live.PowerW / (float64(phases) * 230)
	}
	return 0
}

func calcPhaseAware(in CalcInput, minCurrent, maxCurrent float64, phases int, voltage float64) *float64 {
	contribution := chargerContributionPerPhase(in.Live, phases, voltage)

	used := in.Phases.usedPhases()
	available := math.Inf(1)
	for _, phaseA := range used {
		nonCharger := math.Max(0, phaseA-contribution)
		if nonCharger >= in.MainCircuitA-phaseHeadroomMarginA {
			return nil // house alone fills the fuse
		}
		a := in.MainCircuitA - nonCharger - phaseHeadroomMarginA
		available = math.Min(available, a)
	}

	nonChargerW := in.Smoothed - in.Live.PowerW
	wattBound := (in.EffectiveLimit - nonChargerW - wattSafetyMarginW) / voltage
	available = math.Min(available, wattBound)

	if available < minCurrent {
		if nonChargerW > in.EffectiveLimit-wattSafetyMarginW {
			return nil
		}
		return ptr(minCurrent)
	}

	target := math.Floor(available)
	return ptr(clampF(target, minCurrent, maxCurrent))
}

func calcWattOnly(in CalcInput, minCurrent, maxCurrent, voltage float64) *float64 {
	nonChargerW := in.Smoothed - in.Live.PowerW
	maxFuseDrainW := phaseFuseMultiplier(in.Entry.EffectiveChargerPhases()) * 230 * in.MainCircuitA

	if nonChargerW > in.EffectiveLimit-wattSafetyMarginW {
		return nil // true emergency
	}

	availableW := math.Min(
		in.EffectiveLimit-nonChargerW-wattSafetyMarginW,
		maxFuseDrainW-nonChargerW-wattSafetyMarginW,
	)

	if availableW <= 0 {
		return ptr(minCurrent)
	}

	var target float64
	if in.Live.OfferedCurrent > 0 && in.Live.PowerW > 500 {
		target = math.Round(in.Live.OfferedCurrent * (availableW / in.Live.PowerW))
	} else {
		target = math.Floor(availableW / voltage)
	}

	return ptr(clampF(target, minCurrent, maxCurrent))
}

func clampF(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func ptr(v float64) *float64 {
	return &v
}
