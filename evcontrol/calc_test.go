package evcontrol

import (
	"testing"

	"github.com/cepro/powerguard/charger"
	"github.com/cepro/powerguard/priority"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threePhaseEntry() priority.Entry {
	return priority.Entry{Action: priority.ActionDynamicCurrent, Enabled: true, CircuitLimitA: 32, ChargerPhases: 3}
}

func f(v float64) *float64 { return &v }

func TestCalcOptimal_WattOnlyProportional(t *testing.T) {
	// 7kW charger at 16A offered, 12kW house total against a 10kW limit:
	// nonCharger=5000, available=min(10000-5000-200, 12748-5000-200)=4800,
	// proportional target = round(16 * 4800/7000) = 11A.
	target := CalcOptimal(CalcInput{
		Entry:          threePhaseEntry(),
		Smoothed:       12_000,
		EffectiveLimit: 10_000,
		MainCircuitA:   32,
		Live:           charger.EvLiveData{PowerW: 7_000, OfferedCurrent: 16},
	})
	require.NotNil(t, target)
	assert.Equal(t, float64(11), *target)
}

func TestCalcOptimal_WattOnlyEmergencyPausesWhenHouseAloneOverLimit(t *testing.T) {
	target := CalcOptimal(CalcInput{
		Entry:          threePhaseEntry(),
		Smoothed:       13_000,
		EffectiveLimit: 10_000,
		MainCircuitA:   32,
		Live:           charger.EvLiveData{PowerW: 2_000},
	})
	assert.Nil(t, target, "non-charger load above the limit must pause")
}

func TestCalcOptimal_WattOnlyAdditiveWithoutOfferedCurrent(t *testing.T) {
	// No offered current reported: available watts divided by 3-phase
	// voltage. nonCharger=4000, available=10000-4000-200=5800, 5800/692=8A.
	target := CalcOptimal(CalcInput{
		Entry:          threePhaseEntry(),
		Smoothed:       4_000,
		EffectiveLimit: 10_000,
		MainCircuitA:   32,
		Live:           charger.EvLiveData{},
	})
	require.NotNil(t, target)
	assert.Equal(t, float64(8), *target)
}

func TestCalcOptimal_PhaseAwarePausesWhenHouseFillsFuse(t *testing.T) {
	// Phase A carries 31A of which none is the charger's: 31 >= 32-1.5, so
	// the house alone fills the fuse and the charger must pause.
	target := CalcOptimal(CalcInput{
		Entry:          threePhaseEntry(),
		Smoothed:       8_000,
		EffectiveLimit: 10_000,
		MainCircuitA:   32,
		Phases:         &PhaseCurrents{A: f(31), B: f(10), C: f(5)},
		Live:           charger.EvLiveData{},
	})
	assert.Nil(t, target)
}

func TestCalcOptimal_PhaseAwareSubtractsChargerContribution(t *testing.T) {
	// L1 reads 34A but 16A of that is the charger itself: non-charger is
	// 18A, leaving 32-18-1.5 = 12.5A of phase headroom -> 12A.
	target := CalcOptimal(CalcInput{
		Entry:          threePhaseEntry(),
		Smoothed:       12_000,
		EffectiveLimit: 20_000,
		MainCircuitA:   32,
		Phases:         &PhaseCurrents{A: f(34), B: f(20), C: f(18)},
		Live:           charger.EvLiveData{PowerW: 11_000, OfferedCurrent: 16},
	})
	require.NotNil(t, target)
	assert.Equal(t, float64(12), *target)
}

func TestCalcOptimal_ClampedToCircuitLimit(t *testing.T) {
	// Huge headroom still can't exceed the circuit limit.
	entry := threePhaseEntry()
	entry.CircuitLimitA = 16
	target := CalcOptimal(CalcInput{
		Entry:          entry,
		Smoothed:       1_000,
		EffectiveLimit: 30_000,
		MainCircuitA:   63,
		Live:           charger.EvLiveData{},
	})
	require.NotNil(t, target)
	assert.Equal(t, float64(16), *target)
}
