package charger

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// confirmTolerance is the maximum |offered - lastCommandA| that counts as a
// confirmed command.
const confirmTolerance = 1.0

// reliabilityEMAWeight is the weight given to each new observation in the
// reliability exponential moving average.
const reliabilityEMAWeight = 0.01

// OnOfferedCurrent is driven by measure_current.offered updates (event or 5s
// poll) and settles the pending command as confirmed or timed out. now is
// passed in for deterministic tests.
func (a *Adapter) OnOfferedCurrent(deviceID uuid.UUID, offered float64, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.stateLocked(deviceID)
	if !state.commanded || state.Confirmed || state.TimedOut {
		return // nothing pending, or we've already settled this command
	}
	if state.LastCommandA == nil {
		return // pause commands aren't confirmed via offered current
	}

	if math.Abs(offered-*state.LastCommandA) <= confirmTolerance {
		state.Confirmed = true
		state.Reliability = state.Reliability*(1-reliabilityEMAWeight) + reliabilityEMAWeight
		return
	}

	if now.Sub(state.CommandTime) >= Defaults.ConfirmationTimeout {
		state.TimedOut = true
		state.Reliability = state.Reliability * (1 - reliabilityEMAWeight)
	}
}

// ThrottleInterval returns the per-charger adjust throttle duration:
// emergency (>500W overload) beats confirmed, which beats the default.
func ThrottleInterval(state *ChargerState, overloadW float64) time.Duration {
	switch {
	case overloadW > 500:
		return Defaults.ToggleEmergencyDelay
	case state.Confirmed:
		return Defaults.ToggleConfirmedDelay
	default:
		return Defaults.ToggleUnconfirmedDelay
	}
}
