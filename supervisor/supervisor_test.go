package supervisor

import (
	"testing"

	"github.com/cepro/powerguard/charger"
	"github.com/cepro/powerguard/store"
	"github.com/stretchr/testify/assert"
)

func TestChangedSettingsKeys(t *testing.T) {
	prev := store.DefaultSettings()
	next := prev
	assert.Empty(t, changedSettingsKeys(prev, next))

	next.PowerLimitW = 8_000
	next.Profile = store.ProfileStrict
	keys := changedSettingsKeys(prev, next)
	assert.ElementsMatch(t, []string{"powerLimitW", "profile"}, keys)

	next = prev
	next.PhaseLimitA[1] = 25
	assert.Equal(t, []string{"phase2LimitA"}, changedSettingsKeys(prev, next))
}

func TestMainCircuitLimitA(t *testing.T) {
	s := store.Settings{MainCircuitA: 40}
	assert.Equal(t, float64(40), mainCircuitLimitA(s, s.PhaseLimitA))

	s = store.Settings{PhaseLimitA: [3]float64{20, 25, 16}}
	assert.Equal(t, float64(25), mainCircuitLimitA(s, s.PhaseLimitA))

	s = store.Settings{}
	assert.Equal(t, float64(32), mainCircuitLimitA(s, s.PhaseLimitA))
}

func TestEvChargerLabel(t *testing.T) {
	assert.Equal(t, "idle", evChargerLabel(charger.EvLiveData{}, false, false, false))
	assert.Equal(t, "paused", evChargerLabel(charger.EvLiveData{}, true, true, true))
	assert.Equal(t, "dynamic", evChargerLabel(charger.EvLiveData{}, true, true, false))
	assert.Equal(t, "charging", evChargerLabel(charger.EvLiveData{IsCharging: true}, true, false, false))
	assert.Equal(t, "connected", evChargerLabel(charger.EvLiveData{}, true, false, false))
}
