package evcontrol

import (
	"context"
	"testing"
	"time"

	"github.com/cepro/powerguard/brand"
	"github.com/cepro/powerguard/charger"
	"github.com/cepro/powerguard/platform"
	"github.com/cepro/powerguard/priority"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	devices map[uuid.UUID]platform.Device
	setCalls map[uuid.UUID]map[string]interface{}
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{devices: map[uuid.UUID]platform.Device{}, setCalls: map[uuid.UUID]map[string]interface{}{}}
}

func (f *fakePlatform) ListDevices(ctx context.Context) ([]platform.Device, error) { return nil, nil }
func (f *fakePlatform) GetDevice(ctx context.Context, id uuid.UUID) (platform.Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return platform.Device{}, platform.ErrDeviceGone
	}
	return d, nil
}
func (f *fakePlatform) SetCapability(ctx context.Context, deviceID uuid.UUID, capability string, value interface{}) error {
	if f.setCalls[deviceID] == nil {
		f.setCalls[deviceID] = map[string]interface{}{}
	}
	f.setCalls[deviceID][capability] = value
	return nil
}
func (f *fakePlatform) SubscribeCapability(ctx context.Context, deviceID uuid.UUID, capability string, cb platform.CapabilityCallback) (platform.Subscription, error) {
	return nil, nil
}
func (f *fakePlatform) RunFlowAction(ctx context.Context, appURI, actionID string, args map[string]interface{}) error {
	return nil
}
func (f *fakePlatform) GetCapabilitySnapshot(ctx context.Context, id uuid.UUID) (platform.Snapshot, error) {
	return platform.Snapshot{}, nil
}

// TestProportionalThrottle: an Easee-like
// charger drawing 7kW at offeredCurrent=16A on a 10_000W limit with a
// 12_000W smoothed reading throttles to 11A.
func TestProportionalThrottle(t *testing.T) {
	evID := uuid.New()
	plat := newFakePlatform()
	plat.devices[evID] = platform.Device{ID: evID, Capabilities: []string{"target_charger_current"}}

	adapter := charger.NewAdapter(plat, brand.NewDiscoverer(nil))
	ctrl := NewController(plat, adapter, nil)

	entry := priority.Entry{DeviceID: evID, Name: "ev-1", Action: priority.ActionDynamicCurrent, Enabled: true, CircuitLimitA: 32, ChargerPhases: 3}
	live := LiveReading{EvLiveData: charger.EvLiveData{PowerW: 7_000, OfferedCurrent: 16, IsCharging: true}, Brand: brand.EaseeLike}

	ctrl.Pass(context.Background(), PassInput{
		Now:            time.Now(),
		Entries:        []priority.Entry{entry},
		Smoothed:       12_000,
		EffectiveLimit: 10_000,
		MainCircuitA:   32,
		LiveByDevice:   map[uuid.UUID]LiveReading{evID: live},
	})

	mitigated := ctrl.MitigatedSnapshot()
	require.Len(t, mitigated, 1)
	require.NotNil(t, mitigated[0].CurrentTargetA)
	assert.Equal(t, float64(11), *mitigated[0].CurrentTargetA)
}

// TestGlobalFloorSkipsRapidPasses verifies the 2s global floor: a second
// Pass call within 2s of the first is a no-op even if inputs changed.
func TestGlobalFloorSkipsRapidPasses(t *testing.T) {
	evID := uuid.New()
	plat := newFakePlatform()
	plat.devices[evID] = platform.Device{ID: evID, Capabilities: []string{"target_charger_current"}}

	adapter := charger.NewAdapter(plat, brand.NewDiscoverer(nil))
	ctrl := NewController(plat, adapter, nil)

	entry := priority.Entry{DeviceID: evID, Name: "ev-1", Action: priority.ActionDynamicCurrent, Enabled: true, CircuitLimitA: 32, ChargerPhases: 3}
	live := LiveReading{EvLiveData: charger.EvLiveData{PowerW: 7_000, OfferedCurrent: 16}, Brand: brand.EaseeLike}

	now := time.Now()
	in := PassInput{
		Now: now, Entries: []priority.Entry{entry}, Smoothed: 12_000, EffectiveLimit: 10_000,
		MainCircuitA: 32, LiveByDevice: map[uuid.UUID]LiveReading{evID: live},
	}
	ctrl.Pass(context.Background(), in)
	require.Len(t, ctrl.MitigatedSnapshot(), 1)

	// A wildly different reading 500ms later should not trigger a second
	// dispatch because the global floor hasn't elapsed.
	in.Now = now.Add(500 * time.Millisecond)
	in.Smoothed = 20_000
	before := ctrl.MitigatedSnapshot()[0].CurrentTargetA
	ctrl.Pass(context.Background(), in)
	after := ctrl.MitigatedSnapshot()[0].CurrentTargetA
	assert.Equal(t, *before, *after)
}

// TestStartThresholdKeepsPausedChargerPaused verifies a paused charger is
// not resumed for a target below the start current, but is once the target
// reaches it.
func TestStartThresholdKeepsPausedChargerPaused(t *testing.T) {
	evID := uuid.New()
	plat := newFakePlatform()
	plat.devices[evID] = platform.Device{ID: evID, Capabilities: []string{"target_charger_current"}}

	adapter := charger.NewAdapter(plat, brand.NewDiscoverer(nil))
	ctrl := NewController(plat, adapter, nil)
	paused := float64(0)
	ctrl.LoadMitigated([]priority.MitigatedEntry{
		{DeviceID: evID, Action: priority.ActionDynamicCurrent, MitigatedAt: time.Now(), CurrentTargetA: &paused},
	})

	entry := priority.Entry{DeviceID: evID, Name: "ev-1", Action: priority.ActionDynamicCurrent, Enabled: true, CircuitLimitA: 32, ChargerPhases: 3}
	live := LiveReading{EvLiveData: charger.EvLiveData{ChargerStatus: "awaiting_start"}, Brand: brand.EaseeLike}

	// Headroom for ~9A only: 0 house load, limit 6500 -> floor(6300/692)=9.
	now := time.Now()
	ctrl.Pass(context.Background(), PassInput{
		Now: now, Entries: []priority.Entry{entry}, Smoothed: 0, EffectiveLimit: 6_500,
		MainCircuitA: 32, LiveByDevice: map[uuid.UUID]LiveReading{evID: live},
	})
	mitigated := ctrl.MitigatedSnapshot()
	require.Len(t, mitigated, 1)
	assert.Equal(t, float64(0), *mitigated[0].CurrentTargetA, "9A target must not resume a paused charger")

	// Enough headroom for 11A clears the start threshold and resumes.
	ctrl.Pass(context.Background(), PassInput{
		Now: now.Add(3 * time.Second), Entries: []priority.Entry{entry}, Smoothed: 0, EffectiveLimit: 8_000,
		MainCircuitA: 32, LiveByDevice: map[uuid.UUID]LiveReading{evID: live},
	})
	mitigated = ctrl.MitigatedSnapshot()
	require.Len(t, mitigated, 1)
	assert.Equal(t, float64(11), *mitigated[0].CurrentTargetA)
}

// TestReleaseAllRaisesChargerToFullLimit verifies the disable path: a
// throttled charger is commanded back to its full circuit limit and dropped
// from the mitigated map.
func TestReleaseAllRaisesChargerToFullLimit(t *testing.T) {
	evID := uuid.New()
	plat := newFakePlatform()
	plat.devices[evID] = platform.Device{ID: evID, Capabilities: []string{"target_charger_current"}}

	adapter := charger.NewAdapter(plat, brand.NewDiscoverer(nil))
	ctrl := NewController(plat, adapter, nil)
	throttled := float64(11)
	ctrl.LoadMitigated([]priority.MitigatedEntry{
		{DeviceID: evID, Action: priority.ActionDynamicCurrent, MitigatedAt: time.Now(), CurrentTargetA: &throttled},
	})

	entry := priority.Entry{DeviceID: evID, Name: "ev-1", Action: priority.ActionDynamicCurrent, Enabled: true, CircuitLimitA: 32, ChargerPhases: 3}
	ctrl.ReleaseAll(context.Background(), []priority.Entry{entry})

	assert.Empty(t, ctrl.MitigatedSnapshot())
	assert.Equal(t, 32.0, plat.setCalls[evID]["target_charger_current"])
}

// TestDisconnectedChargerClearsMitigation verifies that a charger no longer
// connected is dropped from the mitigated map without dispatching anything.
func TestDisconnectedChargerClearsMitigation(t *testing.T) {
	evID := uuid.New()
	plat := newFakePlatform()
	adapter := charger.NewAdapter(plat, brand.NewDiscoverer(nil))
	ctrl := NewController(plat, adapter, nil)
	ctrl.LoadMitigated([]priority.MitigatedEntry{
		{DeviceID: evID, Action: priority.ActionDynamicCurrent, MitigatedAt: time.Now()},
	})

	entry := priority.Entry{DeviceID: evID, Name: "ev-1", Action: priority.ActionDynamicCurrent, Enabled: true, CircuitLimitA: 32, ChargerPhases: 3}
	live := LiveReading{EvLiveData: charger.EvLiveData{PowerW: 0}, Brand: brand.EaseeLike}

	ctrl.Pass(context.Background(), PassInput{
		Now: time.Now(), Entries: []priority.Entry{entry}, Smoothed: 5_000, EffectiveLimit: 10_000,
		MainCircuitA: 32, LiveByDevice: map[uuid.UUID]LiveReading{evID: live},
	})

	assert.Empty(t, ctrl.MitigatedSnapshot())
}
