package charger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cepro/powerguard/brand"
	"github.com/cepro/powerguard/platform"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	mu        sync.Mutex
	devices   map[uuid.UUID]platform.Device
	setCalls  []setCall
	flowCalls []flowCall
}

type setCall struct {
	device     uuid.UUID
	capability string
	value      interface{}
}

type flowCall struct {
	appURI, actionID string
	args             map[string]interface{}
}

func newFakePlatform(devices ...platform.Device) *fakePlatform {
	m := make(map[uuid.UUID]platform.Device)
	for _, d := range devices {
		m[d.ID] = d
	}
	return &fakePlatform{devices: m}
}

func (f *fakePlatform) ListDevices(ctx context.Context) ([]platform.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]platform.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakePlatform) GetDevice(ctx context.Context, id uuid.UUID) (platform.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return platform.Device{}, platform.ErrDeviceGone
	}
	return d, nil
}

func (f *fakePlatform) SetCapability(ctx context.Context, deviceID uuid.UUID, capability string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, setCall{deviceID, capability, value})
	return nil
}

func (f *fakePlatform) SubscribeCapability(ctx context.Context, deviceID uuid.UUID, capability string, cb platform.CapabilityCallback) (platform.Subscription, error) {
	return noopSub{}, nil
}

func (f *fakePlatform) RunFlowAction(ctx context.Context, appURI, actionID string, args map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flowCalls = append(f.flowCalls, flowCall{appURI, actionID, args})
	return nil
}

func (f *fakePlatform) GetCapabilitySnapshot(ctx context.Context, id uuid.UUID) (platform.Snapshot, error) {
	return platform.Snapshot{}, nil
}

type noopSub struct{}

func (noopSub) Unsubscribe() {}

func TestAdapter_SetEaseeLikeChargerCurrent(t *testing.T) {
	dev := platform.Device{ID: uuid.New(), Capabilities: []string{"target_charger_current", "target_circuit_current", "onoff"}}
	plat := newFakePlatform(dev)
	a := NewAdapter(plat, nil)

	amps := 16.0
	result, err := a.SetChargerCurrent(context.Background(), dev.ID, &amps, 32)
	require.NoError(t, err)
	assert.True(t, result.Dispatched)

	state := a.State(dev.ID)
	require.NotNil(t, state.LastCommandA)
	assert.Equal(t, 16.0, *state.LastCommandA)
}

func TestAdapter_PauseEaseeLikeSetsOnoffFalse(t *testing.T) {
	dev := platform.Device{ID: uuid.New(), Capabilities: []string{"target_charger_current", "onoff"}}
	plat := newFakePlatform(dev)
	a := NewAdapter(plat, nil)

	_, err := a.SetChargerCurrent(context.Background(), dev.ID, nil, 32)
	require.NoError(t, err)

	found := false
	for _, c := range plat.setCalls {
		if c.capability == "onoff" && c.value == false {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAdapter_PendingCommandGuardRejectsSecondCommand(t *testing.T) {
	dev := platform.Device{ID: uuid.New(), Capabilities: []string{"target_charger_current"}}
	plat := newFakePlatform(dev)
	a := NewAdapter(plat, nil)

	amps := 10.0
	_, err := a.SetChargerCurrent(context.Background(), dev.ID, &amps, 32)
	require.NoError(t, err)

	_, err = a.SetChargerCurrent(context.Background(), dev.ID, &amps, 32)
	assert.ErrorIs(t, err, ErrPendingCommand)
}

func TestAdapter_ZaptecDispatchesFlowAction(t *testing.T) {
	dev := platform.Device{ID: uuid.New(), OwnerURI: zaptecAppURI, Capabilities: []string{"charging_button"}}
	plat := newFakePlatform(dev)
	a := NewAdapter(plat, nil)

	amps := 20.0
	_, err := a.SetChargerCurrent(context.Background(), dev.ID, &amps, 32)
	require.NoError(t, err)
	require.Len(t, plat.flowCalls, 1)
	assert.Equal(t, "installation_current_control", plat.flowCalls[0].actionID)
}

func TestAdapter_ZaptecAutoRedirect(t *testing.T) {
	configured := platform.Device{ID: uuid.New(), OwnerURI: zaptecAppURI} // no charging_button
	sibling := platform.Device{ID: uuid.New(), OwnerURI: zaptecAppURI, Capabilities: []string{"charging_button"}}
	plat := newFakePlatform(configured, sibling)
	a := NewAdapter(plat, nil)

	amps := 16.0
	result, err := a.SetChargerCurrent(context.Background(), configured.ID, &amps, 32)
	require.NoError(t, err)
	assert.True(t, result.Redirected)

	state := a.State(sibling.ID)
	require.NotNil(t, state.LastCommandA)
}

func TestOnOfferedCurrent_ConfirmsWithinTolerance(t *testing.T) {
	dev := platform.Device{ID: uuid.New(), Capabilities: []string{"target_charger_current"}}
	plat := newFakePlatform(dev)
	a := NewAdapter(plat, nil)

	amps := 16.0
	_, err := a.SetChargerCurrent(context.Background(), dev.ID, &amps, 32)
	require.NoError(t, err)

	a.OnOfferedCurrent(dev.ID, 16.5, time.Now())
	state := a.State(dev.ID)
	assert.True(t, state.Confirmed)
	assert.Greater(t, state.Reliability, 0.5)
}

func TestOnOfferedCurrent_TimesOutAfterConfirmationWindow(t *testing.T) {
	dev := platform.Device{ID: uuid.New(), Capabilities: []string{"target_charger_current"}}
	plat := newFakePlatform(dev)
	a := NewAdapter(plat, nil)

	amps := 16.0
	commandTime := time.Now()
	_, err := a.SetChargerCurrent(context.Background(), dev.ID, &amps, 32)
	require.NoError(t, err)

	later := commandTime.Add(Defaults.ConfirmationTimeout + time.Second)
	a.OnOfferedCurrent(dev.ID, 5, later)

	state := a.State(dev.ID)
	assert.True(t, state.TimedOut)
	assert.Less(t, state.Reliability, 0.5)
}

func TestEvLiveData_IsConnected(t *testing.T) {
	assert.True(t, EvLiveData{CarConnectedAlarm: true}.IsConnected(brand.Zaptec))
	assert.False(t, EvLiveData{CarConnectedAlarm: false}.IsConnected(brand.Zaptec))
	assert.True(t, EvLiveData{ChargerStatus: "Charging"}.IsConnected(brand.Enua))
	assert.True(t, EvLiveData{ChargerStatus: "charging"}.IsConnected(brand.EaseeLike))
	assert.False(t, EvLiveData{ChargerStatus: "disconnected"}.IsConnected(brand.EaseeLike))
}

func TestThrottleInterval(t *testing.T) {
	s := NewChargerState()
	assert.Equal(t, Defaults.ToggleEmergencyDelay, ThrottleInterval(s, 600))
	s.Confirmed = true
	assert.Equal(t, Defaults.ToggleConfirmedDelay, ThrottleInterval(s, 0))
	s.Confirmed = false
	assert.Equal(t, Defaults.ToggleUnconfirmedDelay, ThrottleInterval(s, 0))
}
