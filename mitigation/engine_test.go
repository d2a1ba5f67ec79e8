package mitigation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cepro/powerguard/platform"
	"github.com/cepro/powerguard/priority"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	mu       sync.Mutex
	devices  map[uuid.UUID]platform.Device
	snaps    map[uuid.UUID]platform.Snapshot
	setCalls map[uuid.UUID]map[string]interface{}
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		devices:  make(map[uuid.UUID]platform.Device),
		snaps:    make(map[uuid.UUID]platform.Snapshot),
		setCalls: make(map[uuid.UUID]map[string]interface{}),
	}
}

func (f *fakePlatform) addDevice(dev platform.Device, snap platform.Snapshot) {
	f.devices[dev.ID] = dev
	f.snaps[dev.ID] = snap
}

func (f *fakePlatform) ListDevices(ctx context.Context) ([]platform.Device, error) {
	var out []platform.Device
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
	if f.setCalls[deviceID] == nil {
		f.setCalls[deviceID] = make(map[string]interface{})
	}
	f.setCalls[deviceID][capability] = value
	if snap, ok := f.snaps[deviceID]; ok {
		snap[capability] = value
	}
	return nil
}

func (f *fakePlatform) SubscribeCapability(ctx context.Context, deviceID uuid.UUID, capability string, cb platform.CapabilityCallback) (platform.Subscription, error) {
	return noopSub{}, nil
}

func (f *fakePlatform) RunFlowAction(ctx context.Context, appURI, actionID string, args map[string]interface{}) error {
	return nil
}

func (f *fakePlatform) GetCapabilitySnapshot(ctx context.Context, id uuid.UUID) (platform.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[id]
	if !ok {
		return platform.Snapshot{}, platform.ErrDeviceGone
	}
	out := make(platform.Snapshot, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out, nil
}

type noopSub struct{}

func (noopSub) Unsubscribe() {}

type fakeTriggers struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeTriggers) FireTrigger(id string, tokens map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, id)
	return nil
}

func (f *fakeTriggers) fired(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.seen {
		if s == id {
			return true
		}
	}
	return false
}

type fakeVirtual struct {
	alarm bool
}

func (f *fakeVirtual) SetAlarm(active bool) error { f.alarm = active; return nil }
func (f *fakeVirtual) SetUnavailable(unavailable bool, reason string) error { return nil }

// TestHysteresisTriggersFirstMitigation: feeding
// [9000, 10500, 10800, 10600] against a limit of 10000 with hysteresisCount=3
// fires power_limit_exceeded on the 4th reading and mitigates lamp-1.
func TestHysteresisTriggersFirstMitigation(t *testing.T) {
	lampID := uuid.New()
	plat := newFakePlatform()
	plat.addDevice(
		platform.Device{ID: lampID, Capabilities: []string{"onoff"}},
		platform.Snapshot{"onoff": true},
	)
	triggers := &fakeTriggers{}
	virtual := &fakeVirtual{}
	engine := NewEngine(plat, nil, triggers, virtual)
	engine.SetPriorityList([]priority.Entry{
		{DeviceID: lampID, Name: "lamp-1", Priority: 1, Action: priority.ActionOnoff, Enabled: true},
	})

	ctx := context.Background()
	now := time.Now()
	readings := []float64{9_000, 10_500, 10_800, 10_600}
	expectedCounts := []int{0, 1, 2, 3}

	for i, r := range readings {
		engine.Evaluate(ctx, now.Add(time.Duration(i)*time.Second), r, 10_000, 3, 30)
		assert.Equal(t, expectedCounts[i], engine.OverLimitCount(), "reading %d", i)
	}

	assert.True(t, triggers.fired(TriggerPowerLimitExceeded))
	assert.True(t, triggers.fired(TriggerMitigationApplied))

	mitigated := engine.MitigatedSnapshot()
	require.Len(t, mitigated, 1)
	assert.Equal(t, lampID, mitigated[0].DeviceID)
	assert.True(t, virtual.alarm)

	plat.mu.Lock()
	onoffValue := plat.setCalls[lampID]["onoff"]
	plat.mu.Unlock()
	assert.Equal(t, false, onoffValue)
}

// TestRestoreLIFO: from the mitigated
// end-state, a reading back under the limit restores lamp-1 and fires
// mitigation_cleared.
func TestRestoreLIFO(t *testing.T) {
	lampID := uuid.New()
	plat := newFakePlatform()
	plat.addDevice(
		platform.Device{ID: lampID, Capabilities: []string{"onoff"}},
		platform.Snapshot{"onoff": true},
	)
	triggers := &fakeTriggers{}
	virtual := &fakeVirtual{}
	engine := NewEngine(plat, nil, triggers, virtual)
	engine.SetPriorityList([]priority.Entry{
		{DeviceID: lampID, Name: "lamp-1", Priority: 1, Action: priority.ActionOnoff, Enabled: true},
	})

	ctx := context.Background()
	now := time.Now()
	for i, r := range []float64{9_000, 10_500, 10_800, 10_600} {
		engine.Evaluate(ctx, now.Add(time.Duration(i)*time.Second), r, 10_000, 3, 30)
	}
	require.Len(t, engine.MitigatedSnapshot(), 1)

	engine.Evaluate(ctx, now.Add(5*time.Second), 8_000, 10_000, 3, 30)

	assert.True(t, triggers.fired(TriggerMitigationCleared))
	assert.Empty(t, engine.MitigatedSnapshot())
	assert.False(t, virtual.alarm)

	plat.mu.Lock()
	onoffValue := plat.setCalls[lampID]["onoff"]
	plat.mu.Unlock()
	assert.Equal(t, true, onoffValue)
}

// TestRestoreAllRestoresEverythingIgnoringMinOff verifies the disable path:
// every entry is restored immediately even when its min-off time hasn't
// elapsed, and mitigation_cleared fires once.
func TestRestoreAllRestoresEverythingIgnoringMinOff(t *testing.T) {
	lampID := uuid.New()
	plat := newFakePlatform()
	plat.addDevice(
		platform.Device{ID: lampID, Capabilities: []string{"onoff"}},
		platform.Snapshot{"onoff": true},
	)
	triggers := &fakeTriggers{}
	virtual := &fakeVirtual{}
	engine := NewEngine(plat, nil, triggers, virtual)
	engine.SetPriorityList([]priority.Entry{
		{DeviceID: lampID, Name: "lamp-1", Priority: 1, Action: priority.ActionOnoff, Enabled: true, MinOffTimeSeconds: 3600},
	})

	ctx := context.Background()
	now := time.Now()
	for i, r := range []float64{9_000, 10_500, 10_800, 10_600} {
		engine.Evaluate(ctx, now.Add(time.Duration(i)*time.Second), r, 10_000, 3, 30)
	}
	require.Len(t, engine.MitigatedSnapshot(), 1)

	engine.RestoreAll(ctx, now.Add(5*time.Second))

	assert.Empty(t, engine.MitigatedSnapshot())
	assert.Equal(t, 0, engine.OverLimitCount())
	assert.True(t, triggers.fired(TriggerMitigationCleared))
	assert.False(t, virtual.alarm)

	plat.mu.Lock()
	onoffValue := plat.setCalls[lampID]["onoff"]
	plat.mu.Unlock()
	assert.Equal(t, true, onoffValue)
}

// TestPruneStaleDropsRemovedDevices verifies the stale cleanup:
// a mitigated entry whose device has left the priority list is dropped.
func TestPruneStaleDropsRemovedDevices(t *testing.T) {
	deviceID := uuid.New()
	plat := newFakePlatform()
	engine := NewEngine(plat, nil, nil, nil)
	engine.LoadMitigated([]priority.MitigatedEntry{
		{DeviceID: deviceID, Action: priority.ActionOnoff, MitigatedAt: time.Now()},
	})
	engine.SetPriorityList(nil) // device no longer configured

	assert.Empty(t, engine.MitigatedSnapshot())
}

// TestPruneStaleDropsActionMismatch verifies the action-mismatch half of the
// stale cleanup rule.
func TestPruneStaleDropsActionMismatch(t *testing.T) {
	deviceID := uuid.New()
	plat := newFakePlatform()
	engine := NewEngine(plat, nil, nil, nil)
	engine.LoadMitigated([]priority.MitigatedEntry{
		{DeviceID: deviceID, Action: priority.ActionOnoff, MitigatedAt: time.Now()},
	})
	engine.SetPriorityList([]priority.Entry{
		{DeviceID: deviceID, Action: priority.ActionDim, Enabled: true},
	})

	assert.Empty(t, engine.MitigatedSnapshot())
}

// TestHoiaxPowerSteps verifies the hoiax_power ladder steps down on repeated
// mitigation and keeps the first-captured previousState.
func TestHoiaxPowerSteps(t *testing.T) {
	heaterID := uuid.New()
	plat := newFakePlatform()
	plat.addDevice(
		platform.Device{ID: heaterID, Capabilities: []string{"max_power_3000"}},
		platform.Snapshot{"max_power_3000": float64(3000)},
	)
	engine := NewEngine(plat, nil, nil, nil)
	engine.SetPriorityList([]priority.Entry{
		{DeviceID: heaterID, Name: "heater", Priority: 1, Action: priority.ActionHoiaxPower, Enabled: true},
	})

	ctx := context.Background()
	now := time.Now()

	// First mitigation cycle steps 3000 -> 2000.
	for i, r := range []float64{9_000, 10_500, 10_800, 10_600} {
		engine.Evaluate(ctx, now.Add(time.Duration(i)*time.Second), r, 10_000, 3, 0)
	}
	mitigated := engine.MitigatedSnapshot()
	require.Len(t, mitigated, 1)
	require.NotNil(t, mitigated[0].HoiaxStepW)
	assert.Equal(t, float64(2000), *mitigated[0].HoiaxStepW)
	require.NotNil(t, mitigated[0].PreviousState.MaxPower3000)
	assert.Equal(t, float64(3000), *mitigated[0].PreviousState.MaxPower3000)

	// Staying over-limit re-steps the same device further down the ladder.
	engine.Evaluate(ctx, now.Add(10*time.Second), 10_700, 10_000, 3, 0)
	mitigated = engine.MitigatedSnapshot()
	require.Len(t, mitigated, 1)
	assert.Equal(t, float64(1000), *mitigated[0].HoiaxStepW)
	// previousState is never overwritten across step-downs.
	assert.Equal(t, float64(3000), *mitigated[0].PreviousState.MaxPower3000)
}
