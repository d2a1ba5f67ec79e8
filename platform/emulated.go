package platform

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Emulated is an in-memory Platform for local development and tests: devices
// are plain capability-value maps, SetCapability writes through immediately,
// and SetValue lets a driver script push readings that fan out to
// subscribers the same way a live meter event would.
type Emulated struct {
	mu          sync.Mutex
	devices     map[uuid.UUID]Device
	values      map[uuid.UUID]Snapshot
	subs        map[uuid.UUID]map[string][]CapabilityCallback
	settings    map[string]interface{}
	settingsCbs []func(key string)
	flowActions []FlowAction
	logger      *slog.Logger
}

// NewEmulated creates an empty emulated platform.
func NewEmulated() *Emulated {
	return &Emulated{
		devices:  make(map[uuid.UUID]Device),
		values:   make(map[uuid.UUID]Snapshot),
		subs:     make(map[uuid.UUID]map[string][]CapabilityCallback),
		settings: make(map[string]interface{}),
		logger:   slog.Default().With("component", "emulated-platform"),
	}
}

// AddDevice registers a device and its initial capability values.
func (e *Emulated) AddDevice(d Device, values Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices[d.ID] = d
	snap := make(Snapshot, len(values))
	for k, v := range values {
		snap[k] = v
	}
	e.values[d.ID] = snap
}

// AddFlowAction registers a flow action for ListFlowActions.
func (e *Emulated) AddFlowAction(a FlowAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flowActions = append(e.flowActions, a)
}

// SetValue updates a capability value as if the device itself reported it,
// notifying any subscribers.
func (e *Emulated) SetValue(deviceID uuid.UUID, capability string, value interface{}) {
	e.mu.Lock()
	if snap, ok := e.values[deviceID]; ok {
		snap[capability] = value
	}
	var cbs []CapabilityCallback
	if byCap, ok := e.subs[deviceID]; ok {
		cbs = append(cbs, byCap[capability]...)
	}
	e.mu.Unlock()

	for _, cb := range cbs {
		cb(value)
	}
}

func (e *Emulated) ListDevices(ctx context.Context) ([]Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Device, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, d)
	}
	return out, nil
}

func (e *Emulated) GetDevice(ctx context.Context, id uuid.UUID) (Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		return Device{}, WrapDeviceGone("emulated get device", ErrDeviceGone)
	}
	return d, nil
}

func (e *Emulated) SetCapability(ctx context.Context, deviceID uuid.UUID, capability string, value interface{}) error {
	e.mu.Lock()
	snap, ok := e.values[deviceID]
	if !ok {
		e.mu.Unlock()
		return WrapDeviceGone("emulated set capability", ErrDeviceGone)
	}
	snap[capability] = value
	e.mu.Unlock()
	e.logger.Debug("capability set", "device_id", deviceID, "capability", capability, "value", value)
	return nil
}

type emulatedSub struct {
	cancel func()
}

func (s emulatedSub) Unsubscribe() { s.cancel() }

func (e *Emulated) SubscribeCapability(ctx context.Context, deviceID uuid.UUID, capability string, cb CapabilityCallback) (Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.devices[deviceID]; !ok {
		return nil, WrapDeviceGone("emulated subscribe", ErrDeviceGone)
	}
	if e.subs[deviceID] == nil {
		e.subs[deviceID] = make(map[string][]CapabilityCallback)
	}
	e.subs[deviceID][capability] = append(e.subs[deviceID][capability], cb)
	idx := len(e.subs[deviceID][capability]) - 1
	return emulatedSub{cancel: func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		cbs := e.subs[deviceID][capability]
		if idx < len(cbs) {
			cbs[idx] = func(interface{}) {}
		}
	}}, nil
}

func (e *Emulated) RunFlowAction(ctx context.Context, appURI, actionID string, args map[string]interface{}) error {
	e.logger.Debug("flow action", "app_uri", appURI, "action_id", actionID, "args", args)
	return nil
}

func (e *Emulated) GetCapabilitySnapshot(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.values[id]
	if !ok {
		return nil, WrapDeviceGone("emulated snapshot", ErrDeviceGone)
	}
	out := make(Snapshot, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out, nil
}

func (e *Emulated) ListFlowActions(ctx context.Context) ([]FlowAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]FlowAction(nil), e.flowActions...), nil
}

func (e *Emulated) SettingsGet(key string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.settings[key]
	return v, ok
}

func (e *Emulated) SettingsSet(key string, value interface{}) error {
	e.mu.Lock()
	e.settings[key] = value
	cbs := append([]func(key string){}, e.settingsCbs...)
	e.mu.Unlock()
	// Change callbacks are asynchronous on the real host platform too; firing
	// them inline would re-enter the writer.
	for _, cb := range cbs {
		go cb(key)
	}
	return nil
}

func (e *Emulated) SettingsOnChange(cb func(key string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settingsCbs = append(e.settingsCbs, cb)
}

// FireTrigger satisfies Triggers by logging the trigger.
func (e *Emulated) FireTrigger(id string, tokens map[string]interface{}) error {
	e.logger.Info("trigger fired", "trigger", id, "tokens", tokens)
	return nil
}

// EmulatedVirtualDevice satisfies VirtualDevice by logging state changes.
type EmulatedVirtualDevice struct {
	logger *slog.Logger
}

// NewEmulatedVirtualDevice creates a log-only virtual device.
func NewEmulatedVirtualDevice() *EmulatedVirtualDevice {
	return &EmulatedVirtualDevice{logger: slog.Default().With("component", "virtual-device")}
}

func (v *EmulatedVirtualDevice) SetAlarm(active bool) error {
	v.logger.Info("alarm_generic", "active", active)
	return nil
}

func (v *EmulatedVirtualDevice) SetUnavailable(unavailable bool, reason string) error {
	v.logger.Info("availability", "unavailable", unavailable, "reason", reason)
	return nil
}
