// Package platform is the boundary onto the host home-automation platform.
// Everything in this package is an interface: the real app wires it to the
// host SDK, tests wire it to a fake. No component outside this package talks
// to a device directly.
package platform

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Default timeouts for platform I/O: 10s for device reads/writes, 8s for
// charger polls. Every suspension point that crosses into host platform
// code must be wrapped in one of these.
const (
	DeviceIOTimeout    = 10 * time.Second
	ChargerPollTimeout = 8 * time.Second
)

// Device describes a device known to the host platform, as returned by
// ListDevices/GetDevice. Capabilities is the live set of capability ids the
// device currently exposes — vendor classification and capability-based
// command selection both work off this list, never a live probe.
type Device struct {
	ID           uuid.UUID
	Name         string
	Driver       string
	Manufacturer string
	Class        string
	OwnerURI     string
	Capabilities []string
}

// HasCapability reports whether the device currently exposes the given
// capability id.
func (d Device) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// FirstCapability returns the first of the given capability ids that the
// device currently exposes, and true if one was found. Order matters: this is
// how the charger adapter picks "the first available" dynamic-current
// capability a given firmware happens to expose.
func (d Device) FirstCapability(candidates ...string) (string, bool) {
	for _, c := range candidates {
		if d.HasCapability(c) {
			return c, true
		}
	}
	return "", false
}

// CapabilityCallback is invoked by the platform whenever a subscribed
// capability's value changes.
type CapabilityCallback func(value interface{})

// Subscription represents a live capability subscription.
type Subscription interface {
	Unsubscribe()
}

// Platform is the subset of the host automation platform's device I/O
// surface that the engine depends on.
type Platform interface {
	ListDevices(ctx context.Context) ([]Device, error)
	GetDevice(ctx context.Context, id uuid.UUID) (Device, error)
	SetCapability(ctx context.Context, deviceID uuid.UUID, capability string, value interface{}) error
	SubscribeCapability(ctx context.Context, deviceID uuid.UUID, capability string, cb CapabilityCallback) (Subscription, error)
	RunFlowAction(ctx context.Context, appURI, actionID string, args map[string]interface{}) error

	// GetCapabilitySnapshot returns the device's current capability values,
	// keyed by capability id. Used for poll-fallback readings and for
	// capturing a MitigatedEntry's previousState before first mitigation.
	GetCapabilitySnapshot(ctx context.Context, id uuid.UUID) (Snapshot, error)
}

// FlowAction describes a discoverable flow action, as listed by the host
// platform's flow-action registry.
type FlowAction struct {
	ID       string
	AppURI   string
	Args     []string
	OwnerURI string
}

// FlowActionLister lists the flow actions currently registered with the host
// platform, used by the brand package to discover a vendor's current-control
// action once per process.
type FlowActionLister interface {
	ListFlowActions(ctx context.Context) ([]FlowAction, error)
}

// SettingsStore is the host platform's settings persistence surface.
type SettingsStore interface {
	SettingsGet(key string) (interface{}, bool)
	SettingsSet(key string, value interface{}) error
	SettingsOnChange(cb func(key string))
}

// Triggers lets the engine fire flow triggers back into the host platform
// (power_limit_exceeded, mitigation_applied, mitigation_cleared, profile_changed).
type Triggers interface {
	FireTrigger(id string, tokens map[string]interface{}) error
}

// VirtualDevice is the small alarm/availability surface the engine owns on its
// own virtual device: alarm_generic reflects "mitigation in force", and
// unavailable reflects meter silence.
type VirtualDevice interface {
	SetAlarm(active bool) error
	SetUnavailable(unavailable bool, reason string) error
}
