// Package meter owns discovery, subscription, poll fallback and watchdog
// reconnect for the single "HAN" meter device the engine ingests readings
// from.
package meter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/powerguard/platform"
	"github.com/cepro/powerguard/reading"
	"github.com/google/uuid"
)

const (
	pollInterval      = 10 * time.Second
	watchdogInterval  = 10 * time.Second
	firstPollDelay    = 2 * time.Second
	pollSuppressAfter = 8 * time.Second
	silentUnavailable = 30 * time.Second
	silentRediscover  = 60 * time.Second
)

// OnReading is called for every reading the connector produces, whether
// event-driven, polled, or the initial subscription-time snapshot.
type OnReading func(r reading.Reading)

// Connector owns discovery, subscription and polling for the meter device.
type Connector struct {
	plat      platform.Platform
	virtual   platform.VirtualDevice
	logger    *slog.Logger
	onReading OnReading

	mu           sync.Mutex
	selectedID   *string
	deviceID     uuid.UUID
	haveDevice   bool
	brand        string
	powerSub     platform.Subscription
	phaseSubs    []platform.Subscription
	lastEventAt  time.Time
	lastAnyAt    time.Time
	unavailable  bool
	latestPhaseA *float64
	latestPhaseB *float64
	latestPhaseC *float64
}

// New creates a Connector. virtual may be nil if the host platform has no
// dedicated virtual device wired yet.
func New(plat platform.Platform, virtual platform.VirtualDevice, onReading OnReading) *Connector {
	return &Connector{
		plat:      plat,
		virtual:   virtual,
		logger:    slog.Default().With("component", "meter"),
		onReading: onReading,
	}
}

// SetSelectedDeviceID updates the configured meter device id, as hot-reloaded
// from settings. A nil id reverts to auto-detection on the next discovery pass.
func (c *Connector) SetSelectedDeviceID(id *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectedID = id
}

// DeviceID returns the currently connected meter's device id, if any.
func (c *Connector) DeviceID() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID, c.haveDevice
}

// Brand returns the display-only brand label for the currently connected meter.
func (c *Connector) Brand() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.brand
}

// Run drives discovery, subscription, poll fallback and the watchdog until
// ctx is cancelled.
func (c *Connector) Run(ctx context.Context) error {
	if err := c.discover(ctx); err != nil {
		c.logger.Error("initial meter discovery failed", "error", err)
	}

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	watchdogTicker := time.NewTicker(watchdogInterval)
	defer watchdogTicker.Stop()
	firstPoll := time.NewTimer(firstPollDelay)
	defer firstPoll.Stop()

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return ctx.Err()
		case <-firstPoll.C:
			c.poll(ctx)
		case <-pollTicker.C:
			c.poll(ctx)
		case <-watchdogTicker.C:
			c.checkWatchdog(ctx)
		}
	}
}

// discover runs the selection algorithm and (re)subscribes to the chosen
// device's capabilities.
func (c *Connector) discover(ctx context.Context) error {
	c.teardown()

	devices, err := listWithTimeout(ctx, c.plat)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	c.mu.Lock()
	selectedID := c.selectedID
	c.mu.Unlock()

	d, ok := selectMeter(devices, selectedID)
	if !ok {
		return fmt.Errorf("no meter candidate found among %d devices", len(devices))
	}

	c.mu.Lock()
	c.deviceID = d.ID
	c.haveDevice = true
	c.brand = brandLabel(d)
	c.mu.Unlock()

	c.logger.Info("meter discovered", "device_id", d.ID, "name", d.Name, "brand", c.brand)

	sub, err := c.plat.SubscribeCapability(ctx, d.ID, measurePowerCapability, func(value interface{}) {
		c.handlePowerEvent(value)
	})
	if err != nil {
		return fmt.Errorf("subscribe measure_power: %w", err)
	}
	c.mu.Lock()
	c.powerSub = sub
	c.mu.Unlock()

	c.subscribePhaseCurrents(ctx, d)

	snapCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	defer cancel()
	snap, err := c.plat.GetCapabilitySnapshot(snapCtx, d.ID)
	if err == nil {
		c.emitFromSnapshot(snap, reading.SourceInitial)
	} else {
		c.logger.Warn("initial meter snapshot failed", "error", err)
	}

	return nil
}

func (c *Connector) subscribePhaseCurrents(ctx context.Context, d platform.Device) {
	var subs []platform.Subscription
	for _, capability := range phaseCurrentCapabilities {
		if !d.HasCapability(capability) {
			continue
		}
		capability := capability
		sub, err := c.plat.SubscribeCapability(ctx, d.ID, capability, func(value interface{}) {
			c.handlePhaseEvent(capability, value)
		})
		if err != nil {
			c.logger.Warn("subscribe phase current failed", "capability", capability, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	c.mu.Lock()
	c.phaseSubs = subs
	c.mu.Unlock()
}

func (c *Connector) teardown() {
	c.mu.Lock()
	powerSub := c.powerSub
	phaseSubs := c.phaseSubs
	c.powerSub = nil
	c.phaseSubs = nil
	c.haveDevice = false
	c.mu.Unlock()

	if powerSub != nil {
		powerSub.Unsubscribe()
	}
	for _, s := range phaseSubs {
		s.Unsubscribe()
	}
}

func (c *Connector) handlePowerEvent(value interface{}) {
	watts, ok := toFloat(value)
	if !ok {
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.lastEventAt = now
	c.lastAnyAt = now
	pa, pb, pc := c.latestPhaseA, c.latestPhaseB, c.latestPhaseC
	c.mu.Unlock()

	c.deliver(reading.Reading{
		Time:       now,
		TotalWatts: watts,
		PhaseA:     pa,
		PhaseB:     pb,
		PhaseC:     pc,
		Source:     reading.SourceEvent,
	})
}

func (c *Connector) handlePhaseEvent(capability string, value interface{}) {
	amps, ok := toFloat(value)
	if !ok {
		return
	}
	c.mu.Lock()
	v := amps
	switch capability {
	case "measure_current.L1", "measure_current.phase_a":
		c.latestPhaseA = &v
	case "measure_current.L2", "measure_current.phase_b":
		c.latestPhaseB = &v
	case "measure_current.L3", "measure_current.phase_c":
		c.latestPhaseC = &v
	}
	c.lastAnyAt = time.Now()
	c.mu.Unlock()
}

// poll re-reads the device snapshot on the 10s fallback tick. The polled
// power value is only processed if the last event-driven reading is stale
// (>8s); per-phase currents are always refreshed from poll regardless of
// event age.
func (c *Connector) poll(ctx context.Context) {
	c.mu.Lock()
	deviceID := c.deviceID
	haveDevice := c.haveDevice
	lastEvent := c.lastEventAt
	c.mu.Unlock()

	if !haveDevice {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	defer cancel()
	snap, err := c.plat.GetCapabilitySnapshot(pollCtx, deviceID)
	if err != nil {
		c.logger.Warn("meter poll failed", "error", err)
		return
	}

	c.refreshPhaseCurrentsFromSnapshot(snap)

	stale := lastEvent.IsZero() || time.Since(lastEvent) >= pollSuppressAfter
	if stale {
		c.emitFromSnapshot(snap, reading.SourcePoll)
	}
}

// refreshPhaseCurrentsFromSnapshot updates cached phase currents from a
// poll snapshot regardless of how stale the power event is: phase currents
// must stay fresh even when the power reading itself is suppressed as a
// duplicate of a recent event.
func (c *Connector) refreshPhaseCurrentsFromSnapshot(snap platform.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, capKey := range []struct {
		names []string
		dst   **float64
	}{
		{[]string{"measure_current.L1", "measure_current.phase_a"}, &c.latestPhaseA},
		{[]string{"measure_current.L2", "measure_current.phase_b"}, &c.latestPhaseB},
		{[]string{"measure_current.L3", "measure_current.phase_c"}, &c.latestPhaseC},
	} {
		for _, name := range capKey.names {
			if raw, ok := snap[name]; ok {
				if v, ok := toFloat(raw); ok {
					*capKey.dst = &v
				}
			}
		}
	}
}

func (c *Connector) emitFromSnapshot(snap platform.Snapshot, source reading.Source) {
	watts, ok := snap[measurePowerCapability]
	if !ok {
		return
	}
	w, ok := toFloat(watts)
	if !ok {
		return
	}

	now := time.Now()
	c.mu.Lock()
	c.lastAnyAt = now
	if source != reading.SourcePoll {
		c.lastEventAt = now
	}
	pa, pb, pc := c.latestPhaseA, c.latestPhaseB, c.latestPhaseC
	c.mu.Unlock()

	c.deliver(reading.Reading{
		Time:       now,
		TotalWatts: w,
		PhaseA:     pa,
		PhaseB:     pb,
		PhaseC:     pc,
		Source:     source,
	})
}

func (c *Connector) deliver(r reading.Reading) {
	if c.onReading != nil {
		c.onReading(r)
	}
}

// checkWatchdog rediscovers the meter after prolonged silence and flips the
// virtual device's availability at the shorter silence threshold.
func (c *Connector) checkWatchdog(ctx context.Context) {
	c.mu.Lock()
	lastAny := c.lastAnyAt
	haveDevice := c.haveDevice
	unavailable := c.unavailable
	c.mu.Unlock()

	silentFor := time.Duration(0)
	if !lastAny.IsZero() {
		silentFor = time.Since(lastAny)
	}

	if !haveDevice || silentFor > silentRediscover {
		c.logger.Warn("meter watchdog triggering rediscovery", "silent_for", silentFor)
		if err := c.discover(ctx); err != nil {
			c.logger.Error("meter rediscovery failed", "error", err)
		}
		return
	}

	shouldBeUnavailable := silentFor > silentUnavailable
	if shouldBeUnavailable != unavailable {
		c.mu.Lock()
		c.unavailable = shouldBeUnavailable
		c.mu.Unlock()
		if c.virtual != nil {
			reason := ""
			if shouldBeUnavailable {
				reason = "meter silent"
			}
			if err := c.virtual.SetUnavailable(shouldBeUnavailable, reason); err != nil {
				c.logger.Warn("set meter unavailable failed", "error", err)
			}
		}
	}
}

func listWithTimeout(ctx context.Context, plat platform.Platform) ([]platform.Device, error) {
	listCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	defer cancel()
	return plat.ListDevices(listCtx)
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
