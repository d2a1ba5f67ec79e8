package evcontrol

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/powerguard/brand"
	"github.com/cepro/powerguard/charger"
	"github.com/cepro/powerguard/electrical"
	"github.com/cepro/powerguard/platform"
	"github.com/cepro/powerguard/priority"
	"github.com/google/uuid"
)

// LiveReading bundles one charger's live telemetry with its classified
// brand, so isCarConnected can interpret vendor-specific status strings.
// Built by the supervisor from a capability snapshot on each charger poll.
type LiveReading struct {
	charger.EvLiveData
	Brand brand.Brand
}

// globalFloor is the minimum spacing between two consecutive charger passes,
// regardless of how often readings arrive.
const globalFloor = 2 * time.Second

// startCurrent is the minimum target a paused charger must be offered before
// it is allowed to resume. Prevents start/stop chattering near the limit.
const startCurrent = 11.0

// targetDeadbandA is the tolerance within which a new target is considered
// unchanged from the prior one, so the unconfirmed-command throttle isn't
// reset by noise.
const targetDeadbandA = 1.0

// Controller continuously allocates available headroom across every enabled
// dynamic_current priority entry: each accepted reading recomputes a target
// current per connected charger, independently.
type Controller struct {
	plat     platform.Platform
	adapter  *charger.Adapter
	triggers platform.Triggers
	logger   *slog.Logger

	persist func()

	mu         sync.Mutex
	mitigated  map[uuid.UUID]priority.MitigatedEntry
	lastPassAt time.Time
}

// NewController creates a Controller.
func NewController(plat platform.Platform, adapter *charger.Adapter, triggers platform.Triggers) *Controller {
	return &Controller{
		plat:      plat,
		adapter:   adapter,
		triggers:  triggers,
		logger:    slog.Default().With("component", "evcontrol"),
		mitigated: make(map[uuid.UUID]priority.MitigatedEntry),
	}
}

// SetPersistHook installs the callback invoked after every mutation of the
// per-charger mitigated map.
func (c *Controller) SetPersistHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persist = fn
}

// LoadMitigated restores a previously-persisted set of charger MitigatedEntry
// records at startup.
func (c *Controller) LoadMitigated(entries []priority.MitigatedEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if e.Action == priority.ActionDynamicCurrent {
			c.mitigated[e.DeviceID] = e
		}
	}
}

// ForceRecheck clears the pass floor and every per-charger adjust throttle
// so the next reading reallocates immediately (used when a limit-relevant
// setting changes).
func (c *Controller) ForceRecheck() {
	c.mu.Lock()
	c.lastPassAt = time.Time{}
	c.mu.Unlock()
	c.adapter.ResetAdjustThrottles()
}

// ReleaseAll raises every mitigated charger back to its full circuit limit
// and clears the mitigated map. Used when the engine is switched off. A
// dispatch failure is logged and the entry is dropped anyway, matching the
// restore path's availability-over-fidelity behavior.
func (c *Controller) ReleaseAll(ctx context.Context, entries []priority.Entry) {
	byDevice := make(map[uuid.UUID]priority.Entry, len(entries))
	for _, e := range entries {
		byDevice[e.DeviceID] = e
	}

	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.mitigated))
	for id := range c.mitigated {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		entry, ok := byDevice[id]
		if !ok {
			entry = priority.Entry{DeviceID: id}
		}
		full := entry.EffectiveCircuitLimitA()
		if _, err := c.adapter.SetChargerCurrent(ctx, id, &full, full); err != nil {
			c.logger.Warn("release charger on disable failed", "device_id", id, "error", err)
		}
		c.mu.Lock()
		delete(c.mitigated, id)
		c.mu.Unlock()
		c.fireTrigger(clearedTrigger, entry)
	}
	c.notifyPersist()
}

// MitigatedSnapshot returns the currently-throttled/paused chargers, for
// merging into the overall persisted/reported mitigated list.
func (c *Controller) MitigatedSnapshot() []priority.MitigatedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]priority.MitigatedEntry, 0, len(c.mitigated))
	for _, e := range c.mitigated {
		out = append(out, e)
	}
	return out
}

// ConnectedChargerHeadroomW implements reading.HeadroomProvider's charger
// half: the sum of voltage(phases) * circuitLimitA over every entry this
// controller currently considers connected.
func (c *Controller) ConnectedChargerHeadroomW(entries []priority.Entry, liveByDevice map[uuid.UUID]LiveReading) float64 {
	var total float64
	for _, entry := range entries {
		if entry.Action != priority.ActionDynamicCurrent || !entry.Enabled {
			continue
		}
		live, ok := liveByDevice[entry.DeviceID]
		if !ok || !isCarConnected(live) {
			continue
		}
		voltage := electrical.Voltage(entry.EffectiveChargerPhases())
		total += voltage * entry.EffectiveCircuitLimitA()
	}
	return total
}

// isCarConnected reports whether a car is plugged in: a vendor-status
// whitelist hit, or live power draw through the cable above 100W.
func isCarConnected(live LiveReading) bool {
	return live.IsConnected(live.Brand) || live.PowerW > 100
}

// PassInput bundles everything one charger pass needs.
type PassInput struct {
	Now            time.Time
	Entries        []priority.Entry // full priority list; non dynamic_current entries are ignored
	Smoothed       float64
	EffectiveLimit float64
	MainCircuitA   float64
	Phases         *PhaseCurrents // whole-house per-phase currents, nil if unavailable
	LiveByDevice   map[uuid.UUID]LiveReading
}

// Pass runs one charger controller pass over every enabled dynamic_current
// entry. It is a no-op if called within globalFloor of the previous pass.
func (c *Controller) Pass(ctx context.Context, in PassInput) {
	c.mu.Lock()
	if !c.lastPassAt.IsZero() && in.Now.Sub(c.lastPassAt) < globalFloor {
		c.mu.Unlock()
		return
	}
	c.lastPassAt = in.Now
	c.mu.Unlock()

	for _, entry := range in.Entries {
		if entry.Action != priority.ActionDynamicCurrent || !entry.Enabled {
			continue
		}
		c.passOne(ctx, in, entry)
	}
}

func (c *Controller) passOne(ctx context.Context, in PassInput, entry priority.Entry) {
	live := in.LiveByDevice[entry.DeviceID]

	if !isCarConnected(live) {
		c.mu.Lock()
		_, wasMitigated := c.mitigated[entry.DeviceID]
		delete(c.mitigated, entry.DeviceID)
		c.mu.Unlock()
		if wasMitigated {
			c.notifyPersist()
			c.fireTrigger(clearedTrigger, entry)
		}
		return
	}

	state := c.adapter.State(entry.DeviceID)
	overload := in.Smoothed - in.EffectiveLimit
	if time.Since(state.LastAdjustTime) < charger.ThrottleInterval(state, overload) {
		return
	}

	target := CalcOptimal(CalcInput{
		Entry:          entry,
		Smoothed:       in.Smoothed,
		EffectiveLimit: in.EffectiveLimit,
		MainCircuitA:   in.MainCircuitA,
		Phases:         in.Phases,
		Live:           live.EvLiveData,
	})

	c.mu.Lock()
	existing, wasMitigated := c.mitigated[entry.DeviceID]
	var priorTargetA *float64
	if wasMitigated {
		priorTargetA = existing.CurrentTargetA
	}
	c.mu.Unlock()

	if sameTarget(priorTargetA, target) {
		return
	}

	// A full-limit target for a charger that was never limited is a no-op:
	// dispatching it would only churn the command guard.
	if !wasMitigated && target != nil && *target >= entry.EffectiveCircuitLimitA() {
		return
	}

	paused := priorTargetA != nil && *priorTargetA == 0
	if target != nil && paused && *target < startCurrent {
		return // start threshold not met, stay paused
	}

	if _, err := c.adapter.SetChargerCurrent(ctx, entry.DeviceID, target, entry.EffectiveCircuitLimitA()); err != nil {
		c.logger.Warn("charger pass dispatch failed", "device_id", entry.DeviceID, "error", err)
		return
	}
	state.LastAdjustTime = in.Now

	fullLimit := entry.EffectiveCircuitLimitA()
	restoredToFull := target != nil && *target >= fullLimit

	c.mu.Lock()
	if target == nil || !restoredToFull {
		stored := float64(0)
		if target != nil {
			stored = *target
		}
		updated := priority.MitigatedEntry{
			DeviceID:       entry.DeviceID,
			Action:         priority.ActionDynamicCurrent,
			MitigatedAt:    in.Now,
			CurrentTargetA: &stored,
		}
		c.mitigated[entry.DeviceID] = updated
	} else {
		delete(c.mitigated, entry.DeviceID)
	}
	c.mu.Unlock()
	c.notifyPersist()

	switch {
	case !wasMitigated && (target == nil || !restoredToFull):
		c.fireTrigger(appliedTrigger, entry)
	case wasMitigated && restoredToFull:
		c.fireTrigger(clearedTrigger, entry)
	}
}

// notifyPersist invokes the persist hook outside c.mu: the hook reads this
// controller's own snapshot back, so calling it under the lock would
// self-deadlock.
func (c *Controller) notifyPersist() {
	c.mu.Lock()
	fn := c.persist
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

const (
	appliedTrigger = "mitigation_applied"
	clearedTrigger = "mitigation_cleared"
)

func (c *Controller) fireTrigger(id string, entry priority.Entry) {
	if c.triggers == nil {
		return
	}
	if err := c.triggers.FireTrigger(id, map[string]interface{}{"device_name": entry.Name, "action": string(entry.Action)}); err != nil {
		c.logger.Warn("fire trigger failed", "trigger", id, "error", err)
	}
}

func sameTarget(prior, next *float64) bool {
	if prior == nil && next == nil {
		return true
	}
	if prior == nil || next == nil {
		return false
	}
	diff := *prior - *next
	if diff < 0 {
		diff = -diff
	}
	return diff <= targetDeadbandA
}
