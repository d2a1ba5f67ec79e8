package mitigation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cepro/powerguard/charger"
	"github.com/cepro/powerguard/platform"
	"github.com/cepro/powerguard/priority"
	"github.com/google/uuid"
)

// Engine owns the priority list, the in-force MitigatedEntries, and the
// hysteresis/cooldown bookkeeping. One Engine serves the whole installation;
// it is supervisor-owned and passed by reference — no package-level state.
type Engine struct {
	plat     platform.Platform
	chargers *charger.Adapter // may be nil if no charge_pause entries are configured
	triggers platform.Triggers
	virtual  platform.VirtualDevice
	logger   *slog.Logger

	// persist is invoked after every mutation of the mitigated list or the
	// priority list, always outside e.mu: the hook reads this engine's own
	// snapshot back, so calling it under the lock would self-deadlock. May be
	// nil in tests.
	persist func()

	mu                 sync.Mutex
	priorityList       []priority.Entry
	mitigated          []priority.MitigatedEntry
	overLimitCount     int
	lastMitigationTime time.Time
	lastScan           time.Time
	log                []LogEntry
}

// NewEngine creates an Engine. chargers may be nil if the installation has no
// charge_pause priority entries configured.
func NewEngine(plat platform.Platform, chargers *charger.Adapter, triggers platform.Triggers, virtual platform.VirtualDevice) *Engine {
	return &Engine{
		plat:     plat,
		chargers: chargers,
		triggers: triggers,
		virtual:  virtual,
		logger:   slog.Default().With("component", "mitigation"),
	}
}

// SetPersistHook installs the callback invoked after every mutation.
func (e *Engine) SetPersistHook(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persist = fn
}

func (e *Engine) notifyPersist() {
	e.mu.Lock()
	fn := e.persist
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// LoadMitigated restores a previously-persisted mitigated list at startup.
func (e *Engine) LoadMitigated(entries []priority.MitigatedEntry) {
	e.mu.Lock()
	e.mitigated = append([]priority.MitigatedEntry(nil), entries...)
	e.pruneStaleLocked()
	e.mu.Unlock()
	e.notifyPersist()
}

// MitigatedSnapshot returns a copy of the current mitigated list, suitable
// for persistence.
func (e *Engine) MitigatedSnapshot() []priority.MitigatedEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]priority.MitigatedEntry, len(e.mitigated))
	copy(out, e.mitigated)
	return out
}

// SetPriorityList installs a new priority list (e.g. on settings hot-reload)
// and runs the stale-entry cleanup, so entries mitigated under the old list
// can't linger and block restores.
func (e *Engine) SetPriorityList(list []priority.Entry) {
	e.mu.Lock()
	e.priorityList = append([]priority.Entry(nil), list...)
	e.pruneStaleLocked()
	e.mu.Unlock()
	e.notifyPersist()
}

// pruneStaleLocked drops MitigatedEntries whose device no longer appears in
// the priority list, or whose recorded action no longer matches the list's
// action for that device. hoiax_power re-steps the same device, so an entry
// recorded as hoiax_power is never pruned for an action mismatch.
func (e *Engine) pruneStaleLocked() {
	byDevice := make(map[uuid.UUID]priority.Entry, len(e.priorityList))
	for _, entry := range e.priorityList {
		byDevice[entry.DeviceID] = entry
	}

	kept := e.mitigated[:0]
	for _, m := range e.mitigated {
		entry, ok := byDevice[m.DeviceID]
		if !ok || (entry.Action != m.Action && m.Action != priority.ActionHoiaxPower) {
			e.logger.Info("pruning stale mitigated entry", "device_id", m.DeviceID, "action", m.Action)
			continue
		}
		kept = append(kept, m)
	}
	e.mitigated = append([]priority.MitigatedEntry(nil), kept...)
}

// PruneStale is the externally-triggerable version of pruneStaleLocked, run
// at startup and before every mitigation cycle.
func (e *Engine) PruneStale() {
	e.mu.Lock()
	e.pruneStaleLocked()
	e.mu.Unlock()
	e.notifyPersist()
}

// ForceRecheck bypasses hysteresis: used when a limit-relevant setting
// changes, so the very next reading can act.
func (e *Engine) ForceRecheck(hysteresisCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overLimitCount = hysteresisCount
}

// OverLimitCount returns the current hysteresis counter.
func (e *Engine) OverLimitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overLimitCount
}

// Evaluate runs one reading through the hysteresis/cooldown/mitigation/
// restore state machine. It is the counterpart to the charger controller's
// per-reading pass and must not interleave with it for the same reading;
// the caller is responsible for that ordering.
func (e *Engine) Evaluate(ctx context.Context, now time.Time, smoothed, effectiveLimit float64, hysteresisCount int, cooldownSeconds int) {
	e.mu.Lock()
	over := smoothed > effectiveLimit
	if over {
		e.overLimitCount++
	} else {
		e.overLimitCount = 0
	}
	count := e.overLimitCount
	e.mu.Unlock()

	// Rising edge: fire exactly once at count == hysteresisCount, while
	// mitigation stays permitted for every count >= hysteresisCount.
	if over && count == hysteresisCount {
		e.fireTrigger(TriggerPowerLimitExceeded, map[string]interface{}{"power": smoothed})
	}

	if count >= hysteresisCount {
		e.runMitigationCycle(ctx, now, cooldownSeconds)
		return
	}

	if !over {
		e.runRestore(ctx, now)
	}
}

// runMitigationCycle walks the priority list and applies at most one
// non-charger mitigation. The walk continues past the first success so the
// scan log covers every entry (besides the device I/O, which releases the
// lock — a second cycle overlapping the same reading can't happen because
// the caller runs readings one at a time).
func (e *Engine) runMitigationCycle(ctx context.Context, now time.Time, cooldownSeconds int) {
	e.PruneStale()

	e.mu.Lock()
	sinceLast := now.Sub(e.lastMitigationTime)
	cooldownActive := !e.lastMitigationTime.IsZero() && sinceLast < time.Duration(cooldownSeconds)*time.Second
	entries := append([]priority.Entry(nil), e.priorityList...)
	mitigatedByDevice := make(map[uuid.UUID]priority.MitigatedEntry, len(e.mitigated))
	for _, m := range e.mitigated {
		mitigatedByDevice[m.DeviceID] = m
	}
	e.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority < entries[j].Priority })

	mitigatedThisCycle := false
	var scan []LogEntry

	for _, entry := range entries {
		if !entry.Enabled {
			scan = append(scan, e.logLine(now, entry, OutcomeSkippedDisabled, ""))
			continue
		}
		if entry.Action == priority.ActionDynamicCurrent {
			scan = append(scan, e.logLine(now, entry, OutcomeSkippedDynamic, "handled by charger controller"))
			continue
		}

		existing, alreadyMitigated := mitigatedByDevice[entry.DeviceID]
		if alreadyMitigated && existing.Action == entry.Action && entry.Action != priority.ActionHoiaxPower {
			scan = append(scan, e.logLine(now, entry, OutcomeSkippedAlreadyDone, ""))
			continue
		}
		if entry.MinRuntimeSeconds > 0 && entry.StartedAt != nil && now.Sub(*entry.StartedAt) < time.Duration(entry.MinRuntimeSeconds)*time.Second {
			scan = append(scan, e.logLine(now, entry, OutcomeSkippedMinRuntime, ""))
			continue
		}

		// EV chargers are not gated by the non-charger cooldown or the
		// one-per-cycle rule; the already-mitigated skip above keeps a
		// charge_pause from re-firing every cycle.
		isChargerAction := entry.Action == priority.ActionChargePause
		if (mitigatedThisCycle || cooldownActive) && !isChargerAction {
			scan = append(scan, e.logLine(now, entry, OutcomeSkippedCycleUsed, ""))
			continue
		}

		applied, outcome, detail := e.mitigateDevice(ctx, entry, now)
		scan = append(scan, e.logLine(now, entry, outcome, detail))
		if applied && !isChargerAction {
			mitigatedThisCycle = true
			e.mu.Lock()
			e.lastMitigationTime = now
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	e.lastScan = now
	e.appendLogLocked(scan)
	e.mu.Unlock()
}

// mitigateDevice attempts to mitigate a single priority entry, returning
// whether it succeeded and a diagnostic outcome/detail pair.
func (e *Engine) mitigateDevice(ctx context.Context, entry priority.Entry, now time.Time) (bool, Outcome, string) {
	if entry.Action == priority.ActionChargePause {
		return e.mitigateChargePause(ctx, entry, now)
	}

	devCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	dev, err := e.plat.GetDevice(devCtx, entry.DeviceID)
	cancel()
	if err != nil {
		if platform.IsDeviceGone(err) {
			return false, OutcomeDeviceGone, err.Error()
		}
		return false, OutcomeTransientError, err.Error()
	}

	snapCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	snap, err := e.plat.GetCapabilitySnapshot(snapCtx, entry.DeviceID)
	cancel()
	if err != nil {
		return false, OutcomeTransientError, err.Error()
	}

	e.mu.Lock()
	existing, alreadyMitigated := e.findMitigatedLocked(entry.DeviceID)
	var currentStep *float64
	if alreadyMitigated {
		currentStep = existing.HoiaxStepW
	}
	e.mu.Unlock()

	result, err := applyAction(ctx, e.plat, dev, snap, entry.Action, currentStep)
	if err != nil {
		return false, OutcomeTransientError, err.Error()
	}
	if !result.applied {
		return false, OutcomeCapabilityMismatch, fmt.Sprintf("action %s has no matching capability", entry.Action)
	}

	e.mu.Lock()
	if alreadyMitigated {
		existing.HoiaxStepW = result.hoiaxStepW
		e.setMitigatedLocked(existing)
	} else {
		previousState, decodeErr := platform.DecodePreviousState(snap)
		if decodeErr != nil {
			e.logger.Warn("decode previous state failed", "device_id", entry.DeviceID, "error", decodeErr)
		}
		e.mitigated = append(e.mitigated, priority.MitigatedEntry{
			DeviceID:      entry.DeviceID,
			Action:        entry.Action,
			PreviousState: previousState,
			MitigatedAt:   now,
			HoiaxStepW:    result.hoiaxStepW,
		})
	}
	e.mu.Unlock()
	e.notifyPersist()

	if e.virtual != nil {
		if err := e.virtual.SetAlarm(true); err != nil {
			e.logger.Warn("set mitigation alarm failed", "error", err)
		}
	}
	e.fireTrigger(TriggerMitigationApplied, map[string]interface{}{"device_name": entry.Name, "action": string(entry.Action)})

	return true, OutcomeApplied, ""
}

// mitigateChargePause pauses an EV charger via the charger adapter. Unlike
// the other actions, there's no device-capability snapshot to restore from:
// resuming is handled by resetting the charger to the start current.
func (e *Engine) mitigateChargePause(ctx context.Context, entry priority.Entry, now time.Time) (bool, Outcome, string) {
	if e.chargers == nil {
		return false, OutcomeCapabilityMismatch, "no charger adapter configured"
	}
	_, err := e.chargers.SetChargerCurrent(ctx, entry.DeviceID, nil, entry.EffectiveCircuitLimitA())
	if err != nil {
		if platform.IsDeviceGone(err) {
			return false, OutcomeDeviceGone, err.Error()
		}
		return false, OutcomeTransientError, err.Error()
	}

	e.mu.Lock()
	e.mitigated = append(e.mitigated, priority.MitigatedEntry{
		DeviceID:    entry.DeviceID,
		Action:      priority.ActionChargePause,
		MitigatedAt: now,
	})
	e.mu.Unlock()
	e.notifyPersist()

	e.fireTrigger(TriggerMitigationApplied, map[string]interface{}{"device_name": entry.Name, "action": string(entry.Action)})
	return true, OutcomeApplied, ""
}

func (e *Engine) findMitigatedLocked(deviceID uuid.UUID) (priority.MitigatedEntry, bool) {
	for _, m := range e.mitigated {
		if m.DeviceID == deviceID {
			return m, true
		}
	}
	return priority.MitigatedEntry{}, false
}

func (e *Engine) setMitigatedLocked(updated priority.MitigatedEntry) {
	for i, m := range e.mitigated {
		if m.DeviceID == updated.DeviceID {
			e.mitigated[i] = updated
			return
		}
	}
	e.mitigated = append(e.mitigated, updated)
}

// runRestore pops the last (LIFO) MitigatedEntry and attempts to restore
// its device, respecting MinOffTimeSeconds. Restore failures of every kind
// pop the entry anyway so it can never block later restores, at the cost of
// leaving the device at its mitigated value.
func (e *Engine) runRestore(ctx context.Context, now time.Time) {
	e.mu.Lock()
	if len(e.mitigated) == 0 {
		e.mu.Unlock()
		return
	}
	last := e.mitigated[len(e.mitigated)-1]
	entry, hasEntry := e.findPriorityLocked(last.DeviceID)
	e.mu.Unlock()

	minOffSeconds := 0
	if hasEntry {
		minOffSeconds = entry.MinOffTimeSeconds
	}
	if minOffSeconds > 0 && now.Sub(last.MitigatedAt) < time.Duration(minOffSeconds)*time.Second {
		return // keep; try again on a later reading
	}

	outcome, detail := e.restoreEntry(ctx, last, entry)
	e.logger.Info("restore attempt", "device_id", last.DeviceID, "action", last.Action, "outcome", outcome, "detail", detail)

	e.mu.Lock()
	e.popMitigatedLocked(last.DeviceID)
	empty := len(e.mitigated) == 0
	e.mu.Unlock()
	e.notifyPersist()

	if empty {
		if e.virtual != nil {
			if err := e.virtual.SetAlarm(false); err != nil {
				e.logger.Warn("clear mitigation alarm failed", "error", err)
			}
		}
		e.fireTrigger(TriggerMitigationCleared, nil)
	}
}

// RestoreAll restores every in-force mitigation immediately, most recent
// first, ignoring min-off times. Used when the engine is switched off so no
// load is left stuck in its mitigated state.
func (e *Engine) RestoreAll(ctx context.Context, now time.Time) {
	restoredAny := false
	for {
		e.mu.Lock()
		if len(e.mitigated) == 0 {
			e.mu.Unlock()
			break
		}
		last := e.mitigated[len(e.mitigated)-1]
		entry, _ := e.findPriorityLocked(last.DeviceID)
		e.mu.Unlock()

		outcome, detail := e.restoreEntry(ctx, last, entry)
		e.logger.Info("restore on disable", "device_id", last.DeviceID, "action", last.Action, "outcome", outcome, "detail", detail)

		e.mu.Lock()
		e.popMitigatedLocked(last.DeviceID)
		e.mu.Unlock()
		restoredAny = true
	}

	e.mu.Lock()
	e.overLimitCount = 0
	e.mu.Unlock()
	e.notifyPersist()

	if !restoredAny {
		return
	}
	if e.virtual != nil {
		if err := e.virtual.SetAlarm(false); err != nil {
			e.logger.Warn("clear mitigation alarm failed", "error", err)
		}
	}
	e.fireTrigger(TriggerMitigationCleared, nil)
}

func (e *Engine) restoreEntry(ctx context.Context, entry priority.MitigatedEntry, priorityEntry priority.Entry) (Outcome, string) {
	if entry.Action == priority.ActionChargePause {
		if e.chargers == nil {
			return OutcomeRestoreFailedPopped, "no charger adapter configured"
		}
		resumeAmps := charger.Defaults.StartCurrent
		if _, err := e.chargers.SetChargerCurrent(ctx, entry.DeviceID, &resumeAmps, priorityEntry.EffectiveCircuitLimitA()); err != nil {
			return OutcomeRestoreFailedPopped, err.Error()
		}
		return OutcomeRestored, ""
	}

	devCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	dev, err := e.plat.GetDevice(devCtx, entry.DeviceID)
	cancel()
	if err != nil {
		return OutcomeRestoreFailedPopped, err.Error()
	}

	if err := restoreDevice(ctx, e.plat, dev, entry); err != nil {
		return OutcomeRestoreFailedPopped, err.Error()
	}
	return OutcomeRestored, ""
}

func (e *Engine) findPriorityLocked(deviceID uuid.UUID) (priority.Entry, bool) {
	for _, p := range e.priorityList {
		if p.DeviceID == deviceID {
			return p, true
		}
	}
	return priority.Entry{}, false
}

func (e *Engine) popMitigatedLocked(deviceID uuid.UUID) {
	for i, m := range e.mitigated {
		if m.DeviceID == deviceID {
			e.mitigated = append(e.mitigated[:i], e.mitigated[i+1:]...)
			return
		}
	}
}

func (e *Engine) fireTrigger(id string, tokens map[string]interface{}) {
	if e.triggers == nil {
		return
	}
	if err := e.triggers.FireTrigger(id, tokens); err != nil {
		e.logger.Warn("fire trigger failed", "trigger", id, "error", err)
	}
}

func (e *Engine) logLine(now time.Time, entry priority.Entry, outcome Outcome, detail string) LogEntry {
	return LogEntry{Time: now, DeviceID: entry.DeviceID, Name: entry.Name, Action: entry.Action, Outcome: outcome, Detail: detail}
}

func (e *Engine) appendLogLocked(entries []LogEntry) {
	e.log = append(e.log, entries...)
	if len(e.log) > LogMax {
		e.log = e.log[len(e.log)-LogMax:]
	}
}

// Status returns the snapshot the supervisor surfaces via getStatus().
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		OverLimitCount:     e.overLimitCount,
		MitigatedDevices:   append([]priority.MitigatedEntry(nil), e.mitigated...),
		Log:                append([]LogEntry(nil), e.log...),
		LastMitigationScan: e.lastScan,
		LastMitigationTime: e.lastMitigationTime,
	}
}
