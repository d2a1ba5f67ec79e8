// Package supervisor ties the whole engine together: it owns every periodic
// timer, runs each accepted reading through energy accounting, the charger
// controller and the mitigation engine in a fixed order, hot-reloads
// settings, and assembles the status payload for the UI.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/powerguard/brand"
	"github.com/cepro/powerguard/charger"
	"github.com/cepro/powerguard/cloudmirror"
	"github.com/cepro/powerguard/energy"
	"github.com/cepro/powerguard/evcontrol"
	"github.com/cepro/powerguard/meter"
	"github.com/cepro/powerguard/mitigation"
	"github.com/cepro/powerguard/platform"
	"github.com/cepro/powerguard/priority"
	"github.com/cepro/powerguard/reading"
	"github.com/cepro/powerguard/store"
	"github.com/google/uuid"
)

const (
	deviceCacheRefresh  = 60 * time.Second
	retryQueueDrain     = 3 * time.Second
	chargerPollInterval = 5 * time.Second
	cloudMirrorInterval = 60 * time.Second
)

const triggerProfileChanged = "profile_changed"

// settingsHotReloadKeys are the settings fields whose change triggers
// an immediate recheck when changed.
var settingsHotReloadKeys = map[string]bool{
	"powerLimitW": true, "profile": true, "enabled": true,
	"phase1LimitA": true, "phase2LimitA": true, "phase3LimitA": true,
}

// Supervisor owns the whole running system: one meter connector, the
// reading pipeline, the energy tracker, the charger adapter and controller,
// the mitigation engine, and the settings/cloud-mirror persistence.
type Supervisor struct {
	plat     platform.Platform
	triggers platform.Triggers
	virtual  platform.VirtualDevice
	store    *store.Store
	mirror   *cloudmirror.Client
	logger   *slog.Logger

	meterConn *meter.Connector
	pipeline  *reading.Pipeline
	hourly    *energy.HourlyEnergy
	peaks     *energy.DailyPeaks
	chargers  *charger.Adapter
	evctl     *evcontrol.Controller
	engine    *mitigation.Engine

	mu            sync.Mutex
	settings      store.Settings
	deviceCache   []platform.Device
	liveByDevice  map[uuid.UUID]evcontrol.LiveReading
	lastReadingAt time.Time
	lastSmoothed  float64
	lastPhases    *evcontrol.PhaseCurrents
	readingMu     sync.Mutex // one reading's charger pass and threshold check never interleave with another's
	energyMu      sync.Mutex // guards pipeline, hourly and peaks; leaf lock, never held across device I/O
}

// New wires up a Supervisor from its constituent components. mirror and
// triggers/virtual may be nil.
func New(plat platform.Platform, triggers platform.Triggers, virtual platform.VirtualDevice, st *store.Store, mirror *cloudmirror.Client) *Supervisor {
	s := &Supervisor{
		plat:         plat,
		triggers:     triggers,
		virtual:      virtual,
		store:        st,
		mirror:       mirror,
		logger:       slog.Default().With("component", "supervisor"),
		hourly:       energy.NewHourlyEnergy(nil),
		peaks:        energy.NewDailyPeaks(nil),
		liveByDevice: make(map[uuid.UUID]evcontrol.LiveReading),
	}

	lister, _ := plat.(platform.FlowActionLister)
	s.chargers = charger.NewAdapter(plat, brand.NewDiscoverer(lister))
	s.evctl = evcontrol.NewController(plat, s.chargers, triggers)
	s.engine = mitigation.NewEngine(plat, s.chargers, triggers, virtual)
	s.meterConn = meter.New(plat, virtual, s.onReading)
	s.pipeline = reading.NewPipeline(5, 2, headroomAdapter{s})

	s.engine.SetPersistHook(s.persist)
	s.evctl.SetPersistHook(s.persist)

	return s
}

// headroomAdapter satisfies reading.HeadroomProvider by delegating to the
// supervisor's own state, avoiding an import cycle between reading and
// evcontrol/mitigation.
type headroomAdapter struct{ s *Supervisor }

func (h headroomAdapter) MaxChargerHeadroomW() float64 {
	h.s.mu.Lock()
	entries := append([]priority.Entry(nil), h.s.settings.PriorityList...)
	live := make(map[uuid.UUID]evcontrol.LiveReading, len(h.s.liveByDevice))
	for k, v := range h.s.liveByDevice {
		live[k] = v
	}
	h.s.mu.Unlock()
	return h.s.evctl.ConnectedChargerHeadroomW(entries, live)
}

// MaxHeaterHeadroomW counts thermostat and water-heater entries; onoff
// entries are excluded because the priority list doesn't say whether an
// onoff device is a heater or a lamp.
func (h headroomAdapter) MaxHeaterHeadroomW() float64 {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	var total float64
	for _, e := range h.s.settings.PriorityList {
		if (e.Action == priority.ActionTargetTemp || e.Action == priority.ActionHoiaxPower) && e.Enabled {
			total += 1000 // no observed-peak history tracked yet; fixed per-heater estimate
		}
	}
	return total
}

// SeedSettings installs settings as the starting configuration if nothing
// has been persisted yet. Call before Start.
func (s *Supervisor) SeedSettings(settings store.Settings) {
	if _, _, ok := s.store.Load(); ok {
		return
	}
	s.applySettingsLocked(settings)
	s.persist()
}

// Start loads persisted state and applies it. It returns once startup is
// complete; Run then launches the background loops and blocks until ctx is
// cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	settings, state, ok := s.store.Load()
	if !ok {
		settings = store.DefaultSettings()
	}
	s.applySettingsLocked(settings)
	s.engine.LoadMitigated(state.MitigatedDevices)
	s.evctl.LoadMitigated(state.MitigatedDevices)
	s.energyMu.Lock()
	s.peaks.Load(state.DailyPeaks, time.Now())
	s.hourly.History = append([]energy.HourlyHistoryEntry(nil), state.HourlyHistory...)
	s.energyMu.Unlock()

	s.meterConn.SetSelectedDeviceID(settings.SelectedMeterDeviceID)

	s.store.OnChange(s.reloadSettings)

	if devices, err := s.plat.ListDevices(ctx); err == nil {
		s.mu.Lock()
		s.deviceCache = devices
		s.mu.Unlock()
	}

	return nil
}

// reloadSettings re-reads Settings from the store after an external change
// (e.g. a UI edit) and forces a recheck if a limit-relevant field moved.
func (s *Supervisor) reloadSettings() {
	next, _, ok := s.store.Load()
	if !ok {
		return
	}
	s.mu.Lock()
	prev := s.settings
	s.mu.Unlock()
	s.ApplySettings(next, changedSettingsKeys(prev, next))
}

// changedSettingsKeys reports which of settingsHotReloadKeys's fields
// differ between prev and next.
func changedSettingsKeys(prev, next store.Settings) []string {
	var keys []string
	if prev.PowerLimitW != next.PowerLimitW {
		keys = append(keys, "powerLimitW")
	}
	if prev.Profile != next.Profile {
		keys = append(keys, "profile")
	}
	if prev.Enabled != next.Enabled {
		keys = append(keys, "enabled")
	}
	if prev.PhaseLimitA[0] != next.PhaseLimitA[0] {
		keys = append(keys, "phase1LimitA")
	}
	if prev.PhaseLimitA[1] != next.PhaseLimitA[1] {
		keys = append(keys, "phase2LimitA")
	}
	if prev.PhaseLimitA[2] != next.PhaseLimitA[2] {
		keys = append(keys, "phase3LimitA")
	}
	return keys
}

// Run launches every background loop and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.meterConn.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("meter connector exited", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runTimers(ctx)
	}()

	wg.Wait()
}

func (s *Supervisor) runTimers(ctx context.Context) {
	deviceCacheTicker := time.NewTicker(deviceCacheRefresh)
	defer deviceCacheTicker.Stop()
	retryTicker := time.NewTicker(retryQueueDrain)
	defer retryTicker.Stop()
	chargerPollTicker := time.NewTicker(chargerPollInterval)
	defer chargerPollTicker.Stop()
	mirrorTicker := time.NewTicker(cloudMirrorInterval)
	defer mirrorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deviceCacheTicker.C:
			s.refreshDeviceCache(ctx)
		case <-retryTicker.C:
			s.store.DrainRetryQueue()
		case <-chargerPollTicker.C:
			s.pollChargers(ctx)
		case <-mirrorTicker.C:
			s.pushCloudMirror(ctx)
		}
	}
}

func (s *Supervisor) refreshDeviceCache(ctx context.Context) {
	devCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	defer cancel()
	devices, err := s.plat.ListDevices(devCtx)
	if err != nil {
		s.logger.Warn("device cache refresh failed", "error", err)
		return
	}
	s.mu.Lock()
	s.deviceCache = devices
	s.mu.Unlock()
}

// pollChargers refreshes live telemetry for every dynamic_current and
// charge_pause priority entry, and feeds measure_current.offered into the
// adapter's confirmation tracking.
func (s *Supervisor) pollChargers(ctx context.Context) {
	s.mu.Lock()
	entries := append([]priority.Entry(nil), s.settings.PriorityList...)
	s.mu.Unlock()

	live := make(map[uuid.UUID]evcontrol.LiveReading, len(entries))
	now := time.Now()
	for _, e := range entries {
		if e.Action != priority.ActionDynamicCurrent && e.Action != priority.ActionChargePause {
			continue
		}
		lr, ok := s.readChargerLive(ctx, e.DeviceID)
		if !ok {
			continue
		}
		live[e.DeviceID] = lr
		s.chargers.OnOfferedCurrent(e.DeviceID, lr.OfferedCurrent, now)
	}

	s.mu.Lock()
	s.liveByDevice = live
	s.mu.Unlock()
}

func (s *Supervisor) readChargerLive(ctx context.Context, deviceID uuid.UUID) (evcontrol.LiveReading, bool) {
	devCtx, cancel := context.WithTimeout(ctx, platform.ChargerPollTimeout)
	dev, err := s.plat.GetDevice(devCtx, deviceID)
	cancel()
	if err != nil {
		return evcontrol.LiveReading{}, false
	}

	snapCtx, cancel := context.WithTimeout(ctx, platform.ChargerPollTimeout)
	snap, err := s.plat.GetCapabilitySnapshot(snapCtx, deviceID)
	cancel()
	if err != nil {
		return evcontrol.LiveReading{}, false
	}

	return evcontrol.LiveReading{
		EvLiveData: extractLiveData(snap),
		Brand:      brand.Classify(dev),
	}, true
}

func (s *Supervisor) pushCloudMirror(ctx context.Context) {
	if s.mirror == nil {
		return
	}
	st := s.Status()
	s.mirror.Push(ctx, cloudmirror.StatusSnapshot{
		Time:             time.Now(),
		PowerW:           st.CurrentPowerW,
		PowerLimitW:      st.LimitW,
		Enabled:          st.Enabled,
		Profile:          string(st.Profile),
		OverLimitCount:   st.OverLimitCount,
		MitigatedDevices: len(st.MitigatedDevices),
		HourlyHistory:    st.HourlyEnergy,
	})
}

// onReading is the meter connector's per-reading callback. It runs a fixed
// order: buffer update and smoothed compute (inside Pipeline.Ingest), then
// energy accumulation, then the charger pass, then the threshold check,
// serialized so two readings never interleave their control passes.
func (s *Supervisor) onReading(r reading.Reading) {
	s.readingMu.Lock()
	defer s.readingMu.Unlock()

	s.mu.Lock()
	s.lastReadingAt = r.Time
	s.mu.Unlock()

	s.energyMu.Lock()
	result := s.pipeline.Ingest(r.TotalWatts)
	if !result.Accepted {
		s.energyMu.Unlock()
		return
	}
	if roll := s.hourly.Accumulate(result.Value, r.Time); roll.Occurred {
		s.peaks.Update(roll.Entry.Date, roll.Entry.KWh)
		s.peaks.PurgeOutsideMonth(r.Time)
	}
	s.energyMu.Unlock()

	var phases *evcontrol.PhaseCurrents
	if r.PhaseA != nil || r.PhaseB != nil || r.PhaseC != nil {
		phases = &evcontrol.PhaseCurrents{A: r.PhaseA, B: r.PhaseB, C: r.PhaseC}
	}

	s.mu.Lock()
	s.lastSmoothed = result.Smoothed
	s.lastPhases = phases
	s.mu.Unlock()

	s.runControls(r.Time, result.Smoothed, phases)
	s.persist()
}

// runControls fans one smoothed reading out to the charger controller and
// the mitigation engine, in that order. A disabled engine only observes:
// readings still accumulate energy, but nothing is allocated or mitigated.
func (s *Supervisor) runControls(now time.Time, smoothed float64, phases *evcontrol.PhaseCurrents) {
	s.mu.Lock()
	settings := s.settings
	live := make(map[uuid.UUID]evcontrol.LiveReading, len(s.liveByDevice))
	for k, v := range s.liveByDevice {
		live[k] = v
	}
	s.mu.Unlock()

	if !settings.Enabled {
		return
	}

	effectiveLimit := settings.EffectiveLimit()

	ctx, cancel := context.WithTimeout(context.Background(), platform.DeviceIOTimeout)
	defer cancel()

	s.evctl.Pass(ctx, evcontrol.PassInput{
		Now:            now,
		Entries:        settings.PriorityList,
		Smoothed:       smoothed,
		EffectiveLimit: effectiveLimit,
		MainCircuitA:   mainCircuitLimitA(settings, settings.PhaseLimitA),
		Phases:         phases,
		LiveByDevice:   live,
	})

	s.engine.Evaluate(ctx, now, smoothed, effectiveLimit, settings.HysteresisCount, settings.CooldownSeconds)
}

// recheckNow replays the last smoothed reading through the control fan-out,
// used after a limit-relevant settings change so the new limit takes effect
// without waiting for the meter.
func (s *Supervisor) recheckNow() {
	s.readingMu.Lock()
	defer s.readingMu.Unlock()

	s.mu.Lock()
	haveReading := !s.lastReadingAt.IsZero()
	smoothed := s.lastSmoothed
	phases := s.lastPhases
	s.mu.Unlock()
	if !haveReading {
		return
	}

	s.runControls(time.Now(), smoothed, phases)
	s.persist()
}

func mainCircuitLimitA(settings store.Settings, phaseLimitA [3]float64) float64 {
	if settings.MainCircuitA > 0 {
		return settings.MainCircuitA
	}
	max := phaseLimitA[0]
	for _, v := range phaseLimitA[1:] {
		if v > max {
			max = v
		}
	}
	if max > 0 {
		return max
	}
	return 32
}

func (s *Supervisor) applySettingsLocked(settings store.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.engine.SetPriorityList(settings.PriorityList)
	s.energyMu.Lock()
	s.pipeline.SmoothingWindow = settings.SmoothingWindow
	s.pipeline.SpikeMultiplier = settings.SpikeMultiplier
	s.energyMu.Unlock()
}

// ApplySettings hot-reloads a full new Settings value, e.g. after a UI
// change, and forces an immediate recheck if a limit-relevant field changed.
// Switching the engine off restores every in-force mitigation.
func (s *Supervisor) ApplySettings(next store.Settings, changedKeys []string) {
	s.mu.Lock()
	wasEnabled := s.settings.Enabled
	s.mu.Unlock()

	s.applySettingsLocked(next)

	forceRecheck := false
	profileChanged := false
	for _, k := range changedKeys {
		if settingsHotReloadKeys[k] {
			forceRecheck = true
		}
		if k == "profile" {
			profileChanged = true
		}
	}

	if profileChanged {
		s.fireTrigger(triggerProfileChanged, map[string]interface{}{"profile": string(next.Profile)})
	}

	if wasEnabled && !next.Enabled {
		go s.releaseAll()
	} else if forceRecheck {
		s.engine.ForceRecheck(next.HysteresisCount)
		s.evctl.ForceRecheck()
		go s.recheckNow()
	}
	s.persist()
}

// releaseAll restores every in-force mitigation: chargers back to their full
// circuit limit, everything else to its captured previous state.
func (s *Supervisor) releaseAll() {
	s.readingMu.Lock()
	defer s.readingMu.Unlock()

	s.mu.Lock()
	entries := append([]priority.Entry(nil), s.settings.PriorityList...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), platform.DeviceIOTimeout)
	defer cancel()

	s.evctl.ReleaseAll(ctx, entries)
	s.engine.RestoreAll(ctx, time.Now())
	s.persist()
}

func (s *Supervisor) fireTrigger(id string, tokens map[string]interface{}) {
	if s.triggers == nil {
		return
	}
	if err := s.triggers.FireTrigger(id, tokens); err != nil {
		s.logger.Warn("fire trigger failed", "trigger", id, "error", err)
	}
}

// persist saves the current settings and diagnostic mirrors. Best-effort:
// it never blocks the control loop beyond the store's own
// write-through/backup/retry-queue handling.
func (s *Supervisor) persist() {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()

	mitigated := append(s.engine.MitigatedSnapshot(), s.evctl.MitigatedSnapshot()...)

	s.energyMu.Lock()
	hourlyHistory := append([]energy.HourlyHistoryEntry(nil), s.hourly.History...)
	dailyPeaks := s.peaks.Snapshot()
	s.energyMu.Unlock()

	state := store.PersistedState{
		MitigatedDevices: mitigated,
		HourlyHistory:    hourlyHistory,
		DailyPeaks:       dailyPeaks,
		SavedAt:          time.Now(),
	}
	if err := s.store.Save(settings, state); err != nil {
		s.logger.Warn("persist failed", "error", err)
	}
}

// Status assembles the getStatus() payload for the UI.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	settings := s.settings
	live := make(map[uuid.UUID]evcontrol.LiveReading, len(s.liveByDevice))
	for k, v := range s.liveByDevice {
		live[k] = v
	}
	s.mu.Unlock()

	engineStatus := s.engine.Status()
	mitigatedByDevice := make(map[uuid.UUID]priority.MitigatedEntry, len(engineStatus.MitigatedDevices))
	for _, m := range engineStatus.MitigatedDevices {
		mitigatedByDevice[m.DeviceID] = m
	}
	for _, m := range s.evctl.MitigatedSnapshot() {
		mitigatedByDevice[m.DeviceID] = m
	}
	mitigated := make([]priority.MitigatedEntry, 0, len(mitigatedByDevice))
	for _, m := range mitigatedByDevice {
		mitigated = append(mitigated, m)
	}

	hanID, hanConnected := s.meterConn.DeviceID()
	hanName := s.meterConn.Brand()
	s.mu.Lock()
	for _, d := range s.deviceCache {
		if d.ID == hanID {
			hanName = d.Name
			break
		}
	}
	lastSeen := s.lastReadingAt
	s.mu.Unlock()

	var evChargers []EvChargerStatus
	for _, e := range settings.PriorityList {
		if e.Action != priority.ActionDynamicCurrent && e.Action != priority.ActionChargePause {
			continue
		}
		l := live[e.DeviceID]
		chargerState := s.chargers.State(e.DeviceID)
		_, mitigatedDevice := mitigatedByDevice[e.DeviceID]
		connected := l.IsConnected(l.Brand) || l.PowerW > 100
		paused := chargerState.LastCommandA != nil && *chargerState.LastCommandA == 0
		evChargers = append(evChargers, EvChargerStatus{
			DeviceID:       e.DeviceID,
			Name:           e.Name,
			PowerW:         l.PowerW,
			IsCharging:     l.IsCharging,
			Status:         evChargerLabel(l.EvLiveData, connected, mitigatedDevice, paused),
			ChargerStatus:  l.ChargerStatus,
			CurrentA:       chargerState.LastCommandA,
			CircuitLimitA:  e.EffectiveCircuitLimitA(),
			Confirmed:      chargerState.Confirmed,
			Reliability:    chargerState.Reliability,
			OfferedCurrent: l.OfferedCurrent,
		})
	}

	s.energyMu.Lock()
	currentPowerW := s.pipeline.Buffer.MovingAverage(s.pipeline.SmoothingWindow)
	hourlyHistory := append([]energy.HourlyHistoryEntry(nil), s.hourly.History...)
	effektTariff := energy.BuildStatus(s.peaks, s.hourly)
	s.energyMu.Unlock()

	return Status{
		Enabled:            settings.Enabled,
		Profile:            settings.Profile,
		CurrentPowerW:      currentPowerW,
		LimitW:             settings.EffectiveLimit(),
		OverLimitCount:     engineStatus.OverLimitCount,
		MitigatedDevices:   mitigated,
		HanConnected:       hanConnected,
		HanDeviceName:      hanName,
		HanLastSeen:        lastSeen,
		Log:                engineStatus.Log,
		EvChargers:         evChargers,
		HourlyEnergy:       hourlyHistory,
		EffektTariff:       effektTariff,
		LastMitigationScan: engineStatus.LastMitigationScan,
	}
}
