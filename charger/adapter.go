package charger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/powerguard/brand"
	"github.com/cepro/powerguard/platform"
	"github.com/google/uuid"
)

// ErrPendingCommand is returned when a command is rejected because one was
// already dispatched to the same charger within the pending-command guard
// window.
var ErrPendingCommand = errors.New("command already pending for this charger")

var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second}

// Adapter is the vendor-abstract charger driver. One Adapter serves every EV
// charger in the installation; per-device state is keyed by device id.
type Adapter struct {
	plat       platform.Platform
	discoverer *brand.Discoverer
	logger     *slog.Logger

	mu        sync.Mutex
	states    map[uuid.UUID]*ChargerState
	pendingAt map[uuid.UUID]time.Time
	redirects map[uuid.UUID]uuid.UUID
}

// NewAdapter creates an Adapter. discoverer may be nil if the host platform
// doesn't implement FlowActionLister; Zaptec/Enua commands will then rely
// solely on the hardcoded flow action defaults.
func NewAdapter(plat platform.Platform, discoverer *brand.Discoverer) *Adapter {
	return &Adapter{
		plat:       plat,
		discoverer: discoverer,
		logger:     slog.Default().With("component", "charger"),
		states:     make(map[uuid.UUID]*ChargerState),
		pendingAt:  make(map[uuid.UUID]time.Time),
		redirects:  make(map[uuid.UUID]uuid.UUID),
	}
}

// State returns the tracked ChargerState for deviceID, creating one with
// the default initial reliability if this is the first reference.
func (a *Adapter) State(deviceID uuid.UUID) *ChargerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked(deviceID)
}

func (a *Adapter) stateLocked(deviceID uuid.UUID) *ChargerState {
	s, ok := a.states[deviceID]
	if !ok {
		s = NewChargerState()
		a.states[deviceID] = s
	}
	return s
}

// ResetAdjustThrottles clears LastAdjustTime on every tracked charger so the
// controller's next pass can adjust immediately.
func (a *Adapter) ResetAdjustThrottles() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.states {
		s.LastAdjustTime = time.Time{}
	}
}

// SetChargerCurrent is the adapter's single operation: amps nil means pause.
// circuitLimitA bounds Easee-like's target_circuit_current.
func (a *Adapter) SetChargerCurrent(ctx context.Context, deviceID uuid.UUID, amps *float64, circuitLimitA float64) (Result, error) {
	realID, ownerURI, err := a.resolveTarget(ctx, deviceID)
	if err != nil {
		return Result{}, err
	}

	a.mu.Lock()
	if last, ok := a.pendingAt[realID]; ok && time.Since(last) < Defaults.PendingCommandGuard {
		a.mu.Unlock()
		return Result{}, ErrPendingCommand
	}
	a.pendingAt[realID] = time.Now()
	state := a.stateLocked(realID)
	wasPaused := state.HasCommanded() && state.LastCommandA == nil
	a.mu.Unlock()

	devCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	dev, err := a.plat.GetDevice(devCtx, realID)
	cancel()
	if err != nil {
		return Result{}, platform.WrapDeviceGone(fmt.Sprintf("get charger device %s", realID), err)
	}

	b := brand.Classify(dev)

	dispatch := func() error {
		return a.dispatch(ctx, dev, b, ownerURI, amps, circuitLimitA, wasPaused)
	}

	if err := a.retryDispatch(dispatch); err != nil {
		return Result{}, err
	}

	a.mu.Lock()
	state.recordCommand(amps, time.Now())
	a.mu.Unlock()

	return Result{Dispatched: true, Redirected: realID != deviceID}, nil
}

func (a *Adapter) retryDispatch(dispatch func() error) error {
	var lastErr error
	attempts := append([]time.Duration{0}, retryDelays...)
	for i, delay := range attempts {
		if delay > 0 {
			time.Sleep(delay)
		}
		err := dispatch()
		if err == nil {
			return nil
		}
		lastErr = err
		if !platform.IsTransient(err) {
			return err
		}
		if i == len(attempts)-1 {
			break
		}
	}
	return lastErr
}

func (a *Adapter) dispatch(ctx context.Context, dev platform.Device, b brand.Brand, ownerURI string, amps *float64, circuitLimitA float64, wasPaused bool) error {
	switch b {
	case brand.EaseeLike:
		if amps == nil {
			return pauseEaseeLike(ctx, a.plat, dev)
		}
		if wasPaused {
			return resumeEaseeLike(ctx, a.plat, dev, *amps)
		}
		return setEaseeLike(ctx, a.plat, dev, *amps, circuitLimitA)

	case brand.Zaptec:
		actionID := a.flowActionID(ctx, brand.Zaptec, ownerURI, "installation_current_control")
		if amps == nil {
			return pauseZaptec(ctx, a.plat, dev.ID, actionID)
		}
		if wasPaused {
			return resumeZaptec(ctx, a.plat, dev.ID, actionID, *amps)
		}
		return setZaptec(ctx, a.plat, dev.ID, actionID, *amps)

	case brand.Enua:
		actionID := a.flowActionID(ctx, brand.Enua, ownerURI, "changeCurrentLimitAction")
		if amps == nil {
			return pauseEnua(ctx, a.plat, dev.ID)
		}
		if wasPaused {
			return resumeEnua(ctx, a.plat, dev.ID, actionID, *amps)
		}
		return setEnua(ctx, a.plat, dev.ID, actionID, *amps)

	default:
		return platform.WrapCapabilityUnsupported(fmt.Sprintf("device %s does not match a known charger brand", dev.ID))
	}
}

func (a *Adapter) flowActionID(ctx context.Context, b brand.Brand, ownerURI, fallbackID string) string {
	if a.discoverer == nil {
		return fallbackID
	}
	action, err := a.discoverer.Discover(ctx, b, ownerURI)
	if err != nil || action.ID == "" {
		return fallbackID
	}
	a.discoverer.LogArgsOnce(b, action)
	return action.ID
}

// resolveTarget applies the Zaptec auto-redirect: if deviceID is cached as
// redirected to a sibling, return the sibling. Otherwise return deviceID
// unchanged; the redirect is only established lazily, the first time a
// configured Zaptec device turns out to lack a charging-control capability.
func (a *Adapter) resolveTarget(ctx context.Context, deviceID uuid.UUID) (realID uuid.UUID, ownerURI string, err error) {
	a.mu.Lock()
	if redirected, ok := a.redirects[deviceID]; ok {
		a.mu.Unlock()
		return redirected, "", nil
	}
	a.mu.Unlock()

	devCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	dev, err := a.plat.GetDevice(devCtx, deviceID)
	cancel()
	if err != nil {
		return uuid.UUID{}, "", platform.WrapDeviceGone(fmt.Sprintf("get charger device %s", deviceID), err)
	}

	if dev.OwnerURI != zaptecAppURI || dev.HasCapability("charging_button") {
		return deviceID, dev.OwnerURI, nil
	}

	sibling, found, err := a.findZaptecSibling(ctx, dev)
	if err != nil {
		return deviceID, dev.OwnerURI, nil // best-effort; fall through using the configured device
	}
	if !found {
		return deviceID, dev.OwnerURI, nil
	}

	a.mu.Lock()
	a.redirects[deviceID] = sibling.ID
	a.mu.Unlock()
	a.logger.Info("zaptec auto-redirect established", "configured_id", deviceID, "real_id", sibling.ID)

	return sibling.ID, sibling.OwnerURI, nil
}

func (a *Adapter) findZaptecSibling(ctx context.Context, configured platform.Device) (platform.Device, bool, error) {
	listCtx, cancel := context.WithTimeout(ctx, platform.DeviceIOTimeout)
	defer cancel()
	devices, err := a.plat.ListDevices(listCtx)
	if err != nil {
		return platform.Device{}, false, err
	}
	for _, d := range devices {
		if d.ID == configured.ID {
			continue
		}
		if d.OwnerURI == zaptecAppURI && d.HasCapability("charging_button") {
			return d, true, nil
		}
	}
	return platform.Device{}, false, nil
}
