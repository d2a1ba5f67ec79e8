// Package brand classifies an EV charger device into one of three known
// control dialects from its cached capability list, and discovers + caches
// the flow action a Zaptec/Enua installation actually exposes for current
// control.
package brand

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/cepro/powerguard/platform"
)

// Brand identifies which of the three known EV charger control dialects a
// device speaks.
type Brand string

const (
	Unknown   Brand = "unknown"
	EaseeLike Brand = "easee_like"
	Zaptec    Brand = "zaptec"
	Enua      Brand = "enua"
)

// Classify determines a device's brand purely from its cached capability
// list, never a live fetch.
func Classify(d platform.Device) Brand {
	switch {
	case d.HasCapability("dynamic_charger_current"),
		d.HasCapability("dynamicChargerCurrent"),
		d.HasCapability("target_charger_current"):
		return EaseeLike
	case d.HasCapability("charging_button"):
		return Zaptec
	case d.HasCapability("toggleChargingCapability"):
		return Enua
	default:
		return Unknown
	}
}

// hardcodedDefaults is the fallback flow action pair used when discovery
// finds nothing — some platforms don't enumerate a flow action until it has
// been used at least once.
var hardcodedDefaults = map[Brand]platform.FlowAction{
	Zaptec: {ID: "installation_current_control", AppURI: "homey:app:com.zaptec"},
	Enua:   {ID: "changeCurrentLimitAction", AppURI: "homey:app:no.enua"},
}

// exactIDCandidates are the expected flow action ids per brand, tried before
// falling back to the fuzzy regex.
var exactIDCandidates = map[Brand]string{
	Zaptec: "installation_current_control",
	Enua:   "changeCurrentLimitAction",
}

// fuzzyActionRegexp matches a flow action id that looks like a current/limit
// control even if it doesn't match the expected exact id — including the
// Norwegian "strøm" (current/power) some platforms use in Enua translations.
var fuzzyActionRegexp = regexp.MustCompile(`(?i)current|ampere|limit|strøm`)

// Discoverer finds and caches the flow action identifier used to control a
// given brand's charging current, discovering it once per process.
type Discoverer struct {
	lister platform.FlowActionLister
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[Brand]platform.FlowAction
	// loggedArgsOnce records, per brand, whether the first successful
	// argument descriptor has already been logged.
	loggedArgsOnce map[Brand]bool
}

// NewDiscoverer creates a Discoverer backed by lister.
func NewDiscoverer(lister platform.FlowActionLister) *Discoverer {
	return &Discoverer{
		lister:         lister,
		logger:         slog.Default().With("component", "brand"),
		cache:          make(map[Brand]platform.FlowAction),
		loggedArgsOnce: make(map[Brand]bool),
	}
}

// Discover returns the flow action to use for brand, consulting the process
// cache first, then the host platform's flow action listing filtered by
// ownerURI, then falling back to the hardcoded default.
func (d *Discoverer) Discover(ctx context.Context, brand Brand, ownerURI string) (platform.FlowAction, error) {
	d.mu.RLock()
	if cached, ok := d.cache[brand]; ok {
		d.mu.RUnlock()
		return cached, nil
	}
	d.mu.RUnlock()

	if d.lister == nil {
		return hardcodedDefaults[brand], nil
	}

	action, found, err := d.discoverLive(ctx, brand, ownerURI)
	if err != nil {
		return platform.FlowAction{}, err
	}
	if !found {
		fallback, ok := hardcodedDefaults[brand]
		if !ok {
			return platform.FlowAction{}, nil
		}
		d.logger.Warn("flow action discovery found nothing, using hardcoded default", "brand", brand)
		action = fallback
	}

	d.mu.Lock()
	d.cache[brand] = action
	d.mu.Unlock()

	return action, nil
}

func (d *Discoverer) discoverLive(ctx context.Context, brand Brand, ownerURI string) (platform.FlowAction, bool, error) {
	actions, err := d.lister.ListFlowActions(ctx)
	if err != nil {
		return platform.FlowAction{}, false, err
	}

	var ownerMatches []platform.FlowAction
	for _, a := range actions {
		if ownerURI == "" || a.OwnerURI == ownerURI {
			ownerMatches = append(ownerMatches, a)
		}
	}
	if len(ownerMatches) == 0 {
		ownerMatches = actions
	}

	if exactID, ok := exactIDCandidates[brand]; ok {
		for _, a := range ownerMatches {
			if a.ID == exactID {
				return a, true, nil
			}
		}
	}

	for _, a := range ownerMatches {
		if fuzzyActionRegexp.MatchString(a.ID) {
			return a, true, nil
		}
	}

	return platform.FlowAction{}, false, nil
}

// LogArgsOnce logs a flow action's argument descriptor the first time it's
// resolved for brand. The log is written before the flow action is run, so
// it does not show whether that call succeeds. It lets an operator see the argument
// names a given firmware revision expects. Names like "current" vs
// "CurrentLimit" aren't verified across all Enua firmware revisions.
func (d *Discoverer) LogArgsOnce(brand Brand, action platform.FlowAction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loggedArgsOnce[brand] {
		return
	}
	d.loggedArgsOnce[brand] = true
	d.logger.Info("flow action argument descriptor",
		"brand", brand, "action_id", action.ID, "args", strings.Join(action.Args, ","))
}
