package meter

import (
	"regexp"
	"strings"

	"github.com/cepro/powerguard/platform"
)

const measurePowerCapability = "measure_power"

// phaseCurrentCapabilities lists every shape a per-phase current capability
// is known to take across host platforms. Order doesn't matter here; all
// present ones are subscribed.
var phaseCurrentCapabilities = []string{
	"measure_current.L1", "measure_current.L2", "measure_current.L3",
	"measure_current.phase_a", "measure_current.phase_b", "measure_current.phase_c",
}

// hanTokenRegexp matches the word "HAN" on its own: it must not touch a
// letter, digit, underscore or apostrophe on either side, so that it doesn't
// false positive against device names that merely contain the substring or
// use it as a possessive (e.g. "Han's office lamp").
var hanTokenRegexp = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_'’])han(?:$|[^\p{L}\p{N}_'’])`)

// meterDriverTokens are driver/name substrings that unambiguously identify a
// meter without needing a word-boundary check.
var meterDriverTokens = []string{"equalizer", "easee", "acuvim", "shelly em"}

// selectMeter picks the meter device: a specific
// configured device id wins if it still exposes measure_power; otherwise
// auto-detect by class, driver/vendor token, or name token.
func selectMeter(devices []platform.Device, selectedID *string) (platform.Device, bool) {
	if selectedID != nil {
		for _, d := range devices {
			if d.ID.String() == *selectedID && d.HasCapability(measurePowerCapability) {
				return d, true
			}
		}
	}

	for _, d := range devices {
		if !d.HasCapability(measurePowerCapability) {
			continue
		}
		if isMeterCandidate(d) {
			return d, true
		}
	}

	return platform.Device{}, false
}

func isMeterCandidate(d platform.Device) bool {
	if strings.EqualFold(d.Class, "meter") {
		return true
	}

	haystacks := []string{d.Driver, d.Manufacturer, d.Name}
	for _, h := range haystacks {
		lower := strings.ToLower(h)
		for _, token := range meterDriverTokens {
			if strings.Contains(lower, token) {
				return true
			}
		}
	}

	for _, h := range haystacks {
		if hanTokenRegexp.MatchString(h) {
			return true
		}
	}

	return false
}

// brandLabel derives a display-only brand string from a device's
// name/manufacturer/driver. Never consulted for control decisions.
func brandLabel(d platform.Device) string {
	switch {
	case d.Manufacturer != "":
		return d.Manufacturer
	case d.Driver != "":
		return d.Driver
	default:
		return "unknown"
	}
}
