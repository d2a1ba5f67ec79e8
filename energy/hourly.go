// Package energy tracks hourly kWh with a rolling history of completed
// hours, daily peak hours, and the Norwegian-style effekttariff tier derived
// from the top-3 daily peaks of the current month.
package energy

import (
	"math"
	"time"
)

// maxHistoryEntries bounds HourlyEnergy.History to a day of completed hours.
const maxHistoryEntries = 24

// HourlyHistoryEntry is one completed hour's energy total.
type HourlyHistoryEntry struct {
	Hour int       // 0-23, local hour that completed
	Date string    // ISO date (YYYY-MM-DD) of the hour that completed
	KWh  float64   // round3
	At   time.Time // wall-clock time this entry was appended, for diagnostics
}

// HourlyEnergy accumulates watt-hours for the current local hour and keeps a
// rolling history of completed hours.
type HourlyEnergy struct {
	CurrentHour     int
	AccumulatedWh   float64
	LastReadingW    float64
	LastReadingTime time.Time
	History         []HourlyHistoryEntry

	loc *time.Location
}

// NewHourlyEnergy creates a tracker anchored to loc (nil means time.Local).
func NewHourlyEnergy(loc *time.Location) *HourlyEnergy {
	if loc == nil {
		loc = time.Local
	}
	return &HourlyEnergy{
		CurrentHour: time.Now().In(loc).Hour(),
		loc:         loc,
	}
}

// RolloverResult carries the data a caller needs to react to a completed hour
// (persist history, update the daily peak tracker).
type RolloverResult struct {
	Occurred bool
	Entry    HourlyHistoryEntry
}

// Accumulate folds one power reading into the current hour's total. now is
// passed in rather than read internally so tests are deterministic.
func (h *HourlyEnergy) Accumulate(powerW float64, now time.Time) RolloverResult {
	local := now.In(h.loc)
	hour := local.Hour()

	if hour != h.CurrentHour {
		kWh := round3(h.AccumulatedWh / 1000)
		completedHourDate := completedHourDate(local, h.CurrentHour)
		entry := HourlyHistoryEntry{
			Hour: h.CurrentHour,
			Date: completedHourDate,
			KWh:  kWh,
			At:   now,
		}
		h.History = append(h.History, entry)
		if len(h.History) > maxHistoryEntries {
			h.History = h.History[len(h.History)-maxHistoryEntries:]
		}

		h.AccumulatedWh = 0
		h.LastReadingW = powerW
		h.LastReadingTime = now
		h.CurrentHour = hour

		return RolloverResult{Occurred: true, Entry: entry}
	}

	if !h.LastReadingTime.IsZero() {
		elapsed := now.Sub(h.LastReadingTime)
		if elapsed > 0 && elapsed < time.Minute {
			avgW := (h.LastReadingW + powerW) / 2
			h.AccumulatedWh += avgW * elapsed.Hours()
		}
		// Gaps >=60s are ignored outright (restart / missed readings).
	}
	h.LastReadingW = powerW
	h.LastReadingTime = now

	return RolloverResult{}
}

// CurrentHourKWh reports the live accumulated energy for the in-progress
// hour, for comparison against today's stored peak.
func (h *HourlyEnergy) CurrentHourKWh() float64 {
	return h.AccumulatedWh / 1000
}

// completedHourDate returns the ISO date of the hour that just completed.
// If the local hour rolled over midnight (23 -> 0), the completed hour
// belongs to the previous calendar day.
func completedHourDate(now time.Time, completedHour int) string {
	d := now
	if completedHour == 23 && now.Hour() == 0 {
		d = now.AddDate(0, 0, -1)
	}
	return d.Format("2006-01-02")
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
