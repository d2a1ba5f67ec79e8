package energy

import (
	"math"
	"sort"
	"time"
)

// EffektTier is one entry of the fixed capacity-tariff ladder. MaxKW is
// exclusive-upper: a tier applies when the monthly metric is strictly below
// its MaxKW. The terminal entry's MaxKW is +Inf.
type EffektTier struct {
	Index int
	Label string
	MaxKW float64
}

// EffektTiers is the fixed tier ladder. Values mirror a typical
// Norwegian household capacity-tariff ladder. Tier and BuildStatus read this
// package variable directly; there is no per-tracker table.
var EffektTiers = []EffektTier{
	{Index: 0, Label: "0-2 kW", MaxKW: 2},
	{Index: 1, Label: "2-5 kW", MaxKW: 5},
	{Index: 2, Label: "5-10 kW", MaxKW: 10},
	{Index: 3, Label: "10-15 kW", MaxKW: 15},
	{Index: 4, Label: "15-20 kW", MaxKW: 20},
	{Index: 5, Label: "20-25 kW", MaxKW: 25},
	{Index: 6, Label: "25+ kW", MaxKW: math.Inf(1)},
}

// DailyPeaks tracks the highest observed kW for each day of the current
// month, keyed by ISO date (YYYY-MM-DD). Entries outside the current month
// are purged on startup and on month rollover.
type DailyPeaks struct {
	peaks map[string]float64
	loc   *time.Location
}

// NewDailyPeaks creates an empty tracker anchored to loc (nil means time.Local).
func NewDailyPeaks(loc *time.Location) *DailyPeaks {
	if loc == nil {
		loc = time.Local
	}
	return &DailyPeaks{peaks: make(map[string]float64), loc: loc}
}

// Load replaces the tracked peaks wholesale (used when restoring from the
// settings store at startup) and immediately purges non-current-month entries.
func (d *DailyPeaks) Load(peaks map[string]float64, now time.Time) {
	d.peaks = make(map[string]float64, len(peaks))
	for k, v := range peaks {
		d.peaks[k] = v
	}
	d.PurgeOutsideMonth(now)
}

// Update records a new kW peak for date if it exceeds the stored one.
func (d *DailyPeaks) Update(date string, kW float64) {
	if existing, ok := d.peaks[date]; !ok || kW > existing {
		d.peaks[date] = kW
	}
}

// PurgeOutsideMonth drops every entry whose date isn't in now's calendar month.
func (d *DailyPeaks) PurgeOutsideMonth(now time.Time) {
	prefix := now.In(d.loc).Format("2006-01")
	for date := range d.peaks {
		if len(date) < 7 || date[:7] != prefix {
			delete(d.peaks, date)
		}
	}
}

// Snapshot returns a copy of the tracked peaks, suitable for persistence.
func (d *DailyPeaks) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(d.peaks))
	for k, v := range d.peaks {
		out[k] = v
	}
	return out
}

// Top3Mean returns the mean of the top 3 daily peaks (fewer if less than 3
// days recorded), used as the monthly effekttariff metric.
func (d *DailyPeaks) Top3Mean() float64 {
	if len(d.peaks) == 0 {
		return 0
	}
	values := make([]float64, 0, len(d.peaks))
	for _, v := range d.peaks {
		values = append(values, v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(values)))
	n := 3
	if n > len(values) {
		n = len(values)
	}
	sum := 0.0
	for _, v := range values[:n] {
		sum += v
	}
	return sum / float64(n)
}

// Tier returns the first tier whose MaxKW strictly exceeds monthlyKW.
func Tier(monthlyKW float64) EffektTier {
	for _, t := range EffektTiers {
		if monthlyKW < t.MaxKW {
			return t
		}
	}
	return EffektTiers[len(EffektTiers)-1]
}

// Status is the effekttariff summary reported in the status payload.
type Status struct {
	MonthlyKW     float64
	Tier          EffektTier
	CurrentHourKW float64
}

// BuildStatus assembles the effekttariff status block.
func BuildStatus(peaks *DailyPeaks, hourly *HourlyEnergy) Status {
	monthlyKW := peaks.Top3Mean()
	return Status{
		MonthlyKW:     monthlyKW,
		Tier:          Tier(monthlyKW),
		CurrentHourKW: hourly.CurrentHourKWh(),
	}
}
