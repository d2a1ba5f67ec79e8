package energy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDailyPeaks_UpdateKeepsMax(t *testing.T) {
	d := NewDailyPeaks(time.UTC)
	d.Update("2026-07-01", 5.0)
	d.Update("2026-07-01", 3.0)
	assert.Equal(t, 5.0, d.Snapshot()["2026-07-01"])
}

func TestDailyPeaks_PurgeOutsideMonth(t *testing.T) {
	d := NewDailyPeaks(time.UTC)
	d.Load(map[string]float64{
		"2026-06-30": 4.0,
		"2026-07-01": 5.0,
	}, time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC))

	snap := d.Snapshot()
	_, has6 := snap["2026-06-30"]
	assert.False(t, has6)
	assert.Equal(t, 5.0, snap["2026-07-01"])
}

func TestDailyPeaks_Top3Mean(t *testing.T) {
	d := NewDailyPeaks(time.UTC)
	d.Update("2026-07-01", 10)
	d.Update("2026-07-02", 8)
	d.Update("2026-07-03", 6)
	d.Update("2026-07-04", 1)

	assert.InDelta(t, 8.0, d.Top3Mean(), 0.0001)
}

func TestDailyPeaks_Top3MeanWithFewerThanThreeDays(t *testing.T) {
	d := NewDailyPeaks(time.UTC)
	d.Update("2026-07-01", 10)
	assert.Equal(t, 10.0, d.Top3Mean())
}

func TestTier_FirstExceeding(t *testing.T) {
	tier := Tier(4.5)
	assert.Equal(t, "2-5 kW", tier.Label)
}

func TestTier_TerminalInfinite(t *testing.T) {
	tier := Tier(1000)
	assert.True(t, math.IsInf(tier.MaxKW, 1))
}
