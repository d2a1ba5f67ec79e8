package reading

// SpikeState tracks consecutive spike rejections. Reset whenever any reading
// is accepted.
type SpikeState struct {
	ConsecutiveFiltered int
	LastFilteredValue   *float64
}

// Reset clears the spike state back to its zero value.
func (s *SpikeState) Reset() {
	s.ConsecutiveFiltered = 0
	s.LastFilteredValue = nil
}

// recordFiltered records a new rejected reading.
func (s *SpikeState) recordFiltered(v float64) {
	s.ConsecutiveFiltered++
	val := v
	s.LastFilteredValue = &val
}

// baselineResetThreshold is the number of consecutive filtered readings after
// which the filter gives up and treats the new value as a legitimate baseline.
const baselineResetThreshold = 3
