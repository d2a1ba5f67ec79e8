// Package reading is the sample pipeline: ingest, smoothing and spike
// rejection for raw meter readings.
package reading

import "time"

// Source indicates where a Reading originated.
type Source string

const (
	SourceEvent   Source = "event"
	SourcePoll    Source = "poll"
	SourceInitial Source = "initial"
)

// Reading is a single immutable meter sample.
type Reading struct {
	Time       time.Time
	TotalWatts float64
	PhaseA     *float64 // amps
	PhaseB     *float64
	PhaseC     *float64
	Source     Source
}
