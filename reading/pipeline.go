package reading

import "math"

// headroomPadW is the fixed additional allowance added on top of any
// charger/heater headroom when deciding whether a jump is a legitimate surge.
const headroomPadW = 500

// HeadroomProvider supplies the two headroom estimates the spike test needs:
// how much additional load a connected EV charger or a heating device could
// plausibly explain. Implemented by the supervisor, which has visibility into
// both the charger controller's live data and the priority list.
type HeadroomProvider interface {
	// MaxChargerHeadroomW returns the sum, over every currently-connected EV
	// charger, of voltage(phases) * circuitLimitA.
	MaxChargerHeadroomW() float64
	// MaxHeaterHeadroomW returns the sum of peak observed wattage for every
	// thermostat/heater priority entry, falling back to a 1000W/entry estimate
	// when there's no observed history.
	MaxHeaterHeadroomW() float64
}

// noopHeadroom is used when no HeadroomProvider is configured (e.g. in tests
// that only exercise the buffer/spike mechanics).
type noopHeadroom struct{}

func (noopHeadroom) MaxChargerHeadroomW() float64 { return 0 }
func (noopHeadroom) MaxHeaterHeadroomW() float64  { return 0 }

// Pipeline coerces, smooths and spike-filters raw meter readings.
type Pipeline struct {
	Buffer PowerBuffer
	Spike  SpikeState

	SmoothingWindow int
	SpikeMultiplier float64

	Headroom HeadroomProvider
}

// NewPipeline creates a Pipeline with the given smoothing window and spike
// multiplier. headroom may be nil, in which case no spike is ever forgiven by
// charger/heater headroom (a reading above avg*multiplier is then accepted
// only if it is within the fixed headroomPadW above the average).
func NewPipeline(smoothingWindow int, spikeMultiplier float64, headroom HeadroomProvider) *Pipeline {
	if headroom == nil {
		headroom = noopHeadroom{}
	}
	return &Pipeline{
		SmoothingWindow: smoothingWindow,
		SpikeMultiplier: spikeMultiplier,
		Headroom:        headroom,
	}
}

// Result describes the outcome of processing one raw reading.
type Result struct {
	Accepted        bool    // whether the reading was accepted into the buffer
	Value           float64 // the (clamped) accepted value; zero if rejected
	Smoothed        float64 // moving average after this reading was processed
	ResetToBaseline bool    // true if this reading reset the buffer to a new baseline
}

// Ingest runs the sample pipeline algorithm for one raw reading.
func (p *Pipeline) Ingest(raw float64) Result {
	if math.IsNaN(raw) {
		return Result{}
	}
	if raw < 0 {
		raw = 0 // solar export is not usage
	}

	avg := p.Buffer.MovingAverage(p.SmoothingWindow)

	if p.Buffer.Len() >= p.SmoothingWindow && raw > avg*p.SpikeMultiplier {
		maxChargerW := p.Headroom.MaxChargerHeadroomW()
		maxHeaterW := p.Headroom.MaxHeaterHeadroomW()
		allowedJump := avg + maxChargerW + maxHeaterW + headroomPadW

		if raw > allowedJump {
			p.Spike.recordFiltered(raw)

			if p.Spike.ConsecutiveFiltered >= baselineResetThreshold {
				p.Buffer.Reset(raw, raw, raw)
				p.Spike.Reset()
				return Result{
					Accepted:        true,
					Value:           raw,
					Smoothed:        p.Buffer.MovingAverage(p.SmoothingWindow),
					ResetToBaseline: true,
				}
			}
			return Result{}
		}
		// raw is within the allowed jump given current headroom: accept as a
		// legitimate surge and fall through to the normal accept path.
	}

	p.Buffer.Push(raw)
	p.Spike.Reset()

	return Result{
		Accepted: true,
		Value:    raw,
		Smoothed: p.Buffer.MovingAverage(p.SmoothingWindow),
	}
}
