package reliability

import "time"

// FlowMode is the current send-rate regime of a FlowControl.
type FlowMode int

const (
	FlowBad FlowMode = iota
	FlowGood
)

func (m FlowMode) String() string {
	if m == FlowGood {
		return "good"
	}
	return "bad"
}

const (
	flowRTTThreshold   = 250 * time.Millisecond
	flowInitialPenalty = 4 * time.Second
	flowMinPenalty     = time.Second
	flowMaxPenalty     = 60 * time.Second
	flowStableInterval = 10 * time.Second

	goodSendRate = 30
	badSendRate  = 10
)

// FlowControl is a two-state send-rate controller. It drops to the bad rate
// as soon as RTT crosses the threshold and only climbs back after RTT stays
// below it for the current penalty time. Flapping doubles the penalty;
// sustained good conditions halve it.
type FlowControl struct {
	mode             FlowMode
	penaltyTime      time.Duration
	goodConditions   time.Duration
	penaltyReduction time.Duration
}

// NewFlowControl returns a controller in bad mode.
func NewFlowControl() *FlowControl {
	f := &FlowControl{}
	f.Reset()
	return f
}

func (f *FlowControl) Reset() {
	f.mode = FlowBad
	f.penaltyTime = flowInitialPenalty
	f.goodConditions = 0
	f.penaltyReduction = 0
}

// Update feeds one tick of elapsed time and the current RTT estimate.
func (f *FlowControl) Update(dt, rtt time.Duration) {
	if f.mode == FlowGood {
		if rtt > flowRTTThreshold {
			f.mode = FlowBad
			if f.goodConditions < flowStableInterval && f.penaltyTime < flowMaxPenalty {
				f.penaltyTime = min(f.penaltyTime*2, flowMaxPenalty)
			}
			f.goodConditions = 0
			f.penaltyReduction = 0
			return
		}

		f.goodConditions += dt
		f.penaltyReduction += dt
		if f.penaltyReduction > flowStableInterval && f.penaltyTime > flowMinPenalty {
			f.penaltyTime = max(f.penaltyTime/2, flowMinPenalty)
			f.penaltyReduction = 0
		}
		return
	}

	if rtt <= flowRTTThreshold {
		f.goodConditions += dt
	} else {
		f.goodConditions = 0
	}
	if f.goodConditions > f.penaltyTime {
		f.mode = FlowGood
		f.goodConditions = 0
		f.penaltyReduction = 0
	}
}

func (f *FlowControl) Mode() FlowMode             { return f.mode }
func (f *FlowControl) PenaltyTime() time.Duration { return f.penaltyTime }

// SendRate returns packets per second for the current mode.
func (f *FlowControl) SendRate() float64 {
	if f.mode == FlowGood {
		return goodSendRate
	}
	return badSendRate
}

// SendInterval is the tick between sends at the current rate.
func (f *FlowControl) SendInterval() time.Duration {
	return time.Duration(float64(time.Second) / f.SendRate())
}
