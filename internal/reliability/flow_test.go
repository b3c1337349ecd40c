package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func runFlow(f *FlowControl, total, dt, rtt time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += dt {
		f.Update(dt, rtt)
	}
}

func TestFlowControlStartsBad(t *testing.T) {
	f := NewFlowControl()
	assert.Equal(t, FlowBad, f.Mode())
	assert.Equal(t, 4*time.Second, f.PenaltyTime())
	assert.Equal(t, 10.0, f.SendRate())
	assert.Equal(t, 100*time.Millisecond, f.SendInterval())
}

func TestFlowControlRecoversAfterPenalty(t *testing.T) {
	f := NewFlowControl()
	dt := 100 * time.Millisecond

	runFlow(f, 4*time.Second, dt, 50*time.Millisecond)
	assert.Equal(t, FlowBad, f.Mode(), "must exceed the penalty, not just reach it")

	f.Update(dt, 50*time.Millisecond)
	assert.Equal(t, FlowGood, f.Mode())
	assert.Equal(t, 30.0, f.SendRate())
}

func TestFlowControlBadRTTResetsRecovery(t *testing.T) {
	f := NewFlowControl()
	dt := 100 * time.Millisecond

	runFlow(f, 3*time.Second, dt, 50*time.Millisecond)
	f.Update(dt, 300*time.Millisecond)
	runFlow(f, 3*time.Second, dt, 50*time.Millisecond)
	assert.Equal(t, FlowBad, f.Mode())
}

func TestFlowControlFlappingDoublesPenalty(t *testing.T) {
	f := NewFlowControl()
	dt := 100 * time.Millisecond

	runFlow(f, 5*time.Second, dt, 0)
	assert.Equal(t, FlowGood, f.Mode())

	f.Update(dt, time.Second)
	assert.Equal(t, FlowBad, f.Mode())
	assert.Equal(t, 8*time.Second, f.PenaltyTime())
}

func TestFlowControlPenaltyCapped(t *testing.T) {
	f := NewFlowControl()
	dt := 100 * time.Millisecond

	for i := 0; i < 10; i++ {
		runFlow(f, f.PenaltyTime()+time.Second, dt, 0)
		assert.Equal(t, FlowGood, f.Mode())
		f.Update(dt, time.Second)
	}
	assert.Equal(t, 60*time.Second, f.PenaltyTime())
}

func TestFlowControlStableGoodHalvesPenalty(t *testing.T) {
	f := NewFlowControl()
	dt := 100 * time.Millisecond

	runFlow(f, 5*time.Second, dt, 0)
	assert.Equal(t, FlowGood, f.Mode())

	runFlow(f, 11*time.Second, dt, 0)
	assert.Equal(t, 2*time.Second, f.PenaltyTime())

	runFlow(f, 60*time.Second, dt, 0)
	assert.Equal(t, time.Second, f.PenaltyTime())
	assert.Equal(t, FlowGood, f.Mode())
}

func TestFlowControlResetIsIdempotent(t *testing.T) {
	f := NewFlowControl()
	runFlow(f, 5*time.Second, 100*time.Millisecond, 0)

	f.Reset()
	first := *f
	f.Reset()
	assert.Equal(t, first, *f)
	assert.Equal(t, "bad", f.Mode().String())
}
