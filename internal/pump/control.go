package pump

import "sync/atomic"

// ControlState carries the signals the control side raises for the pump.
// The pump reads each flag once per tick.
type ControlState struct {
	stop       atomic.Bool
	reset      atomic.Bool
	processing atomic.Bool
}

func NewControlState(processing bool) *ControlState {
	c := &ControlState{}
	c.processing.Store(processing)
	return c
}

func (c *ControlState) RequestStop() {
	c.stop.Store(true)
}

func (c *ControlState) StopRequested() bool {
	return c.stop.Load()
}

func (c *ControlState) RequestReset() {
	c.reset.Store(true)
}

func (c *ControlState) ResetRequested() bool {
	return c.reset.Load()
}

// takeReset clears a pending reset and reports whether one was pending.
func (c *ControlState) takeReset() bool {
	return c.reset.Swap(false)
}

func (c *ControlState) SetProcessing(enabled bool) {
	c.processing.Store(enabled)
}

func (c *ControlState) ProcessingEnabled() bool {
	return c.processing.Load()
}

// ToggleProcessing flips processing and returns the new value.
func (c *ControlState) ToggleProcessing() bool {
	for {
		old := c.processing.Load()
		if c.processing.CompareAndSwap(old, !old) {
			return !old
		}
	}
}
