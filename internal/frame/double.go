package frame

import (
	"image/color"
)

// DoubleBuffer is the ping-pong pair {current, previous}. The compositor
// writes into Current while reading Previous; Swap exchanges the roles at
// the end of a tick. Only the driving loop calls Swap.
type DoubleBuffer struct {
	bufs [2]*Buffer
	cur  int
}

// NewDoubleBuffer allocates both buffers and clears previous to bg so the
// first tick has a committed feedback input.
func NewDoubleBuffer(width, height int, bg color.RGBA) *DoubleBuffer {
	d := &DoubleBuffer{
		bufs: [2]*Buffer{NewBuffer(0, width, height), NewBuffer(1, width, height)},
	}
	d.Previous().Reset(bg)
	return d
}

// Current is the buffer the next composite writes into
func (d *DoubleBuffer) Current() *Buffer {
	return d.bufs[d.cur]
}

// Previous holds the committed output of the last tick
func (d *DoubleBuffer) Previous() *Buffer {
	return d.bufs[1-d.cur]
}

// Swap exchanges the current and previous roles
func (d *DoubleBuffer) Swap() {
	d.cur = 1 - d.cur
}

// ResetPrevious clears the feedback buffer to bg
func (d *DoubleBuffer) ResetPrevious(bg color.RGBA) error {
	return d.Previous().Reset(bg)
}
