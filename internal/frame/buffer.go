package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
)

// ErrBufferBusy is returned when a buffer is read mid-write or bound twice
var ErrBufferBusy = errors.New("frame buffer is being written")

// BufferState is the write-phase state of a Buffer
type BufferState int

const (
	// BufferFree has never been written or was reset
	BufferFree BufferState = iota
	// BufferWriting is bound as a render target
	BufferWriting
	// BufferCommitted holds a finished frame that is safe to read
	BufferCommitted
)

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "free"
	case BufferWriting:
		return "writing"
	case BufferCommitted:
		return "committed"
	default:
		return fmt.Sprintf("BufferState(%d)", int(s))
	}
}

// Buffer is a mutable render target. Exactly one writer holds it between
// Begin and Commit; readers only see it outside that window.
type Buffer struct {
	id    int
	img   *image.RGBA
	state BufferState
	gen   uint64 // number of commits
	mu    sync.RWMutex
}

// NewBuffer allocates a width x height RGBA render target
func NewBuffer(id, width, height int) *Buffer {
	return &Buffer{
		id:  id,
		img: image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// ID identifies the buffer within its DoubleBuffer
func (b *Buffer) ID() int {
	return b.id
}

// State returns the current write-phase state
func (b *Buffer) State() BufferState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Generation returns how many times the buffer has been committed
func (b *Buffer) Generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gen
}

// Bounds returns the buffer geometry
func (b *Buffer) Bounds() image.Rectangle {
	return b.img.Bounds()
}

// Begin binds the buffer as a render target and returns its pixels for writing
func (b *Buffer) Begin() (*image.RGBA, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BufferWriting {
		return nil, fmt.Errorf("buffer %d: %w", b.id, ErrBufferBusy)
	}
	b.state = BufferWriting
	return b.img, nil
}

// Commit ends the write phase and makes the contents readable
func (b *Buffer) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BufferWriting {
		return fmt.Errorf("buffer %d: commit without begin (state %s)", b.id, b.state)
	}
	b.state = BufferCommitted
	b.gen++
	return nil
}

// View returns the pixels for reading. It fails while the buffer is bound.
// The returned image must not be modified.
func (b *Buffer) View() (*image.RGBA, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == BufferWriting {
		return nil, fmt.Errorf("buffer %d: %w", b.id, ErrBufferBusy)
	}
	return b.img, nil
}

// Snapshot copies the committed contents into a new Frame
func (b *Buffer) Snapshot() (*Frame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == BufferWriting {
		return nil, fmt.Errorf("buffer %d: %w", b.id, ErrBufferBusy)
	}
	return New(Clone(b.img), b.gen), nil
}

// Reset clears the buffer to c and marks it committed, so it reads as a
// finished background frame.
func (b *Buffer) Reset(c color.RGBA) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BufferWriting {
		return fmt.Errorf("buffer %d: %w", b.id, ErrBufferBusy)
	}
	Fill(b.img, c)
	b.state = BufferCommitted
	return nil
}
