// Package frame holds the pixel containers shared by every pipeline stage:
// immutable source frames, render-target buffers and the ping-pong slot that
// carries the previous composited output into the next tick.
package frame

import (
	"fmt"
	"image"
	"image/color"
	"time"
)

// PixelFormat names the memory layout of a frame's pixels
type PixelFormat string

const (
	// FormatRGBA is 8-bit packed R, G, B, A, row-major, top row first
	FormatRGBA PixelFormat = "rgba"
)

// Frame is an immutable grid of pixels produced by a source.
// Nothing in the pipeline writes to a Frame after construction.
type Frame struct {
	img      *image.RGBA
	seq      uint64
	captured time.Time
}

// New wraps img as a frame. The frame takes ownership of img; the caller
// must not modify it afterwards.
func New(img *image.RGBA, seq uint64) *Frame {
	return &Frame{img: img, seq: seq, captured: time.Now()}
}

// NewAt is New with an explicit capture time
func NewAt(img *image.RGBA, seq uint64, captured time.Time) *Frame {
	return &Frame{img: img, seq: seq, captured: captured}
}

// Solid returns a frame filled with a single colour
func Solid(width, height int, c color.RGBA) *Frame {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	Fill(img, c)
	return New(img, 0)
}

// Blank returns a fully transparent frame
func Blank(width, height int) *Frame {
	return New(image.NewRGBA(image.Rect(0, 0, width, height)), 0)
}

// Image returns the backing pixels. Callers must treat it as read-only.
func (f *Frame) Image() *image.RGBA {
	return f.img
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	return f.img.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	return f.img.Bounds().Dy()
}

// Bounds returns the pixel rectangle
func (f *Frame) Bounds() image.Rectangle {
	return f.img.Bounds()
}

// Format returns the pixel format
func (f *Frame) Format() PixelFormat {
	return FormatRGBA
}

// Seq returns the source-assigned sequence number
func (f *Frame) Seq() uint64 {
	return f.seq
}

// Captured returns when the frame was constructed
func (f *Frame) Captured() time.Time {
	return f.captured
}

// CreatedTime returns the capture time; it lets frames be re-timed by
// github.com/jonoton/go-framebuffer.
func (f *Frame) CreatedTime() time.Time {
	return f.captured
}

// Interpolate returns a new frame blended from f toward other by factor
// (0 is f, 1 is other). Frames of different geometry are not blended and
// f is returned unchanged.
func (f *Frame) Interpolate(other *Frame, factor float64) *Frame {
	if other == nil || other.Bounds() != f.Bounds() || other.img.Stride != f.img.Stride {
		return f
	}
	if factor <= 0 {
		return f
	}
	if factor >= 1 {
		return other
	}

	out := image.NewRGBA(f.Bounds())
	a, b := f.img.Pix, other.img.Pix
	for i := range out.Pix {
		out.Pix[i] = uint8(float64(a[i])*(1-factor) + float64(b[i])*factor + 0.5)
	}
	captured := f.captured.Add(time.Duration(float64(other.captured.Sub(f.captured)) * factor))
	return NewAt(out, f.seq, captured)
}

// At returns the pixel at x, y
func (f *Frame) At(x, y int) color.RGBA {
	return f.img.RGBAAt(x, y)
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame#%d %dx%d", f.seq, f.Width(), f.Height())
}

// Fill sets every pixel of img to c
func Fill(img *image.RGBA, c color.RGBA) {
	b := img.Bounds()
	if b.Empty() {
		return
	}
	row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y):]
	w := b.Dx() * 4
	for i := 0; i < w; i += 4 {
		row[i] = c.R
		row[i+1] = c.G
		row[i+2] = c.B
		row[i+3] = c.A
	}
	for y := b.Min.Y + 1; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		copy(img.Pix[off:off+w], row[:w])
	}
}

// Clone returns a deep copy of img
func Clone(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	if img.Stride == out.Stride {
		copy(out.Pix, img.Pix)
		return out
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		copy(out.Pix[out.PixOffset(b.Min.X, y):], img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)])
	}
	return out
}
