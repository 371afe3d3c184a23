package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/bryanchriswhite/LoopCam/internal/capture"
	"github.com/bryanchriswhite/LoopCam/internal/frame"
)

// BuildFunc creates a loop of the given geometry reading from source
type BuildFunc func(width, height int, source capture.Source) (*Loop, error)

// HostExtension lets a host render loop drive the pipeline. The host calls
// OnSetup once, then for every frame draws into the canvas returned by
// OnBeforeFrame and calls OnAfterFrame, which runs one tick with the canvas
// as the source frame.
type HostExtension struct {
	build   BuildFunc
	mailbox *capture.MailboxSource
	loop    *Loop
	canvas  *image.RGBA
	seq     uint64
}

// NewHostExtension creates an extension that builds its loop with build
func NewHostExtension(build BuildFunc) *HostExtension {
	return &HostExtension{build: build}
}

// OnSetup builds and starts the loop for a width x height canvas
func (h *HostExtension) OnSetup(width, height int) error {
	if h.loop != nil {
		return fmt.Errorf("%w: host extension already set up", ErrInvalidState)
	}

	h.mailbox = capture.NewMailboxSource()
	loop, err := h.build(width, height, h.mailbox)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := loop.Start(); err != nil {
		return err
	}

	h.loop = loop
	h.canvas = image.NewRGBA(image.Rect(0, 0, width, height))
	return nil
}

// OnBeforeFrame returns the cleared canvas for the host to draw into
func (h *HostExtension) OnBeforeFrame() *image.RGBA {
	if h.canvas == nil {
		return nil
	}
	clear(h.canvas.Pix)
	return h.canvas
}

// OnAfterFrame hands the host's canvas to the loop and runs one tick
func (h *HostExtension) OnAfterFrame() error {
	if h.loop == nil {
		return fmt.Errorf("%w: host extension not set up", ErrInvalidState)
	}
	h.mailbox.Publish(frame.New(frame.Clone(h.canvas), h.seq))
	h.seq++
	return h.loop.Step(context.Background())
}

// Loop returns the loop built by OnSetup, or nil before it
func (h *HostExtension) Loop() *Loop {
	return h.loop
}

// Close stops the loop
func (h *HostExtension) Close() error {
	if h.loop == nil {
		return nil
	}
	return h.loop.Stop()
}
