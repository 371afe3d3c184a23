// Package compositor produces one output frame per tick from the current
// source frame and the previous output, through the active transform and
// the overlay layers.
package compositor

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
	"github.com/bryanchriswhite/LoopCam/internal/transform"
	xdraw "golang.org/x/image/draw"
)

// Overlay draws procedural graphics over a finished frame
type Overlay interface {
	Render(img *image.RGBA, params transform.Params) error
}

// Config holds the compositor geometry
type Config struct {
	Width  int
	Height int

	// Background, when set, clears the target before every tick and fills
	// in for missing source frames. When nil the target keeps whatever it
	// held from two ticks ago until the transform overwrites it.
	Background *color.RGBA
}

// Compositor is driven by a single loop goroutine and is not safe for
// concurrent Composite calls.
type Compositor struct {
	cfg      Config
	slot     *transform.Slot
	overlays Overlay

	scaled *image.RGBA // reused for sources that need rescaling
	blank  *image.RGBA // substitute for a missing source

	failing string // name of the transform currently failing, for log dedup
}

// New creates a compositor. overlays may be nil.
func New(cfg Config, slot *transform.Slot, overlays Overlay) (*Compositor, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid compositor geometry %dx%d", cfg.Width, cfg.Height)
	}
	if slot == nil {
		slot = transform.NewSlot(nil)
	}

	c := &Compositor{
		cfg:      cfg,
		slot:     slot,
		overlays: overlays,
		blank:    image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
	}
	if cfg.Background != nil {
		frame.Fill(c.blank, *cfg.Background)
	}
	return c, nil
}

// Bounds returns the output geometry
func (c *Compositor) Bounds() image.Rectangle {
	return image.Rect(0, 0, c.cfg.Width, c.cfg.Height)
}

// Slot returns the transform slot read at the start of each composite
func (c *Compositor) Slot() *transform.Slot {
	return c.slot
}

// Composite renders one tick into target and commits it. previous must be
// committed and distinct from target. A nil src is replaced by a blank (or
// background) frame.
//
// If the transform fails the frame is redone with passthrough and still
// committed; the returned error then wraps transform.ErrTransformRuntime
// and is not fatal. Any other error leaves target uncommitted.
func (c *Compositor) Composite(src *frame.Frame, previous, target *frame.Buffer, params transform.Params) (*frame.Buffer, error) {
	if previous == nil || target == nil {
		return nil, fmt.Errorf("composite requires both buffers")
	}
	if previous == target {
		return nil, fmt.Errorf("previous and target are the same buffer %d", target.ID())
	}
	if target.Bounds() != c.Bounds() || previous.Bounds() != c.Bounds() {
		return nil, fmt.Errorf("buffer geometry %v does not match compositor %v", target.Bounds(), c.Bounds())
	}

	prevImg, err := previous.View()
	if err != nil {
		return nil, fmt.Errorf("failed to read previous buffer: %w", err)
	}

	dst, err := target.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to bind target buffer: %w", err)
	}

	if c.cfg.Background != nil {
		frame.Fill(dst, *c.cfg.Background)
	}

	in := transform.Input{
		Source:   c.sourceImage(src),
		Previous: prevImg,
		Params:   params,
	}

	// one load per tick; a swap mid-tick is seen on the next one
	t := c.slot.Load()

	var runErr error
	if err := transform.Run(t, dst, in); err != nil {
		runErr = err
		c.logFailure(t, err)
		if fallbackErr := transform.Run(transform.NewPassthrough(), dst, in); fallbackErr != nil {
			// the fallback error wraps ErrTransformRuntime too, so the
			// buffer is committed like any other recovered tick
			_ = target.Commit()
			return target, fmt.Errorf("passthrough fallback failed: %w", fallbackErr)
		}
	} else if c.failing != "" {
		logger.WithComponent("compositor").Info().
			Str("transform", t.Name()).
			Msg("Transform recovered")
		c.failing = ""
	}

	if c.overlays != nil {
		if err := c.overlays.Render(dst, params); err != nil {
			logger.WithComponent("compositor").Warn().Err(err).Msg("Overlay render failed")
		}
	}

	if err := target.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit target buffer: %w", err)
	}
	return target, runErr
}

// sourceImage returns src as an image matching the output geometry
func (c *Compositor) sourceImage(src *frame.Frame) *image.RGBA {
	if src == nil {
		return c.blank
	}

	img := src.Image()
	if img.Bounds() == c.Bounds() {
		return img
	}

	if c.scaled == nil {
		c.scaled = image.NewRGBA(c.Bounds())
	}
	xdraw.BiLinear.Scale(c.scaled, c.scaled.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return c.scaled
}

func (c *Compositor) logFailure(t transform.Transform, err error) {
	if c.failing == t.Name() {
		return
	}
	c.failing = t.Name()

	ev := logger.WithComponent("compositor").Warn().Err(err).Str("transform", t.Name())
	if !errors.Is(err, transform.ErrTransformRuntime) {
		ev = ev.Bool("unexpected", true)
	}
	ev.Msg("Transform failed, falling back to passthrough")
}
