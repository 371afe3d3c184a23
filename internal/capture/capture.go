// Package capture provides the frame sources that feed the pipeline:
// procedural patterns, fixed sequences, a camera through gst-launch, the
// X11 screen or a single window, and a mailbox fed by a host render loop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/LoopCam/internal/config"
	"github.com/bryanchriswhite/LoopCam/internal/frame"
)

// ErrSourceUnavailable means the source cannot produce frames any more:
// the device disconnected, the subprocess exited or the sequence ended.
var ErrSourceUnavailable = errors.New("frame source unavailable")

// Source produces one frame per call to NextFrame. Each call advances the
// source; a stream is not restartable once stopped.
type Source interface {
	// Name returns a human-readable name for this source
	Name() string

	// Start acquires devices and starts any background readers
	Start() error

	// Stop releases resources and stops any background processes
	Stop() error

	// NextFrame returns the next frame. A nil frame with a nil error means
	// nothing was produced this tick. Errors wrapping ErrSourceUnavailable
	// are permanent.
	NextFrame(ctx context.Context) (*frame.Frame, error)
}

// NewFromConfig builds the source described by cfg for the given output
// geometry and rate. When cfg.Fallback names a pattern the source is wrapped
// in a FallbackSource.
func NewFromConfig(cfg config.SourceConfig, width, height, fps int) (Source, error) {
	primary, err := newSource(cfg, width, height, fps)
	if err != nil {
		return nil, err
	}

	if cfg.Fallback == "" {
		return primary, nil
	}

	replacement, err := NewPatternSource(cfg.Fallback, width, height)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback: %w", err)
	}
	return NewFallbackSource(primary, replacement), nil
}

func newSource(cfg config.SourceConfig, width, height, fps int) (Source, error) {
	switch cfg.Type {
	case "", "pattern":
		p, err := NewPatternSource(cfg.Pattern, width, height)
		if err != nil {
			return nil, err
		}
		if cfg.Color != "" {
			c, err := frame.ParseColor(cfg.Color)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern color: %w", err)
			}
			p.SetColor(c)
		}
		return p, nil
	case "sequence":
		return NewSequenceFromColors(cfg.Colors, width, height, cfg.Loop)
	case "camera":
		timeout := time.Duration(cfg.FrameTimeoutMS) * time.Millisecond
		return NewCameraSource(cfg.Device, width, height, fps, timeout), nil
	case "screen":
		return NewScreenSource(cfg.X, cfg.Y, width, height), nil
	case "window":
		return NewWindowSource(cfg.Window)
	case "mailbox":
		return NewMailboxSource(), nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", cfg.Type)
	}
}
