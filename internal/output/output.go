// Package output delivers committed frames to the outside world: a v4l2
// virtual camera through ffmpeg, an MJPEG HTTP stream, an X11 preview window
// or a numbered PNG sequence.
package output

import (
	"errors"
	"fmt"
	"image"

	"github.com/bryanchriswhite/LoopCam/internal/config"
	"github.com/bryanchriswhite/LoopCam/internal/frame"
)

var (
	// ErrSinkConfiguration means the device rejected the requested geometry,
	// pixel format or target. It is fatal at startup.
	ErrSinkConfiguration = errors.New("sink configuration error")

	// ErrSinkWrite means the device did not accept a frame. The session
	// stays consistent; the caller may push again on the next tick.
	ErrSinkWrite = errors.New("sink write error")
)

// Pixel formats understood by sinks
const (
	PixelFormatRGBA    = "rgba"
	PixelFormatYUV420P = "yuv420p"
)

// Config describes the stream a session is opened for
type Config struct {
	Width        int
	Height       int
	PixelFormat  string // format the device receives
	Target       string // device path, directory or address, depending on the sink
	FlipVertical bool   // rows are reversed before the device sees the frame
	FPS          int
}

// Validate checks geometry and that the pixel format is one of supported
func (c Config) Validate(supported ...string) error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: invalid geometry %dx%d", ErrSinkConfiguration, c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("%w: invalid fps %d", ErrSinkConfiguration, c.FPS)
	}
	for _, f := range supported {
		if c.PixelFormat == f {
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported pixel format %q (supported: %v)", ErrSinkConfiguration, c.PixelFormat, supported)
}

// Sink opens sessions on an output device
type Sink interface {
	// Name returns a human-readable name for this sink type
	Name() string

	// Open configures the device and returns a session accepting frames.
	// Errors wrap ErrSinkConfiguration.
	Open(cfg Config) (Session, error)
}

// Session is one open connection to a device
type Session interface {
	// ID uniquely identifies the session
	ID() string

	// State returns open, streaming or closed
	State() SessionState

	// Config returns the configuration the session was opened with
	Config() Config

	// Push sends a committed buffer to the device. Errors wrap ErrSinkWrite.
	Push(buf *frame.Buffer) error

	// Pushed returns how many frames the device accepted
	Pushed() uint64

	// Close releases the device. It is idempotent and safe after errors.
	Close() error
}

// Device is the driver behind a session. WriteFrame receives frames that
// are already flipped when requested.
type Device interface {
	Name() string
	WriteFrame(img *image.RGBA) error
	Close() error
}

// FromConfig builds the sink and session config selected by the config file
func FromConfig(sc config.SinkConfig, pc config.PipelineConfig) (Sink, Config, error) {
	cfg := Config{
		Width:        pc.Width,
		Height:       pc.Height,
		PixelFormat:  PixelFormatRGBA,
		Target:       sc.Target,
		FlipVertical: sc.FlipVertical,
		FPS:          pc.FPS,
	}

	switch sc.Type {
	case "v4l2":
		cfg.PixelFormat = sc.PixelFormat
		if cfg.Target == "" {
			cfg.Target = "/dev/video10"
		}
		return NewFFmpegSink(sc.FFmpegPath), cfg, nil
	case "", "mjpeg":
		return NewMJPEGSink(sc.Quality), cfg, nil
	case "window":
		return NewWindowSink(), cfg, nil
	case "png":
		if cfg.Target == "" {
			cfg.Target = "frames"
		}
		return NewPNGSink(), cfg, nil
	default:
		return nil, cfg, fmt.Errorf("%w: unknown sink type %q", ErrSinkConfiguration, sc.Type)
	}
}
