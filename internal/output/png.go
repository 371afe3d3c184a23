package output

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

// PNGSink writes each frame to a numbered file in the target directory.
// Useful for offline renders and tests.
type PNGSink struct{}

// NewPNGSink creates a PNG sequence sink
func NewPNGSink() *PNGSink {
	return &PNGSink{}
}

// Name returns the sink type name
func (s *PNGSink) Name() string {
	return "png"
}

// Open creates the target directory
func (s *PNGSink) Open(cfg Config) (Session, error) {
	if err := cfg.Validate(PixelFormatRGBA); err != nil {
		return nil, err
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("%w: no output directory configured", ErrSinkConfiguration)
	}
	if err := os.MkdirAll(cfg.Target, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create %s: %w", ErrSinkConfiguration, cfg.Target, err)
	}
	return NewSession(cfg, &pngDevice{dir: cfg.Target}), nil
}

// FramePath returns the file frame n is written to
func FramePath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("frame-%06d.png", n))
}

type pngDevice struct {
	dir string
	n   int
}

func (d *pngDevice) Name() string {
	return "png"
}

func (d *pngDevice) WriteFrame(img *image.RGBA) error {
	f, err := os.Create(FramePath(d.dir, d.n))
	if err != nil {
		return fmt.Errorf("failed to create frame file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	d.n++
	return nil
}

func (d *pngDevice) Close() error {
	return nil
}
