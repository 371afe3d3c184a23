package output

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a Session
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionStreaming
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionStreaming:
		return "streaming"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// deviceSession adapts a Device to the Session contract
type deviceSession struct {
	id     string
	cfg    Config
	device Device

	mu       sync.Mutex
	state    SessionState
	pushed   uint64
	flipped  *image.RGBA
	closeErr error
}

// NewSession wraps an opened device in a session
func NewSession(cfg Config, device Device) Session {
	s := &deviceSession{
		id:     uuid.NewString(),
		cfg:    cfg,
		device: device,
		state:  SessionOpen,
	}

	logger.WithComponent("output").Info().
		Str("session", s.id).
		Str("device", device.Name()).
		Str("target", cfg.Target).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Str("pixel_format", cfg.PixelFormat).
		Bool("flip_vertical", cfg.FlipVertical).
		Msg("Output session opened")
	return s
}

func (s *deviceSession) ID() string {
	return s.id
}

func (s *deviceSession) Config() Config {
	return s.cfg
}

func (s *deviceSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *deviceSession) Pushed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushed
}

func (s *deviceSession) Push(buf *frame.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return fmt.Errorf("%w: session %s is closed", ErrSinkWrite, s.id)
	}

	img, err := buf.View()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}
	if img.Bounds().Dx() != s.cfg.Width || img.Bounds().Dy() != s.cfg.Height {
		return fmt.Errorf("%w: frame %v does not match session %dx%d",
			ErrSinkWrite, img.Bounds(), s.cfg.Width, s.cfg.Height)
	}

	if s.cfg.FlipVertical {
		if s.flipped == nil {
			s.flipped = image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
		}
		FlipVertical(s.flipped, img)
		img = s.flipped
	}

	if err := s.device.WriteFrame(img); err != nil {
		if errors.Is(err, ErrSinkWrite) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrSinkWrite, s.device.Name(), err)
	}

	s.state = SessionStreaming
	s.pushed++
	return nil
}

func (s *deviceSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return s.closeErr
	}
	s.state = SessionClosed
	s.closeErr = s.device.Close()

	logger.WithComponent("output").Info().
		Str("session", s.id).
		Uint64("pushed", s.pushed).
		Err(s.closeErr).
		Msg("Output session closed")
	return s.closeErr
}

// FlipVertical writes src into dst with rows in reverse order. Both must
// have the same size.
func FlipVertical(dst, src *image.RGBA) {
	b := src.Bounds()
	h := b.Dy()
	rowLen := b.Dx() * 4
	for y := 0; y < h; y++ {
		so := src.PixOffset(b.Min.X, b.Min.Y+y)
		do := dst.PixOffset(dst.Bounds().Min.X, dst.Bounds().Min.Y+h-1-y)
		copy(dst.Pix[do:do+rowLen], src.Pix[so:so+rowLen])
	}
}
