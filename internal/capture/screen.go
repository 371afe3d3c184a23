package capture

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
)

// ScreenSource captures a region of the X11 root window
type ScreenSource struct {
	x, y          int
	width, height int

	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo
	seq    uint64
	mu     sync.Mutex
}

// NewScreenSource creates a source for the width x height region at x, y
func NewScreenSource(x, y, width, height int) *ScreenSource {
	return &ScreenSource{x: x, y: y, width: width, height: height}
}

// Name returns the source name
func (s *ScreenSource) Name() string {
	return fmt.Sprintf("screen:%d,%d", s.x, s.y)
}

// Start connects to the X server
func (s *ScreenSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w: %w", err, ErrSourceUnavailable)
	}

	setup := xproto.Setup(conn)
	s.conn = conn
	s.screen = setup.DefaultScreen(conn)
	s.root = s.screen.Root

	logger.WithComponent("capture").Info().
		Int("x", s.x).
		Int("y", s.y).
		Int("width", s.width).
		Int("height", s.height).
		Uint8("depth", s.screen.RootDepth).
		Msg("Screen capture started")
	return nil
}

// Stop closes the X11 connection
func (s *ScreenSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

// NextFrame grabs the region from the root window
func (s *ScreenSource) NextFrame(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, fmt.Errorf("%s: not connected: %w", s.Name(), ErrSourceUnavailable)
	}

	reply, err := xproto.GetImage(
		s.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(s.root),
		int16(s.x), int16(s.y),
		uint16(s.width), uint16(s.height),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w: %w", err, ErrSourceUnavailable)
	}

	img := convertImageData(reply.Data, s.width, s.height, int(s.screen.RootDepth))
	f := frame.New(img, s.seq)
	s.seq++
	return f, nil
}

// convertImageData converts 24/32-bit ZPixmap data (BGRx) to RGBA
func convertImageData(data []byte, width, height, depth int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if depth != 24 && depth != 32 {
		return img
	}

	for i := 0; i+3 < len(data) && i+3 < len(img.Pix); i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		img.Pix[i+3] = 255
	}
	return img
}
