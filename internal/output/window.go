package output

import (
	"fmt"
	"image"
	"image/draw"
	"strconv"
	"strings"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
	xdraw "golang.org/x/image/draw"
)

// WindowSink previews frames in an X11 window. Target may be "WxH" to size
// the window independently of the frame; frames are aspect-fit inside it.
type WindowSink struct{}

// NewWindowSink creates an X11 preview sink
func NewWindowSink() *WindowSink {
	return &WindowSink{}
}

// Name returns the sink type name
func (s *WindowSink) Name() string {
	return "window"
}

// Open connects to the X server and maps the preview window
func (s *WindowSink) Open(cfg Config) (Session, error) {
	if err := cfg.Validate(PixelFormatRGBA); err != nil {
		return nil, err
	}

	w, h, err := parseWindowSize(cfg.Target, cfg.Width, cfg.Height)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkConfiguration, err)
	}

	d, err := openWindow(w, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkConfiguration, err)
	}
	return NewSession(cfg, d), nil
}

// parseWindowSize reads "WxH", defaulting to the frame size
func parseWindowSize(target string, defW, defH int) (int, int, error) {
	if target == "" {
		return defW, defH, nil
	}
	ws, hs, ok := strings.Cut(strings.ToLower(target), "x")
	if !ok {
		return 0, 0, fmt.Errorf("window size %q is not WxH", target)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 || w > 0xffff {
		return 0, 0, fmt.Errorf("invalid window width %q", ws)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 || h > 0xffff {
		return 0, 0, fmt.Errorf("invalid window height %q", hs)
	}
	return w, h, nil
}

type windowDevice struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	window xproto.Window
	gc     xproto.Gcontext
	width  int
	height int

	bitsPerPixel uint8
	scanlinePad  uint8
	canvas       *image.RGBA
	data         []byte
}

func openWindow(width, height int) (*windowDevice, error) {
	log := logger.WithComponent("window")

	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	d := &windowDevice{
		conn:   conn,
		screen: screen,
		width:  width,
		height: height,
		canvas: image.NewRGBA(image.Rect(0, 0, width, height)),
	}

	for _, format := range setup.PixmapFormats {
		if format.Depth == screen.RootDepth {
			d.bitsPerPixel = format.BitsPerPixel
			d.scanlinePad = format.ScanlinePad
			break
		}
	}
	if d.bitsPerPixel == 0 {
		conn.Close()
		return nil, fmt.Errorf("no pixmap format for depth %d", screen.RootDepth)
	}

	d.window, err = xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create window ID: %w", err)
	}

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		d.window,
		screen.Root,
		0, 0,
		uint16(width), uint16(height),
		0,
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create window: %w", err)
	}

	if err := d.setWindowTitle("LoopCam"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := d.setWindowClass("loopcam", "LoopCam"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(conn, d.window).Check(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to map window: %w", err)
	}

	d.gc, err = xproto.NewGcontextId(conn)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(conn, d.gc, xproto.Drawable(d.window), 0, nil).Check(); err != nil {
		d.gc = 0
		d.Close()
		return nil, fmt.Errorf("failed to create GC: %w", err)
	}
	conn.Sync()

	log.Info().
		Int("width", width).
		Int("height", height).
		Uint32("window_id", uint32(d.window)).
		Msg("Preview window created")
	return d, nil
}

func (d *windowDevice) Name() string {
	return "window"
}

// WriteFrame aspect-fits img into the window and uploads it
func (d *windowDevice) WriteFrame(img *image.RGBA) error {
	draw.Draw(d.canvas, d.canvas.Bounds(), image.Black, image.Point{}, draw.Src)
	xdraw.ApproxBiLinear.Scale(d.canvas, fitRect(img.Bounds(), d.width, d.height), img, img.Bounds(), xdraw.Over, nil)
	return d.putImage(d.canvas)
}

// fitRect returns the largest rectangle with src's aspect ratio centred in
// a w by h area
func fitRect(src image.Rectangle, w, h int) image.Rectangle {
	scale := float64(w) / float64(src.Dx())
	if sy := float64(h) / float64(src.Dy()); sy < scale {
		scale = sy
	}
	dw := int(float64(src.Dx()) * scale)
	dh := int(float64(src.Dy()) * scale)
	ox := (w - dw) / 2
	oy := (h - dh) / 2
	return image.Rect(ox, oy, ox+dw, oy+dh)
}

// encodeZPixmap converts img to the server's Z-pixmap layout
func encodeZPixmap(dst []byte, img *image.RGBA, bitsPerPixel, scanlinePad, depth uint8) ([]byte, int, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	bytesPerPixel := int(bitsPerPixel) / 8
	if bytesPerPixel != 3 && bytesPerPixel != 4 {
		return nil, 0, fmt.Errorf("unsupported bytes per pixel: %d", bytesPerPixel)
	}
	padBytes := int(scanlinePad) / 8
	if padBytes <= 0 {
		padBytes = 1
	}
	stride := ((w*bytesPerPixel + padBytes - 1) / padBytes) * padBytes

	if cap(dst) < stride*h {
		dst = make([]byte, stride*h)
	}
	dst = dst[:stride*h]

	for y := 0; y < h; y++ {
		row := y * stride
		so := img.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < w; x++ {
			si := so + x*4
			di := row + x*bytesPerPixel
			dst[di] = img.Pix[si+2]
			dst[di+1] = img.Pix[si+1]
			dst[di+2] = img.Pix[si]
			if bytesPerPixel == 4 {
				if depth == 32 {
					dst[di+3] = img.Pix[si+3]
				} else {
					dst[di+3] = 0
				}
			}
		}
	}
	return dst, stride, nil
}

// putImage uploads img in horizontal strips that fit the server's maximum
// request length
func (d *windowDevice) putImage(img *image.RGBA) error {
	depth := d.screen.RootDepth
	data, stride, err := encodeZPixmap(d.data, img, d.bitsPerPixel, d.scanlinePad, depth)
	if err != nil {
		return err
	}
	d.data = data

	maxBytes := int(xproto.Setup(d.conn).MaximumRequestLength)*4 - 32
	rows := maxBytes / stride
	if rows < 1 {
		return fmt.Errorf("window row of %d bytes exceeds request limit", stride)
	}

	for y := 0; y < d.height; y += rows {
		n := rows
		if y+n > d.height {
			n = d.height - y
		}
		err := xproto.PutImageChecked(
			d.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(d.window),
			d.gc,
			uint16(d.width),
			uint16(n),
			0, int16(y),
			0,
			depth,
			data[y*stride:(y+n)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}

	d.conn.Sync()
	return nil
}

func (d *windowDevice) Close() error {
	if d.gc != 0 {
		xproto.FreeGC(d.conn, d.gc)
	}
	if d.window != 0 {
		xproto.DestroyWindow(d.conn, d.window)
		d.conn.Sync()
	}
	d.conn.Close()

	logger.WithComponent("window").Info().Msg("Preview window closed")
	return nil
}

func (d *windowDevice) setWindowTitle(title string) error {
	titleAtom, err := d.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := d.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		d.conn,
		xproto.PropModeReplace,
		d.window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

func (d *windowDevice) setWindowClass(instance, class string) error {
	classAtom, err := d.getAtom("WM_CLASS")
	if err != nil {
		return err
	}
	// WM_CLASS format: instance\0class\0
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		d.conn,
		xproto.PropModeReplace,
		d.window,
		classAtom,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

func (d *windowDevice) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(d.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
