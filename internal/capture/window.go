package capture

import (
	"context"
	"fmt"
	"image"
	"regexp"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
)

// FocusedWindow selects whichever window has focus instead of matching by name
const FocusedWindow = "focused"

// WindowInfo describes a top-level X11 client window
type WindowInfo struct {
	ID     uint32
	Title  string
	Class  string
	Width  int
	Height int
}

// WindowSource captures the on-screen contents of one X11 window. The window
// is chosen by a regular expression matched against its title and class, or
// is the focused window. Lookups are repeated every refresh ticks so the
// source follows focus changes and windows that are closed and reopened.
// Frames take the window's size; the compositor scales them to the output.
type WindowSource struct {
	match   string
	pattern *regexp.Regexp
	refresh int

	conn    *xgb.Conn
	root    xproto.Window
	screen  *xproto.ScreenInfo
	atoms   map[string]xproto.Atom
	current *WindowInfo
	since   int
	seq     uint64
	mu      sync.Mutex
}

// NewWindowSource creates a window source. An empty match or "focused"
// follows the focused window.
func NewWindowSource(match string) (*WindowSource, error) {
	s := &WindowSource{match: match, refresh: 30, atoms: make(map[string]xproto.Atom)}
	if match != "" && match != FocusedWindow {
		re, err := regexp.Compile(match)
		if err != nil {
			return nil, fmt.Errorf("invalid window pattern %q: %w", match, err)
		}
		s.pattern = re
	}
	return s, nil
}

// Name returns the source name
func (s *WindowSource) Name() string {
	if s.pattern == nil {
		return "window:" + FocusedWindow
	}
	return "window:" + s.match
}

// Start connects to the X server
func (s *WindowSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w: %w", err, ErrSourceUnavailable)
	}
	s.conn = conn
	s.screen = xproto.Setup(conn).DefaultScreen(conn)
	s.root = s.screen.Root

	logger.WithComponent("capture").Info().
		Str("window", s.Name()).
		Msg("Window capture started")
	return nil
}

// Stop closes the X11 connection
func (s *WindowSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.current = nil
	return nil
}

// Current returns the window being captured, if any
func (s *WindowSource) Current() (WindowInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return WindowInfo{}, false
	}
	return *s.current, true
}

// NextFrame grabs the window's visible area. While no window matches the
// source produces nothing, since the window may still appear.
func (s *WindowSource) NextFrame(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, fmt.Errorf("%s: not connected: %w", s.Name(), ErrSourceUnavailable)
	}

	log := logger.WithComponent("capture")

	if s.current == nil || s.since >= s.refresh {
		s.since = 0
		info, ok, err := s.resolve()
		if err != nil {
			log.Debug().Err(err).Str("window", s.Name()).Msg("Window lookup failed")
		}
		if !ok {
			s.current = nil
			return nil, nil
		}
		if s.current == nil || s.current.ID != info.ID {
			log.Info().
				Uint32("id", info.ID).
				Str("title", info.Title).
				Str("class", info.Class).
				Msg("Capturing window")
		}
		s.current = &info
	}
	s.since++

	img, err := s.grab(xproto.Window(s.current.ID))
	if err != nil {
		log.Debug().Err(err).Uint32("id", s.current.ID).Msg("Window capture failed")
		s.current = nil
		return nil, nil
	}
	if img == nil {
		return nil, nil
	}

	f := frame.New(img, s.seq)
	s.seq++
	return f, nil
}

// grab reads the window's rectangle from the root so overlapping windows
// appear as they do on screen. Off-screen parts are clipped away.
func (s *WindowSource) grab(win xproto.Window) (*image.RGBA, error) {
	geom, err := xproto.GetGeometry(s.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get geometry: %w", err)
	}
	pos, err := xproto.TranslateCoordinates(s.conn, win, s.root, 0, 0).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to translate coordinates: %w", err)
	}

	r := clipRect(int(pos.DstX), int(pos.DstY), int(geom.Width), int(geom.Height),
		int(s.screen.WidthInPixels), int(s.screen.HeightInPixels))
	if r.Empty() {
		return nil, nil
	}

	reply, err := xproto.GetImage(
		s.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(s.root),
		int16(r.Min.X), int16(r.Min.Y),
		uint16(r.Dx()), uint16(r.Dy()),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return convertImageData(reply.Data, r.Dx(), r.Dy(), int(s.screen.RootDepth)), nil
}

func (s *WindowSource) resolve() (WindowInfo, bool, error) {
	if s.pattern == nil {
		win, err := s.focused()
		if err != nil {
			return WindowInfo{}, false, err
		}
		if win == 0 || win == s.root {
			return WindowInfo{}, false, nil
		}
		return s.windowInfo(win), true, nil
	}

	ids, err := s.clientList()
	if err != nil {
		return WindowInfo{}, false, err
	}
	windows := make([]WindowInfo, 0, len(ids))
	for _, id := range ids {
		windows = append(windows, s.windowInfo(id))
	}
	info, ok := matchWindow(windows, s.pattern)
	return info, ok, nil
}

// focused prefers _NET_ACTIVE_WINDOW, which names the top-level client,
// over the input focus, which may be a child of it
func (s *WindowSource) focused() (xproto.Window, error) {
	if atom, err := s.atom("_NET_ACTIVE_WINDOW"); err == nil {
		reply, err := xproto.GetProperty(s.conn, false, s.root, atom, xproto.AtomWindow, 0, 1).Reply()
		if err == nil {
			if ids := parseWindowIDs(reply.Value); len(ids) > 0 && ids[0] != 0 {
				return ids[0], nil
			}
		}
	}

	reply, err := xproto.GetInputFocus(s.conn).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to get input focus: %w", err)
	}
	return reply.Focus, nil
}

func (s *WindowSource) clientList() ([]xproto.Window, error) {
	atom, err := s.atom("_NET_CLIENT_LIST")
	if err == nil {
		reply, err := xproto.GetProperty(s.conn, false, s.root, atom, xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
		if err == nil && reply.ValueLen > 0 {
			return parseWindowIDs(reply.Value), nil
		}
	}

	// window managers without EWMH
	tree, err := xproto.QueryTree(s.conn, s.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to query window tree: %w", err)
	}
	return tree.Children, nil
}

func (s *WindowSource) windowInfo(win xproto.Window) WindowInfo {
	info := WindowInfo{ID: uint32(win)}

	if geom, err := xproto.GetGeometry(s.conn, xproto.Drawable(win)).Reply(); err == nil {
		info.Width = int(geom.Width)
		info.Height = int(geom.Height)
	}

	info.Title = s.property(win, "_NET_WM_NAME")
	if info.Title == "" {
		info.Title = s.property(win, "WM_NAME")
	}
	info.Class = parseWMClass(s.property(win, "WM_CLASS"))
	return info
}

func (s *WindowSource) atom(name string) (xproto.Atom, error) {
	if a, ok := s.atoms[name]; ok {
		return a, nil
	}
	reply, err := xproto.InternAtom(s.conn, true, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	if reply.Atom == xproto.AtomNone {
		return 0, fmt.Errorf("atom %s not defined", name)
	}
	s.atoms[name] = reply.Atom
	return reply.Atom, nil
}

func (s *WindowSource) property(win xproto.Window, name string) string {
	atom, err := s.atom(name)
	if err != nil {
		return ""
	}
	reply, err := xproto.GetProperty(s.conn, false, win, atom, xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
	if err != nil || reply.ValueLen == 0 {
		return ""
	}
	return string(reply.Value)
}

// parseWindowIDs decodes a property holding 32-bit little-endian window IDs
func parseWindowIDs(value []byte) []xproto.Window {
	ids := make([]xproto.Window, 0, len(value)/4)
	for i := 0; i+4 <= len(value); i += 4 {
		ids = append(ids, xproto.Window(uint32(value[i])|
			uint32(value[i+1])<<8|
			uint32(value[i+2])<<16|
			uint32(value[i+3])<<24))
	}
	return ids
}

// parseWMClass returns the class half of WM_CLASS ("instance\0class\0"),
// falling back to the instance
func parseWMClass(raw string) string {
	parts := strings.Split(raw, "\x00")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	return parts[0]
}

// matchWindow returns the first window whose title or class matches re.
// Unnamed and zero-sized windows are skipped.
func matchWindow(windows []WindowInfo, re *regexp.Regexp) (WindowInfo, bool) {
	for _, w := range windows {
		if w.Title == "" && w.Class == "" {
			continue
		}
		if w.Width <= 0 || w.Height <= 0 {
			continue
		}
		if re.MatchString(w.Title) || re.MatchString(w.Class) {
			return w, true
		}
	}
	return WindowInfo{}, false
}

// clipRect intersects a window rectangle with the screen
func clipRect(x, y, w, h, screenW, screenH int) image.Rectangle {
	return image.Rect(x, y, x+w, y+h).Intersect(image.Rect(0, 0, screenW, screenH))
}
