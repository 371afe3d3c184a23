package overlay

import (
	"image"
	"sync"

	"github.com/bryanchriswhite/LoopCam/internal/transform"
)

// Layer is a procedural graphic drawn over the composited frame each tick
type Layer interface {
	// ID returns the unique identifier for this layer instance
	ID() string

	// Type returns the layer type name
	Type() string

	// Z orders layers; lower values are drawn first
	Z() int

	// Render draws the layer onto img using the tick's parameters
	Render(img *image.RGBA, params transform.Params) error

	// GetConfig returns the layer's configuration as a map
	GetConfig() map[string]interface{}

	// UpdateConfig updates the layer's configuration
	UpdateConfig(config map[string]interface{}) error

	// IsEnabled returns whether the layer should be rendered
	IsEnabled() bool

	// SetEnabled sets whether the layer should be rendered
	SetEnabled(enabled bool)
}

// BaseLayer provides the fields shared by all layers. Config updates arrive
// from the API while the loop renders, so access goes through mu.
type BaseLayer struct {
	mu      sync.RWMutex
	id      string
	enabled bool
	x       int
	y       int
	z       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseLayer creates a new base layer
func NewBaseLayer(id string, x, y int, opacity float64) *BaseLayer {
	return &BaseLayer{
		id:      id,
		enabled: true,
		x:       x,
		y:       y,
		opacity: opacity,
	}
}

// ID returns the layer's unique identifier
func (l *BaseLayer) ID() string {
	return l.id
}

// Z returns the draw order
func (l *BaseLayer) Z() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.z
}

// IsEnabled returns whether the layer should be rendered
func (l *BaseLayer) IsEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

// SetEnabled sets whether the layer should be rendered
func (l *BaseLayer) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// GetPosition returns the layer's position
func (l *BaseLayer) GetPosition() (int, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.x, l.y
}

// GetOpacity returns the layer's opacity
func (l *BaseLayer) GetOpacity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opacity
}

// baseConfig returns the shared config keys; callers hold at least a read lock
func (l *BaseLayer) baseConfig(layerType string) map[string]interface{} {
	return map[string]interface{}{
		"id":      l.id,
		"type":    layerType,
		"enabled": l.enabled,
		"x":       l.x,
		"y":       l.y,
		"z":       l.z,
		"opacity": l.opacity,
	}
}

// applyBaseConfig reads the shared config keys; callers hold the write lock
func (l *BaseLayer) applyBaseConfig(config map[string]interface{}) {
	if v, ok := getNumber(config["x"]); ok {
		l.x = int(v)
	}
	if v, ok := getNumber(config["y"]); ok {
		l.y = int(v)
	}
	if v, ok := getNumber(config["z"]); ok {
		l.z = int(v)
	}
	if v, ok := getNumber(config["opacity"]); ok {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		l.opacity = v
	}
	if enabled, ok := config["enabled"].(bool); ok {
		l.enabled = enabled
	}
}

// getNumber extracts a number from a decoded JSON/YAML value
func getNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	default:
		return 0, false
	}
}

// BlendImage draws src over dst at x, y scaled by opacity. *image.NRGBA
// sources are straight alpha, *image.RGBA sources premultiplied; dst is
// premultiplied.
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	if opacity <= 0 {
		return
	}
	if opacity > 1 {
		opacity = 1
	}

	sb := src.Bounds()
	db := dst.Bounds()

	for sy := sb.Min.Y; sy < sb.Max.Y; sy++ {
		dy := y + (sy - sb.Min.Y)
		if dy < db.Min.Y || dy >= db.Max.Y {
			continue
		}
		for sx := sb.Min.X; sx < sb.Max.X; sx++ {
			dx := x + (sx - sb.Min.X)
			if dx < db.Min.X || dx >= db.Max.X {
				continue
			}

			// premultiplied source components in 0..1
			var r, g, b, a float64
			switch s := src.(type) {
			case *image.NRGBA:
				i := s.PixOffset(sx, sy)
				a = float64(s.Pix[i+3]) / 255
				r = float64(s.Pix[i]) / 255 * a
				g = float64(s.Pix[i+1]) / 255 * a
				b = float64(s.Pix[i+2]) / 255 * a
			case *image.RGBA:
				i := s.PixOffset(sx, sy)
				r = float64(s.Pix[i]) / 255
				g = float64(s.Pix[i+1]) / 255
				b = float64(s.Pix[i+2]) / 255
				a = float64(s.Pix[i+3]) / 255
			default:
				cr, cg, cb, ca := src.At(sx, sy).RGBA()
				r, g, b, a = float64(cr)/65535, float64(cg)/65535, float64(cb)/65535, float64(ca)/65535
			}

			r, g, b, a = r*opacity, g*opacity, b*opacity, a*opacity
			if a <= 0 {
				continue
			}

			di := dst.PixOffset(dx, dy)
			inv := 1 - a
			dst.Pix[di] = to8(r + float64(dst.Pix[di])/255*inv)
			dst.Pix[di+1] = to8(g + float64(dst.Pix[di+1])/255*inv)
			dst.Pix[di+2] = to8(b + float64(dst.Pix[di+2])/255*inv)
			dst.Pix[di+3] = to8(a + float64(dst.Pix[di+3])/255*inv)
		}
	}
}

func to8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
