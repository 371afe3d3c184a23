package overlay

import (
	"fmt"
	"image"
	"math"

	"github.com/bryanchriswhite/LoopCam/internal/transform"
	"github.com/gogpu/gg"
)

// RingsLayer draws drifting discs, each filled with an animated spiral.
// Disc centres wander on slow sine paths; the radius breathes with time.
type RingsLayer struct {
	*BaseLayer
	count         int
	radius        float64
	scale         float64 // spiral ring density
	rotationSpeed float64 // negative spins counter-clockwise
	pulseSpeed    float64
}

// NewRingsLayer creates a rings layer
func NewRingsLayer(id string, config map[string]interface{}) (*RingsLayer, error) {
	l := &RingsLayer{
		BaseLayer:     NewBaseLayer(id, 0, 0, 1.0),
		count:         11,
		radius:        180,
		scale:         30,
		rotationSpeed: -1.5,
		pulseSpeed:    3,
	}

	if err := l.UpdateConfig(config); err != nil {
		return nil, err
	}

	return l, nil
}

// Type returns the layer type
func (l *RingsLayer) Type() string {
	return "rings"
}

// Render draws the discs with gg and blends them over img
func (l *RingsLayer) Render(img *image.RGBA, params transform.Params) error {
	l.mu.RLock()
	count, radius := l.count, l.radius
	scale, rot, pulse := l.scale, l.rotationSpeed, l.pulseSpeed
	opacity := l.opacity
	l.mu.RUnlock()

	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	t := params.Float(transform.ParamTime, 0)

	dc := gg.NewContext(b.Dx(), b.Dy())
	defer dc.Close()

	for i := 0; i < count; i++ {
		fi := float64(i)
		cx := w * (math.Sin(t*.3+fi*.02) + 1) * .5
		cy := h * (math.Sin(t*.4+fi*.028) + 1) * .5
		r := radius + math.Abs(math.Cos(t*.2))*h*0.1

		dc.SetFillBrush(gg.NewCustomBrush(spiral(cx, cy, r, t, fi, scale, rot, pulse)).WithName("spiral"))
		dc.DrawCircle(cx, cy, r)
		if err := dc.Fill(); err != nil {
			return fmt.Errorf("failed to fill disc %d: %w", i, err)
		}
	}

	src, ok := dc.Image().(*image.RGBA)
	if !ok {
		return fmt.Errorf("unexpected gg image type %T", dc.Image())
	}
	// gg pixmaps hold straight alpha
	straight := &image.NRGBA{Pix: src.Pix, Stride: src.Stride, Rect: src.Rect}
	BlendImage(img, straight, b.Min.X, b.Min.Y, opacity)
	return nil
}

// spiral returns the per-pixel colour function for one disc. uv runs from
// -1 to 1 across the disc's bounding box.
func spiral(cx, cy, r, t, index, scale, rot, pulse float64) gg.ColorFunc {
	return func(x, y float64) gg.RGBA {
		ux := (cx - x) / r
		uy := (cy - y) / r
		dist := math.Hypot(ux, uy)
		angle := math.Atan2(ux, uy) + index*.3

		v := (math.Sin(dist*scale+angle+math.Cos(dist*scale)-t*rot) -
			dist*(2.3+math.Sin(t*pulse)*.3) +
			0.3) * transform.Smoothstep(1, .9, dist) * 2
		v = math.Max(0, math.Min(1, v))
		return gg.RGBA{R: v, G: v, B: v, A: v}
	}
}

// GetConfig returns the layer configuration
func (l *RingsLayer) GetConfig() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	config := l.baseConfig(l.Type())
	config["count"] = l.count
	config["radius"] = l.radius
	config["scale"] = l.scale
	config["rotation_speed"] = l.rotationSpeed
	config["pulse_speed"] = l.pulseSpeed
	return config
}

// UpdateConfig updates the layer configuration
func (l *RingsLayer) UpdateConfig(config map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.applyBaseConfig(config)

	if v, ok := getNumber(config["count"]); ok {
		if v < 0 {
			return fmt.Errorf("rings count must not be negative")
		}
		l.count = int(v)
	}
	if v, ok := getNumber(config["radius"]); ok {
		if v <= 0 {
			return fmt.Errorf("rings radius must be positive")
		}
		l.radius = v
	}
	if v, ok := getNumber(config["scale"]); ok {
		l.scale = v
	}
	if v, ok := getNumber(config["rotation_speed"]); ok {
		l.rotationSpeed = v
	}
	if v, ok := getNumber(config["pulse_speed"]); ok {
		l.pulseSpeed = v
	}
	return nil
}
