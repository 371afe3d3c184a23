package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/LoopCam/internal/transform"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TextLayer displays a label. {name} placeholders are replaced with the
// tick's parameter values, e.g. "t={time} #{tick}".
type TextLayer struct {
	*BaseLayer
	text      string
	fontSize  int
	textColor color.RGBA
	bgColor   *color.RGBA // Optional background color
	padding   int
}

// NewTextLayer creates a new text layer
func NewTextLayer(id string, config map[string]interface{}) (*TextLayer, error) {
	l := &TextLayer{
		BaseLayer: NewBaseLayer(id, 0, 0, 1.0),
		text:      "LoopCam",
		fontSize:  13, // basicfont size
		textColor: color.RGBA{255, 255, 255, 255},
		padding:   5,
	}

	if err := l.UpdateConfig(config); err != nil {
		return nil, err
	}

	return l, nil
}

// Type returns the layer type
func (l *TextLayer) Type() string {
	return "text"
}

// Expand substitutes {name} placeholders from params
func Expand(text string, params transform.Params) string {
	if !strings.Contains(text, "{") {
		return text
	}
	for _, name := range params.Names() {
		key := "{" + name + "}"
		if !strings.Contains(text, key) {
			continue
		}
		v := params[name]
		var s string
		switch {
		case name == transform.ParamTick:
			s = strconv.FormatInt(int64(v.Float()), 10)
		case v.N <= 1:
			s = strconv.FormatFloat(v.Float(), 'f', 2, 64)
		default:
			s = fmt.Sprint(v.Components())
		}
		text = strings.ReplaceAll(text, key, s)
	}
	return text
}

// Render draws the text layer
func (l *TextLayer) Render(img *image.RGBA, params transform.Params) error {
	l.mu.RLock()
	text := Expand(l.text, params)
	x, y, opacity := l.x, l.y, l.opacity
	fontSize, padding := l.fontSize, l.padding
	textColor, bgColor := l.textColor, l.bgColor
	l.mu.RUnlock()

	if text == "" {
		return nil
	}

	face := basicfont.Face7x13

	// Measure text dimensions
	d := &font.Drawer{Face: face}
	textWidthPx := d.MeasureString(text).Ceil()

	widgetWidth := textWidthPx + padding*2
	widgetHeight := fontSize + padding*2

	if bgColor != nil {
		bgImg := image.NewRGBA(image.Rect(0, 0, widgetWidth, widgetHeight))
		draw.Draw(bgImg, bgImg.Bounds(), &image.Uniform{*bgColor}, image.Point{}, draw.Src)
		BlendImage(img, bgImg, x, y, opacity)
	}

	textImg := image.NewRGBA(image.Rect(0, 0, textWidthPx, fontSize))
	textDrawer := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(textColor),
		Face: face,
		Dot:  fixed.Point26_6{X: 0, Y: fixed.I(fontSize - face.Descent)},
	}
	textDrawer.DrawString(text)

	BlendImage(img, textImg, x+padding, y+padding, opacity)
	return nil
}

// GetConfig returns the layer configuration
func (l *TextLayer) GetConfig() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	config := l.baseConfig(l.Type())
	config["text"] = l.text
	config["padding"] = l.padding
	config["color"] = colorMap(l.textColor)
	if l.bgColor != nil {
		config["background"] = colorMap(*l.bgColor)
	}
	return config
}

// UpdateConfig updates the layer configuration
func (l *TextLayer) UpdateConfig(config map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.applyBaseConfig(config)

	if text, ok := config["text"].(string); ok {
		l.text = text
	}
	if v, ok := getNumber(config["padding"]); ok {
		l.padding = int(v)
	}
	if c, ok := parseColorValue(config["color"]); ok {
		l.textColor = c
	}
	if c, ok := parseColorValue(config["background"]); ok {
		l.bgColor = &c
	}
	return nil
}

func colorMap(c color.RGBA) map[string]interface{} {
	return map[string]interface{}{"r": c.R, "g": c.G, "b": c.B, "a": c.A}
}

// parseColorValue accepts {r, g, b, a} maps as decoded from JSON or YAML
func parseColorValue(v interface{}) (color.RGBA, bool) {
	var m map[string]interface{}
	switch val := v.(type) {
	case map[string]interface{}:
		m = val
	case map[interface{}]interface{}:
		m = make(map[string]interface{}, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = item
		}
	default:
		return color.RGBA{}, false
	}

	channel := func(key string, def uint8) uint8 {
		if n, ok := getNumber(m[key]); ok {
			return uint8(n)
		}
		if n, ok := m[key].(uint8); ok {
			return n
		}
		return def
	}
	return color.RGBA{R: channel("r", 0), G: channel("g", 0), B: channel("b", 0), A: channel("a", 255)}, true
}
