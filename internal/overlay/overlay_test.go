package overlay

import (
	"image"
	"image/color"
	"testing"

	"github.com/bryanchriswhite/LoopCam/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func black(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

func litPixels(img *image.RGBA) int {
	n := 0
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 || img.Pix[i+1] != 0 || img.Pix[i+2] != 0 {
			n++
		}
	}
	return n
}

type recordingLayer struct {
	*BaseLayer
	order *[]string
}

func newRecordingLayer(id string, z int, order *[]string) *recordingLayer {
	l := &recordingLayer{BaseLayer: NewBaseLayer(id, 0, 0, 1), order: order}
	l.z = z
	return l
}

func (l *recordingLayer) Type() string { return "recording" }
func (l *recordingLayer) Render(img *image.RGBA, params transform.Params) error {
	*l.order = append(*l.order, l.ID())
	return nil
}
func (l *recordingLayer) GetConfig() map[string]interface{} { return l.baseConfig(l.Type()) }
func (l *recordingLayer) UpdateConfig(config map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyBaseConfig(config)
	return nil
}

func TestManagerRendersInZOrder(t *testing.T) {
	var order []string
	m := NewManager()
	require.NoError(t, m.AddLayer(newRecordingLayer("top", 10, &order)))
	require.NoError(t, m.AddLayer(newRecordingLayer("bottom", -1, &order)))
	require.NoError(t, m.AddLayer(newRecordingLayer("b-middle", 5, &order)))
	require.NoError(t, m.AddLayer(newRecordingLayer("a-middle", 5, &order)))

	assert.Error(t, m.AddLayer(newRecordingLayer("top", 0, &order)), "duplicate ID")

	require.NoError(t, m.Render(black(1, 1), nil))
	assert.Equal(t, []string{"bottom", "a-middle", "b-middle", "top"}, order)

	order = nil
	require.NoError(t, m.UpdateLayer("top", map[string]interface{}{"enabled": false}))
	require.NoError(t, m.Render(black(1, 1), nil))
	assert.NotContains(t, order, "top")

	order = nil
	m.SetEnabled(false)
	require.NoError(t, m.Render(black(1, 1), nil))
	assert.Empty(t, order)
}

func TestManagerLoadFromConfig(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.LoadFromConfig([]map[string]interface{}{
		{"id": "hud", "type": "text", "text": "t={time}", "z": 2},
		{"id": "rings", "type": "rings", "count": 3, "z": 1},
		{"id": "nope", "type": "unknown"},
		{"type": "text"},
	}))

	layers := m.GetAllLayers()
	require.Len(t, layers, 2)
	assert.Equal(t, "rings", layers[0].ID())
	assert.Equal(t, "hud", layers[1].ID())

	exported := m.ExportConfig()
	require.Len(t, exported, 2)
	assert.Equal(t, 3, exported[0]["count"])
	assert.Equal(t, "t={time}", exported[1]["text"])

	require.NoError(t, m.RemoveLayer("hud"))
	assert.Error(t, m.RemoveLayer("hud"))
	m.Clear()
	assert.Empty(t, m.GetAllLayers())
}

func TestBlendImage(t *testing.T) {
	tests := []struct {
		name    string
		src     image.Image
		opacity float64
		want    color.RGBA
	}{
		{
			name:    "straight half alpha",
			src:     &image.NRGBA{Pix: []uint8{255, 0, 0, 128}, Stride: 4, Rect: image.Rect(0, 0, 1, 1)},
			opacity: 1,
			want:    color.RGBA{128, 0, 0, 255},
		},
		{
			name:    "premultiplied opaque",
			src:     &image.RGBA{Pix: []uint8{0, 255, 0, 255}, Stride: 4, Rect: image.Rect(0, 0, 1, 1)},
			opacity: 1,
			want:    color.RGBA{0, 255, 0, 255},
		},
		{
			name:    "opacity scales",
			src:     &image.RGBA{Pix: []uint8{0, 0, 255, 255}, Stride: 4, Rect: image.Rect(0, 0, 1, 1)},
			opacity: 0.5,
			want:    color.RGBA{0, 0, 128, 255},
		},
		{
			name:    "zero opacity",
			src:     &image.RGBA{Pix: []uint8{255, 255, 255, 255}, Stride: 4, Rect: image.Rect(0, 0, 1, 1)},
			opacity: 0,
			want:    color.RGBA{0, 0, 0, 255},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := black(1, 1)
			BlendImage(dst, tt.src, 0, 0, tt.opacity)
			assert.Equal(t, tt.want, dst.RGBAAt(0, 0))
		})
	}

	dst := black(2, 2)
	BlendImage(dst, &image.RGBA{Pix: []uint8{255, 255, 255, 255}, Stride: 4, Rect: image.Rect(0, 0, 1, 1)}, 5, 5, 1)
	assert.Equal(t, 0, litPixels(dst), "out of bounds draws nothing")
}

func TestRingsLayerDrawsInsideDiscOnly(t *testing.T) {
	l, err := NewRingsLayer("rings", map[string]interface{}{"count": 1, "radius": 10.0})
	require.NoError(t, err)

	img := black(64, 48)
	require.NoError(t, l.Render(img, transform.Params{transform.ParamTime: transform.Scalar(0)}))

	assert.Greater(t, litPixels(img), 0)
	// at time 0 the disc is centred on the frame with radius 10 + 4.8
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, img.RGBAAt(63, 47))
}

func TestRingsLayerConfig(t *testing.T) {
	l, err := NewRingsLayer("rings", nil)
	require.NoError(t, err)
	cfg := l.GetConfig()
	assert.Equal(t, 11, cfg["count"])
	assert.Equal(t, "rings", cfg["type"])

	_, err = NewRingsLayer("bad", map[string]interface{}{"radius": -1.0})
	assert.Error(t, err)

	l, err = NewRingsLayer("none", map[string]interface{}{"count": 0})
	require.NoError(t, err)
	img := black(16, 16)
	require.NoError(t, l.Render(img, nil))
	assert.Equal(t, 0, litPixels(img))
}

func TestExpand(t *testing.T) {
	params := transform.Params{
		transform.ParamTime: transform.Scalar(1.5),
		transform.ParamTick: transform.Scalar(42),
		"mix":               transform.Scalar(0.25),
	}
	assert.Equal(t, "t=1.50 #42 mix=0.25 {other}", Expand("t={time} #{tick} mix={mix} {other}", params))
	assert.Equal(t, "plain", Expand("plain", params))
}

func TestTextLayerRenders(t *testing.T) {
	l, err := NewTextLayer("hud", map[string]interface{}{
		"text":       "#{tick}",
		"x":          2,
		"y":          2,
		"background": map[string]interface{}{"r": 0, "g": 0, "b": 80, "a": 255},
	})
	require.NoError(t, err)

	img := black(80, 40)
	require.NoError(t, l.Render(img, transform.Params{transform.ParamTick: transform.Scalar(7)}))
	assert.Greater(t, litPixels(img), 0)
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, img.RGBAAt(79, 39))

	cfg := l.GetConfig()
	assert.Equal(t, "#{tick}", cfg["text"])
	assert.Contains(t, cfg, "background")
}
