package compositor

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	red   = color.RGBA{255, 0, 0, 255}
	green = color.RGBA{0, 255, 0, 255}
	black = color.RGBA{0, 0, 0, 255}
)

type brokenTransform struct{}

func (brokenTransform) Name() string        { return "broken" }
func (brokenTransform) Kind() transform.Kind { return transform.KindScript }
func (brokenTransform) Apply(dst *image.RGBA, in transform.Input) error {
	return errors.New("division by zero")
}

type stampOverlay struct{ calls int }

func (s *stampOverlay) Render(img *image.RGBA, params transform.Params) error {
	s.calls++
	img.SetRGBA(0, 0, green)
	return nil
}

func newTestCompositor(t *testing.T, w, h int, bg *color.RGBA, tr transform.Transform, ov Overlay) *Compositor {
	t.Helper()
	c, err := New(Config{Width: w, Height: h, Background: bg}, transform.NewSlot(tr), ov)
	require.NoError(t, err)
	return c
}

func TestCompositePassthroughCommits(t *testing.T) {
	c := newTestCompositor(t, 2, 2, &black, nil, nil)
	db := frame.NewDoubleBuffer(2, 2, black)

	out, err := c.Composite(frame.Solid(2, 2, red), db.Previous(), db.Current(), nil)
	require.NoError(t, err)
	assert.Same(t, db.Current(), out)
	assert.Equal(t, frame.BufferCommitted, out.State())

	img, err := out.View()
	require.NoError(t, err)
	assert.Equal(t, red, img.RGBAAt(1, 1))
}

func TestCompositeReadsPrevious(t *testing.T) {
	diff, err := transform.Builtin(transform.Difference)
	require.NoError(t, err)
	c := newTestCompositor(t, 1, 1, &black, diff, nil)

	db := frame.NewDoubleBuffer(1, 1, red)
	out, err := c.Composite(frame.Solid(1, 1, red), db.Previous(), db.Current(), nil)
	require.NoError(t, err)

	img, err := out.View()
	require.NoError(t, err)
	assert.Equal(t, black, img.RGBAAt(0, 0), "source equals previous")
}

func TestCompositeMissingSource(t *testing.T) {
	tests := []struct {
		name string
		bg   *color.RGBA
		want color.RGBA
	}{
		{name: "transparent without background", want: color.RGBA{}},
		{name: "background", bg: &green, want: green},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCompositor(t, 2, 1, tt.bg, nil, nil)
			db := frame.NewDoubleBuffer(2, 1, red)

			out, err := c.Composite(nil, db.Previous(), db.Current(), nil)
			require.NoError(t, err)
			img, err := out.View()
			require.NoError(t, err)
			assert.Equal(t, tt.want, img.RGBAAt(1, 0))
		})
	}
}

func TestCompositeScalesMismatchedSource(t *testing.T) {
	c := newTestCompositor(t, 4, 4, nil, nil, nil)
	db := frame.NewDoubleBuffer(4, 4, black)

	out, err := c.Composite(frame.Solid(2, 2, red), db.Previous(), db.Current(), nil)
	require.NoError(t, err)
	img, err := out.View()
	require.NoError(t, err)
	px := img.RGBAAt(3, 3)
	assert.InDelta(t, 255, int(px.R), 2)
	assert.InDelta(t, 0, int(px.G), 2)
	assert.InDelta(t, 255, int(px.A), 2)
}

func TestCompositeTransformFailureFallsBack(t *testing.T) {
	ov := &stampOverlay{}
	c := newTestCompositor(t, 2, 2, &black, brokenTransform{}, ov)
	db := frame.NewDoubleBuffer(2, 2, black)

	out, err := c.Composite(frame.Solid(2, 2, red), db.Previous(), db.Current(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, transform.ErrTransformRuntime)
	require.NotNil(t, out)
	assert.Equal(t, frame.BufferCommitted, out.State())

	img, err := out.View()
	require.NoError(t, err)
	assert.Equal(t, red, img.RGBAAt(1, 1), "passthrough output")
	assert.Equal(t, green, img.RGBAAt(0, 0), "overlays still drawn")
	assert.Equal(t, 1, ov.calls)
}

func TestCompositeHotSwapAtTickBoundary(t *testing.T) {
	slot := transform.NewSlot(nil)
	c, err := New(Config{Width: 1, Height: 1}, slot, nil)
	require.NoError(t, err)
	db := frame.NewDoubleBuffer(1, 1, black)

	out, err := c.Composite(frame.Solid(1, 1, red), db.Previous(), db.Current(), nil)
	require.NoError(t, err)
	img, _ := out.View()
	assert.Equal(t, red, img.RGBAAt(0, 0))
	db.Swap()

	inv, err := transform.Builtin(transform.Invert)
	require.NoError(t, err)
	slot.Store(inv)

	out, err = c.Composite(frame.Solid(1, 1, red), db.Previous(), db.Current(), nil)
	require.NoError(t, err)
	img, _ = out.View()
	assert.Equal(t, color.RGBA{0, 255, 255, 255}, img.RGBAAt(0, 0))
}

func TestCompositeRejectsBadBuffers(t *testing.T) {
	c := newTestCompositor(t, 2, 2, nil, nil, nil)
	db := frame.NewDoubleBuffer(2, 2, black)

	_, err := c.Composite(nil, db.Current(), db.Current(), nil)
	assert.Error(t, err)

	_, err = c.Composite(nil, frame.NewBuffer(9, 3, 3), db.Current(), nil)
	assert.Error(t, err)

	_, err = db.Previous().Begin()
	require.NoError(t, err)
	_, err = c.Composite(nil, db.Previous(), db.Current(), nil)
	assert.ErrorIs(t, err, frame.ErrBufferBusy)
	assert.NotEqual(t, frame.BufferWriting, db.Current().State())

	_, err = New(Config{Width: 0, Height: 1}, nil, nil)
	assert.Error(t, err)
}
