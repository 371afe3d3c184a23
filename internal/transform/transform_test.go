package transform

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestStoreLastWriteWins(t *testing.T) {
	s := NewStore(Params{"mix": Scalar(0.5)})

	require.NoError(t, s.SetFloat("mix", 0.7))
	require.NoError(t, s.SetFloat("mix", 0.9))

	v, ok := s.Get("mix")
	require.True(t, ok)
	assert.Equal(t, 0.9, v.Float())

	assert.Error(t, s.SetFloat(ParamTime, 1), "time is owned by the pipeline")
	assert.Error(t, s.SetFloat("", 1))
}

func TestStoreSnapshotIsolation(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.SetFloat("a", 1))

	snap := s.Snapshot()
	require.NoError(t, s.SetFloat("a", 2))

	assert.Equal(t, 1.0, snap.Float("a", 0))
	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
}

func TestValueFrom(t *testing.T) {
	v, err := ValueFrom(2.5)
	require.NoError(t, err)
	assert.Equal(t, 1, v.N)
	assert.Equal(t, 2.5, v.Interface())

	v, err = ValueFrom([]any{1.0, 2, 3.5})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3.5}, v.Components())

	_, err = ValueFrom("nope")
	assert.Error(t, err)

	_, err = ValueFrom([]any{1.0, 2.0, 3.0, 4.0, 5.0})
	assert.Error(t, err)
}

func TestBuiltins(t *testing.T) {
	src := solid(2, 2, color.RGBA{200, 100, 0, 255})
	prev := solid(2, 2, color.RGBA{0, 100, 200, 255})

	tests := []struct {
		name   string
		params Params
		want   color.RGBA
	}{
		{name: Passthrough, want: color.RGBA{200, 100, 0, 255}},
		{name: Invert, want: color.RGBA{55, 155, 255, 255}},
		{name: Difference, want: color.RGBA{200, 0, 200, 255}},
		{name: Feedback, params: Params{"mix": Scalar(0.5)}, want: color.RGBA{100, 100, 100, 255}},
		{name: Feedback, params: Params{"mix": Scalar(0)}, want: color.RGBA{200, 100, 0, 255}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := Builtin(tt.name)
			require.NoError(t, err)
			assert.Equal(t, KindBuiltin, tr.Kind())

			dst := image.NewRGBA(src.Bounds())
			require.NoError(t, Run(tr, dst, Input{Source: src, Previous: prev, Params: tt.params}))
			assert.Equal(t, tt.want, dst.RGBAAt(1, 1))
		})
	}

	_, err := Builtin("nope")
	assert.Error(t, err)
	assert.Contains(t, BuiltinNames(), Feedback)
}

func TestFeedbackOffsetSamplesShiftedPrevious(t *testing.T) {
	src := solid(3, 1, color.RGBA{})
	prev := image.NewRGBA(image.Rect(0, 0, 3, 1))
	prev.SetRGBA(0, 0, color.RGBA{255, 255, 255, 255})

	tr, err := Builtin(Feedback)
	require.NoError(t, err)

	offset, err := Vec(1, 0)
	require.NoError(t, err)
	dst := image.NewRGBA(src.Bounds())
	require.NoError(t, Run(tr, dst, Input{Source: src, Previous: prev, Params: Params{"mix": Scalar(1), "offset": offset}}))

	assert.Equal(t, uint8(255), dst.RGBAAt(1, 0).R, "pixel 1 reads previous pixel 0")
	assert.Equal(t, uint8(0), dst.RGBAAt(2, 0).R)
}

type failing struct{ panics bool }

func (f failing) Name() string { return "failing" }
func (f failing) Kind() Kind   { return KindBuiltin }
func (f failing) Apply(dst *image.RGBA, in Input) error {
	if f.panics {
		var m map[string]int
		m["boom"]++
	}
	return errors.New("bad uniform")
}

func TestRunWrapsErrorsAndPanics(t *testing.T) {
	img := solid(1, 1, color.RGBA{})
	in := Input{Source: img, Previous: img}

	err := Run(failing{}, image.NewRGBA(img.Bounds()), in)
	assert.ErrorIs(t, err, ErrTransformRuntime)

	err = Run(failing{panics: true}, image.NewRGBA(img.Bounds()), in)
	assert.ErrorIs(t, err, ErrTransformRuntime)

	err = Run(NewPassthrough(), image.NewRGBA(image.Rect(0, 0, 2, 2)), in)
	assert.ErrorIs(t, err, ErrTransformRuntime, "geometry mismatch")
}

func TestScriptTransform(t *testing.T) {
	src := solid(4, 2, color.RGBA{255, 0, 0, 255})
	prev := solid(4, 2, color.RGBA{0, 0, 255, 255})

	tests := []struct {
		name   string
		script string
		params Params
		at     image.Point
		want   color.RGBA
	}{
		{name: "grey", script: "0.5", want: color.RGBA{128, 128, 128, 255}},
		{name: "rgb", script: "[src[0], prev[2], 0]", want: color.RGBA{255, 255, 0, 255}},
		{name: "rgba", script: "[1, 1, 1, 0]", want: color.RGBA{255, 255, 255, 0}},
		{name: "u coordinate", script: "u > 0.5 ? 1 : 0", at: image.Pt(3, 0), want: color.RGBA{255, 255, 255, 255}},
		{name: "params", script: "mix(0, 1, p.level)", params: Params{"level": Scalar(1)}, want: color.RGBA{255, 255, 255, 255}},
		{name: "time", script: "clamp(time, 0, 1)", params: Params{ParamTime: Scalar(3)}, want: color.RGBA{255, 255, 255, 255}},
		{name: "sampler", script: "sample_prev(-1, 0)[2]", want: color.RGBA{255, 255, 255, 255}},
		{name: "smoothstep", script: "smoothstep(1, 0.9, 0.5)", want: color.RGBA{255, 255, 255, 255}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := CompileScript(tt.name, tt.script)
			require.NoError(t, err)
			assert.Equal(t, KindScript, tr.Kind())

			dst := image.NewRGBA(src.Bounds())
			require.NoError(t, Run(tr, dst, Input{Source: src, Previous: prev, Params: tt.params}))
			assert.Equal(t, tt.want, dst.RGBAAt(tt.at.X, tt.at.Y))
		})
	}
}

func TestScriptCompileAndRuntimeErrors(t *testing.T) {
	_, err := CompileScript("syntax", "[1, 2")
	assert.Error(t, err)

	_, err = CompileScript("unknown", "nosuchvar + 1")
	assert.Error(t, err)

	tr, err := CompileScript("shape", "[1, 2]")
	require.NoError(t, err)
	img := solid(1, 1, color.RGBA{})
	err = Run(tr, image.NewRGBA(img.Bounds()), Input{Source: img, Previous: img})
	assert.ErrorIs(t, err, ErrTransformRuntime)
}

func TestSlotSwap(t *testing.T) {
	s := NewSlot(nil)
	assert.Equal(t, Passthrough, s.Load().Name())

	inv, err := Builtin(Invert)
	require.NoError(t, err)

	inFlight := s.Load()
	old := s.Store(inv)
	assert.Equal(t, Passthrough, old.Name())
	assert.Equal(t, Passthrough, inFlight.Name(), "a loaded transform is unaffected by a later swap")
	assert.Equal(t, Invert, s.Load().Name())
	assert.Equal(t, uint64(1), s.Version())
}

func TestWatcherReloadsScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "effect.expr")
	require.NoError(t, os.WriteFile(path, []byte("0"), 0644))

	slot := NewSlot(nil)
	w, err := NewWatcher(path, slot)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	var mu sync.Mutex
	var failures int
	w.OnReload = func(tr Transform, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failures++
		}
	}

	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[1, 0, 0]"), 0644))
	assert.Eventually(t, func() bool {
		return slot.Load().Kind() == KindScript
	}, 2*time.Second, 10*time.Millisecond)

	loaded := slot.Load()
	require.NoError(t, os.WriteFile(path, []byte("[1, 0"), 0644))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failures > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Same(t, loaded, slot.Load(), "broken script keeps the previous transform")
}
