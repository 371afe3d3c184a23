package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/LoopCam/internal/capture"
	"github.com/bryanchriswhite/LoopCam/internal/compositor"
	"github.com/bryanchriswhite/LoopCam/internal/config"
	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/output"
	"github.com/bryanchriswhite/LoopCam/internal/overlay"
	"github.com/bryanchriswhite/LoopCam/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	black = color.RGBA{0, 0, 0, 255}
	red   = color.RGBA{255, 0, 0, 255}
	green = color.RGBA{0, 255, 0, 255}
	blue  = color.RGBA{0, 0, 255, 255}
)

// memoryDevice keeps every frame it accepts
type memoryDevice struct {
	mu      sync.Mutex
	frames  []*image.RGBA
	writes  int
	failAt  map[int]bool
	closed  int
	onClose func()
}

func (d *memoryDevice) Name() string { return "memory" }

func (d *memoryDevice) WriteFrame(img *image.RGBA) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.writes
	d.writes++
	if d.failAt[n] {
		return errors.New("consumer went away")
	}
	d.frames = append(d.frames, frame.Clone(img))
	return nil
}

func (d *memoryDevice) Close() error {
	if d.onClose != nil {
		d.onClose()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *memoryDevice) Frames() []*image.RGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*image.RGBA(nil), d.frames...)
}

type memorySink struct {
	dev     *memoryDevice
	openErr error
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Open(cfg output.Config) (output.Session, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	if err := cfg.Validate(output.PixelFormatRGBA); err != nil {
		return nil, err
	}
	return output.NewSession(cfg, s.dev), nil
}

// recorder copies the source and stamps the tick into pixel 0, keeping a
// copy of every previous buffer it was given
type recorder struct {
	prevs []*image.RGBA
}

func (r *recorder) Name() string         { return "recorder" }
func (r *recorder) Kind() transform.Kind { return transform.KindBuiltin }
func (r *recorder) Apply(dst *image.RGBA, in transform.Input) error {
	r.prevs = append(r.prevs, frame.Clone(in.Previous))
	copy(dst.Pix, in.Source.Pix)
	dst.Pix[0] = uint8(in.Params.Float(transform.ParamTick, 0)) + 1
	return nil
}

type broken struct{}

func (broken) Name() string         { return "broken" }
func (broken) Kind() transform.Kind { return transform.KindScript }
func (broken) Apply(dst *image.RGBA, in transform.Input) error {
	return errors.New("division by zero")
}

type fixture struct {
	w, h     int
	source   capture.Source
	tr       transform.Transform
	overlays compositor.Overlay
	dev      *memoryDevice
	sink     output.Sink
	noBG     bool
	clock    Clock
	params   *transform.Store
	flipVert bool
}

func newLoop(t *testing.T, f fixture) (*Loop, *memoryDevice) {
	t.Helper()
	if f.w == 0 {
		f.w, f.h = 4, 3
	}
	if f.dev == nil {
		f.dev = &memoryDevice{}
	}
	if f.sink == nil {
		f.sink = &memorySink{dev: f.dev}
	}
	if f.clock == nil {
		f.clock = NewFixedStepClock(30)
	}

	var bg *color.RGBA
	if !f.noBG {
		c := black
		bg = &c
	}

	comp, err := compositor.New(compositor.Config{Width: f.w, Height: f.h, Background: bg}, transform.NewSlot(f.tr), f.overlays)
	require.NoError(t, err)

	l, err := New(Options{
		Output: output.Config{
			Width: f.w, Height: f.h, FPS: 30,
			PixelFormat: output.PixelFormatRGBA, FlipVertical: f.flipVert,
		},
		Background: bg,
		Clock:      f.clock,
	}, f.source, comp, f.sink, f.params)
	require.NoError(t, err)
	return l, f.dev
}

func sequence(t *testing.T, w, h int, loop bool, colors ...string) *capture.SequenceSource {
	t.Helper()
	s, err := capture.NewSequenceFromColors(colors, w, h, loop)
	require.NoError(t, err)
	return s
}

func TestPassthroughDeliversFramesInOrder(t *testing.T) {
	l, dev := newLoop(t, fixture{source: sequence(t, 4, 3, false, "#ff0000", "#00ff00", "#0000ff")})
	require.NoError(t, l.Start())
	assert.Equal(t, StateRunning, l.State())

	require.NoError(t, l.Run(context.Background(), NewImmediateScheduler(3)))
	assert.Equal(t, StateStopped, l.State())

	frames := dev.Frames()
	require.Len(t, frames, 3)
	for i, want := range []color.RGBA{red, green, blue} {
		assert.Equal(t, want, frames[i].RGBAAt(2, 1), "frame %d", i)
	}
	assert.Equal(t, 1, dev.closed)

	stats := l.Stats()
	assert.Equal(t, uint64(3), stats.Ticks)
	assert.Equal(t, uint64(3), stats.Pushed)
	assert.Equal(t, "stopped", stats.State)
}

func TestSourceUnavailableDrainsAndStops(t *testing.T) {
	var l *Loop
	var stateAtClose State
	dev := &memoryDevice{}
	dev.onClose = func() { stateAtClose = l.State() }

	l, _ = newLoop(t, fixture{source: sequence(t, 4, 3, false, "#ff0000"), dev: dev})
	require.NoError(t, l.Start())

	err := l.Run(context.Background(), NewImmediateScheduler(0))
	assert.ErrorIs(t, err, capture.ErrSourceUnavailable)

	assert.Equal(t, StateDraining, stateAtClose, "session is closed while draining")
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, 1, dev.closed)

	frames := dev.Frames()
	require.Len(t, frames, 1, "frame A is committed and pushed, nothing after")
	assert.Equal(t, red, frames[0].RGBAAt(0, 0))
	assert.Equal(t, 1, dev.writes)

	assert.ErrorIs(t, l.Step(context.Background()), ErrInvalidState)
}

func TestFeedbackInvariant(t *testing.T) {
	rec := &recorder{}
	src, err := capture.NewPatternSource(capture.PatternBars, 8, 4)
	require.NoError(t, err)

	l, dev := newLoop(t, fixture{w: 8, h: 4, source: src, tr: rec})
	require.NoError(t, l.Start())
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Step(context.Background()))
	}
	require.NoError(t, l.Stop())

	frames := dev.Frames()
	require.Len(t, frames, 5)
	require.Len(t, rec.prevs, 5)

	assert.Equal(t, black, rec.prevs[0].RGBAAt(3, 3), "first tick reads the cleared background")
	for n := 1; n < 5; n++ {
		assert.Equal(t, frames[n-1].Pix, rec.prevs[n].Pix, "previous at tick %d is the output of tick %d", n, n-1)
	}
}

func TestRequestResetClearsFeedback(t *testing.T) {
	rec := &recorder{}
	l, _ := newLoop(t, fixture{source: sequence(t, 4, 3, true, "#ffffff"), tr: rec})
	require.NoError(t, l.Start())
	defer l.Stop()

	require.NoError(t, l.Step(context.Background()))
	require.NoError(t, l.Step(context.Background()))
	assert.Equal(t, uint8(255), rec.prevs[1].Pix[4])

	l.RequestReset()
	require.NoError(t, l.Step(context.Background()))
	assert.Equal(t, black, rec.prevs[2].RGBAAt(1, 0))
	assert.Equal(t, uint64(1), l.Stats().Resets)
}

func render(t *testing.T) [][]byte {
	t.Helper()

	overlays := overlay.NewManager()
	require.NoError(t, overlays.LoadFromConfig([]map[string]interface{}{
		{"id": "rings", "type": "rings", "count": 3, "radius": 6.0},
		{"id": "hud", "type": "text", "text": "{time}", "z": 1},
	}))

	fb, err := transform.Builtin(transform.Feedback)
	require.NoError(t, err)

	l, dev := newLoop(t, fixture{
		w: 24, h: 16,
		source:   sequence(t, 24, 16, true, "#ff0000", "#00ff00", "#0000ff"),
		tr:       fb,
		overlays: overlays,
		params:   transform.NewStore(transform.Params{"mix": transform.Scalar(0.6)}),
	})
	require.NoError(t, l.Start())
	require.NoError(t, l.Run(context.Background(), NewImmediateScheduler(6)))

	var out [][]byte
	for _, f := range dev.Frames() {
		out = append(out, f.Pix)
	}
	return out
}

func TestDeterministicWithBackgroundAndFixedClock(t *testing.T) {
	a := render(t)
	b := render(t)
	require.Len(t, a, 6)
	assert.Equal(t, a, b)
}

func TestSinkWriteErrorDoesNotStall(t *testing.T) {
	dev := &memoryDevice{failAt: map[int]bool{1: true}}
	l, _ := newLoop(t, fixture{source: sequence(t, 4, 3, true, "#ff0000", "#00ff00", "#0000ff"), dev: dev})
	require.NoError(t, l.Start())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Step(context.Background()), "tick %d", i)
	}

	assert.Equal(t, StateRunning, l.State())
	frames := dev.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, red, frames[0].RGBAAt(0, 1))
	assert.Equal(t, blue, frames[1].RGBAAt(0, 1), "tick after the failure is committed and pushed")

	stats := l.Stats()
	assert.Equal(t, uint64(3), stats.Ticks)
	assert.Equal(t, uint64(2), stats.Pushed)
	assert.Equal(t, uint64(1), stats.SinkWriteErrors)
}

func TestTransformErrorFallsBackToPassthrough(t *testing.T) {
	l, dev := newLoop(t, fixture{source: sequence(t, 4, 3, true, "#00ff00"), tr: broken{}})
	require.NoError(t, l.Start())
	defer l.Stop()

	require.NoError(t, l.Step(context.Background()))
	require.NoError(t, l.Step(context.Background()))

	frames := dev.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, green, frames[1].RGBAAt(0, 0))
	assert.Equal(t, uint64(2), l.Stats().TransformErrors)
}

func TestSinglePixelGeometry(t *testing.T) {
	fb, err := transform.Builtin(transform.Feedback)
	require.NoError(t, err)

	l, dev := newLoop(t, fixture{w: 1, h: 1, source: sequence(t, 1, 1, true, "#ff0000"), tr: fb, flipVert: true})
	require.NoError(t, l.Start())
	require.NoError(t, l.Run(context.Background(), NewImmediateScheduler(2)))

	frames := dev.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, image.Rect(0, 0, 1, 1), frames[1].Bounds())
}

func TestMissingSourceFrameKeepsTicking(t *testing.T) {
	mb := capture.NewMailboxSource()
	l, dev := newLoop(t, fixture{source: mb})
	require.NoError(t, l.Start())
	defer l.Stop()

	require.NoError(t, l.Step(context.Background()))
	mb.Publish(frame.Solid(4, 3, blue))
	require.NoError(t, l.Step(context.Background()))

	frames := dev.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, black, frames[0].RGBAAt(0, 0), "empty tick shows the background")
	assert.Equal(t, blue, frames[1].RGBAAt(0, 0))
	assert.Equal(t, uint64(1), l.Stats().SourceMisses)
}

func TestFallbackSwitchIsCounted(t *testing.T) {
	pattern, err := capture.NewPatternSource(capture.PatternSolid, 4, 3)
	require.NoError(t, err)
	pattern.SetColor(blue)
	src := capture.NewFallbackSource(sequence(t, 4, 3, false, "#ff0000"), pattern)

	l, dev := newLoop(t, fixture{source: src})
	require.NoError(t, l.Start())
	require.NoError(t, l.Run(context.Background(), NewImmediateScheduler(3)))

	frames := dev.Frames()
	require.Len(t, frames, 3)
	assert.Equal(t, red, frames[0].RGBAAt(0, 0))
	assert.Equal(t, blue, frames[2].RGBAAt(0, 0))
	assert.Equal(t, 1, l.Stats().SourceSwitches)
}

func TestInvalidStateTransitions(t *testing.T) {
	l, _ := newLoop(t, fixture{source: sequence(t, 4, 3, true, "#ff0000")})

	assert.ErrorIs(t, l.Step(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, l.Run(context.Background(), NewImmediateScheduler(1)), ErrInvalidState)

	require.NoError(t, l.Start())
	assert.ErrorIs(t, l.Start(), ErrInvalidState)

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
	assert.ErrorIs(t, l.Start(), ErrInvalidState, "stopped is terminal")
}

func TestStartFailsOnSinkConfiguration(t *testing.T) {
	sink := &memorySink{dev: &memoryDevice{}, openErr: output.ErrSinkConfiguration}
	src := sequence(t, 4, 3, true, "#ff0000")
	l, _ := newLoop(t, fixture{source: src, sink: sink})

	err := l.Start()
	assert.ErrorIs(t, err, output.ErrSinkConfiguration)
	assert.Equal(t, StateIdle, l.State())

	_, err = src.NextFrame(context.Background())
	assert.ErrorIs(t, err, capture.ErrSourceUnavailable, "source is released")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	src, err := capture.NewPatternSource(capture.PatternChecker, 4, 3)
	require.NoError(t, err)
	l, dev := newLoop(t, fixture{source: src})
	require.NoError(t, l.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Run(ctx, NewTickerScheduler(100)))
	assert.Equal(t, StateStopped, l.State())
	assert.NotEmpty(t, dev.Frames())
	assert.Equal(t, 1, dev.closed)
}

func TestStopFromAnotherGoroutine(t *testing.T) {
	src, err := capture.NewPatternSource(capture.PatternGradient, 4, 3)
	require.NoError(t, err)
	l, _ := newLoop(t, fixture{source: src})
	require.NoError(t, l.Start())

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background(), NewImmediateScheduler(0)) }()

	require.Eventually(t, func() bool { return l.Stats().Ticks > 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, l.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, StateStopped, l.State())
}

func TestTimeParameterFollowsClock(t *testing.T) {
	l, _ := newLoop(t, fixture{source: sequence(t, 4, 3, true, "#ff0000"), clock: &FixedStepClock{Step: 0.5}})
	require.NoError(t, l.Start())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Step(context.Background()))
	}
	assert.Equal(t, 1.0, l.Stats().Time, "tick 2 at half a second per tick")
}

func TestHostExtension(t *testing.T) {
	dev := &memoryDevice{}
	host := NewHostExtension(func(w, h int, source capture.Source) (*Loop, error) {
		l, _ := newLoop(t, fixture{w: w, h: h, source: source, dev: dev})
		return l, nil
	})

	assert.ErrorIs(t, host.OnAfterFrame(), ErrInvalidState)
	require.NoError(t, host.OnSetup(3, 2))
	assert.ErrorIs(t, host.OnSetup(3, 2), ErrInvalidState)

	for i, c := range []color.RGBA{red, green} {
		canvas := host.OnBeforeFrame()
		require.NotNil(t, canvas)
		assert.Equal(t, color.RGBA{}, canvas.RGBAAt(1, 1), "canvas is cleared each frame")
		canvas.SetRGBA(1, 1, c)
		require.NoError(t, host.OnAfterFrame(), "frame %d", i)
	}

	frames := dev.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, red, frames[0].RGBAAt(1, 1))
	assert.Equal(t, green, frames[1].RGBAAt(1, 1))

	require.NoError(t, host.Close())
	assert.Equal(t, StateStopped, host.Loop().State())
}

func TestAssembleFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Pipeline.Width, cfg.Pipeline.Height = 16, 8
	cfg.Source = config.SourceConfig{Type: "sequence", Colors: []string{"#ff0000", "#0000ff"}, Loop: true}
	cfg.Sink = config.SinkConfig{Type: "png", Target: t.TempDir()}
	cfg.Transform = config.TransformConfig{Builtin: transform.Difference}

	a, err := Assemble(cfg, NewFixedStepClock(cfg.Pipeline.FPS))
	require.NoError(t, err)
	assert.Nil(t, a.Watcher)
	assert.Equal(t, transform.Difference, a.Slot.Load().Name())
	assert.Equal(t, "png", a.Sink.Name())
	assert.NotEmpty(t, a.Overlays.GetAllLayers())

	require.NoError(t, a.Start())
	require.NoError(t, a.Loop.Run(context.Background(), NewImmediateScheduler(2)))
	require.NoError(t, a.Close())

	for n := 0; n < 2; n++ {
		_, err := os.Stat(output.FramePath(cfg.Sink.Target, n))
		assert.NoError(t, err)
	}
}

func TestAssembleRejectsBadConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Pipeline.Background = "not-a-colour"
	_, err := Assemble(cfg, nil)
	assert.Error(t, err)

	cfg = config.Defaults()
	cfg.Transform.Builtin = "sepia"
	_, err = Assemble(cfg, nil)
	assert.Error(t, err)
}

func TestClocks(t *testing.T) {
	fixed := NewFixedStepClock(4)
	assert.Equal(t, 0.0, fixed.Seconds(0))
	assert.Equal(t, 2.5, fixed.Seconds(10))

	now := time.Unix(100, 0)
	wall := &WallClock{now: func() time.Time { return now }}
	wall.Reset()
	now = now.Add(1500 * time.Millisecond)
	assert.Equal(t, 1.5, wall.Seconds(0))
	now = now.Add(-time.Second)
	assert.Equal(t, 1.5, wall.Seconds(1), "never goes backwards")
}

func TestImmediateSchedulerLimit(t *testing.T) {
	s := NewImmediateScheduler(2)
	ctx := context.Background()
	assert.NoError(t, s.Next(ctx))
	assert.NoError(t, s.Next(ctx))
	assert.ErrorIs(t, s.Next(ctx), ErrScheduleDone)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, NewImmediateScheduler(0).Next(cancelled), context.Canceled)
}
