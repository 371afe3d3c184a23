// Package pipeline drives the compositing loop: one tick pulls a source
// frame, composites it against the previous output, pushes the result to
// the output session and swaps the double buffer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/LoopCam/internal/capture"
	"github.com/bryanchriswhite/LoopCam/internal/compositor"
	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
	"github.com/bryanchriswhite/LoopCam/internal/output"
	"github.com/bryanchriswhite/LoopCam/internal/transform"
)

// ErrInvalidState is returned for operations not allowed in the loop's
// current state
var ErrInvalidState = errors.New("invalid pipeline state")

// State is the loop lifecycle state
type State int32

const (
	// StateIdle has no resources allocated
	StateIdle State = iota
	// StateRunning accepts ticks
	StateRunning
	// StateDraining is closing the session after a shutdown request or a
	// fatal source error
	StateDraining
	// StateStopped is terminal
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats are the loop counters
type Stats struct {
	State            string        `json:"state"`
	Source           string        `json:"source"`
	Session          string        `json:"session,omitempty"`
	Ticks            uint64        `json:"ticks"`
	Pushed           uint64        `json:"pushed"`
	SourceMisses     uint64        `json:"source_misses"`
	SinkWriteErrors  uint64        `json:"sink_write_errors"`
	TransformErrors  uint64        `json:"transform_errors"`
	SourceSwitches   int           `json:"source_switches"`
	Resets           uint64        `json:"resets"`
	LastTickDuration time.Duration `json:"last_tick_duration_ns"`
	Time             float64       `json:"time"`
}

// Options configure a Loop
type Options struct {
	// Output is the session configuration; its geometry is the pipeline
	// geometry
	Output output.Config

	// Background clears the feedback buffer at start and on reset. Nil
	// means transparent black.
	Background *color.RGBA

	// Clock supplies the time parameter. Defaults to a WallClock.
	Clock Clock
}

// switcher is implemented by sources that can change underneath the loop
type switcher interface {
	Switches() int
}

// Loop is the driving state machine. Step and Run must be called from one
// goroutine; Stop, RequestReset, State and Stats are safe from any.
type Loop struct {
	opts   Options
	source capture.Source
	comp   *compositor.Compositor
	sink   output.Sink
	params *transform.Store
	clock  Clock

	state atomic.Int32
	reset atomic.Bool

	// tickMu is held for a whole tick so Stop waits for the in-flight one
	tickMu  sync.Mutex
	buffers *frame.DoubleBuffer
	session output.Session
	tick    uint64

	statsMu sync.RWMutex
	stats   Stats
}

// New creates an idle loop. params may be nil.
func New(opts Options, source capture.Source, comp *compositor.Compositor, sink output.Sink, params *transform.Store) (*Loop, error) {
	if source == nil || comp == nil || sink == nil {
		return nil, errors.New("pipeline requires a source, compositor and sink")
	}
	b := comp.Bounds()
	if b.Dx() != opts.Output.Width || b.Dy() != opts.Output.Height {
		return nil, fmt.Errorf("compositor geometry %dx%d does not match output %dx%d",
			b.Dx(), b.Dy(), opts.Output.Width, opts.Output.Height)
	}
	if params == nil {
		params = transform.NewStore(nil)
	}
	clock := opts.Clock
	if clock == nil {
		clock = NewWallClock()
	}

	l := &Loop{
		opts:   opts,
		source: source,
		comp:   comp,
		sink:   sink,
		params: params,
		clock:  clock,
	}
	l.stats.State = StateIdle.String()
	l.stats.Source = source.Name()
	return l, nil
}

// State returns the current lifecycle state
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	l.statsMu.Lock()
	l.stats.State = s.String()
	l.statsMu.Unlock()
}

// Params returns the parameter store read at every tick
func (l *Loop) Params() *transform.Store {
	return l.params
}

// Compositor returns the loop's compositor
func (l *Loop) Compositor() *compositor.Compositor {
	return l.comp
}

// Stats returns a copy of the counters
func (l *Loop) Stats() Stats {
	l.statsMu.RLock()
	defer l.statsMu.RUnlock()
	return l.stats
}

// RequestReset clears the feedback buffer at the next tick boundary
func (l *Loop) RequestReset() {
	l.reset.Store(true)
}

func (l *Loop) background() color.RGBA {
	if l.opts.Background != nil {
		return *l.opts.Background
	}
	return color.RGBA{}
}

// Start allocates the buffers, starts the source and opens the output
// session. On failure the loop stays idle with nothing allocated.
func (l *Loop) Start() error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	if l.State() != StateIdle {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, l.State())
	}

	log := logger.WithComponent("pipeline")

	if err := l.source.Start(); err != nil {
		return fmt.Errorf("failed to start source %s: %w", l.source.Name(), err)
	}

	session, err := l.sink.Open(l.opts.Output)
	if err != nil {
		if stopErr := l.source.Stop(); stopErr != nil {
			log.Warn().Err(stopErr).Msg("Failed to stop source after sink error")
		}
		return fmt.Errorf("failed to open %s sink: %w", l.sink.Name(), err)
	}

	l.buffers = frame.NewDoubleBuffer(l.opts.Output.Width, l.opts.Output.Height, l.background())
	l.session = session
	l.tick = 0
	l.clock.Reset()

	l.statsMu.Lock()
	l.stats.Session = session.ID()
	l.stats.Source = l.source.Name()
	l.statsMu.Unlock()
	l.setState(StateRunning)

	log.Info().
		Str("source", l.source.Name()).
		Str("sink", l.sink.Name()).
		Str("session", session.ID()).
		Int("width", l.opts.Output.Width).
		Int("height", l.opts.Output.Height).
		Msg("Pipeline started")
	return nil
}

// Step runs exactly one tick: next frame, composite, push, swap. A source
// that becomes unavailable drains and stops the loop and the error is
// returned. Sink write and transform errors are counted and logged; the
// tick still completes.
func (l *Loop) Step(ctx context.Context) error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	if l.State() != StateRunning {
		return fmt.Errorf("%w: cannot step while %s", ErrInvalidState, l.State())
	}

	log := logger.WithComponent("pipeline")
	started := time.Now()

	if l.reset.Swap(false) {
		if err := l.buffers.ResetPrevious(l.background()); err != nil {
			return fmt.Errorf("failed to reset feedback buffer: %w", err)
		}
		l.statsMu.Lock()
		l.stats.Resets++
		l.statsMu.Unlock()
		log.Info().Uint64("tick", l.tick).Msg("Feedback buffer reset")
	}

	src, err := l.source.NextFrame(ctx)
	if err != nil {
		switch {
		case errors.Is(err, capture.ErrSourceUnavailable):
			log.Error().Err(err).Str("source", l.source.Name()).Msg("Source unavailable, draining")
			l.shutdown()
			return fmt.Errorf("tick %d: %w", l.tick, err)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Warn().Err(err).Str("source", l.source.Name()).Msg("Source error, compositing without a frame")
			src = nil
		}
	}

	params := l.params.Snapshot()
	seconds := l.clock.Seconds(l.tick)
	params[transform.ParamTime] = transform.Scalar(seconds)
	params[transform.ParamTick] = transform.Scalar(float64(l.tick))

	out, err := l.comp.Composite(src, l.buffers.Previous(), l.buffers.Current(), params)
	transformFailed := false
	if err != nil {
		if !errors.Is(err, transform.ErrTransformRuntime) || out == nil {
			return fmt.Errorf("tick %d: failed to composite: %w", l.tick, err)
		}
		transformFailed = true
	}

	pushErr := l.session.Push(out)
	if pushErr != nil {
		log.Warn().Err(pushErr).Uint64("tick", l.tick).Msg("Failed to push frame")
	}

	l.buffers.Swap()
	l.tick++

	l.statsMu.Lock()
	l.stats.Ticks = l.tick
	l.stats.Time = seconds
	l.stats.LastTickDuration = time.Since(started)
	l.stats.Source = l.source.Name()
	if src == nil {
		l.stats.SourceMisses++
	}
	if transformFailed {
		l.stats.TransformErrors++
	}
	if pushErr != nil {
		l.stats.SinkWriteErrors++
	} else {
		l.stats.Pushed++
	}
	if s, ok := l.source.(switcher); ok {
		l.stats.SourceSwitches = s.Switches()
	}
	l.statsMu.Unlock()

	return nil
}

// Run steps the loop on every scheduler tick until the context is done,
// the scheduler runs out or the source fails. The loop is stopped when Run
// returns; only a fatal source error is returned.
func (l *Loop) Run(ctx context.Context, sched Scheduler) error {
	if l.State() != StateRunning {
		return fmt.Errorf("%w: cannot run while %s", ErrInvalidState, l.State())
	}
	defer sched.Stop()

	for {
		if err := sched.Next(ctx); err != nil {
			l.Stop()
			if errors.Is(err, ErrScheduleDone) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := l.Step(ctx); err != nil {
			switch {
			case errors.Is(err, capture.ErrSourceUnavailable):
				return err
			case errors.Is(err, ErrInvalidState):
				// stopped from another goroutine
				return nil
			case ctx.Err() != nil:
				l.Stop()
				return nil
			default:
				l.Stop()
				return err
			}
		}
	}
}

// Stop waits for the in-flight tick, closes the session and stops the
// source. It is safe to call more than once.
func (l *Loop) Stop() error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	switch l.State() {
	case StateStopped:
		return nil
	case StateIdle:
		l.setState(StateStopped)
		return nil
	}
	return l.shutdown()
}

// shutdown drains the loop; callers hold tickMu
func (l *Loop) shutdown() error {
	l.setState(StateDraining)

	var errs []error
	if err := l.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close session: %w", err))
	}
	if err := l.source.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop source: %w", err))
	}
	l.setState(StateStopped)

	stats := l.Stats()
	logger.WithComponent("pipeline").Info().
		Uint64("ticks", stats.Ticks).
		Uint64("pushed", stats.Pushed).
		Uint64("sink_write_errors", stats.SinkWriteErrors).
		Uint64("transform_errors", stats.TransformErrors).
		Msg("Pipeline stopped")

	return errors.Join(errs...)
}
