package pipeline

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/bryanchriswhite/LoopCam/internal/capture"
	"github.com/bryanchriswhite/LoopCam/internal/compositor"
	"github.com/bryanchriswhite/LoopCam/internal/config"
	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
	"github.com/bryanchriswhite/LoopCam/internal/output"
	"github.com/bryanchriswhite/LoopCam/internal/overlay"
	"github.com/bryanchriswhite/LoopCam/internal/transform"
)

// Assembly is a loop built from configuration, together with the parts the
// API and CLI reach into
type Assembly struct {
	Loop     *Loop
	Sink     output.Sink
	Slot     *transform.Slot
	Overlays *overlay.Manager
	Watcher  *transform.Watcher // nil unless a script is watched
}

// InitialTransform returns the transform selected by cfg: the script when
// a path is set, otherwise the named built-in
func InitialTransform(cfg config.TransformConfig) (transform.Transform, error) {
	if cfg.ScriptPath != "" {
		return transform.LoadScriptFile(cfg.ScriptPath)
	}
	name := cfg.Builtin
	if name == "" {
		name = transform.Passthrough
	}
	return transform.Builtin(name)
}

// Assemble builds every pipeline component described by cfg. clock may be
// nil for wall-clock time. Nothing is started.
func Assemble(cfg *config.Config, clock Clock) (*Assembly, error) {
	pc := cfg.Pipeline

	var bg *color.RGBA
	if pc.Background != "" {
		c, err := frame.ParseColor(pc.Background)
		if err != nil {
			return nil, fmt.Errorf("invalid background: %w", err)
		}
		bg = &c
	}

	initial, err := InitialTransform(cfg.Transform)
	if err != nil {
		return nil, fmt.Errorf("failed to load transform: %w", err)
	}
	slot := transform.NewSlot(initial)

	values, err := cfg.Transform.ParamValues()
	if err != nil {
		return nil, err
	}
	params := transform.NewStore(values)

	overlays := overlay.NewManager()
	overlays.SetEnabled(cfg.Overlay.Enabled)
	if err := overlays.LoadFromConfig(cfg.Overlay.Layers); err != nil {
		return nil, fmt.Errorf("failed to load overlays: %w", err)
	}

	comp, err := compositor.New(compositor.Config{Width: pc.Width, Height: pc.Height, Background: bg}, slot, overlays)
	if err != nil {
		return nil, err
	}

	source, err := capture.NewFromConfig(cfg.Source, pc.Width, pc.Height, pc.FPS)
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	sink, outCfg, err := output.FromConfig(cfg.Sink, pc)
	if err != nil {
		return nil, err
	}

	loop, err := New(Options{Output: outCfg, Background: bg, Clock: clock}, source, comp, sink, params)
	if err != nil {
		return nil, err
	}

	a := &Assembly{
		Loop:     loop,
		Sink:     sink,
		Slot:     slot,
		Overlays: overlays,
	}

	if cfg.Transform.ScriptPath != "" && cfg.Transform.Watch {
		a.Watcher, err = transform.NewWatcher(cfg.Transform.ScriptPath, slot)
		if err != nil {
			return nil, err
		}
	}

	logger.WithComponent("pipeline").Debug().
		Str("source", source.Name()).
		Str("sink", sink.Name()).
		Str("transform", initial.Name()).
		Int("layers", len(overlays.GetAllLayers())).
		Msg("Pipeline assembled")
	return a, nil
}

// Start starts the loop and the script watcher
func (a *Assembly) Start() error {
	if err := a.Loop.Start(); err != nil {
		return err
	}
	if a.Watcher != nil {
		if err := a.Watcher.Start(); err != nil {
			a.Loop.Stop()
			return fmt.Errorf("failed to watch script: %w", err)
		}
	}
	return nil
}

// Close stops the watcher and the loop
func (a *Assembly) Close() error {
	var errs []error
	if a.Watcher != nil {
		errs = append(errs, a.Watcher.Stop())
	}
	errs = append(errs, a.Loop.Stop())
	return errors.Join(errs...)
}
