package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
)

// FallbackSource reads from a primary source and switches to a replacement
// for good once the primary reports ErrSourceUnavailable. Errors from the
// replacement are returned as is.
type FallbackSource struct {
	primary     Source
	replacement Source

	mu       sync.RWMutex
	switched bool
	switches int
	started  bool
}

// NewFallbackSource creates a fallback source
func NewFallbackSource(primary, replacement Source) *FallbackSource {
	return &FallbackSource{primary: primary, replacement: replacement}
}

// Name returns the name of the active source
func (f *FallbackSource) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.switched {
		return f.replacement.Name()
	}
	return f.primary.Name()
}

// Switched reports whether the replacement is active
func (f *FallbackSource) Switched() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.switched
}

// Switches returns how many times the source changed (0 or 1)
func (f *FallbackSource) Switches() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.switches
}

// Start starts the primary, or the replacement directly if the primary
// cannot start.
func (f *FallbackSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started {
		return nil
	}

	if err := f.primary.Start(); err != nil {
		logger.WithComponent("capture").Warn().
			Err(err).
			Str("primary", f.primary.Name()).
			Msg("Primary source failed to start")
		if err := f.activateReplacement(); err != nil {
			return err
		}
	}

	f.started = true
	return nil
}

// Stop stops whichever sources were started
func (f *FallbackSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	if err := f.primary.Stop(); err != nil {
		errs = append(errs, err)
	}
	if f.switched {
		if err := f.replacement.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	f.started = false
	return errors.Join(errs...)
}

// NextFrame returns the active source's next frame
func (f *FallbackSource) NextFrame(ctx context.Context) (*frame.Frame, error) {
	f.mu.RLock()
	switched := f.switched
	f.mu.RUnlock()

	if switched {
		return f.replacement.NextFrame(ctx)
	}

	fr, err := f.primary.NextFrame(ctx)
	if err == nil || !errors.Is(err, ErrSourceUnavailable) {
		return fr, err
	}

	logger.WithComponent("capture").Warn().
		Err(err).
		Str("primary", f.primary.Name()).
		Str("replacement", f.replacement.Name()).
		Msg("Primary source lost, switching to replacement")

	f.mu.Lock()
	if !f.switched {
		f.primary.Stop()
		if err := f.activateReplacement(); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	f.mu.Unlock()

	return f.replacement.NextFrame(ctx)
}

// activateReplacement starts the replacement; callers hold mu
func (f *FallbackSource) activateReplacement() error {
	if err := f.replacement.Start(); err != nil {
		return fmt.Errorf("failed to start replacement source %s: %w", f.replacement.Name(), err)
	}
	f.switched = true
	f.switches++
	return nil
}
