package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/LoopCam/internal/frame"
)

// SequenceSource replays a fixed list of frames. Without looping it reports
// ErrSourceUnavailable once the list is exhausted.
type SequenceSource struct {
	frames []*frame.Frame
	loop   bool

	mu      sync.Mutex
	next    int
	stopped bool
}

// NewSequenceSource creates a source over frames
func NewSequenceSource(frames []*frame.Frame, loop bool) *SequenceSource {
	return &SequenceSource{frames: frames, loop: loop}
}

// NewSequenceFromColors builds a sequence of solid frames from hex colours
func NewSequenceFromColors(colors []string, width, height int, loop bool) (*SequenceSource, error) {
	if len(colors) == 0 {
		return nil, fmt.Errorf("sequence source needs at least one color")
	}

	frames := make([]*frame.Frame, 0, len(colors))
	for _, s := range colors {
		c, err := frame.ParseColor(s)
		if err != nil {
			return nil, fmt.Errorf("invalid sequence color: %w", err)
		}
		frames = append(frames, frame.Solid(width, height, c))
	}
	return NewSequenceSource(frames, loop), nil
}

// Name returns the source name
func (s *SequenceSource) Name() string {
	return fmt.Sprintf("sequence(%d)", len(s.frames))
}

// Start is a no-op
func (s *SequenceSource) Start() error {
	return nil
}

// Stop ends the stream
func (s *SequenceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// NextFrame returns the next frame of the sequence
func (s *SequenceSource) NextFrame(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("%s: stopped: %w", s.Name(), ErrSourceUnavailable)
	}
	if s.next >= len(s.frames) {
		if !s.loop || len(s.frames) == 0 {
			return nil, fmt.Errorf("%s: exhausted: %w", s.Name(), ErrSourceUnavailable)
		}
		s.next = 0
	}

	f := s.frames[s.next]
	s.next++
	return f, nil
}
