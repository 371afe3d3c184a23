package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/bryanchriswhite/LoopCam/internal/frame"
)

// Pattern names
const (
	PatternBars     = "bars"
	PatternGradient = "gradient"
	PatternChecker  = "checker"
	PatternSolid    = "solid"
)

var barColors = []color.RGBA{
	{255, 255, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{0, 255, 0, 255},
	{255, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 0, 255, 255},
	{0, 0, 0, 255},
}

// PatternSource generates test patterns. Frame n depends only on n, so runs
// are reproducible.
type PatternSource struct {
	pattern string
	width   int
	height  int
	color   color.RGBA

	mu      sync.Mutex
	tick    uint64
	stopped bool
}

// NewPatternSource creates a pattern source. An empty pattern selects bars.
func NewPatternSource(pattern string, width, height int) (*PatternSource, error) {
	if pattern == "" {
		pattern = PatternBars
	}
	switch pattern {
	case PatternBars, PatternGradient, PatternChecker, PatternSolid:
	default:
		return nil, fmt.Errorf("unknown pattern: %s", pattern)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid pattern geometry %dx%d", width, height)
	}

	return &PatternSource{
		pattern: pattern,
		width:   width,
		height:  height,
		color:   color.RGBA{0, 0, 0, 255},
	}, nil
}

// SetColor sets the colour of the solid pattern
func (p *PatternSource) SetColor(c color.RGBA) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.color = c
}

// Name returns the source name
func (p *PatternSource) Name() string {
	return "pattern:" + p.pattern
}

// Start is a no-op; patterns need no resources
func (p *PatternSource) Start() error {
	return nil
}

// Stop ends the stream
func (p *PatternSource) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

// NextFrame renders the next pattern frame. It never blocks.
func (p *PatternSource) NextFrame(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", p.Name(), ErrSourceUnavailable)
	}
	tick := p.tick
	p.tick++
	p.mu.Unlock()

	return p.FrameAt(tick), nil
}

// FrameAt renders the frame for tick n
func (p *PatternSource) FrameAt(n uint64) *frame.Frame {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	w, h := p.width, p.height
	shift := int(n % uint64(w))

	switch p.pattern {
	case PatternSolid:
		p.mu.Lock()
		c := p.color
		p.mu.Unlock()
		frame.Fill(img, c)
	case PatternBars:
		for x := 0; x < w; x++ {
			c := barColors[((x+shift)%w)*len(barColors)/w]
			for y := 0; y < h; y++ {
				img.SetRGBA(x, y, c)
			}
		}
	case PatternGradient:
		t := int(n)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := img.PixOffset(x, y)
				img.Pix[off] = uint8((x*256/w + t*4) % 256)
				img.Pix[off+1] = uint8((y*256/h + t*2) % 256)
				img.Pix[off+2] = uint8(((x+y)*256/(w+h) + t*3) % 256)
				img.Pix[off+3] = 255
			}
		}
	case PatternChecker:
		const cell = 8
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.RGBA{0, 0, 0, 255}
				if ((x+shift)/cell+y/cell)%2 == 0 {
					c = color.RGBA{255, 255, 255, 255}
				}
				img.SetRGBA(x, y, c)
			}
		}
	}

	return frame.New(img, n)
}
