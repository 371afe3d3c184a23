package transform

import (
	"fmt"
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

// Built-in transform names
const (
	Passthrough = "passthrough"
	Feedback    = "feedback"
	Difference  = "difference"
	Invert      = "invert"
)

var builtins = map[string]func() Transform{
	Passthrough: func() Transform { return passthrough{} },
	Feedback:    func() Transform { return feedback{} },
	Difference:  func() Transform { return difference{} },
	Invert:      func() Transform { return invert{} },
}

// Builtin returns the named built-in transform
func Builtin(name string) (Transform, error) {
	ctor, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("unknown builtin transform %q (available: %v)", name, BuiltinNames())
	}
	return ctor(), nil
}

// BuiltinNames lists the built-in transforms
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for k := range builtins {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NewPassthrough returns the identity transform over the source frame
func NewPassthrough() Transform {
	return passthrough{}
}

type passthrough struct{}

func (passthrough) Name() string { return Passthrough }
func (passthrough) Kind() Kind   { return KindBuiltin }

func (passthrough) Apply(dst *image.RGBA, in Input) error {
	b := dst.Bounds()
	draw.Draw(dst, b, in.Source, b.Min, draw.Src)
	return nil
}

// feedback blends the source over the previous output, sampled at an offset.
// Parameters: mix (weight of previous, default 0.85), offset (vec2 pixels).
type feedback struct{}

func (feedback) Name() string { return Feedback }
func (feedback) Kind() Kind   { return KindBuiltin }

func (feedback) Apply(dst *image.RGBA, in Input) error {
	mix := clamp01(in.Params.Float("mix", 0.85))
	off := in.Params.Vec2("offset", [2]float64{0, 0})
	dx, dy := int(math.Round(off[0])), int(math.Round(off[1]))

	b := dst.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		py := clampInt(y-dy, b.Min.Y, b.Max.Y-1)
		for x := b.Min.X; x < b.Max.X; x++ {
			px := clampInt(x-dx, b.Min.X, b.Max.X-1)
			s := in.Source.PixOffset(x, y)
			p := in.Previous.PixOffset(px, py)
			d := dst.PixOffset(x, y)
			for c := 0; c < 4; c++ {
				v := float64(in.Source.Pix[s+c])*(1-mix) + float64(in.Previous.Pix[p+c])*mix
				dst.Pix[d+c] = uint8(math.Round(v))
			}
		}
	}
	return nil
}

// difference shows per-channel |source - previous|, a cheap motion view
type difference struct{}

func (difference) Name() string { return Difference }
func (difference) Kind() Kind   { return KindBuiltin }

func (difference) Apply(dst *image.RGBA, in Input) error {
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			s, p := int(in.Source.Pix[i+c]), int(in.Previous.Pix[i+c])
			if s > p {
				dst.Pix[i+c] = uint8(s - p)
			} else {
				dst.Pix[i+c] = uint8(p - s)
			}
		}
		dst.Pix[i+3] = 255
	}
	return nil
}

type invert struct{}

func (invert) Name() string { return Invert }
func (invert) Kind() Kind   { return KindBuiltin }

func (invert) Apply(dst *image.RGBA, in Input) error {
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		dst.Pix[i] = 255 - in.Source.Pix[i]
		dst.Pix[i+1] = 255 - in.Source.Pix[i+1]
		dst.Pix[i+2] = 255 - in.Source.Pix[i+2]
		dst.Pix[i+3] = in.Source.Pix[i+3]
	}
	return nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
